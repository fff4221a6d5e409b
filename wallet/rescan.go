// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// rescanWindow is subtracted from a rescan's start timestamp since block
// timestamps are only loosely ordered.
const rescanWindow = 2 * time.Hour

// errRescanInterrupted is reported for a rescan stopped by a shutdown.
var errRescanInterrupted = errors.New("rescan interrupted")

// rescanState tracks the single rescan the wallet may run.
type rescanState struct {
	// active is set while a worker is running.
	active bool

	// start is the timestamp the rescan was requested from.
	start uint32

	// fromHeight and toHeight bound the scanned blocks; progress is the
	// last scanned height.
	fromHeight int32
	toHeight   int32
	progress   fn.Option[int32]

	// lastErr is the error that halted the last rescan.
	lastErr error
}

// RescanStatus describes the current or last rescan.
type RescanStatus struct {
	// Active is set while a rescan is running.
	Active bool

	// Progress is the fraction of blocks scanned, set while a rescan is
	// active.
	Progress fn.Option[float64]

	// Err is the error that halted the last rescan, if any.
	Err error
}

// RescanStatus returns the state of the rescan. A rescan halted by an error
// or a shutdown is no longer active; it reports the error in Err until a new
// rescan is started.
func (w *Wallet) RescanStatus() RescanStatus {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	status := RescanStatus{
		Active: w.rescan.active,
		Err:    w.rescan.lastErr,
	}
	if !w.rescan.active {
		return status
	}

	total := w.rescan.toHeight - w.rescan.fromHeight + 1
	done := w.rescan.progress.UnwrapOr(w.rescan.fromHeight-1) -
		w.rescan.fromHeight + 1
	progress := 1.0
	if total > 0 {
		progress = float64(done) / float64(total)
	}
	status.Progress = fn.Some(progress)

	return status
}

// StartRescan scans the chain for wallet coins from the block at timestamp
// up to the current tip. It returns as soon as the scan is started.
func (w *Wallet) StartRescan(timestamp uint32) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.rescan.active {
		return walletError(ErrRescanAlreadyInProgress,
			"a rescan is already in progress", nil)
	}

	genesis := w.policy.Params().GenesisBlock.Header.Timestamp
	if int64(timestamp) < genesis.Unix() {
		return invalidParams("timestamp %d is before the genesis "+
			"block", timestamp)
	}
	if int64(timestamp) > time.Now().Unix() {
		return invalidParams("timestamp %d is in the future",
			timestamp)
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		return putRescan(tx, timestamp, fn.None[int32]())
	})
	if err != nil {
		return dbError("failed to store rescan", err)
	}

	w.rescan = rescanState{
		active:     true,
		start:      timestamp,
		fromHeight: 0,
		toHeight:   w.tip.Height,
	}

	log.Infof("Starting rescan from %v", time.Unix(int64(timestamp), 0))

	w.wg.Add(1)
	go w.rescanWorker(timestamp, w.tip.Height)

	return nil
}

// rescanWorker runs a rescan and records its outcome. A halted rescan
// keeps its record so its progress stays visible; it is not resumed.
func (w *Wallet) rescanWorker(timestamp uint32, toHeight int32) {
	defer w.wg.Done()

	err := w.runRescan(timestamp, toHeight)

	w.mtx.Lock()
	defer w.mtx.Unlock()

	// Chain sync skips spends of coins the rescan has not found yet, so
	// the blocks it connected meanwhile are scanned again. The worker
	// only finishes once it has caught up with the tip under the lock.
	for err == nil && w.tip.Height > toHeight {
		from, to := toHeight+1, w.tip.Height
		w.rescan.toHeight = to
		w.mtx.Unlock()

		log.Debugf("Rescanning blocks %d to %d connected during the "+
			"rescan", from, to)

		err = w.scanBlocks(timestamp, from, to)
		toHeight = to

		w.mtx.Lock()
	}

	w.rescan.active = false
	if err != nil {
		w.rescan.lastErr = err
		log.Errorf("Rescan halted: %v", err)
		return
	}

	err = walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		return deleteRescan(tx)
	})
	if err != nil {
		log.Errorf("Unable to clear finished rescan: %v", err)
	}

	w.rescan = rescanState{}
	log.Infof("Finished rescan through height %d", toHeight)
}

// runRescan scans the blocks from the rescan start up to toHeight.
func (w *Wallet) runRescan(timestamp uint32, toHeight int32) error {
	target := time.Unix(int64(timestamp), 0).Add(-rescanWindow)
	fromHeight, err := w.findStartHeight(target, toHeight)
	if err != nil {
		return walletError(ErrNodeUnavailable,
			"unable to locate the rescan start block", err)
	}

	w.mtx.Lock()
	w.rescan.fromHeight = fromHeight
	w.mtx.Unlock()

	log.Infof("Rescanning blocks %d to %d", fromHeight, toHeight)

	return w.scanBlocks(timestamp, fromHeight, toHeight)
}

// scanBlocks applies the blocks from fromHeight to toHeight in order.
func (w *Wallet) scanBlocks(timestamp uint32, fromHeight,
	toHeight int32) error {

	for height := fromHeight; height <= toHeight; height++ {
		select {
		case <-w.quit:
			return errRescanInterrupted
		default:
		}

		hash, err := w.chain.BlockHash(height)
		if err != nil {
			return walletError(ErrNodeUnavailable, fmt.Sprintf(
				"unable to fetch block hash at height %d",
				height), err)
		}
		block, err := w.chain.Block(hash)
		if err != nil {
			return walletError(ErrNodeUnavailable, fmt.Sprintf(
				"unable to fetch block %v", hash), err)
		}

		if err := w.rescanBlock(timestamp, height, block); err != nil {
			return err
		}
	}

	return nil
}

// rescanBlock applies one scanned block and records the progress.
func (w *Wallet) rescanBlock(timestamp uint32, height int32,
	block *wire.MsgBlock) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.processBlock(height, block); err != nil {
		return err
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		return putRescan(tx, timestamp, fn.Some(height))
	})
	if err != nil {
		return dbError("failed to store rescan progress", err)
	}

	w.rescan.progress = fn.Some(height)

	return nil
}

// findStartHeight returns the first block at or below maxHeight whose
// timestamp is not before target, by binary search over block headers.
func (w *Wallet) findStartHeight(target time.Time, maxHeight int32) (int32,
	error) {

	lo, hi := int32(0), maxHeight
	for lo < hi {
		mid := lo + (hi-lo)/2

		hash, err := w.chain.BlockHash(mid)
		if err != nil {
			return 0, err
		}
		header, err := w.chain.BlockHeader(hash)
		if err != nil {
			return 0, err
		}

		if header.Timestamp.Before(target) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo, nil
}
