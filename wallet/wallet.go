// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/csvwallet/chain"
	"github.com/btcsuite/csvwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config holds what a wallet needs to open.
type Config struct {
	// DB is the wallet database. It is shared with nobody else.
	DB walletdb.DB

	// Policy is the wallet descriptor. A database created for another
	// descriptor is refused.
	Policy *descriptor.Policy

	// Chain is a started client of the node.
	Chain chain.NodeClient

	// SyncInterval is the node polling interval, DefaultSyncInterval if
	// zero.
	SyncInterval time.Duration

	// Lookahead is the number of unused scripts watched on each branch,
	// DefaultLookahead if zero.
	Lookahead uint32
}

// Wallet is the wallet control engine. Every public method holds the
// wallet lock for its whole duration, so operations are serialized. Chain
// sync and rescans talk to the node without the lock and take it to apply
// each block.
type Wallet struct {
	mtx sync.Mutex

	db        walletdb.DB
	policy    *descriptor.Policy
	chain     chain.NodeClient
	finalizer *descriptor.Finalizer

	coins   *coinStore
	scripts *scriptIndex

	// drafts are the spend drafts by txid. reservations maps every input
	// of a draft to that draft.
	drafts       map[chainhash.Hash]*Draft
	reservations map[wire.OutPoint]chainhash.Hash

	tip        BlockStamp
	nodeHeight int32
	created    time.Time
	rescan     rescanState

	syncInterval time.Duration

	started  bool
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Open loads the wallet stored in cfg.DB, initializing the database on
// first use. A new wallet starts watching the chain from the node's
// current tip.
func Open(cfg *Config) (*Wallet, error) {
	if cfg.DB == nil || cfg.Policy == nil || cfg.Chain == nil {
		return nil, errors.New("wallet config needs a database, a " +
			"descriptor and a node client")
	}

	w := &Wallet{
		db:           cfg.DB,
		policy:       cfg.Policy,
		chain:        cfg.Chain,
		finalizer:    descriptor.NewFinalizer(cfg.Policy),
		drafts:       make(map[chainhash.Hash]*Draft),
		reservations: make(map[wire.OutPoint]chainhash.Hash),
		syncInterval: cfg.SyncInterval,
		quit:         make(chan struct{}),
	}
	if w.syncInterval == 0 {
		w.syncInterval = DefaultSyncInterval
	}
	lookahead := cfg.Lookahead
	if lookahead == 0 {
		lookahead = DefaultLookahead
	}

	if err := w.initDB(); err != nil {
		return nil, err
	}

	var (
		nextReceive, nextChange uint32
		tip                     *BlockStamp
		haveTip                 bool
		drafts                  []*Draft
		rescanStart             uint32
		rescanProgress          fn.Option[int32]
		haveRescan              bool
	)
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		nextReceive, _ = fetchUint32(tx, metaReceiveIdx)
		nextChange, _ = fetchUint32(tx, metaChangeIdx)
		w.created, _ = fetchCreateDate(tx)
		tip, haveTip = fetchTip(tx)

		err := forEachDraft(tx, func(d *Draft) {
			drafts = append(drafts, d)
		})
		if err != nil {
			return err
		}

		rescanStart, rescanProgress, haveRescan, err = fetchRescan(tx)
		return err
	})
	if err != nil {
		return nil, dbError("failed to load wallet", err)
	}

	w.scripts, err = newScriptIndex(
		w.policy, lookahead, nextReceive, nextChange,
	)
	if err != nil {
		return nil, err
	}

	w.coins, err = newCoinStore(w.db)
	if err != nil {
		return nil, err
	}

	for _, d := range drafts {
		w.storeDraft(d)
	}

	if haveRescan {
		w.rescan = rescanState{
			start:    rescanStart,
			progress: rescanProgress,
			lastErr: fmt.Errorf("%w before completion (last scanned "+
				"height %d)", errRescanInterrupted,
				rescanProgress.UnwrapOr(-1)),
		}
	}

	if !haveTip {
		tip, err = w.initTip()
		if err != nil {
			return nil, err
		}
	}
	w.tip = *tip
	w.nodeHeight = tip.Height

	log.Infof("Opened wallet at height %d with %d %s and %d %s",
		w.tip.Height, len(w.coins.coins),
		pickNoun(len(w.coins.coins), "coin", "coins"), len(w.drafts),
		pickNoun(len(w.drafts), "spend", "spends"))

	return w, nil
}

// initDB creates the buckets and stores the descriptor of a new database,
// or checks the descriptor of an existing one.
func (w *Wallet) initDB() error {
	desc := w.policy.String()

	var mismatch string
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if err := createBuckets(tx); err != nil {
			return err
		}

		stored, ok := fetchDescriptor(tx)
		if ok {
			if stored != desc {
				mismatch = stored
			}
			return nil
		}

		if err := putUint32(tx, metaVersion, LatestVersion); err != nil {
			return err
		}
		if err := putCreateDate(tx, time.Now()); err != nil {
			return err
		}

		return putDescriptor(tx, desc)
	})
	if err != nil {
		return dbError("failed to initialize database", err)
	}
	if mismatch != "" {
		return invalidParams("database belongs to descriptor %s", mismatch)
	}

	return nil
}

// initTip records the node's current tip as the tip of a new wallet.
func (w *Wallet) initTip() (*BlockStamp, error) {
	hash, height, err := w.chain.ChainTip()
	if err != nil {
		return nil, walletError(ErrNodeUnavailable,
			"unable to fetch the chain tip", err)
	}

	tip := &BlockStamp{Height: height, Hash: *hash}
	err = walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if err := putBlockHash(tx, height, hash); err != nil {
			return err
		}

		return putTip(tx, tip)
	})
	if err != nil {
		return nil, dbError("failed to store tip", err)
	}

	return tip, nil
}

// Start launches chain synchronization.
func (w *Wallet) Start() {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.started {
		return
	}
	w.started = true

	w.wg.Add(1)
	go w.syncHandler()
}

// Stop signals every goroutine of the wallet to exit and waits for them.
func (w *Wallet) Stop() {
	w.quitOnce.Do(func() {
		close(w.quit)
	})
	w.wg.Wait()
}

// ShuttingDown returns whether the wallet is being stopped.
func (w *Wallet) ShuttingDown() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

// Policy returns the wallet descriptor.
func (w *Wallet) Policy() *descriptor.Policy {
	return w.policy
}

// Info summarizes the wallet state.
type Info struct {
	// Network is the name of the wallet's network.
	Network string

	// BlockHeight is the height of the wallet tip.
	BlockHeight int32

	// Sync is the wallet tip height over the node's, between 0 and 1.
	Sync float64

	// Descriptor is the wallet descriptor string.
	Descriptor string

	// Rescan is the state of the rescan.
	Rescan RescanStatus

	// Created is the wallet creation time.
	Created time.Time
}

// Info returns a summary of the wallet state.
func (w *Wallet) Info() *Info {
	rescan := w.RescanStatus()

	w.mtx.Lock()
	defer w.mtx.Unlock()

	syncRatio := 1.0
	if w.nodeHeight > 0 && w.tip.Height < w.nodeHeight {
		syncRatio = float64(w.tip.Height) / float64(w.nodeHeight)
	}

	return &Info{
		Network:     w.policy.Params().Name,
		BlockHeight: w.tip.Height,
		Sync:        syncRatio,
		Descriptor:  w.policy.String(),
		Rescan:      rescan,
		Created:     w.created,
	}
}

// ListCoins returns the coins whose status is in statuses and whose
// outpoint is in outpoints, ordered by outpoint. An empty filter matches
// everything.
func (w *Wallet) ListCoins(statuses fn.Set[CoinStatus],
	outpoints fn.Set[wire.OutPoint]) []*Coin {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.coins.CoinsMatching(statuses, outpoints)
}

// Tip returns the last block the wallet processed.
func (w *Wallet) Tip() BlockStamp {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.tip
}
