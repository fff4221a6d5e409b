// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxRecord is a transaction paying to or spending from the wallet.
type TxRecord struct {
	Tx *wire.MsgTx

	// BlockHeight and BlockTime are set once the transaction is mined.
	BlockHeight fn.Option[int32]
	BlockTime   fn.Option[time.Time]
}

// BlockStamp identifies a block of the main chain.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
}

// ListTransactions returns the wallet transactions among txids. Unknown
// txids are skipped.
func (w *Wallet) ListTransactions(txids []chainhash.Hash) ([]*TxRecord,
	error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	var recs []*TxRecord
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		for i := range txids {
			rec, err := fetchTxRecord(tx, &txids[i])
			if err != nil {
				return err
			}
			if rec != nil {
				recs = append(recs, rec)
			}
		}

		return nil
	})
	if err != nil {
		return nil, dbError("failed to fetch transactions", err)
	}

	return recs, nil
}

// ListConfirmed returns up to limit wallet transactions mined between the
// start and end heights, inclusive, most recent first.
func (w *Wallet) ListConfirmed(start, end int32, limit uint64) ([]*TxRecord,
	error) {

	if start > end {
		return nil, invalidParams("start height %d is above end "+
			"height %d", start, end)
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	var recs []*TxRecord
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		return forEachTxRecord(tx, func(rec *TxRecord) error {
			height := rec.BlockHeight.UnwrapOr(-1)
			if height >= start && height <= end {
				recs = append(recs, rec)
			}

			return nil
		})
	})
	if err != nil {
		return nil, dbError("failed to fetch transactions", err)
	}

	sort.Slice(recs, func(i, j int) bool {
		hi := recs[i].BlockHeight.UnwrapOr(-1)
		hj := recs[j].BlockHeight.UnwrapOr(-1)
		if hi != hj {
			return hi > hj
		}

		ti, tj := recs[i].Tx.TxHash(), recs[j].Tx.TxHash()
		return bytes.Compare(ti[:], tj[:]) < 0
	})

	if uint64(len(recs)) > limit {
		recs = recs[:limit]
	}

	return recs, nil
}

// recordTx stores a relevant transaction seen in a block at height.
func recordTx(tx walletdb.ReadWriteTx, msgTx *wire.MsgTx, height int32,
	blockTime time.Time) error {

	return putTxRecord(tx, &TxRecord{
		Tx:          msgTx,
		BlockHeight: fn.Some(height),
		BlockTime:   fn.Some(blockTime),
	})
}

// unconfirmTxsAbove clears the block of every transaction mined above
// forkHeight.
func unconfirmTxsAbove(tx walletdb.ReadWriteTx, forkHeight int32) error {
	var reverted []*TxRecord
	err := forEachTxRecord(tx, func(rec *TxRecord) error {
		if rec.BlockHeight.UnwrapOr(-1) > forkHeight {
			reverted = append(reverted, rec)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, rec := range reverted {
		rec.BlockHeight = fn.None[int32]()
		rec.BlockTime = fn.None[time.Time]()
		if err := putTxRecord(tx, rec); err != nil {
			return err
		}
	}

	return nil
}
