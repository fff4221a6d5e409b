// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultSyncInterval is how often the node is polled for new blocks.
const DefaultSyncInterval = 30 * time.Second

// syncHandler polls the node and follows its best chain until the wallet
// is stopped.
func (w *Wallet) syncHandler() {
	defer w.wg.Done()

	t := ticker.New(w.syncInterval)
	t.Resume()
	defer t.Stop()

	for {
		if err := w.syncChain(); err != nil {
			log.Warnf("Unable to synchronize wallet to chain: %v", err)
		}

		select {
		case <-t.Ticks():
		case <-w.quit:
			return
		}
	}
}

// syncChain brings the wallet tip to the node's best block, reverting any
// block the node no longer has on its chain first. Blocks are fetched
// without holding the wallet lock; each block is applied under it.
func (w *Wallet) syncChain() error {
	nodeHash, nodeHeight, err := w.chain.ChainTip()
	if err != nil {
		return err
	}

	w.mtx.Lock()
	w.nodeHeight = nodeHeight
	tip := w.tip
	w.mtx.Unlock()

	if tip.Hash == *nodeHash {
		return nil
	}

	fork, err := w.findFork(tip.Height, nodeHeight)
	if err != nil {
		return err
	}
	if fork.Height < tip.Height {
		if err := w.disconnectAbove(fork); err != nil {
			return err
		}
	}

	for height := fork.Height + 1; height <= nodeHeight; height++ {
		select {
		case <-w.quit:
			return nil
		default:
		}

		hash, err := w.chain.BlockHash(height)
		if err != nil {
			return err
		}
		block, err := w.chain.Block(hash)
		if err != nil {
			return err
		}

		connected, err := w.connectBlock(height, hash, block)
		if err != nil {
			return err
		}

		// The tip moved under us, the next poll starts over.
		if !connected {
			return nil
		}
	}

	return nil
}

// findFork returns the most recent block the wallet and the node agree on,
// at or below height. Below the first recorded block the wallet has nothing
// to revert and the node's block at that height is taken.
func (w *Wallet) findFork(height, nodeHeight int32) (*BlockStamp, error) {
	for ; height > 0; height-- {
		var (
			stored *chainhash.Hash
			ok     bool
		)
		err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
			stored, ok = fetchBlockHash(tx, height)
			return nil
		})
		if err != nil {
			return nil, dbError("failed to fetch block hash", err)
		}

		// The node's chain may be shorter than ours after a reorg.
		if height > nodeHeight {
			continue
		}

		nodeHash, err := w.chain.BlockHash(height)
		if err != nil {
			return nil, err
		}
		if !ok || *nodeHash == *stored {
			return &BlockStamp{Height: height, Hash: *nodeHash}, nil
		}
	}

	return &BlockStamp{Hash: *w.policy.Params().GenesisHash}, nil
}

// disconnectAbove reverts every block above fork and makes it the tip.
func (w *Wallet) disconnectAbove(fork *BlockStamp) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	oldTip := w.tip
	if oldTip.Height <= fork.Height {
		return nil
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if err := unconfirmTxsAbove(tx, fork.Height); err != nil {
			return err
		}
		err := deleteBlockHashes(tx, fork.Height+1, oldTip.Height)
		if err != nil {
			return err
		}
		if err := putBlockHash(tx, fork.Height, &fork.Hash); err != nil {
			return err
		}

		return putTip(tx, fork)
	})
	if err != nil {
		return dbError("failed to revert blocks", err)
	}

	if err := w.coins.revertAbove(fork.Height); err != nil {
		return err
	}

	w.tip = *fork

	reverted := int(oldTip.Height - fork.Height)
	log.Infof("Chain reorganization: reverted %d %s above height %d (%v)",
		reverted, pickNoun(reverted, "block", "blocks"), fork.Height,
		fork.Hash)

	return nil
}

// connectBlock applies a block extending the wallet tip. It returns false
// without change if the block does not extend the current tip.
func (w *Wallet) connectBlock(height int32, hash *chainhash.Hash,
	block *wire.MsgBlock) (bool, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.tip.Height != height-1 || block.Header.PrevBlock != w.tip.Hash {
		return false, nil
	}

	if err := w.processBlock(height, block); err != nil {
		return false, err
	}

	stamp := BlockStamp{Height: height, Hash: *hash}
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if err := putBlockHash(tx, height, hash); err != nil {
			return err
		}

		return putTip(tx, &stamp)
	})
	if err != nil {
		return false, dbError("failed to store tip", err)
	}

	w.tip = stamp
	if height > w.nodeHeight {
		w.nodeHeight = height
	}

	log.Debugf("Connected block %v (height %d)", hash, height)

	return true, nil
}

// processBlock records the wallet coins created and spent in a block. It is
// shared by chain sync and rescans and may be replayed for the same block.
// The caller must hold the wallet lock.
func (w *Wallet) processBlock(height int32, block *wire.MsgBlock) error {
	var (
		relevant     []*wire.MsgTx
		indexesMoved bool
	)
	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		isRelevant := false

		for _, in := range tx.TxIn {
			op := in.PreviousOutPoint
			if _, ok := w.coins.get(op); !ok {
				continue
			}

			err := w.coins.ApplySpendConfirmation(op, txid, height)
			if err != nil {
				return err
			}
			isRelevant = true
		}

		for i, out := range tx.TxOut {
			info, ok := w.scripts.lookup(out.PkScript)
			if !ok {
				continue
			}

			err := w.coins.AddCoin(&Coin{
				OutPoint: wire.OutPoint{
					Hash:  txid,
					Index: uint32(i),
				},
				Amount:          btcutil.Amount(out.Value),
				DerivationIndex: info.index,
				IsChange:        info.change,
				BlockHeight:     fn.Some(height),
			})
			if err != nil {
				return err
			}

			moved, err := w.scripts.markUsed(info)
			if err != nil {
				return err
			}
			indexesMoved = indexesMoved || moved
			isRelevant = true
		}

		if isRelevant {
			relevant = append(relevant, tx)
		}
	}

	if len(relevant) == 0 && !indexesMoved {
		return nil
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		for _, msgTx := range relevant {
			err := recordTx(tx, msgTx, height, block.Header.Timestamp)
			if err != nil {
				return err
			}
		}
		if indexesMoved {
			return w.scripts.persistIndexes(tx)
		}

		return nil
	})
	if err != nil {
		return dbError("failed to record block transactions", err)
	}

	if len(relevant) > 0 {
		log.Infof("Found %d relevant %s in block at height %d",
			len(relevant), pickNoun(len(relevant), "transaction",
				"transactions"), height)
	}

	return nil
}
