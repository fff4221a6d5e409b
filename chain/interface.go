// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// NodeClient is the view of a full node the wallet needs: block lookups by
// height and hash, the current tip, and transaction submission.
//
// Every method returns an error wrapping ErrNodeUnreachable when the node
// could not be reached, so callers can tell transient failures from
// responses.
type NodeClient interface {
	// Start connects to the node and checks it serves the expected
	// network.
	Start() error

	// Stop disconnects from the node.
	Stop()

	// ChainTip returns the hash and height of the best block.
	ChainTip() (*chainhash.Hash, int32, error)

	// BlockHash returns the hash of the main chain block at height.
	BlockHash(height int32) (*chainhash.Hash, error)

	// Block returns the full block with the given hash.
	Block(hash *chainhash.Hash) (*wire.MsgBlock, error)

	// BlockHeader returns the header of the block with the given hash.
	BlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)

	// Broadcast submits a transaction to the node's mempool. A rejection
	// is reported as a *BroadcastError.
	Broadcast(tx *wire.MsgTx) error
}
