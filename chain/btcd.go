// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// RPCClient is a NodeClient talking to btcd or bitcoind over JSON-RPC in
// HTTP POST mode. It holds no long lived connection, so a node restart is
// handled by the next request.
type RPCClient struct {
	client      *rpcclient.Client
	connConfig  *rpcclient.ConnConfig
	chainParams *chaincfg.Params

	started bool
	mtx     sync.Mutex
}

// A compile-time check to ensure that RPCClient satisfies the NodeClient
// interface.
var _ NodeClient = (*RPCClient)(nil)

// RPCClientConfig defines the config options used when initializing the RPC
// Client.
type RPCClientConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines a Bitcoin network by its parameters.
	Chain *chaincfg.Params
}

// validate checks the required config options are set.
func (r *RPCClientConfig) validate() error {
	if r == nil {
		return errors.New("missing rpc config")
	}

	// Make sure the chain params are configed.
	if r.Chain == nil {
		return errors.New("missing chain params config")
	}

	// Make sure connection config is supplied.
	if r.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !r.Conn.DisableTLS && r.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// NewRPCClientWithConfig creates a client for the node described by cfg. No
// request is made until Start is called.
func NewRPCClientWithConfig(cfg *RPCClientConfig) (*RPCClient, error) {
	// Make sure the config is valid.
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn := *cfg.Conn
	conn.HTTPPostMode = true
	conn.DisableConnectOnNew = true

	client, err := rpcclient.New(&conn, nil)
	if err != nil {
		return nil, err
	}

	return &RPCClient{
		client:      client,
		connConfig:  &conn,
		chainParams: cfg.Chain,
	}, nil
}

// Start checks that the node follows the configured network by comparing
// genesis block hashes.
func (c *RPCClient) Start() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.started {
		return nil
	}

	genesis, err := c.client.GetBlockHash(0)
	if err != nil {
		return mapRPCErr(err)
	}
	if !genesis.IsEqual(c.chainParams.GenesisHash) {
		return fmt.Errorf("%w: expected genesis %v, node has %v",
			ErrWrongNetwork, c.chainParams.GenesisHash, genesis)
	}

	log.Infof("Connected to %s node at %s", c.chainParams.Name,
		c.connConfig.Host)

	c.started = true

	return nil
}

// Stop shuts the underlying client down.
func (c *RPCClient) Stop() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.client.Shutdown()
	c.client.WaitForShutdown()
	c.started = false
}

// ChainTip returns the hash and height of the best block.
func (c *RPCClient) ChainTip() (*chainhash.Hash, int32, error) {
	height, err := c.client.GetBlockCount()
	if err != nil {
		return nil, 0, mapRPCErr(err)
	}

	hash, err := c.client.GetBlockHash(height)
	if err != nil {
		return nil, 0, mapRPCErr(err)
	}

	return hash, int32(height), nil
}

// BlockHash returns the hash of the main chain block at height.
func (c *RPCClient) BlockHash(height int32) (*chainhash.Hash, error) {
	hash, err := c.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, mapRPCErr(err)
	}

	return hash, nil
}

// Block returns the block with the given hash.
func (c *RPCClient) Block(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	block, err := c.client.GetBlock(hash)
	if err != nil {
		return nil, mapRPCErr(err)
	}

	return block, nil
}

// BlockHeader returns the header of the block with the given hash.
func (c *RPCClient) BlockHeader(hash *chainhash.Hash) (*wire.BlockHeader,
	error) {

	header, err := c.client.GetBlockHeader(hash)
	if err != nil {
		return nil, mapRPCErr(err)
	}

	return header, nil
}

// Broadcast submits tx to the node. A rejection is returned as a
// *BroadcastError; a transaction the node already has is not an error.
func (c *RPCClient) Broadcast(tx *wire.MsgTx) error {
	_, err := c.client.SendRawTransaction(tx, false)
	if err == nil {
		return nil
	}

	err = mapRPCErr(err)
	if errors.Is(err, ErrNodeUnreachable) {
		return err
	}

	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	bErr := newBroadcastError(rpcErr.Message)
	if bErr.Code == RejectAlreadyKnown {
		log.Debugf("Transaction %v already known to node",
			tx.TxHash())

		return nil
	}

	return bErr
}
