// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/csvwallet/chain"
	"github.com/btcsuite/csvwallet/descriptor"
	"github.com/btcsuite/csvwallet/wallet"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var chainParams = &chaincfg.RegressionNetParams

// mockNode serves a chain of blocks built on the regression test genesis
// block. Broadcasts go through mock.Mock.
type mockNode struct {
	mock.Mock

	mu     sync.Mutex
	blocks []*wire.MsgBlock
}

var _ chain.NodeClient = (*mockNode)(nil)

func newMockNode() *mockNode {
	return &mockNode{blocks: []*wire.MsgBlock{chainParams.GenesisBlock}}
}

func (m *mockNode) Start() error { return nil }

func (m *mockNode) Stop() {}

func (m *mockNode) ChainTip() (*chainhash.Hash, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := int32(len(m.blocks) - 1)
	hash := m.blocks[height].BlockHash()

	return &hash, height, nil
}

func (m *mockNode) BlockHash(height int32) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height < 0 || int(height) >= len(m.blocks) {
		return nil, errors.New("block not found")
	}
	hash := m.blocks[height].BlockHash()

	return &hash, nil
}

func (m *mockNode) Block(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.blocks {
		if b.BlockHash() == *hash {
			return b, nil
		}
	}

	return nil, errors.New("block not found")
}

func (m *mockNode) BlockHeader(hash *chainhash.Hash) (*wire.BlockHeader,
	error) {

	b, err := m.Block(hash)
	if err != nil {
		return nil, err
	}
	header := b.Header

	return &header, nil
}

func (m *mockNode) Broadcast(tx *wire.MsgTx) error {
	return m.Called(tx).Error(0)
}

// pay mines a block paying amount to addr and returns the new outpoint.
func (m *mockNode) pay(t *testing.T, addr string,
	amount btcutil.Amount) wire.OutPoint {

	t.Helper()

	decoded, err := btcutil.DecodeAddress(addr, chainParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(decoded)
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()

	height := uint32(len(m.blocks))
	prev := m.blocks[height-1]

	var prevHash chainhash.Hash
	binary.LittleEndian.PutUint32(prevHash[:], height)
	fund := wire.NewMsgTx(2)
	fund.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	fund.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  binary.LittleEndian.AppendUint32(nil, height),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin,
		[]byte{txscript.OP_TRUE}))

	m.blocks = append(m.blocks, &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Header.Timestamp.Add(10 * time.Minute),
			Bits:      prev.Header.Bits,
		},
		Transactions: []*wire.MsgTx{coinbase, fund},
	})

	return wire.OutPoint{Hash: fund.TxHash()}
}

func testPolicy(t *testing.T) *descriptor.Policy {
	t.Helper()

	key := func(b byte) *hdkeychain.ExtendedKey {
		master, err := hdkeychain.NewMaster(
			bytes.Repeat([]byte{b}, 32), chainParams,
		)
		require.NoError(t, err)
		pub, err := master.Neuter()
		require.NoError(t, err)

		return pub
	}

	policy, err := descriptor.New(
		descriptor.KeyOrigin{Key: key(1)},
		[]descriptor.RecoveryPath{{
			KeyOrigin: descriptor.KeyOrigin{Key: key(2)},
			Timelock:  10,
		}},
		chainParams,
	)
	require.NoError(t, err)

	return policy
}

// testOptions are the options of every test server.
var testOptions = Options{
	Username:            "user",
	Password:            "pass",
	MaxPOSTClients:      10,
	MaxWebsocketClients: 10,
	Version:             "0.1.0-test",
}

// testServer bundles a server without listeners with its wallet and node.
type testServer struct {
	*Server

	node *mockNode
}

// setupServer opens a synchronizing wallet on a fresh database and
// serves it.
func setupServer(t *testing.T) *testServer {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	node := newMockNode()
	w, err := wallet.Open(&wallet.Config{
		DB:           db,
		Policy:       testPolicy(t),
		Chain:        node,
		SyncInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)

	s := NewServer(&testOptions, w, nil)
	t.Cleanup(s.Stop)

	return &testServer{Server: s, node: node}
}

// call runs a request through the method handlers.
func (ts *testServer) call(method, params string) (interface{},
	*btcjson.RPCError) {

	req := &Request{Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}

	return ts.handlerClosure(req)()
}

// mustCall runs a request that must succeed.
func (ts *testServer) mustCall(t *testing.T, method,
	params string) interface{} {

	t.Helper()

	res, jsonErr := ts.call(method, params)
	require.Nil(t, jsonErr)

	return res
}

// newAddress returns a fresh wallet address.
func (ts *testServer) newAddress(t *testing.T) string {
	t.Helper()

	res := ts.mustCall(t, "getnewaddress", "")
	return res.(*GetNewAddressResult).Address
}

// waitCoins waits for the wallet to hold n coins.
func (ts *testServer) waitCoins(t *testing.T, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(ts.wallet.ListCoins(nil, nil)) == n
	}, 5*time.Second, 10*time.Millisecond)
}

// foreignAddress is an address outside of every test wallet.
func foreignAddress(t *testing.T) string {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{7}, 20), chainParams,
	)
	require.NoError(t, err)

	return addr.EncodeAddress()
}
