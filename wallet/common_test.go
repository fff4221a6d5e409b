// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/csvwallet/chain"
	"github.com/btcsuite/csvwallet/descriptor"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	// chainParams are the parameters used throughout the wallet tests.
	chainParams = &chaincfg.RegressionNetParams

	// errBlockNotFound is returned by the mock node for unknown blocks.
	errBlockNotFound = errors.New("block not found")

	// foreignScript is an output script that does not belong to any test
	// wallet.
	foreignScript = []byte{
		txscript.OP_0, txscript.OP_DATA_20,
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	}
)

// testMaster returns a deterministic master key built from a one byte
// seed pattern. The primary key uses seed 1 and recovery path i uses seed
// i+2.
func testMaster(t *testing.T, b byte) *hdkeychain.ExtendedKey {
	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{b}, 32), chainParams,
	)
	require.NoError(t, err)

	return master
}

func testPolicy(t *testing.T, timelocks ...uint16) *descriptor.Policy {
	t.Helper()

	pub, err := testMaster(t, 1).Neuter()
	require.NoError(t, err)
	primary := descriptor.KeyOrigin{Key: pub, Fingerprint: 0x01010101}

	recovery := make([]descriptor.RecoveryPath, len(timelocks))
	for i, lock := range timelocks {
		pub, err := testMaster(t, byte(i+2)).Neuter()
		require.NoError(t, err)

		recovery[i] = descriptor.RecoveryPath{
			KeyOrigin: descriptor.KeyOrigin{Key: pub},
			Timelock:  lock,
		}
	}

	policy, err := descriptor.New(primary, recovery, chainParams)
	require.NoError(t, err)

	return policy
}

// setupTestDB creates a temporary bdb database.
func setupTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// mockChain is an in-memory node. Blocks are built on top of the
// regression test genesis block; broadcasts go through mock.Mock.
type mockChain struct {
	mock.Mock

	mu     sync.Mutex
	blocks []*wire.MsgBlock
	nonce  uint32

	// failAbove makes every block request above the height fail when
	// set to a non negative value.
	failAbove int32

	// gate, when set, blocks Block calls until it is closed.
	gate chan struct{}
}

var _ chain.NodeClient = (*mockChain)(nil)

func newMockChain() *mockChain {
	return &mockChain{
		blocks:    []*wire.MsgBlock{chainParams.GenesisBlock},
		failAbove: -1,
	}
}

func (m *mockChain) Start() error { return nil }

func (m *mockChain) Stop() {}

func (m *mockChain) ChainTip() (*chainhash.Hash, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := int32(len(m.blocks) - 1)
	hash := m.blocks[height].BlockHash()

	return &hash, height, nil
}

func (m *mockChain) BlockHash(height int32) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAbove >= 0 && height > m.failAbove {
		return nil, fmt.Errorf("%w: connection refused",
			chain.ErrNodeUnreachable)
	}
	if height < 0 || int(height) >= len(m.blocks) {
		return nil, fmt.Errorf("height %d: %w", height,
			errBlockNotFound)
	}

	hash := m.blocks[height].BlockHash()

	return &hash, nil
}

func (m *mockChain) findBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.blocks {
		if b.BlockHash() == *hash {
			return b, nil
		}
	}

	return nil, fmt.Errorf("%v: %w", hash, errBlockNotFound)
}

func (m *mockChain) Block(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	return m.findBlock(hash)
}

func (m *mockChain) BlockHeader(hash *chainhash.Hash) (*wire.BlockHeader,
	error) {

	b, err := m.findBlock(hash)
	if err != nil {
		return nil, err
	}

	header := b.Header
	return &header, nil
}

func (m *mockChain) Broadcast(tx *wire.MsgTx) error {
	args := m.Called(tx)
	return args.Error(0)
}

// addBlock mines a block with the given transactions after a coinbase and
// returns its height.
func (m *mockChain) addBlock(txs ...*wire.MsgTx) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonce++
	height := int32(len(m.blocks))
	prev := m.blocks[height-1]

	var heightBytes [4]byte
	binary.LittleEndian.PutUint32(heightBytes[:], uint32(height))
	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  append(heightBytes[:], byte(m.nonce)),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin,
		foreignScript))

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Header.Timestamp.Add(10 * time.Minute),
			Bits:      prev.Header.Bits,
			Nonce:     m.nonce,
		},
		Transactions: append([]*wire.MsgTx{coinbase}, txs...),
	}
	m.blocks = append(m.blocks, block)

	return height
}

// mineEmpty mines n blocks without wallet transactions.
func (m *mockChain) mineEmpty(n int) {
	for i := 0; i < n; i++ {
		m.addBlock()
	}
}

// reorg drops every block above height.
func (m *mockChain) reorg(height int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = m.blocks[:height+1]
}

func (m *mockChain) setFailAbove(height int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failAbove = height
}

func (m *mockChain) setGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gate = gate
}

// fundingCounter makes the funding outpoints unique.
var fundingCounter atomic.Uint64

// fundingTx returns a transaction paying amount to pkScript from a foreign
// outpoint.
func fundingTx(pkScript []byte, amount btcutil.Amount) *wire.MsgTx {
	var prev chainhash.Hash
	binary.LittleEndian.PutUint64(prev[:], fundingCounter.Add(1))

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	return tx
}

// testWallet bundles a wallet with its mock node and database.
type testWallet struct {
	*Wallet

	node *mockChain
}

// setupTestWallet opens a wallet on a fresh database whose descriptor has
// one recovery path per timelock.
func setupTestWallet(t *testing.T, timelocks ...uint16) *testWallet {
	t.Helper()

	if len(timelocks) == 0 {
		timelocks = []uint16{10}
	}

	return openTestWallet(
		t, newMockChain(), setupTestDB(t), testPolicy(t, timelocks...),
	)
}

// openTestWallet opens a wallet on db backed by node.
func openTestWallet(t *testing.T, node *mockChain, db walletdb.DB,
	policy *descriptor.Policy) *testWallet {

	t.Helper()

	w, err := Open(&Config{
		DB:        db,
		Policy:    policy,
		Chain:     node,
		Lookahead: 20,
	})
	require.NoError(t, err)

	t.Cleanup(w.Stop)

	return &testWallet{Wallet: w, node: node}
}

// sync brings the wallet to the mock node's tip.
func (tw *testWallet) sync(t *testing.T) {
	t.Helper()

	require.NoError(t, tw.syncChain())
}

// fund mines one block paying each amount to a fresh receive address and
// returns the created outpoints.
func (tw *testWallet) fund(t *testing.T,
	amounts ...btcutil.Amount) []wire.OutPoint {

	t.Helper()

	var (
		txs []*wire.MsgTx
		ops []wire.OutPoint
	)
	for _, amount := range amounts {
		addr, err := tw.NewAddress()
		require.NoError(t, err)
		pkScript, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)

		tx := fundingTx(pkScript, amount)
		txs = append(txs, tx)
		ops = append(ops, wire.OutPoint{Hash: tx.TxHash()})
	}

	tw.node.addBlock(txs...)
	tw.sync(t)

	return ops
}

// testAddress returns an address outside of the wallet.
func testAddress(t *testing.T) string {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		foreignScript[2:], chainParams,
	)
	require.NoError(t, err)

	return addr.EncodeAddress()
}

// signPacket adds a signature of master to every input it can sign.
func signPacket(t *testing.T, packet *psbt.Packet,
	master *hdkeychain.ExtendedKey) {

	t.Helper()

	tx := packet.UnsignedTx
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		for _, deriv := range in.Bip32Derivation {
			require.Len(t, deriv.Bip32Path, 2)

			branch, err := master.Derive(deriv.Bip32Path[0])
			require.NoError(t, err)
			child, err := branch.Derive(deriv.Bip32Path[1])
			require.NoError(t, err)
			priv, err := child.ECPrivKey()
			require.NoError(t, err)

			pubKey := priv.PubKey().SerializeCompressed()
			if !bytes.Equal(pubKey, deriv.PubKey) {
				continue
			}

			sig, err := txscript.RawTxInWitnessSignature(
				tx, sigHashes, i, in.WitnessUtxo.Value,
				in.WitnessScript, txscript.SigHashAll, priv,
			)
			require.NoError(t, err)

			in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
				PubKey:    pubKey,
				Signature: sig,
			})
		}
	}
}

// totals returns the input and output sums of a draft.
func totals(d *Draft) (btcutil.Amount, btcutil.Amount) {
	var in, out btcutil.Amount
	for _, pin := range d.Packet.Inputs {
		in += btcutil.Amount(pin.WitnessUtxo.Value)
	}
	for _, txOut := range d.Packet.UnsignedTx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}

	return in, out
}
