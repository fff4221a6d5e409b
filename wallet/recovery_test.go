// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestCreateRecovery sweeps matured coins through the recovery path and
// broadcasts the result signed with the recovery key.
func TestCreateRecovery(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t, 10)
	ops := tw.fund(t, 60_000, 40_000)
	dest := testAddress(t)

	// Confirmed at height 1, the coins mature at height 11.
	tw.node.mineEmpty(9)
	tw.sync(t)

	_, err := tw.CreateRecovery(dest, 2, fn.None[uint16]())
	require.ErrorIs(t, err, ErrNoMaturedCoins)

	tw.node.mineEmpty(1)
	tw.sync(t)

	d, err := tw.CreateRecovery(dest, 2, fn.None[uint16]())
	require.NoError(t, err)

	tx := d.Packet.UnsignedTx
	require.EqualValues(t, 2, tx.Version)
	require.Len(t, tx.TxIn, 2)
	for _, in := range tx.TxIn {
		require.Equal(t, uint32(10), in.Sequence)
	}
	require.Len(t, tx.TxOut, 1)
	require.Empty(t, d.ChangeIndexes)

	satWeight, err := tw.policy.RecoverySatisfactionWeight(10)
	require.NoError(t, err)
	shape := txShape{numInputs: 2, satWeight: satWeight, outputs: tx.TxOut}
	in, out := totals(d)
	require.EqualValues(t, 100_000, in)
	require.EqualValues(t, 2*shape.virtualSize(), in-out)

	// The swept coins are reserved.
	require.Equal(t, d.Txid(), tw.reservations[ops[0]])
	require.Equal(t, d.Txid(), tw.reservations[ops[1]])
	_, err = tw.CreateRecovery(dest, 2, fn.None[uint16]())
	require.ErrorIs(t, err, ErrNoMaturedCoins)

	require.ErrorIs(t, tw.BroadcastSpend(d.Txid()), ErrIncompleteSignatures)

	signPacket(t, d.Packet, testMaster(t, 2))
	require.NoError(t, tw.UpdateSpend(d.Packet))

	tw.node.On("Broadcast", mock.Anything).Return(nil).Once()
	require.NoError(t, tw.BroadcastSpend(d.Txid()))
	tw.node.AssertExpectations(t)

	spending := tw.ListCoins(fn.NewSet(CoinSpending), nil)
	require.Len(t, spending, 2)
}

// TestCreateRecoveryPaths checks the timelock override with several
// recovery paths.
func TestCreateRecoveryPaths(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t, 20, 10)
	tw.fund(t, 50_000)
	dest := testAddress(t)

	tw.node.mineEmpty(10)
	tw.sync(t)

	_, err := tw.CreateRecovery(dest, 1, fn.Some[uint16](15))
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = tw.CreateRecovery(dest, 1, fn.Some[uint16](20))
	require.ErrorIs(t, err, ErrNoMaturedCoins)

	// Without an override the smallest timelock is used.
	d, err := tw.CreateRecovery(dest, 1, fn.None[uint16]())
	require.NoError(t, err)
	require.Equal(t, uint32(10), d.Packet.UnsignedTx.TxIn[0].Sequence)

	signPacket(t, d.Packet, testMaster(t, 3))
	finalTx, err := tw.finalizer.Finalize(d.Packet)
	require.NoError(t, err)
	require.Len(t, finalTx.TxIn[0].Witness, 5)
	require.NoError(t, tw.DeleteSpend(d.Txid()))

	tw.node.mineEmpty(10)
	tw.sync(t)

	d, err = tw.CreateRecovery(dest, 1, fn.Some[uint16](20))
	require.NoError(t, err)
	require.Equal(t, uint32(20), d.Packet.UnsignedTx.TxIn[0].Sequence)
}

// TestCreateRecoveryInvalidParams checks request validation.
func TestCreateRecoveryInvalidParams(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t, 10)
	tw.fund(t, 50_000)
	tw.node.mineEmpty(10)
	tw.sync(t)

	_, err := tw.CreateRecovery("foo", 1, fn.None[uint16]())
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = tw.CreateRecovery(testAddress(t), 0, fn.None[uint16]())
	require.ErrorIs(t, err, ErrInvalidParams)

	// A sweep left with a dust output fails.
	_, err = tw.CreateRecovery(testAddress(t), MaxFeeRate,
		fn.None[uint16]())
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestCreateRecoverySkipsUnconfirmed checks that unconfirmed coins are
// never swept.
func TestCreateRecoverySkipsUnconfirmed(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t, 1)
	tw.fund(t, 50_000)
	tw.node.mineEmpty(1)
	tw.sync(t)

	require.NoError(t, tw.coins.AddCoin(&Coin{
		OutPoint: wire.OutPoint{Index: 7},
		Amount:   90_000,
	}))

	d, err := tw.CreateRecovery(testAddress(t), 1, fn.None[uint16]())
	require.NoError(t, err)
	require.Len(t, d.Packet.UnsignedTx.TxIn, 1)
	require.NotEqual(t, wire.OutPoint{Index: 7},
		d.Packet.UnsignedTx.TxIn[0].PreviousOutPoint)
}
