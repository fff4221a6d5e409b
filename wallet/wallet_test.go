// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestOpenReloadsState checks that a reopened wallet restores its coins,
// drafts, reservations and derivation indexes.
func TestOpenReloadsState(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t)
	tw.fund(t, 60_000, 30_000)

	d, err := tw.CreateSpend(pay(testAddress(t), 20_000), nil, 2)
	require.NoError(t, err)
	require.NotEmpty(t, d.ChangeIndexes)

	reopened := openTestWallet(t, tw.node, tw.db, tw.policy)

	require.Equal(t, tw.Tip(), reopened.Tip())
	require.Equal(t, tw.ListCoins(nil, nil), reopened.ListCoins(nil, nil))
	require.Equal(t, tw.reservations, reopened.reservations)
	require.Equal(t, tw.scripts.next, reopened.scripts.next)
	require.Equal(t, tw.Info().Created.Unix(),
		reopened.Info().Created.Unix())

	spends, err := reopened.ListSpends()
	require.NoError(t, err)
	require.Len(t, spends, 1)
	require.Equal(t, d.Txid(), spends[0].Txid())
	require.Equal(t, d.FeeRate, spends[0].FeeRate)
	require.Equal(t, d.ChangeIndexes, spends[0].ChangeIndexes)

	// Both wallets hand out the same next address.
	a, err := tw.NewAddress()
	require.NoError(t, err)
	b, err := reopened.NewAddress()
	require.NoError(t, err)
	require.Equal(t, a.EncodeAddress(), b.EncodeAddress())
}

// TestOpenDescriptorMismatch checks that a database is only opened with
// the descriptor it was created for.
func TestOpenDescriptorMismatch(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t, 10)

	_, err := Open(&Config{
		DB:     tw.db,
		Policy: testPolicy(t, 20),
		Chain:  tw.node,
	})
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = Open(&Config{DB: tw.db, Chain: tw.node})
	require.Error(t, err)
}

// TestInfo checks the wallet summary while behind the node.
func TestInfo(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t)
	info := tw.Info()
	require.Equal(t, chainParams.Name, info.Network)
	require.Equal(t, int32(0), info.BlockHeight)
	require.Equal(t, 1.0, info.Sync)
	require.Equal(t, tw.policy.String(), info.Descriptor)
	require.False(t, info.Rescan.Active)
	require.WithinDuration(t, time.Now(), info.Created, time.Minute)

	tw.node.mineEmpty(4)
	tw.node.setFailAbove(1)
	require.Error(t, tw.syncChain())

	info = tw.Info()
	require.Equal(t, int32(1), info.BlockHeight)
	require.InDelta(t, 0.25, info.Sync, 1e-9)

	tw.node.setFailAbove(-1)
	tw.sync(t)
	require.Equal(t, 1.0, tw.Info().Sync)
}

// TestListConfirmed checks the height bounds, ordering and limit of the
// confirmed transaction listing.
func TestListConfirmed(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t)
	early := tw.fund(t, 10_000, 20_000)
	tw.node.mineEmpty(1)
	tw.sync(t)
	late := tw.fund(t, 30_000)

	txids := func(recs []*TxRecord) []chainhash.Hash {
		hashes := make([]chainhash.Hash, len(recs))
		for i, rec := range recs {
			hashes[i] = rec.Tx.TxHash()
		}
		return hashes
	}

	first, second := early[0].Hash, early[1].Hash
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}

	recs, err := tw.ListConfirmed(0, 10, 10)
	require.NoError(t, err)
	require.Equal(t,
		[]chainhash.Hash{late[0].Hash, first, second}, txids(recs),
	)
	require.Equal(t, int32(3), recs[0].BlockHeight.UnwrapOr(0))
	require.True(t, recs[0].BlockTime.IsSome())

	recs, err = tw.ListConfirmed(0, 10, 1)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{late[0].Hash}, txids(recs))

	recs, err = tw.ListConfirmed(1, 2, 10)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{first, second}, txids(recs))

	recs, err = tw.ListConfirmed(4, 10, 10)
	require.NoError(t, err)
	require.Empty(t, recs)

	_, err = tw.ListConfirmed(5, 4, 10)
	require.ErrorIs(t, err, ErrInvalidParams)
}

// TestListTransactions checks that unknown txids are skipped.
func TestListTransactions(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t)
	ops := tw.fund(t, 10_000)

	recs, err := tw.ListTransactions([]chainhash.Hash{
		{0xff}, ops[0].Hash,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, ops[0].Hash, recs[0].Tx.TxHash())
	require.Equal(t, fn.Some[int32](1), recs[0].BlockHeight)
}
