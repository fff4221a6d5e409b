// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testTxid = "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098"

// TestParseLabelItem checks the kind and canonical form of labelled items.
func TestParseLabelItem(t *testing.T) {
	t.Parallel()

	addr := testAddress(t)

	tests := []struct {
		name      string
		item      string
		canonical string
		kind      LabelItemKind
		valid     bool
	}{{
		name:      "address",
		item:      addr,
		canonical: addr,
		kind:      LabelAddress,
		valid:     true,
	}, {
		name:      "txid",
		item:      testTxid,
		canonical: testTxid,
		kind:      LabelTxid,
		valid:     true,
	}, {
		name:      "outpoint",
		item:      testTxid + ":3",
		canonical: testTxid + ":3",
		kind:      LabelOutPoint,
		valid:     true,
	}, {
		name: "outpoint without index",
		item: testTxid + ":",
	}, {
		name: "short txid",
		item: testTxid[:60],
	}, {
		name: "garbage",
		item: "not an item",
	}, {
		name: "empty",
		item: "",
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			canonical, kind, err := ParseLabelItem(test.item, chainParams)
			if !test.valid {
				require.ErrorIs(t, err, ErrInvalidParams)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.canonical, canonical)
			require.Equal(t, test.kind, kind)
		})
	}
}

// TestParseLabelItemNetwork checks that addresses of another network are
// refused.
func TestParseLabelItemNetwork(t *testing.T) {
	t.Parallel()

	// A mainnet P2WPKH address.
	_, _, err := ParseLabelItem(
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		chainParams,
	)
	require.ErrorIs(t, err, ErrInvalidParams)

	_, kind, err := ParseLabelItem(
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		&chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, LabelAddress, kind)
}

// TestUpdateLabels checks setting, overwriting and removing labels.
func TestUpdateLabels(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t)
	addr := testAddress(t)
	outpoint := testTxid + ":0"

	err := tw.UpdateLabels(map[string]fn.Option[string]{
		addr:     fn.Some("savings"),
		testTxid: fn.Some("rent"),
		outpoint: fn.Some("🏠 deposit"),
	})
	require.NoError(t, err)

	labels, err := tw.GetLabels([]string{
		addr, testTxid, outpoint, testTxid + ":1",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		addr:     "savings",
		testTxid: "rent",
		outpoint: "🏠 deposit",
	}, labels)

	// Labels are looked up by canonical item but keyed as requested.
	upper := strings.ToUpper(testTxid)
	labels, err = tw.GetLabels([]string{upper + ":0"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{upper + ":0": "🏠 deposit"}, labels)

	err = tw.UpdateLabels(map[string]fn.Option[string]{
		addr:     fn.None[string](),
		testTxid: fn.Some("utilities"),
	})
	require.NoError(t, err)

	labels, err = tw.GetLabels([]string{addr, testTxid})
	require.NoError(t, err)
	require.Equal(t, map[string]string{testTxid: "utilities"}, labels)

	// Removing a missing label is not an error.
	err = tw.UpdateLabels(map[string]fn.Option[string]{
		addr: fn.None[string](),
	})
	require.NoError(t, err)
}

// TestUpdateLabelsInvalid checks that a batch with one bad entry changes
// nothing.
func TestUpdateLabelsInvalid(t *testing.T) {
	t.Parallel()

	tw := setupTestWallet(t)

	longest := strings.Repeat("é", MaxLabelLength)
	require.True(t, ValidLabel(longest))
	require.False(t, ValidLabel(longest+"e"))

	err := tw.UpdateLabels(map[string]fn.Option[string]{
		testTxid: fn.Some(longest),
	})
	require.NoError(t, err)

	err = tw.UpdateLabels(map[string]fn.Option[string]{
		testTxid: fn.Some("short"),
		"bogus":  fn.Some("x"),
	})
	require.ErrorIs(t, err, ErrInvalidParams)

	err = tw.UpdateLabels(map[string]fn.Option[string]{
		testTxid: fn.Some(longest + "e"),
	})
	require.ErrorIs(t, err, ErrInvalidParams)

	labels, err := tw.GetLabels([]string{testTxid})
	require.NoError(t, err)
	require.Equal(t, longest, labels[testTxid])

	_, err = tw.GetLabels([]string{"bogus"})
	require.ErrorIs(t, err, ErrInvalidParams)
}
