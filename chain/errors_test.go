// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
)

// TestMatchErrStr checks that `matchErrStr` can correctly replace the dashes
// with spaces and turn title cases into lowercases for a given error and match
// it against the specified string pattern.
func TestMatchErrStr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		bitcoindErr error
		matchStr    string
		matched     bool
	}{
		{
			name:        "error without dashes",
			bitcoindErr: errors.New("missing input"),
			matchStr:    "missing input",
			matched:     true,
		},
		{
			name:        "match str without dashes",
			bitcoindErr: errors.New("missing-input"),
			matchStr:    "missing input",
			matched:     true,
		},
		{
			name:        "error with dashes",
			bitcoindErr: errors.New("missing-input"),
			matchStr:    "missing input",
			matched:     true,
		},
		{
			name:        "match str with dashes",
			bitcoindErr: errors.New("missing-input"),
			matchStr:    "missing-input",
			matched:     true,
		},
		{
			name:        "error with title case and dash",
			bitcoindErr: errors.New("Missing-Input"),
			matchStr:    "missing input",
			matched:     true,
		},
		{
			name:        "match str with title case and dash",
			bitcoindErr: errors.New("missing-input"),
			matchStr:    "Missing-Input",
			matched:     true,
		},
		{
			name:        "unmatched error",
			bitcoindErr: errors.New("missing input"),
			matchStr:    "missingorspent",
			matched:     false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			matched := matchErrStr(tc.bitcoindErr, tc.matchStr)
			require.Equal(t, tc.matched, matched)
		})
	}
}

// TestNewBroadcastError checks the classification of node rejections.
func TestNewBroadcastError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		reason string
		code   RejectCode
	}{
		{"txn-already-in-mempool", RejectAlreadyKnown},
		{"transaction already exists in blockchain", RejectAlreadyKnown},
		{"bad-txns-inputs-missingorspent", RejectMissingInputs},
		{"min relay fee not met, 100 < 141", RejectInsufficientFee},
		{"non-BIP68-final", RejectNonFinal},
		{"txn-mempool-conflict", RejectMempoolConflict},
		{"mandatory-script-verify-flag-failed (Signature must be " +
			"zero for failed CHECK(MULTI)SIG operation)", RejectInvalid},
		{"something else entirely", RejectUnknown},
	}

	for _, tc := range testCases {
		err := newBroadcastError(tc.reason)
		require.Equal(t, tc.code, err.Code, tc.reason)
		require.Equal(t, tc.reason, err.Reason)
		require.Contains(t, err.Error(), tc.reason)
	}
}

// TestMapRPCErr checks that only JSON-RPC error objects are treated as
// node responses.
func TestMapRPCErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, mapRPCErr(nil))

	rpcErr := btcjson.NewRPCError(btcjson.ErrRPCVerify, "rejected")
	err := mapRPCErr(fmt.Errorf("wrapped: %w", rpcErr))
	require.NotErrorIs(t, err, ErrNodeUnreachable)

	var target *btcjson.RPCError
	require.ErrorAs(t, err, &target)
	require.Equal(t, btcjson.ErrRPCVerify, target.Code)

	err = mapRPCErr(errors.New("connection refused"))
	require.ErrorIs(t, err, ErrNodeUnreachable)
	require.ErrorContains(t, err, "connection refused")
}
