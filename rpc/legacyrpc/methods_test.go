// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestGetInfo checks the wallet summary reported to clients.
func TestGetInfo(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)
	res := ts.mustCall(t, "getinfo", "").(*GetInfoResult)

	require.Equal(t, testOptions.Version, res.Version)
	require.Equal(t, chainParams.Name, res.Network)
	require.Equal(t, int32(0), res.BlockHeight)
	require.Equal(t, ts.wallet.Policy().String(), res.Descriptors.Main)
	require.Nil(t, res.RescanProgress)
	require.Nil(t, res.RescanError)
	require.NotZero(t, res.Timestamp)
}

// TestGetNewAddress checks that every call hands out a new address of the
// wallet's network.
func TestGetNewAddress(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)
	first := ts.newAddress(t)
	second := ts.newAddress(t)
	require.NotEqual(t, first, second)

	addr, err := btcutil.DecodeAddress(first, chainParams)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(chainParams))
}

// TestMissingParams checks the errors of methods called without their
// required parameters.
func TestMissingParams(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)

	tests := []struct {
		method string
		params string
		msg    string
	}{{
		method: "createspend",
		msg: "Missing 'outpoints', 'destinations' and 'feerate' " +
			"parameters.",
	}, {
		method: "createspend",
		params: "null",
		msg: "Missing 'outpoints', 'destinations' and 'feerate' " +
			"parameters.",
	}, {
		method: "createspend",
		params: `{"destinations": {}, "outpoints": []}`,
		msg:    "Missing 'feerate' parameter.",
	}, {
		method: "updatespend",
		msg:    "Missing 'psbt' parameter.",
	}, {
		method: "broadcastspend",
		params: "[]",
		msg:    "Missing 'txid' parameter.",
	}, {
		method: "delspendtx",
		params: "[null]",
		msg:    "Missing 'txid' parameter.",
	}, {
		method: "createrecovery",
		params: `["bcrt1q"]`,
		msg:    "Missing 'feerate' parameter.",
	}, {
		method: "startrescan",
		msg:    "Missing 'timestamp' parameter.",
	}, {
		method: "listconfirmed",
		msg: "The 'listconfirmed' command requires 3 parameters: " +
			"'start', 'end' and 'limit'",
	}, {
		method: "listtransactions",
		msg: "The 'listtransactions' command requires 1 parameter: " +
			"'txids'",
	}, {
		method: "getlabels",
		msg:    "Missing 'items' parameter.",
	}, {
		method: "updatelabels",
		msg:    "Missing 'labels' parameter.",
	}}

	for _, test := range tests {
		name := fmt.Sprintf("%s %s", test.method, test.params)
		_, jsonErr := ts.call(test.method, test.params)
		require.NotNil(t, jsonErr, name)
		require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code,
			name)
		require.Equal(t, test.msg, jsonErr.Message, name)
	}
}

// TestInvalidRequests checks the errors of unknown methods and of
// malformed parameters.
func TestInvalidRequests(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)

	_, jsonErr := ts.call("getbalance", "")
	require.Equal(t, btcjson.ErrRPCMethodNotFound, jsonErr)

	_, jsonErr = ts.call("getinfo", `"x"`)
	require.Equal(t, btcjson.ErrRPCInvalidRequest, jsonErr)

	_, jsonErr = ts.call("delspendtx", `["zz"]`)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)
	require.Equal(t, "Invalid 'txid' parameter.", jsonErr.Message)

	_, jsonErr = ts.call("startrescan", `[-1]`)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)

	_, jsonErr = ts.call("listcoins", `[["confirmed", "lost"]]`)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)
	require.Equal(t, `Invalid value "lost" in 'statuses' parameter.`,
		jsonErr.Message)

	_, jsonErr = ts.call("listcoins", `[[], ["nope"]]`)
	require.Equal(t, `Invalid value "nope" in 'outpoints' parameter.`,
		jsonErr.Message)

	_, jsonErr = ts.call("getlabels", `[["nope"]]`)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)
}

// TestCreateSpendErrors checks how wallet errors are reported.
func TestCreateSpendErrors(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)
	dest := foreignAddress(t)

	// Nothing to spend from.
	_, jsonErr := ts.call("createspend",
		fmt.Sprintf(`[{"%s": 10000}, [], 2]`, dest))
	require.NotNil(t, jsonErr)
	require.Equal(t, btcjson.ErrRPCWalletInsufficientFunds, jsonErr.Code)

	// Out of range feerate.
	_, jsonErr = ts.call("createspend",
		fmt.Sprintf(`[{"%s": 10000}, [], 0]`, dest))
	require.NotNil(t, jsonErr)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)

	// Negative amounts are refused before reaching the wallet.
	_, jsonErr = ts.call("createspend",
		fmt.Sprintf(`[{"%s": -1}, [], 2]`, dest))
	require.NotNil(t, jsonErr)
	require.Equal(t, "Invalid 'destinations' parameter.", jsonErr.Message)
}

// TestSpendLifecycle drives a draft through creation, listing and
// deletion, with parameters given by name.
func TestSpendLifecycle(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)
	op := ts.node.pay(t, ts.newAddress(t), 100_000)
	ts.waitCoins(t, 1)

	coins := ts.mustCall(t, "listcoins", "").(*ListCoinsResult)
	require.Len(t, coins.Coins, 1)
	require.Equal(t, op.String(), coins.Coins[0].OutPoint)
	require.Equal(t, int64(100_000), coins.Coins[0].Amount)
	require.Equal(t, int32(1), *coins.Coins[0].BlockHeight)
	require.False(t, coins.Coins[0].IsChange)
	require.Nil(t, coins.Coins[0].SpendInfo)

	params := fmt.Sprintf(`{"destinations": {"%s": 30000}, `+
		`"outpoints": ["%s"], "feerate": 2}`, foreignAddress(t), op)
	created := ts.mustCall(t, "createspend", params).(*PSBTResult)
	require.NotEmpty(t, created.PSBT)

	spends := ts.mustCall(t, "listspendtxs", "").(*ListSpendTxsResult)
	require.Len(t, spends.SpendTxs, 1)
	require.Equal(t, created.PSBT, spends.SpendTxs[0].PSBT)
	require.Equal(t, uint64(2), spends.SpendTxs[0].FeeRate)
	require.Len(t, spends.SpendTxs[0].ChangeIndexes, 1)

	// The coin is reserved by the draft.
	_, jsonErr := ts.call("createspend", params)
	require.NotNil(t, jsonErr)

	// Storing the same PSBT again is allowed.
	ts.mustCall(t, "updatespend", fmt.Sprintf(`["%s"]`, created.PSBT))

	drafts, err := ts.wallet.ListSpends()
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	txid := drafts[0].Txid().String()

	ts.mustCall(t, "delspendtx", fmt.Sprintf(`{"txid": "%s"}`, txid))
	spends = ts.mustCall(t, "listspendtxs", "").(*ListSpendTxsResult)
	require.Empty(t, spends.SpendTxs)

	// Deleting twice is fine.
	ts.mustCall(t, "delspendtx", fmt.Sprintf(`["%s"]`, txid))

	// Broadcasting an unknown draft is not.
	_, jsonErr = ts.call("broadcastspend", fmt.Sprintf(`["%s"]`, txid))
	require.NotNil(t, jsonErr)
	require.Equal(t, ErrRPCUnknownSpend, jsonErr.Code)
}

// TestListTransactionsMethod checks the transaction listings.
func TestListTransactionsMethod(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)
	op := ts.node.pay(t, ts.newAddress(t), 50_000)
	ts.waitCoins(t, 1)

	res := ts.mustCall(t, "listtransactions",
		fmt.Sprintf(`[["%s"]]`, op.Hash)).(*TransactionsResult)
	require.Len(t, res.Transactions, 1)
	require.Equal(t, int32(1), *res.Transactions[0].Height)
	require.NotNil(t, res.Transactions[0].Time)
	require.NotEmpty(t, res.Transactions[0].Tx)

	res = ts.mustCall(t, "listconfirmed", "[0, 10, 10]").(*TransactionsResult)
	require.Len(t, res.Transactions, 1)

	res = ts.mustCall(t, "listconfirmed",
		"[0, 4294967295, 10]").(*TransactionsResult)
	require.Len(t, res.Transactions, 1)

	res = ts.mustCall(t, "listconfirmed", "[2, 10, 10]").(*TransactionsResult)
	require.Empty(t, res.Transactions)
}

// TestLabels checks that labels set through updatelabels are returned by
// getlabels and that null removes them.
func TestLabels(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)
	addr := ts.newAddress(t)

	ts.mustCall(t, "updatelabels",
		fmt.Sprintf(`[{"%s": "savings"}]`, addr))

	res := ts.mustCall(t, "getlabels",
		fmt.Sprintf(`{"items": ["%s"]}`, addr)).(*GetLabelsResult)
	require.Equal(t, map[string]string{addr: "savings"}, res.Labels)

	ts.mustCall(t, "updatelabels", fmt.Sprintf(`[{"%s": null}]`, addr))

	res = ts.mustCall(t, "getlabels",
		fmt.Sprintf(`[["%s"]]`, addr)).(*GetLabelsResult)
	require.Empty(t, res.Labels)

	_, jsonErr := ts.call("updatelabels", `[{"nope": "x"}]`)
	require.NotNil(t, jsonErr)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)
}

// TestStartRescanMethod checks that a rescan can be started and is
// reported by getinfo once done.
func TestStartRescanMethod(t *testing.T) {
	t.Parallel()

	ts := setupServer(t)

	// Before the genesis block.
	_, jsonErr := ts.call("startrescan", "[1]")
	require.NotNil(t, jsonErr)
	require.Equal(t, btcjson.ErrRPCInvalidParams.Code, jsonErr.Code)

	ts.mustCall(t, "startrescan",
		fmt.Sprintf("[%d]", chainParams.GenesisBlock.Header.Timestamp.Unix()))

	require.Eventually(t, func() bool {
		return !ts.wallet.RescanStatus().Active
	}, 5*time.Second, 10*time.Millisecond)

	res := ts.mustCall(t, "getinfo", "").(*GetInfoResult)
	require.Nil(t, res.RescanError)
}
