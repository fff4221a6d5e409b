// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/csvwallet/wallet"
)

// Wallet error codes without a standard equivalent.
const (
	ErrRPCInputSetMismatch     btcjson.RPCErrorCode = -1001
	ErrRPCNoMaturedCoins       btcjson.RPCErrorCode = -1002
	ErrRPCIncompleteSignatures btcjson.RPCErrorCode = -1003
	ErrRPCBroadcastRejected    btcjson.RPCErrorCode = -1004
	ErrRPCRescanInProgress     btcjson.RPCErrorCode = -1005
	ErrRPCUnknownSpend         btcjson.RPCErrorCode = -1006
)

// walletErrorCodes maps every wallet error code to the code reported to
// clients.
var walletErrorCodes = map[wallet.ErrorCode]btcjson.RPCErrorCode{
	wallet.ErrInvalidParams:           btcjson.ErrRPCInvalidParams.Code,
	wallet.ErrInvalidOutpoint:         btcjson.ErrRPCInvalidAddressOrKey,
	wallet.ErrInputSetMismatch:        ErrRPCInputSetMismatch,
	wallet.ErrInsufficientFunds:       btcjson.ErrRPCWalletInsufficientFunds,
	wallet.ErrNoMaturedCoins:          ErrRPCNoMaturedCoins,
	wallet.ErrIncompleteSignatures:    ErrRPCIncompleteSignatures,
	wallet.ErrBroadcastRejected:       ErrRPCBroadcastRejected,
	wallet.ErrRescanAlreadyInProgress: ErrRPCRescanInProgress,
	wallet.ErrNodeUnavailable:         btcjson.ErrRPCClientNotConnected,
	wallet.ErrUnknownSpend:            ErrRPCUnknownSpend,
	wallet.ErrDatabase:                btcjson.ErrRPCDatabase,
}

// InvalidParameterError describes an invalid or missing parameter passed
// by the user. It corresponds to btcjson.ErrRPCInvalidParams.
type InvalidParameterError struct {
	error
}

// invalidParameter creates an InvalidParameterError with a formatted
// message.
func invalidParameter(format string, args ...interface{}) InvalidParameterError {
	return InvalidParameterError{fmt.Errorf(format, args...)}
}

// missingParameter is the error for an absent required parameter.
func missingParameter(name string) InvalidParameterError {
	return invalidParameter("Missing '%s' parameter.", name)
}

// badParameter is the error for a parameter of the wrong shape.
func badParameter(name string) InvalidParameterError {
	return invalidParameter("Invalid '%s' parameter.", name)
}

// jsonError creates a JSON-RPC error from the Go error.
func jsonError(err error) *btcjson.RPCError {
	if err == nil {
		return nil
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := btcjson.ErrRPCWallet
	var paramErr InvalidParameterError
	switch {
	case errors.As(err, &paramErr):
		code = btcjson.ErrRPCInvalidParams.Code

	default:
		if walletCode, ok := wallet.Code(err); ok {
			if c, ok := walletErrorCodes[walletCode]; ok {
				code = c
			}
		}
	}

	return &btcjson.RPCError{
		Code:    code,
		Message: err.Error(),
	}
}
