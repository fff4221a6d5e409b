// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
)

var (
	// ErrNodeUnreachable is returned when a request could not be delivered
	// to the node or its response could not be read.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrWrongNetwork is returned by Start when the node's genesis block
	// differs from the one of the configured network.
	ErrWrongNetwork = errors.New("node is on a different network")
)

// RejectCode classifies the reason a node refused a transaction.
type RejectCode uint8

const (
	// RejectUnknown is used when the node's reason is not recognized.
	RejectUnknown RejectCode = iota

	// RejectAlreadyKnown means the transaction is already in the mempool
	// or the chain.
	RejectAlreadyKnown

	// RejectMissingInputs means an input is unknown or already spent.
	RejectMissingInputs

	// RejectInsufficientFee means the fee is below the node's minimum.
	RejectInsufficientFee

	// RejectNonFinal means a relative or absolute timelock is not yet
	// satisfied.
	RejectNonFinal

	// RejectMempoolConflict means the transaction conflicts with a
	// mempool transaction it cannot replace.
	RejectMempoolConflict

	// RejectInvalid means the transaction failed consensus or policy
	// validation.
	RejectInvalid
)

// String returns a human readable name of the code.
func (c RejectCode) String() string {
	switch c {
	case RejectAlreadyKnown:
		return "already known"
	case RejectMissingInputs:
		return "missing inputs"
	case RejectInsufficientFee:
		return "insufficient fee"
	case RejectNonFinal:
		return "non final"
	case RejectMempoolConflict:
		return "mempool conflict"
	case RejectInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// rejectReasons maps error strings of btcd and bitcoind to reject codes.
// Strings are compared after matchErrStr normalization.
var rejectReasons = []struct {
	match string
	code  RejectCode
}{
	{"txn-already-in-mempool", RejectAlreadyKnown},
	{"txn-already-known", RejectAlreadyKnown},
	{"transaction already exists", RejectAlreadyKnown},
	{"already have transaction", RejectAlreadyKnown},
	{"bad-txns-inputs-missingorspent", RejectMissingInputs},
	{"missing-inputs", RejectMissingInputs},
	{"orphan transaction", RejectMissingInputs},
	{"min relay fee not met", RejectInsufficientFee},
	{"mempool min fee not met", RejectInsufficientFee},
	{"insufficient fee", RejectInsufficientFee},
	{"insufficient priority", RejectInsufficientFee},
	{"non-BIP68-final", RejectNonFinal},
	{"non-final", RejectNonFinal},
	{"sequence lock", RejectNonFinal},
	{"txn-mempool-conflict", RejectMempoolConflict},
	{"already spent by transaction", RejectMempoolConflict},
	{"mandatory-script-verify-flag-failed", RejectInvalid},
	{"non-mandatory-script-verify-flag", RejectInvalid},
	{"dust", RejectInvalid},
}

// BroadcastError is returned when the node answered a transaction
// submission with a rejection.
type BroadcastError struct {
	// Code is the classified reason.
	Code RejectCode

	// Reason is the node's message.
	Reason string
}

// Error implements the error interface.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("transaction rejected (%v): %s", e.Code, e.Reason)
}

// newBroadcastError classifies a node rejection message.
func newBroadcastError(reason string) *BroadcastError {
	err := &BroadcastError{Code: RejectUnknown, Reason: reason}
	for _, r := range rejectReasons {
		if matchErrStr(errors.New(reason), r.match) {
			err.Code = r.code
			break
		}
	}

	return err
}

// matchErrStr takes an error returned from a node and matches it against the
// specified string. Dashes and casing are ignored on both sides since btcd
// and bitcoind disagree on both.
func matchErrStr(err error, s string) bool {
	if err == nil {
		return false
	}

	normalize := func(str string) string {
		return strings.ToLower(strings.ReplaceAll(str, "-", " "))
	}

	return strings.Contains(normalize(err.Error()), normalize(s))
}

// mapRPCErr separates node responses from transport failures. Anything that
// is not a JSON-RPC error object means the node could not be reached.
func mapRPCErr(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
}
