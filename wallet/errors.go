// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific WalletError.
const (
	// ErrInvalidParams indicates malformed or out of range request input.
	// Nothing is mutated.
	ErrInvalidParams ErrorCode = iota

	// ErrInvalidOutpoint indicates that a requested outpoint is unknown,
	// not spendable or reserved by another draft.
	ErrInvalidOutpoint

	// ErrInputSetMismatch indicates that an update to a draft spends a
	// different set of coins than the stored draft.
	ErrInputSetMismatch

	// ErrInsufficientFunds indicates that the spendable coins cannot
	// cover the requested outputs and fee.
	ErrInsufficientFunds

	// ErrNoMaturedCoins indicates that no coin is available for a
	// recovery sweep on the chosen path.
	ErrNoMaturedCoins

	// ErrIncompleteSignatures indicates that a draft cannot be finalized
	// with the signatures it carries.
	ErrIncompleteSignatures

	// ErrBroadcastRejected indicates that the node refused the
	// transaction. The draft is kept.
	ErrBroadcastRejected

	// ErrRescanAlreadyInProgress indicates that a rescan worker is
	// already running.
	ErrRescanAlreadyInProgress

	// ErrNodeUnavailable indicates that the node could not be reached.
	// The operation may be retried.
	ErrNodeUnavailable

	// ErrUnknownSpend indicates that no draft has the given txid.
	ErrUnknownSpend

	// ErrDatabase indicates an error with the underlying database. When
	// this error code is set, the Err field of the WalletError will be
	// set to the underlying error returned from the database.
	ErrDatabase
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidParams:           "ErrInvalidParams",
	ErrInvalidOutpoint:         "ErrInvalidOutpoint",
	ErrInputSetMismatch:        "ErrInputSetMismatch",
	ErrInsufficientFunds:       "ErrInsufficientFunds",
	ErrNoMaturedCoins:          "ErrNoMaturedCoins",
	ErrIncompleteSignatures:    "ErrIncompleteSignatures",
	ErrBroadcastRejected:       "ErrBroadcastRejected",
	ErrRescanAlreadyInProgress: "ErrRescanAlreadyInProgress",
	ErrNodeUnavailable:         "ErrNodeUnavailable",
	ErrUnknownSpend:            "ErrUnknownSpend",
	ErrDatabase:                "ErrDatabase",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error lets an ErrorCode be used as a target of errors.Is.
func (e ErrorCode) Error() string {
	return e.String()
}

// WalletError provides a single type for errors returned by wallet
// operations. Callers switch on ErrorCode; Description is meant for users.
type WalletError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *WalletError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}

	return e.Description
}

// Unwrap returns the underlying error.
func (e *WalletError) Unwrap() error {
	return e.Err
}

// Is matches a WalletError against an ErrorCode, so that
// errors.Is(err, ErrInsufficientFunds) works through wrapping.
func (e *WalletError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.ErrorCode
}

// walletError creates a WalletError given a set of arguments.
func walletError(c ErrorCode, desc string, err error) *WalletError {
	return &WalletError{ErrorCode: c, Description: desc, Err: err}
}

// invalidParams is a shorthand for input validation failures.
func invalidParams(format string, args ...interface{}) *WalletError {
	return walletError(ErrInvalidParams, fmt.Sprintf(format, args...), nil)
}

// dbError wraps a database failure unless it already is a WalletError.
func dbError(desc string, err error) error {
	if err == nil {
		return nil
	}

	var wErr *WalletError
	if errors.As(err, &wErr) {
		return err
	}

	return walletError(ErrDatabase, desc, err)
}

// Code returns the ErrorCode of err, and false if err is not a
// WalletError.
func Code(err error) (ErrorCode, bool) {
	var wErr *WalletError
	if !errors.As(err, &wErr) {
		return 0, false
	}

	return wErr.ErrorCode, true
}
