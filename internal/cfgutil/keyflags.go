// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// KeyFlag is an extended public key optionally prefixed by the fingerprint
// of its master key, as in "[d34db33f]tpubD6Nz...". It implements the
// flags.Marshaler and flags.Unmarshaler interfaces so it can be used as a
// config struct field.
type KeyFlag struct {
	// Key is the base58 encoded extended key.
	Key string

	// Fingerprint is the master key fingerprint, zero if not given.
	Fingerprint uint32
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (k *KeyFlag) MarshalFlag() (string, error) {
	if k.Fingerprint == 0 {
		return k.Key, nil
	}

	return fmt.Sprintf("[%08x]%s", k.Fingerprint, k.Key), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (k *KeyFlag) UnmarshalFlag(value string) error {
	if !strings.HasPrefix(value, "[") {
		if value == "" {
			return fmt.Errorf("empty key")
		}
		k.Key, k.Fingerprint = value, 0
		return nil
	}

	end := strings.IndexByte(value, ']')
	if end < 0 {
		return fmt.Errorf("key origin of %q is not closed", value)
	}
	fp, err := hex.DecodeString(value[1:end])
	if err != nil || len(fp) != 4 {
		return fmt.Errorf("invalid fingerprint %q: must be 8 hex "+
			"characters", value[1:end])
	}
	if end+1 == len(value) {
		return fmt.Errorf("missing key after fingerprint in %q", value)
	}

	k.Key = value[end+1:]
	k.Fingerprint = binary.BigEndian.Uint32(fp)

	return nil
}

// RecoveryPathFlag is a recovery path given as "<timelock>:<key>", where
// the key has the KeyFlag format.
type RecoveryPathFlag struct {
	KeyFlag

	// Timelock is the relative timelock of the path, in blocks.
	Timelock uint16
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (r *RecoveryPathFlag) MarshalFlag() (string, error) {
	key, err := r.KeyFlag.MarshalFlag()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d:%s", r.Timelock, key), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (r *RecoveryPathFlag) UnmarshalFlag(value string) error {
	lock, key, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("recovery path %q must have the form "+
			"<timelock>:<key>", value)
	}

	timelock, err := strconv.ParseUint(lock, 10, 16)
	if err != nil || timelock == 0 {
		return fmt.Errorf("invalid timelock %q: must be between 1 "+
			"and 65535", lock)
	}
	if err := r.KeyFlag.UnmarshalFlag(key); err != nil {
		return err
	}
	r.Timelock = uint16(timelock)

	return nil
}
