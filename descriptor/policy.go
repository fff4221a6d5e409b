// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements the fixed spending policy of a csvwallet: a
// P2WSH output that can always be spent by a primary key, or by one of
// several recovery keys once the coin has aged past the recovery path's
// relative timelock.
//
// In miniscript notation, a policy with two recovery paths is
//
//	or_d(pk(primary),or_i(and_v(v:pkh(reco1),older(t1)),
//	    and_v(v:pkh(reco2),older(t2))))
//
// and a policy with a single recovery path drops the or_i.
package descriptor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// ReceiveChain is the derivation branch used for receive addresses.
	ReceiveChain uint32 = 0

	// ChangeChain is the derivation branch used for change addresses.
	ChangeChain uint32 = 1
)

var (
	// ErrNoRecoveryPath is returned when a policy is built without any
	// recovery path.
	ErrNoRecoveryPath = errors.New("at least one recovery path is required")

	// ErrDuplicateTimelock is returned when two recovery paths share the
	// same timelock.
	ErrDuplicateTimelock = errors.New("recovery paths must have distinct " +
		"timelocks")

	// ErrZeroTimelock is returned for a recovery path without a timelock.
	ErrZeroTimelock = errors.New("recovery timelock must be positive")

	// ErrWrongNetwork is returned when an extended key does not belong to
	// the policy's network.
	ErrWrongNetwork = errors.New("extended key is for a different network")

	// ErrUnknownTimelock is returned when no recovery path uses the
	// requested timelock.
	ErrUnknownTimelock = errors.New("no recovery path with this timelock")
)

// KeyOrigin is an extended public key together with the fingerprint of the
// master key it was derived from.
type KeyOrigin struct {
	// Key is the account level extended public key.
	Key *hdkeychain.ExtendedKey

	// Fingerprint is the master key fingerprint reported in PSBT
	// derivation paths.
	Fingerprint uint32

	// branches caches the receive and change branch keys.
	branches [2]*hdkeychain.ExtendedKey
}

// RecoveryPath is a spending path gated behind a relative timelock.
type RecoveryPath struct {
	KeyOrigin

	// Timelock is the number of blocks a coin must have been confirmed
	// for before this path can spend it.
	Timelock uint16
}

// Policy describes the wallet's spending conditions.
type Policy struct {
	primary  KeyOrigin
	recovery []*RecoveryPath
	params   *chaincfg.Params

	// scriptLen is the length of every witness script of the policy.
	scriptLen int
}

// New creates a policy from a primary key and a set of recovery paths. The
// recovery paths are ordered by ascending timelock.
func New(primary KeyOrigin, recovery []RecoveryPath,
	params *chaincfg.Params) (*Policy, error) {

	if len(recovery) == 0 {
		return nil, ErrNoRecoveryPath
	}

	p := &Policy{params: params}

	origin, err := prepareOrigin(primary, params)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	p.primary = origin

	seen := make(map[uint16]struct{}, len(recovery))
	for _, path := range recovery {
		if path.Timelock == 0 {
			return nil, ErrZeroTimelock
		}
		if _, ok := seen[path.Timelock]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateTimelock,
				path.Timelock)
		}
		seen[path.Timelock] = struct{}{}

		origin, err := prepareOrigin(path.KeyOrigin, params)
		if err != nil {
			return nil, fmt.Errorf("recovery key (timelock %d): %w",
				path.Timelock, err)
		}

		p.recovery = append(p.recovery, &RecoveryPath{
			KeyOrigin: origin,
			Timelock:  path.Timelock,
		})
	}

	sort.Slice(p.recovery, func(i, j int) bool {
		return p.recovery[i].Timelock < p.recovery[j].Timelock
	})

	sample, err := p.Derive(0, false)
	if err != nil {
		return nil, err
	}
	p.scriptLen = len(sample.WitnessScript)

	return p, nil
}

// prepareOrigin neuters the key if needed, checks its network and caches
// its receive and change branches.
func prepareOrigin(origin KeyOrigin, params *chaincfg.Params) (KeyOrigin,
	error) {

	key := origin.Key
	if key == nil {
		return KeyOrigin{}, errors.New("missing extended key")
	}
	if !key.IsForNet(params) {
		return KeyOrigin{}, ErrWrongNetwork
	}

	if key.IsPrivate() {
		var err error
		key, err = key.Neuter()
		if err != nil {
			return KeyOrigin{}, err
		}
	}

	out := KeyOrigin{Key: key, Fingerprint: origin.Fingerprint}
	for _, branch := range []uint32{ReceiveChain, ChangeChain} {
		child, err := key.Derive(branch)
		if err != nil {
			return KeyOrigin{}, fmt.Errorf("derive branch %d: %w",
				branch, err)
		}
		out.branches[branch] = child
	}

	return out, nil
}

// Params returns the network the policy derives addresses for.
func (p *Policy) Params() *chaincfg.Params {
	return p.params
}

// RecoveryPaths returns the recovery paths ordered by ascending timelock.
func (p *Policy) RecoveryPaths() []*RecoveryPath {
	return p.recovery
}

// Timelocks returns the recovery timelocks in ascending order.
func (p *Policy) Timelocks() []uint16 {
	locks := make([]uint16, len(p.recovery))
	for i, path := range p.recovery {
		locks[i] = path.Timelock
	}

	return locks
}

// FirstTimelock returns the smallest recovery timelock.
func (p *Policy) FirstTimelock() uint16 {
	return p.recovery[0].Timelock
}

// pathIndex returns the position of the recovery path using timelock.
func (p *Policy) pathIndex(timelock uint16) (int, error) {
	for i, path := range p.recovery {
		if path.Timelock == timelock {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: %d", ErrUnknownTimelock, timelock)
}

// String renders the policy as an output descriptor with multipath key
// expressions.
func (p *Policy) String() string {
	var reco string
	if len(p.recovery) == 1 {
		reco = recoveryLeafString(p.recovery[0])
	} else {
		reco = recoveryBranchString(p.recovery)
	}

	return fmt.Sprintf("wsh(or_d(pk(%s),%s))", keyString(p.primary), reco)
}

func recoveryBranchString(paths []*RecoveryPath) string {
	if len(paths) == 1 {
		return recoveryLeafString(paths[0])
	}

	return fmt.Sprintf("or_i(%s,%s)", recoveryLeafString(paths[0]),
		recoveryBranchString(paths[1:]))
}

func recoveryLeafString(path *RecoveryPath) string {
	return fmt.Sprintf("and_v(v:pkh(%s),older(%d))",
		keyString(path.KeyOrigin), path.Timelock)
}

func keyString(origin KeyOrigin) string {
	return fmt.Sprintf("[%08x]%s/<0;1>/*", origin.Fingerprint,
		origin.Key.String())
}
