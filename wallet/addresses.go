// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/csvwallet/descriptor"
)

// DefaultLookahead is the number of unused scripts watched past the last
// used one on each branch.
const DefaultLookahead = 200

// scriptInfo locates a watched output script in the descriptor.
type scriptInfo struct {
	index  uint32
	change bool
}

// scriptIndex maps the output scripts of both branches to their derivation
// so block outputs can be matched with a map lookup.
type scriptIndex struct {
	policy    *descriptor.Policy
	lookahead uint32

	scripts map[string]scriptInfo

	// derived is the number of scripts derived on each branch, next the
	// first index never handed out or seen on chain.
	derived [2]uint32
	next    [2]uint32
}

func branchOf(change bool) int {
	if change {
		return 1
	}
	return 0
}

func newScriptIndex(policy *descriptor.Policy, lookahead uint32,
	nextReceive, nextChange uint32) (*scriptIndex, error) {

	idx := &scriptIndex{
		policy:    policy,
		lookahead: lookahead,
		scripts:   make(map[string]scriptInfo),
		next:      [2]uint32{nextReceive, nextChange},
	}

	for _, change := range []bool{false, true} {
		if err := idx.extend(change); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

// extend derives scripts until the branch is watched lookahead indexes
// past its next index.
func (s *scriptIndex) extend(change bool) error {
	b := branchOf(change)
	for s.derived[b] < s.next[b]+s.lookahead {
		ds, err := s.policy.Derive(s.derived[b], change)
		if err != nil {
			return err
		}

		s.scripts[string(ds.PkScript)] = scriptInfo{
			index:  s.derived[b],
			change: change,
		}
		s.derived[b]++
	}

	return nil
}

// lookup returns the derivation of a watched script.
func (s *scriptIndex) lookup(pkScript []byte) (scriptInfo, bool) {
	info, ok := s.scripts[string(pkScript)]
	return info, ok
}

// markUsed records that the script at info was seen on chain. It returns
// true if the branch's next index moved.
func (s *scriptIndex) markUsed(info scriptInfo) (bool, error) {
	b := branchOf(info.change)
	if info.index < s.next[b] {
		return false, nil
	}

	s.next[b] = info.index + 1

	return true, s.extend(info.change)
}

// persistIndexes writes the next index of both branches.
func (s *scriptIndex) persistIndexes(tx walletdb.ReadWriteTx) error {
	if err := putUint32(tx, metaReceiveIdx, s.next[0]); err != nil {
		return err
	}

	return putUint32(tx, metaChangeIdx, s.next[1])
}

// nextChange derives the script at the next change index without
// consuming it.
func (s *scriptIndex) nextChange() (*descriptor.DerivedScript, error) {
	return s.policy.Derive(s.next[1], true)
}

// NewAddress returns a fresh receive address and starts watching past it.
func (w *Wallet) NewAddress() (btcutil.Address, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	index := w.scripts.next[0]
	ds, err := w.policy.Derive(index, false)
	if err != nil {
		return nil, err
	}

	if _, err := w.scripts.markUsed(scriptInfo{index: index}); err != nil {
		return nil, err
	}
	err = walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		return w.scripts.persistIndexes(tx)
	})
	if err != nil {
		w.scripts.next[0] = index
		return nil, dbError("failed to store receive index", err)
	}

	log.Debugf("Handed out receive address %v at index %d", ds.Address,
		index)

	return ds.Address, nil
}
