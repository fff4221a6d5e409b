// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CoinStatus is the lifecycle state of a coin. It is derived from the
// coin's confirmation and spend fields and never stored.
type CoinStatus uint8

const (
	// CoinUnconfirmed is a coin whose creating transaction is not mined.
	CoinUnconfirmed CoinStatus = iota

	// CoinConfirmed is a mined, unspent coin.
	CoinConfirmed

	// CoinSpending is a coin spent by a broadcast transaction that is not
	// mined yet.
	CoinSpending

	// CoinSpent is a coin whose spending transaction is mined.
	CoinSpent
)

// String returns the status name used on the RPC interface.
func (s CoinStatus) String() string {
	switch s {
	case CoinUnconfirmed:
		return "unconfirmed"
	case CoinConfirmed:
		return "confirmed"
	case CoinSpending:
		return "spending"
	case CoinSpent:
		return "spent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseCoinStatus parses a status name.
func ParseCoinStatus(s string) (CoinStatus, error) {
	for _, status := range []CoinStatus{
		CoinUnconfirmed, CoinConfirmed, CoinSpending, CoinSpent,
	} {
		if status.String() == s {
			return status, nil
		}
	}

	return 0, fmt.Errorf("unknown coin status %q", s)
}

// Coin is an output paying to one of the wallet's scripts.
type Coin struct {
	// OutPoint identifies the coin.
	OutPoint wire.OutPoint

	// Amount is the output value.
	Amount btcutil.Amount

	// DerivationIndex is the child index of the script the coin pays to.
	DerivationIndex uint32

	// IsChange is set for coins paying to the change branch.
	IsChange bool

	// BlockHeight is the height of the block the coin was created in.
	BlockHeight fn.Option[int32]

	// SpendTxid is the transaction spending the coin, once broadcast or
	// seen in a block.
	SpendTxid fn.Option[chainhash.Hash]

	// SpendHeight is the height of the block the spending transaction was
	// mined in.
	SpendHeight fn.Option[int32]
}

// Status derives the coin's lifecycle state.
func (c *Coin) Status() CoinStatus {
	switch {
	case c.SpendHeight.IsSome():
		return CoinSpent
	case c.SpendTxid.IsSome():
		return CoinSpending
	case c.BlockHeight.IsSome():
		return CoinConfirmed
	default:
		return CoinUnconfirmed
	}
}

// MaturityHeight returns the height at which the coin becomes spendable
// through a recovery path with the given timelock. Unconfirmed coins have
// none.
func (c *Coin) MaturityHeight(timelock uint16) fn.Option[int32] {
	var maturity fn.Option[int32]
	c.BlockHeight.WhenSome(func(h int32) {
		maturity = fn.Some(h + int32(timelock))
	})

	return maturity
}

// matured reports whether the coin's recovery path with the given timelock
// is available at the tip height.
func (c *Coin) matured(timelock uint16, tip int32) bool {
	maturity := c.MaturityHeight(timelock)
	return maturity.IsSome() && maturity.UnwrapOr(0) <= tip
}

func (c *Coin) copy() *Coin {
	cp := *c
	return &cp
}

// compareOutPoints orders outpoints by txid bytes, then output index.
func compareOutPoints(a, b *wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}

	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	default:
		return 0
	}
}

// coinStore is the authoritative record of the wallet's coins. Every
// mutation is an upsert keyed by outpoint, written to the database before
// the in-memory copy is replaced.
type coinStore struct {
	db    walletdb.DB
	coins map[wire.OutPoint]*Coin
}

// newCoinStore loads every coin from the database.
func newCoinStore(db walletdb.DB) (*coinStore, error) {
	s := &coinStore{
		db:    db,
		coins: make(map[wire.OutPoint]*Coin),
	}

	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		return forEachCoin(tx, func(c *Coin) {
			s.coins[c.OutPoint] = c
		})
	})
	if err != nil {
		return nil, dbError("failed to load coins", err)
	}

	return s, nil
}

// get returns a copy of the coin at op.
func (s *coinStore) get(op wire.OutPoint) (*Coin, bool) {
	c, ok := s.coins[op]
	if !ok {
		return nil, false
	}

	return c.copy(), true
}

// CoinsMatching returns copies of the coins whose status is in statuses and
// whose outpoint is in outpoints, ordered by outpoint. An empty set does not
// filter.
func (s *coinStore) CoinsMatching(statuses fn.Set[CoinStatus],
	outpoints fn.Set[wire.OutPoint]) []*Coin {

	coins := make([]*Coin, 0, len(s.coins))
	for op, c := range s.coins {
		if len(outpoints) > 0 && !outpoints.Contains(op) {
			continue
		}
		if len(statuses) > 0 && !statuses.Contains(c.Status()) {
			continue
		}

		coins = append(coins, c.copy())
	}

	sort.Slice(coins, func(i, j int) bool {
		return compareOutPoints(
			&coins[i].OutPoint, &coins[j].OutPoint,
		) < 0
	})

	return coins
}

// AddCoin records a newly seen coin. If the coin is already known only its
// confirmation height is updated, so replaying a block is harmless.
func (s *coinStore) AddCoin(c *Coin) error {
	existing, ok := s.coins[c.OutPoint]
	if !ok {
		return s.put(c.copy())
	}

	updated := existing.copy()
	c.BlockHeight.WhenSome(func(h int32) {
		updated.BlockHeight = fn.Some(h)
	})

	return s.put(updated)
}

// ApplyConfirmation marks the coin as mined at height.
func (s *coinStore) ApplyConfirmation(op wire.OutPoint, height int32) error {
	return s.update(op, func(c *Coin) {
		c.BlockHeight = fn.Some(height)
	})
}

// ApplySpend marks the coin as spent by the broadcast transaction txid.
// The coin is written within tx and returned; it is installed in the store
// by cache once tx commits, so a spend is recorded together with the rest
// of its broadcast.
func (s *coinStore) ApplySpend(tx walletdb.ReadWriteTx, op wire.OutPoint,
	txid chainhash.Hash) (*Coin, error) {

	updated, err := s.mutated(op, func(c *Coin) {
		c.SpendTxid = fn.Some(txid)
	})
	if err != nil {
		return nil, err
	}

	if err := putCoin(tx, updated); err != nil {
		return nil, err
	}

	return updated, nil
}

// ApplySpendConfirmation marks the coin as spent by txid, mined at height.
func (s *coinStore) ApplySpendConfirmation(op wire.OutPoint,
	txid chainhash.Hash, height int32) error {

	return s.update(op, func(c *Coin) {
		c.SpendTxid = fn.Some(txid)
		c.SpendHeight = fn.Some(height)
	})
}

// ApplyReorgRevert undoes everything recorded for the coin above
// forkHeight: a spend mined above the fork is forgotten entirely, and a
// confirmation above the fork makes the coin unconfirmed again.
func (s *coinStore) ApplyReorgRevert(op wire.OutPoint, forkHeight int32) error {
	return s.update(op, func(c *Coin) {
		if c.SpendHeight.UnwrapOr(-1) > forkHeight {
			c.SpendTxid = fn.None[chainhash.Hash]()
			c.SpendHeight = fn.None[int32]()
		}
		if c.BlockHeight.UnwrapOr(-1) > forkHeight {
			c.BlockHeight = fn.None[int32]()
		}
	})
}

// update applies mutate to a copy of the coin at op and stores the result.
func (s *coinStore) update(op wire.OutPoint, mutate func(*Coin)) error {
	updated, err := s.mutated(op, mutate)
	if err != nil {
		return err
	}

	return s.put(updated)
}

// mutated returns a copy of the coin at op with mutate applied.
func (s *coinStore) mutated(op wire.OutPoint, mutate func(*Coin)) (*Coin,
	error) {

	existing, ok := s.coins[op]
	if !ok {
		return nil, walletError(ErrInvalidOutpoint,
			fmt.Sprintf("unknown coin %v", op), nil)
	}

	updated := existing.copy()
	mutate(updated)

	return updated, nil
}

func (s *coinStore) put(c *Coin) error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return putCoin(tx, c)
	})
	if err != nil {
		return dbError(fmt.Sprintf("failed to store coin %v",
			c.OutPoint), err)
	}

	s.coins[c.OutPoint] = c

	return nil
}

// putAll stores coins within tx. They are only visible once cache is
// called after tx commits.
func (s *coinStore) putAll(tx walletdb.ReadWriteTx, coins []*Coin) error {
	for _, c := range coins {
		if err := putCoin(tx, c); err != nil {
			return err
		}
	}

	return nil
}

// cache installs coins stored by putAll.
func (s *coinStore) cache(coins []*Coin) {
	for _, c := range coins {
		s.coins[c.OutPoint] = c
	}
}

// revertAbove applies a reorg revert to every coin touched above
// forkHeight.
func (s *coinStore) revertAbove(forkHeight int32) error {
	var touched []wire.OutPoint
	for op, c := range s.coins {
		if c.BlockHeight.UnwrapOr(-1) > forkHeight ||
			c.SpendHeight.UnwrapOr(-1) > forkHeight {

			touched = append(touched, op)
		}
	}

	for _, op := range touched {
		if err := s.ApplyReorgRevert(op, forkHeight); err != nil {
			return err
		}
	}

	return nil
}
