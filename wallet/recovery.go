// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// recoveryTimelock resolves the recovery path to sweep through. Without an
// override the path with the smallest timelock is used.
func (w *Wallet) recoveryTimelock(override fn.Option[uint16]) (uint16, error) {
	if !override.IsSome() {
		return w.policy.FirstTimelock(), nil
	}

	timelock := override.UnwrapOr(0)
	for _, tl := range w.policy.Timelocks() {
		if tl == timelock {
			return timelock, nil
		}
	}

	return 0, invalidParams("no recovery path with timelock %d, "+
		"available: %v", timelock, w.policy.Timelocks())
}

// maturedCoins returns the confirmed, unreserved coins whose recovery path
// with the given timelock is available at the current tip.
func (w *Wallet) maturedCoins(timelock uint16) []*Coin {
	confirmed := fn.NewSet(CoinConfirmed)

	var coins []*Coin
	for _, c := range w.coins.CoinsMatching(confirmed, nil) {
		if _, reserved := w.reservations[c.OutPoint]; reserved {
			continue
		}
		if !c.matured(timelock, w.tip.Height) {
			continue
		}

		coins = append(coins, c)
	}

	return coins
}

// CreateRecovery builds a draft sweeping every matured coin to addr through
// a recovery path at feeRate sat/vB. The draft's inputs are reserved like
// any other spend.
func (w *Wallet) CreateRecovery(addr string, feeRate uint64,
	timelock fn.Option[uint16]) (*Draft, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := validateFeeRate(feeRate); err != nil {
		return nil, err
	}
	decoded, err := w.decodeAddress(addr)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, invalidParams("cannot pay to %s: %v", addr, err)
	}

	tl, err := w.recoveryTimelock(timelock)
	if err != nil {
		return nil, err
	}

	coins := w.maturedCoins(tl)
	if len(coins) == 0 {
		return nil, walletError(ErrNoMaturedCoins, fmt.Sprintf(
			"no coin matured on the %d blocks recovery path at "+
				"height %d", tl, w.tip.Height), nil)
	}

	satWeight, err := w.policy.RecoverySatisfactionWeight(tl)
	if err != nil {
		return nil, err
	}
	sel, err := sweepCoins(coins, satWeight, feeRate, pkScript)
	if err != nil {
		return nil, err
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(sel.change), pkScript)}
	sweep := &selection{coins: sel.coins, fee: sel.fee}
	draft, err := w.buildDraft(sweep, outputs, nil, feeRate, uint32(tl))
	if err != nil {
		return nil, err
	}
	draft.ChangeIndexes = w.changeIndexes(draft.Packet)

	if err := w.commitDraft(draft, false); err != nil {
		return nil, err
	}

	log.Infof("Created recovery %v sweeping %d %s worth %v through the "+
		"%d blocks path", draft.Txid(), len(coins),
		pickNoun(len(coins), "coin", "coins"), sel.total(), tl)

	return draft.copy()
}
