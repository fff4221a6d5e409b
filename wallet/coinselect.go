// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/csvwallet/descriptor"
)

const (
	// MinFeeRate and MaxFeeRate bound the accepted feerates, in sat/vB.
	MinFeeRate = 1
	MaxFeeRate = 1000

	// maxExactMatchTries bounds the nodes visited by the exact match
	// search.
	maxExactMatchTries = 1000

	// witnessHeaderSize is the segwit marker and flag bytes.
	witnessHeaderSize = 2
)

// txShape describes a transaction for size estimation: its input count,
// the witness weight of each input, its outputs and whether a P2WSH change
// output is added.
type txShape struct {
	numInputs int
	satWeight int
	outputs   []*wire.TxOut
	change    bool
}

// virtualSize estimates the virtual size of a transaction spending
// numInputs wallet coins. Every input has an empty signature script, so the
// P2WPKH input size is exactly the non-witness part of ours.
func (s txShape) virtualSize() int {
	numOutputs := len(s.outputs)
	outputsSize := txsizes.SumOutputSerializeSizes(s.outputs)
	if s.change {
		numOutputs++
		outputsSize += descriptor.P2WSHOutputSize
	}

	baseSize := 4 + 4 +
		wire.VarIntSerializeSize(uint64(s.numInputs)) +
		s.numInputs*txsizes.RedeemP2WPKHInputSize +
		wire.VarIntSerializeSize(uint64(numOutputs)) +
		outputsSize

	witnessWeight := witnessHeaderSize + s.numInputs*s.satWeight
	weight := baseSize*4 + witnessWeight

	return (weight + 3) / 4
}

// fee returns the fee paying feeRate sat/vB for the transaction.
func (s txShape) fee(feeRate btcutil.Amount) btcutil.Amount {
	return feeRate * btcutil.Amount(s.virtualSize())
}

// isDust reports whether an output of the given value and script size
// would be dust at feeRate sat/vB. The relay fee used is never below the
// default policy.
func isDust(value btcutil.Amount, scriptSize int,
	feeRate btcutil.Amount) bool {

	if value <= 0 {
		return true
	}

	relayFeePerKb := feeRate * 1000
	if relayFeePerKb < txrules.DefaultRelayFeePerKb {
		relayFeePerKb = txrules.DefaultRelayFeePerKb
	}

	// Only the script length matters to the dust rule.
	out := wire.NewTxOut(int64(value), make([]byte, scriptSize))

	return txrules.IsDustOutput(out, relayFeePerKb)
}

// isDustChange reports whether a change output of the given value would be
// dust at feeRate sat/vB.
func isDustChange(change, feeRate btcutil.Amount) bool {
	return isDust(change, descriptor.P2WSHPkScriptSize, feeRate)
}

// selection is the result of coin selection.
type selection struct {
	coins []*Coin

	// change is the change output value, zero when the transaction has no
	// change output.
	change btcutil.Amount

	// fee is the total fee, including any excess absorbed because a
	// change output would have been dust.
	fee btcutil.Amount
}

func (s *selection) total() btcutil.Amount {
	var total btcutil.Amount
	for _, c := range s.coins {
		total += c.Amount
	}

	return total
}

// coinSelector picks coins to fund a set of outputs at a feerate.
type coinSelector struct {
	feeRate   btcutil.Amount
	satWeight int
	outputs   []*wire.TxOut
	target    btcutil.Amount
}

func newCoinSelector(feeRate uint64, satWeight int,
	outputs []*wire.TxOut) *coinSelector {

	return &coinSelector{
		feeRate:   btcutil.Amount(feeRate),
		satWeight: satWeight,
		outputs:   outputs,
		target:    txauthor.SumOutputValues(outputs),
	}
}

func (cs *coinSelector) shape(n int, change bool) txShape {
	return txShape{
		numInputs: n,
		satWeight: cs.satWeight,
		outputs:   cs.outputs,
		change:    change,
	}
}

// sortCandidates orders coins largest first, ties broken by outpoint.
func sortCandidates(coins []*Coin) []*Coin {
	sorted := make([]*Coin, len(coins))
	copy(sorted, coins)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}

		return compareOutPoints(
			&sorted[i].OutPoint, &sorted[j].OutPoint,
		) < 0
	})

	return sorted
}

// selectCoins picks coins among candidates. A subset whose excess over the
// outputs and fee would only make a dust change output is preferred;
// otherwise coins are added largest first until the outputs, the fee and a
// change output are covered.
func (cs *coinSelector) selectCoins(candidates []*Coin) (*selection, error) {
	sorted := sortCandidates(candidates)

	if sel := cs.exactMatch(sorted); sel != nil {
		return sel, nil
	}

	return cs.largestFirst(sorted)
}

// exactMatch runs a bounded depth first search for a change-less subset.
// Candidates are expected in largest first order.
func (cs *coinSelector) exactMatch(sorted []*Coin) *selection {
	// Only coins worth more than the fee to spend them are considered.
	inputFee := cs.feeRate * btcutil.Amount(
		(txsizes.RedeemP2WPKHInputSize*4+cs.satWeight+3)/4,
	)
	var coins []*Coin
	for _, c := range sorted {
		if c.Amount > inputFee {
			coins = append(coins, c)
		}
	}

	// remaining[i] is the effective value of coins[i:].
	remaining := make([]btcutil.Amount, len(coins)+1)
	for i := len(coins) - 1; i >= 0; i-- {
		remaining[i] = remaining[i+1] + coins[i].Amount - inputFee
	}

	// The search works on effective values against the fee of a
	// transaction without inputs. Candidate leaves are checked with the
	// exact fee.
	target := cs.target + cs.shape(0, false).fee(cs.feeRate)
	maxExcess := cs.feeRate*descriptor.P2WSHOutputSize +
		cs.dustLimit()

	var (
		tries      int
		best       []*Coin
		bestExcess btcutil.Amount
		bestFound  bool
		chosen     []*Coin
	)

	var search func(i int, effective, total btcutil.Amount)
	search = func(i int, effective, total btcutil.Amount) {
		if tries >= maxExactMatchTries {
			return
		}
		tries++

		if effective+remaining[i] < target ||
			effective > target+maxExcess {

			return
		}

		if effective >= target {
			fee := cs.shape(len(chosen), false).fee(cs.feeRate)
			excess := total - cs.target - fee
			if excess >= 0 && isDustChange(
				excess-cs.feeRate*descriptor.P2WSHOutputSize,
				cs.feeRate,
			) && (!bestFound || excess < bestExcess) {

				best = append(best[:0], chosen...)
				bestExcess = excess
				bestFound = true
			}

			// Adding coins only grows the excess.
			return
		}

		if i == len(coins) {
			return
		}

		c := coins[i]
		chosen = append(chosen, c)
		search(i+1, effective+c.Amount-inputFee, total+c.Amount)
		chosen = chosen[:len(chosen)-1]

		search(i+1, effective, total)
	}
	search(0, 0, 0)

	if !bestFound {
		return nil
	}

	sel := &selection{coins: best}
	sel.fee = sel.total() - cs.target

	return sel
}

// dustLimit returns the smallest change value that is not dust at the
// selector's feerate.
func (cs *coinSelector) dustLimit() btcutil.Amount {
	// The dust rule is monotonic, so a binary search finds the limit.
	lo, hi := btcutil.Amount(1), btcutil.Amount(1)
	for isDustChange(hi, cs.feeRate) {
		lo = hi
		hi *= 2
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		if isDustChange(mid, cs.feeRate) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}

// largestFirst accumulates coins largest first, recomputing the fee after
// each addition.
func (cs *coinSelector) largestFirst(sorted []*Coin) (*selection, error) {
	var total btcutil.Amount
	for n, c := range sorted {
		total += c.Amount

		feeNoChange := cs.shape(n+1, false).fee(cs.feeRate)
		if total < cs.target+feeNoChange {
			continue
		}

		selected := sorted[:n+1]

		feeChange := cs.shape(n+1, true).fee(cs.feeRate)
		change := total - cs.target - feeChange
		if !isDustChange(change, cs.feeRate) {
			return &selection{
				coins:  selected,
				change: change,
				fee:    feeChange,
			}, nil
		}

		return &selection{
			coins: selected,
			fee:   total - cs.target,
		}, nil
	}

	needed := cs.target + cs.shape(len(sorted), false).fee(cs.feeRate)

	return nil, walletError(ErrInsufficientFunds, fmt.Sprintf(
		"insufficient funds: %v available, at least %v needed",
		total, needed), nil)
}

// sweepCoins spends every coin into a single output paying to pkScript.
// The output value is returned as the selection's change. It fails if that
// output would be dust.
func sweepCoins(coins []*Coin, satWeight int, feeRate uint64,
	pkScript []byte) (*selection, error) {

	shape := txShape{
		numInputs: len(coins),
		satWeight: satWeight,
		outputs:   []*wire.TxOut{wire.NewTxOut(0, pkScript)},
	}

	sel := &selection{coins: coins}
	sel.fee = shape.fee(btcutil.Amount(feeRate))
	sel.change = sel.total() - sel.fee

	if isDust(sel.change, len(pkScript), btcutil.Amount(feeRate)) {
		return nil, walletError(ErrInsufficientFunds, fmt.Sprintf(
			"swept value %v does not cover the %v fee with a "+
				"non dust output", sel.total(), sel.fee), nil)
	}

	return sel, nil
}
