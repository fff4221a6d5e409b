// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/csvwallet/chain"
	"github.com/btcsuite/csvwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// rbfSequence is the sequence of primary path inputs. It signals
// replaceability and leaves relative timelocks disabled.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// Draft is a transaction under construction, waiting for signatures.
type Draft struct {
	// Packet carries the transaction and the signatures collected so
	// far.
	Packet *psbt.Packet

	// FeeRate is the feerate the draft was built for, in sat/vB.
	FeeRate uint64

	// ChangeIndexes are the indexes of the outputs paying back to the
	// wallet's change branch.
	ChangeIndexes []uint32
}

// Txid returns the id of the draft's unsigned transaction.
func (d *Draft) Txid() chainhash.Hash {
	return d.Packet.UnsignedTx.TxHash()
}

func (d *Draft) copy() (*Draft, error) {
	packet, err := clonePacket(d.Packet)
	if err != nil {
		return nil, err
	}

	cp := *d
	cp.Packet = packet
	cp.ChangeIndexes = append([]uint32(nil), d.ChangeIndexes...)

	return &cp, nil
}

// inputSet returns the outpoints spent by the draft.
func (d *Draft) inputSet() fn.Set[wire.OutPoint] {
	return packetInputs(d.Packet)
}

func packetInputs(packet *psbt.Packet) fn.Set[wire.OutPoint] {
	inputs := fn.NewSet[wire.OutPoint]()
	for _, in := range packet.UnsignedTx.TxIn {
		inputs.Add(in.PreviousOutPoint)
	}

	return inputs
}

func sameInputs(a, b fn.Set[wire.OutPoint]) bool {
	if len(a) != len(b) {
		return false
	}
	for op := range a {
		if !b.Contains(op) {
			return false
		}
	}

	return true
}

func decodePacket(b []byte) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(b), false)
}

func clonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	return decodePacket(buf.Bytes())
}

// validateFeeRate checks a requested feerate, in sat/vB.
func validateFeeRate(feeRate uint64) error {
	if feeRate < MinFeeRate || feeRate > MaxFeeRate {
		return invalidParams("feerate must be between %d and %d sat/vB, "+
			"got %d", MinFeeRate, MaxFeeRate, feeRate)
	}

	return nil
}

// decodeAddress parses an address and checks it belongs to the wallet's
// network.
func (w *Wallet) decodeAddress(addr string) (btcutil.Address, error) {
	params := w.policy.Params()
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil || !decoded.IsForNet(params) {
		return nil, invalidParams("invalid address %q for %s", addr,
			params.Name)
	}

	return decoded, nil
}

// destinationOutputs builds the payment outputs, ordered by address.
func (w *Wallet) destinationOutputs(
	destinations map[string]btcutil.Amount) ([]*wire.TxOut, error) {

	addrs := make([]string, 0, len(destinations))
	for addr := range destinations {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	outputs := make([]*wire.TxOut, 0, len(addrs))
	for _, addr := range addrs {
		decoded, err := w.decodeAddress(addr)
		if err != nil {
			return nil, err
		}

		pkScript, err := txscript.PayToAddrScript(decoded)
		if err != nil {
			return nil, invalidParams("cannot pay to %s: %v", addr,
				err)
		}

		out := wire.NewTxOut(int64(destinations[addr]), pkScript)
		err = txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, invalidParams("invalid amount %v for %s: %v",
				destinations[addr], addr, err)
		}

		outputs = append(outputs, out)
	}

	return outputs, nil
}

// isSpendable reports whether a coin may fund a new draft: it must be
// unspent and not reserved.
func (w *Wallet) isSpendable(c *Coin) bool {
	status := c.Status()
	if status != CoinUnconfirmed && status != CoinConfirmed {
		return false
	}
	_, reserved := w.reservations[c.OutPoint]

	return !reserved
}

// autoCandidates returns the coins the selector may pick by itself:
// confirmed coins and unconfirmed change.
func (w *Wallet) autoCandidates() []*Coin {
	var coins []*Coin
	for _, c := range w.coins.CoinsMatching(nil, nil) {
		if !w.isSpendable(c) {
			continue
		}
		if c.Status() == CoinUnconfirmed && !c.IsChange {
			continue
		}

		coins = append(coins, c)
	}

	return coins
}

// explicitCandidates resolves requested outpoints to spendable coins.
func (w *Wallet) explicitCandidates(outpoints []wire.OutPoint) ([]*Coin,
	error) {

	seen := fn.NewSet[wire.OutPoint]()
	coins := make([]*Coin, 0, len(outpoints))
	for _, op := range outpoints {
		if seen.Contains(op) {
			return nil, invalidParams("duplicate outpoint %v", op)
		}
		seen.Add(op)

		c, ok := w.coins.get(op)
		if !ok || !w.isSpendable(c) {
			return nil, walletError(ErrInvalidOutpoint, fmt.Sprintf(
				"coin %v is unknown, spent or reserved", op),
				nil)
		}

		coins = append(coins, c)
	}

	return coins, nil
}

// CreateSpend builds a draft paying destinations at feeRate sat/vB. When
// outpoints is empty the coins are selected among the spendable ones,
// otherwise selection is restricted to the given coins. Without
// destinations, every given coin is sent to a new change address.
func (w *Wallet) CreateSpend(destinations map[string]btcutil.Amount,
	outpoints []wire.OutPoint, feeRate uint64) (*Draft, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := validateFeeRate(feeRate); err != nil {
		return nil, err
	}
	if len(destinations) == 0 && len(outpoints) == 0 {
		return nil, invalidParams("either destinations or outpoints " +
			"must be given")
	}

	outputs, err := w.destinationOutputs(destinations)
	if err != nil {
		return nil, err
	}

	candidates := w.autoCandidates()
	if len(outpoints) > 0 {
		candidates, err = w.explicitCandidates(outpoints)
		if err != nil {
			return nil, err
		}
	}

	change, err := w.scripts.nextChange()
	if err != nil {
		return nil, err
	}

	var sel *selection
	satWeight := w.policy.MaxSatisfactionWeight()
	if len(outputs) == 0 {
		sel, err = sweepCoins(candidates, satWeight, feeRate,
			change.PkScript)
	} else {
		sel, err = newCoinSelector(feeRate, satWeight, outputs).
			selectCoins(candidates)
	}
	if err != nil {
		return nil, err
	}

	draft, err := w.buildDraft(sel, outputs, change, feeRate, rbfSequence)
	if err != nil {
		return nil, err
	}

	if err := w.commitDraft(draft, len(draft.ChangeIndexes) > 0); err != nil {
		return nil, err
	}

	log.Infof("Created spend %v with %d %s, fee %v", draft.Txid(),
		len(sel.coins), pickNoun(len(sel.coins), "input", "inputs"),
		sel.fee)

	return draft.copy()
}

// buildDraft turns a selection into a PSBT. Inputs are ordered by
// outpoint; the change output, if any, comes last.
func (w *Wallet) buildDraft(sel *selection, outputs []*wire.TxOut,
	change *descriptor.DerivedScript, feeRate uint64,
	sequence uint32) (*Draft, error) {

	coins := make([]*Coin, len(sel.coins))
	copy(coins, sel.coins)
	sort.Slice(coins, func(i, j int) bool {
		return compareOutPoints(
			&coins[i].OutPoint, &coins[j].OutPoint,
		) < 0
	})

	prevOuts := make([]*wire.OutPoint, len(coins))
	sequences := make([]uint32, len(coins))
	for i, c := range coins {
		op := c.OutPoint
		prevOuts[i] = &op
		sequences[i] = sequence
	}

	txOuts := make([]*wire.TxOut, 0, len(outputs)+1)
	for _, out := range outputs {
		txOuts = append(txOuts, wire.NewTxOut(out.Value, out.PkScript))
	}

	draft := &Draft{FeeRate: feeRate}
	if sel.change > 0 {
		draft.ChangeIndexes = []uint32{uint32(len(txOuts))}
		txOuts = append(txOuts, wire.NewTxOut(
			int64(sel.change), change.PkScript,
		))
	}

	packet, err := psbt.New(prevOuts, txOuts, 2, 0, sequences)
	if err != nil {
		return nil, err
	}

	for i, c := range coins {
		ds, err := w.policy.Derive(c.DerivationIndex, c.IsChange)
		if err != nil {
			return nil, err
		}
		ds.FillInput(&packet.Inputs[i], c.Amount)
	}
	if err := w.fillOwnOutputs(packet); err != nil {
		return nil, err
	}

	draft.Packet = packet

	return draft, nil
}

// fillOwnOutputs adds derivation information to outputs paying to the
// wallet.
func (w *Wallet) fillOwnOutputs(packet *psbt.Packet) error {
	for i, out := range packet.UnsignedTx.TxOut {
		info, ok := w.scripts.lookup(out.PkScript)
		if !ok {
			continue
		}

		ds, err := w.policy.Derive(info.index, info.change)
		if err != nil {
			return err
		}
		ds.FillOutput(&packet.Outputs[i])
	}

	return nil
}

// commitDraft stores a new draft and reserves its inputs. If usesChange is
// set the change index is consumed.
func (w *Wallet) commitDraft(d *Draft, usesChange bool) error {
	changeIndex := w.scripts.next[1]
	if usesChange {
		info := scriptInfo{index: changeIndex, change: true}
		if _, err := w.scripts.markUsed(info); err != nil {
			return err
		}
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if err := putDraft(tx, d); err != nil {
			return err
		}

		return w.scripts.persistIndexes(tx)
	})
	if err != nil {
		w.scripts.next[1] = changeIndex
		return dbError("failed to store spend", err)
	}

	w.storeDraft(d)

	return nil
}

// storeDraft records d in memory and reserves its inputs for it.
func (w *Wallet) storeDraft(d *Draft) {
	txid := d.Txid()
	w.drafts[txid] = d
	for op := range d.inputSet() {
		w.reservations[op] = txid
	}
}

// dropDraft forgets d and releases its reservations.
func (w *Wallet) dropDraft(txid chainhash.Hash) {
	d, ok := w.drafts[txid]
	if !ok {
		return
	}

	for op := range d.inputSet() {
		if w.reservations[op] == txid {
			delete(w.reservations, op)
		}
	}
	delete(w.drafts, txid)
}

// UpdateSpend stores a signed version of a draft. A packet whose txid
// matches a stored draft replaces it. An unknown packet is imported as a
// new draft if every input is a spendable, unreserved wallet coin.
func (w *Wallet) UpdateSpend(packet *psbt.Packet) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := packet.SanityCheck(); err != nil {
		return invalidParams("invalid psbt: %v", err)
	}

	txid := packet.UnsignedTx.TxHash()
	if _, ok := w.drafts[txid]; ok {
		return w.replaceDraft(txid, packet)
	}

	return w.importDraft(packet)
}

// UpdateSpendTx replaces the draft txid with packet. The packet must spend
// exactly the draft's inputs; if its txid differs, the draft is re-keyed.
func (w *Wallet) UpdateSpendTx(txid chainhash.Hash, packet *psbt.Packet) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := packet.SanityCheck(); err != nil {
		return invalidParams("invalid psbt: %v", err)
	}
	if _, ok := w.drafts[txid]; !ok {
		return walletError(ErrUnknownSpend,
			fmt.Sprintf("unknown spend %v", txid), nil)
	}

	return w.replaceDraft(txid, packet)
}

func (w *Wallet) replaceDraft(txid chainhash.Hash, packet *psbt.Packet) error {
	old := w.drafts[txid]
	if !sameInputs(old.inputSet(), packetInputs(packet)) {
		return walletError(ErrInputSetMismatch, fmt.Sprintf(
			"psbt does not spend the inputs of spend %v", txid), nil)
	}
	if err := w.fillMissingInputs(packet); err != nil {
		return err
	}

	updated := &Draft{
		Packet:        packet,
		FeeRate:       old.FeeRate,
		ChangeIndexes: w.changeIndexes(packet),
	}
	newTxid := updated.Txid()

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if newTxid != txid {
			if err := deleteDraft(tx, &txid); err != nil {
				return err
			}
		}

		return putDraft(tx, updated)
	})
	if err != nil {
		return dbError("failed to store spend", err)
	}

	w.dropDraft(txid)
	w.storeDraft(updated)

	if newTxid != txid {
		log.Infof("Spend %v replaced by %v", txid, newTxid)
	} else {
		log.Debugf("Updated spend %v", txid)
	}

	return nil
}

// importDraft adds a packet built elsewhere as a new draft.
func (w *Wallet) importDraft(packet *psbt.Packet) error {
	var (
		total btcutil.Amount
		coins []*Coin
	)
	for _, in := range packet.UnsignedTx.TxIn {
		c, ok := w.coins.get(in.PreviousOutPoint)
		if !ok || !w.isSpendable(c) {
			return walletError(ErrInvalidOutpoint, fmt.Sprintf(
				"input %v is not a spendable wallet coin",
				in.PreviousOutPoint), nil)
		}
		coins = append(coins, c)
		total += c.Amount
	}
	if err := w.fillMissingInputs(packet); err != nil {
		return err
	}
	if err := w.fillOwnOutputs(packet); err != nil {
		return err
	}

	var outTotal btcutil.Amount
	for _, out := range packet.UnsignedTx.TxOut {
		outTotal += btcutil.Amount(out.Value)
	}
	if outTotal > total {
		return invalidParams("psbt spends more than its inputs")
	}

	shape := txShape{
		numInputs: len(coins),
		satWeight: w.policy.MaxSatisfactionWeight(),
		outputs:   packet.UnsignedTx.TxOut,
	}
	d := &Draft{
		Packet:        packet,
		FeeRate:       uint64(total-outTotal) / uint64(shape.virtualSize()),
		ChangeIndexes: w.changeIndexes(packet),
	}

	if err := w.commitDraft(d, false); err != nil {
		return err
	}

	log.Infof("Imported spend %v", d.Txid())

	return nil
}

// fillMissingInputs adds the spent output and script of our coins to the
// inputs of packet which lack them.
func (w *Wallet) fillMissingInputs(packet *psbt.Packet) error {
	for i, in := range packet.UnsignedTx.TxIn {
		pIn := &packet.Inputs[i]
		if pIn.WitnessUtxo != nil {
			continue
		}

		c, ok := w.coins.get(in.PreviousOutPoint)
		if !ok {
			return walletError(ErrInvalidOutpoint, fmt.Sprintf(
				"input %v is not a wallet coin",
				in.PreviousOutPoint), nil)
		}

		ds, err := w.policy.Derive(c.DerivationIndex, c.IsChange)
		if err != nil {
			return err
		}
		ds.FillInput(pIn, c.Amount)
	}

	return nil
}

// changeIndexes returns the outputs paying to the change branch.
func (w *Wallet) changeIndexes(packet *psbt.Packet) []uint32 {
	var indexes []uint32
	for i, out := range packet.UnsignedTx.TxOut {
		if info, ok := w.scripts.lookup(out.PkScript); ok && info.change {
			indexes = append(indexes, uint32(i))
		}
	}

	return indexes
}

// DeleteSpend removes a draft and releases its coins. Deleting an unknown
// draft is not an error.
func (w *Wallet) DeleteSpend(txid chainhash.Hash) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if _, ok := w.drafts[txid]; !ok {
		return nil
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		return deleteDraft(tx, &txid)
	})
	if err != nil {
		return dbError("failed to delete spend", err)
	}

	w.dropDraft(txid)
	log.Infof("Deleted spend %v", txid)

	return nil
}

// ListSpends returns copies of every draft, ordered by txid.
func (w *Wallet) ListSpends() ([]*Draft, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	txids := make([]chainhash.Hash, 0, len(w.drafts))
	for txid := range w.drafts {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return bytes.Compare(txids[i][:], txids[j][:]) < 0
	})

	drafts := make([]*Draft, 0, len(txids))
	for _, txid := range txids {
		d, err := w.drafts[txid].copy()
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}

	return drafts, nil
}

// BroadcastSpend finalizes a draft and submits it to the node. On success
// its inputs become spending, its outputs to the wallet are recorded as
// unconfirmed coins and the draft is removed. On failure the draft is kept.
func (w *Wallet) BroadcastSpend(txid chainhash.Hash) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	d, ok := w.drafts[txid]
	if !ok {
		return walletError(ErrUnknownSpend,
			fmt.Sprintf("unknown spend %v", txid), nil)
	}

	tx, err := w.finalizer.Finalize(d.Packet)
	if err != nil {
		return walletError(ErrIncompleteSignatures,
			fmt.Sprintf("spend %v cannot be finalized", txid), err)
	}

	err = w.chain.Broadcast(tx)
	var bErr *chain.BroadcastError
	switch {
	case err == nil:

	case errors.As(err, &bErr):
		return walletError(ErrBroadcastRejected,
			fmt.Sprintf("broadcast of %v rejected: %s", txid,
				bErr.Reason), err)

	default:
		return walletError(ErrNodeUnavailable,
			fmt.Sprintf("broadcast of %v failed", txid), err)
	}

	log.Infof("Broadcast spend %v", txid)

	if err := w.recordBroadcast(d, tx); err != nil {
		log.Errorf("Spend %v broadcast but not recorded: %v", txid, err)
		return err
	}

	return nil
}

// recordBroadcast applies a successful broadcast to the wallet state.
func (w *Wallet) recordBroadcast(d *Draft, tx *wire.MsgTx) error {
	txid := tx.TxHash()

	var received []*Coin
	for i, out := range tx.TxOut {
		info, ok := w.scripts.lookup(out.PkScript)
		if !ok {
			continue
		}

		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		if _, ok := w.coins.get(op); ok {
			continue
		}

		received = append(received, &Coin{
			OutPoint:        op,
			Amount:          btcutil.Amount(out.Value),
			DerivationIndex: info.index,
			IsChange:        info.change,
		})
	}

	var spent []*Coin
	draftTxid := d.Txid()
	err := walletdb.Update(w.db, func(dbTx walletdb.ReadWriteTx) error {
		spent = spent[:0]
		for _, in := range tx.TxIn {
			c, err := w.coins.ApplySpend(
				dbTx, in.PreviousOutPoint, txid,
			)
			if err != nil {
				return err
			}
			spent = append(spent, c)
		}

		if err := w.coins.putAll(dbTx, received); err != nil {
			return err
		}
		if err := deleteDraft(dbTx, &draftTxid); err != nil {
			return err
		}

		return putTxRecord(dbTx, &TxRecord{Tx: tx})
	})
	if err != nil {
		return dbError("failed to record broadcast", err)
	}

	w.coins.cache(spent)
	w.coins.cache(received)
	w.dropDraft(draftTxid)

	return nil
}
