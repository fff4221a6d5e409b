// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
)

var (
	// ErrMissingSignature is returned when an input carries no signature
	// for any spending path it can currently use.
	ErrMissingSignature = errors.New("no usable signature for input")

	// ErrForeignInput is returned when an input does not spend a script
	// of this policy.
	ErrForeignInput = errors.New("input does not spend a policy script")
)

// Finalizer turns fully signed packets of a policy into network
// transactions.
type Finalizer struct {
	policy *Policy
}

// NewFinalizer returns a finalizer for the given policy.
func NewFinalizer(policy *Policy) *Finalizer {
	return &Finalizer{policy: policy}
}

// IsComplete reports whether every input of the packet can be satisfied
// with the signatures it carries.
func (f *Finalizer) IsComplete(packet *psbt.Packet) bool {
	for i := range packet.Inputs {
		if len(packet.Inputs[i].FinalScriptWitness) > 0 {
			continue
		}
		if _, err := f.satisfy(packet, i); err != nil {
			return false
		}
	}

	return true
}

// Finalize builds the final witnesses of a copy of the packet, extracts the
// transaction and checks every input against the script interpreter. The
// packet itself is left untouched.
func (f *Finalizer) Finalize(packet *psbt.Packet) (*wire.MsgTx, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}
	cp, err := psbt.NewFromRawBytes(&buf, false)
	if err != nil {
		return nil, err
	}

	for i := range cp.Inputs {
		in := &cp.Inputs[i]
		if len(in.FinalScriptWitness) > 0 {
			continue
		}

		witness, err := f.satisfy(cp, i)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		in.FinalScriptWitness, err = serializeWitness(witness)
		if err != nil {
			return nil, err
		}

		// Per BIP174, every other field is dropped once an input is
		// finalized.
		in.PartialSigs = nil
		in.SighashType = 0
		in.WitnessScript = nil
		in.Bip32Derivation = nil
	}

	tx, err := psbt.Extract(cp)
	if err != nil {
		return nil, err
	}

	if err := verifyInputs(tx, cp); err != nil {
		return nil, err
	}

	return tx, nil
}

// satisfy builds the witness stack for input idx. The primary path is
// preferred; otherwise the recovery path with the smallest timelock that
// both carries a signature and is enabled by the input's sequence is used.
func (f *Finalizer) satisfy(packet *psbt.Packet, idx int) ([][]byte, error) {
	in := &packet.Inputs[idx]
	ds, err := f.derivedScript(in)
	if err != nil {
		return nil, err
	}

	if sig := findSig(in, ds.PrimaryKey.SerializeCompressed()); sig != nil {
		return [][]byte{sig, ds.WitnessScript}, nil
	}

	tx := packet.UnsignedTx
	for i, path := range f.policy.recovery {
		if !sequenceAllows(tx, idx, path.Timelock) {
			continue
		}

		pubKey := ds.RecoveryKeys[i].SerializeCompressed()
		sig := findSig(in, pubKey)
		if sig == nil {
			continue
		}

		witness := [][]byte{sig, pubKey}
		selectors := branchSelectors(i, len(f.policy.recovery))
		for j := len(selectors) - 1; j >= 0; j-- {
			witness = append(witness, selectors[j])
		}
		witness = append(witness, nil, ds.WitnessScript)

		return witness, nil
	}

	return nil, ErrMissingSignature
}

// derivedScript recovers the derivation of the script an input spends from
// its BIP32 derivation records and checks it against the witness script.
func (f *Finalizer) derivedScript(in *psbt.PInput) (*DerivedScript, error) {
	if in.WitnessUtxo == nil || len(in.WitnessScript) == 0 ||
		len(in.Bip32Derivation) == 0 {

		return nil, ErrForeignInput
	}

	path := in.Bip32Derivation[0].Bip32Path
	if len(path) < 2 {
		return nil, ErrForeignInput
	}
	branch, index := path[len(path)-2], path[len(path)-1]
	if branch != ReceiveChain && branch != ChangeChain {
		return nil, ErrForeignInput
	}

	ds, err := f.policy.Derive(index, branch == ChangeChain)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(ds.WitnessScript, in.WitnessScript) ||
		!bytes.Equal(ds.PkScript, in.WitnessUtxo.PkScript) {

		return nil, ErrForeignInput
	}

	return ds, nil
}

func findSig(in *psbt.PInput, pubKey []byte) []byte {
	for _, ps := range in.PartialSigs {
		if bytes.Equal(ps.PubKey, pubKey) {
			return ps.Signature
		}
	}

	return nil
}

// sequenceAllows reports whether input idx of tx satisfies a relative
// block-based timelock of the given number of blocks.
func sequenceAllows(tx *wire.MsgTx, idx int, timelock uint16) bool {
	if tx.Version < 2 {
		return false
	}

	seq := tx.TxIn[idx].Sequence
	if seq&wire.SequenceLockTimeDisabled != 0 ||
		seq&wire.SequenceLockTimeIsSeconds != 0 {

		return false
	}

	return seq&wire.SequenceLockTimeMask >= uint32(timelock)
}

func serializeWitness(witness [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// verifyInputs runs every input of tx through the script engine.
func verifyInputs(tx *wire.MsgTx, packet *psbt.Packet) error {
	prevScripts := make([][]byte, len(tx.TxIn))
	values := make([]btcutil.Amount, len(tx.TxIn))
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("input %d: %w", i, ErrForeignInput)
		}
		prevScripts[i] = in.WitnessUtxo.PkScript
		values[i] = btcutil.Amount(in.WitnessUtxo.Value)
	}

	fetcher, err := txauthor.TXPrevOutFetcher(tx, prevScripts, values)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(
			prevScripts[i], tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, int64(values[i]), fetcher,
		)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d fails script "+
				"verification: %w", i, err)
		}
	}

	return nil
}
