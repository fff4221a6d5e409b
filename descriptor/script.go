// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// maxSigSize is the size of a DER encoded ECDSA signature with the
	// sighash flag appended, in the worst case.
	maxSigSize = 73

	// pubKeySize is the size of a compressed public key.
	pubKeySize = 33

	// P2WSHPkScriptSize is the size of a P2WSH output script:
	// OP_0 + OP_DATA_32 + 32 byte script hash.
	P2WSHPkScriptSize = 1 + 1 + 32

	// P2WSHOutputSize is the serialize size of a P2WSH output:
	// value + script length + script.
	P2WSHOutputSize = 8 + 1 + P2WSHPkScriptSize
)

// DerivedScript is the policy instantiated at one derivation index.
type DerivedScript struct {
	// Index is the child index within the branch.
	Index uint32

	// Change is true for scripts of the change branch.
	Change bool

	// PrimaryKey is the primary path public key.
	PrimaryKey *btcec.PublicKey

	// RecoveryKeys holds one key per recovery path, in the order of
	// Policy.RecoveryPaths.
	RecoveryKeys []*btcec.PublicKey

	// WitnessScript is the P2WSH redeem script.
	WitnessScript []byte

	// PkScript is the output script paying to the witness script.
	PkScript []byte

	// Address is the P2WSH address for PkScript.
	Address btcutil.Address

	policy *Policy
}

// Derive instantiates the policy at the given branch and index.
func (p *Policy) Derive(index uint32, change bool) (*DerivedScript, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d is hardened", index)
	}

	branch := ReceiveChain
	if change {
		branch = ChangeChain
	}

	primary, err := deriveKey(p.primary, branch, index)
	if err != nil {
		return nil, err
	}

	recoveryKeys := make([]*btcec.PublicKey, len(p.recovery))
	for i, path := range p.recovery {
		recoveryKeys[i], err = deriveKey(path.KeyOrigin, branch, index)
		if err != nil {
			return nil, err
		}
	}

	witnessScript, err := buildWitnessScript(
		primary, recoveryKeys, p.Timelocks(),
	)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], p.params,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &DerivedScript{
		Index:         index,
		Change:        change,
		PrimaryKey:    primary,
		RecoveryKeys:  recoveryKeys,
		WitnessScript: witnessScript,
		PkScript:      pkScript,
		Address:       addr,
		policy:        p,
	}, nil
}

func deriveKey(origin KeyOrigin, branch, index uint32) (*btcec.PublicKey,
	error) {

	child, err := origin.branches[branch].Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive %d/%d: %w", branch, index, err)
	}

	return child.ECPubKey()
}

// buildWitnessScript compiles
//
//	<primary> CHECKSIG IFDUP NOTIF <recovery branches> ENDIF
//
// where the recovery branches are nested IF/ELSE blocks, one per path.
func buildWitnessScript(primary *btcec.PublicKey,
	recovery []*btcec.PublicKey, timelocks []uint16) ([]byte, error) {

	b := txscript.NewScriptBuilder()
	b.AddData(primary.SerializeCompressed())
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_IFDUP)
	b.AddOp(txscript.OP_NOTIF)
	addRecoveryBranches(b, recovery, timelocks)
	b.AddOp(txscript.OP_ENDIF)

	return b.Script()
}

func addRecoveryBranches(b *txscript.ScriptBuilder,
	keys []*btcec.PublicKey, timelocks []uint16) {

	if len(keys) == 1 {
		addRecoveryLeaf(b, keys[0], timelocks[0])
		return
	}

	b.AddOp(txscript.OP_IF)
	addRecoveryLeaf(b, keys[0], timelocks[0])
	b.AddOp(txscript.OP_ELSE)
	addRecoveryBranches(b, keys[1:], timelocks[1:])
	b.AddOp(txscript.OP_ENDIF)
}

func addRecoveryLeaf(b *txscript.ScriptBuilder, key *btcec.PublicKey,
	timelock uint16) {

	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(btcutil.Hash160(key.SerializeCompressed()))
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIGVERIFY)
	b.AddInt64(int64(timelock))
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
}

// branchSelectors returns the IF/ELSE selector pushes needed to reach
// recovery path idx, in the order the script consumes them.
func branchSelectors(idx, numPaths int) [][]byte {
	if numPaths == 1 {
		return nil
	}

	selectors := make([][]byte, 0, idx+1)
	for i := 0; i < idx; i++ {
		selectors = append(selectors, nil)
	}
	if idx < numPaths-1 {
		selectors = append(selectors, []byte{1})
	}

	return selectors
}

// witnessSize returns the serialized size of a witness stack.
func witnessSize(items [][]byte) int {
	size := wire.VarIntSerializeSize(uint64(len(items)))
	for _, item := range items {
		size += wire.VarIntSerializeSize(uint64(len(item))) + len(item)
	}

	return size
}

// placeholderWitness builds a worst case witness for the given path. A
// negative path index selects the primary path.
func (p *Policy) placeholderWitness(pathIdx int, script []byte) [][]byte {
	sig := make([]byte, maxSigSize)
	if pathIdx < 0 {
		return [][]byte{sig, script}
	}

	items := [][]byte{sig, make([]byte, pubKeySize)}
	selectors := branchSelectors(pathIdx, len(p.recovery))
	for i := len(selectors) - 1; i >= 0; i-- {
		items = append(items, selectors[i])
	}

	// The empty signature makes the primary CHECKSIG fail.
	items = append(items, nil)

	return append(items, script)
}

// sampleScript returns a placeholder of the witness script's length. All
// scripts of a policy have the same length.
func (p *Policy) sampleScript() []byte {
	return make([]byte, p.scriptLen)
}

// PrimarySatisfactionWeight returns the witness weight of an input spent
// through the primary path.
func (p *Policy) PrimarySatisfactionWeight() int {
	return witnessSize(p.placeholderWitness(-1, p.sampleScript()))
}

// RecoverySatisfactionWeight returns the witness weight of an input spent
// through the recovery path with the given timelock.
func (p *Policy) RecoverySatisfactionWeight(timelock uint16) (int, error) {
	idx, err := p.pathIndex(timelock)
	if err != nil {
		return 0, err
	}

	return witnessSize(p.placeholderWitness(idx, p.sampleScript())), nil
}

// MaxSatisfactionWeight returns the largest witness weight over every
// spending path.
func (p *Policy) MaxSatisfactionWeight() int {
	script := p.sampleScript()

	weight := witnessSize(p.placeholderWitness(-1, script))
	for i := range p.recovery {
		w := witnessSize(p.placeholderWitness(i, script))
		if w > weight {
			weight = w
		}
	}

	return weight
}

// keyOrigins returns the origins of every key in script order.
func (p *Policy) keyOrigins() []KeyOrigin {
	origins := []KeyOrigin{p.primary}
	for _, path := range p.recovery {
		origins = append(origins, path.KeyOrigin)
	}

	return origins
}

// derivations returns the PSBT derivation records of the script's keys.
func (d *DerivedScript) derivations() []*psbt.Bip32Derivation {
	branch := ReceiveChain
	if d.Change {
		branch = ChangeChain
	}

	keys := append([]*btcec.PublicKey{d.PrimaryKey}, d.RecoveryKeys...)
	origins := d.policy.keyOrigins()

	derivations := make([]*psbt.Bip32Derivation, len(keys))
	for i, key := range keys {
		derivations[i] = &psbt.Bip32Derivation{
			PubKey:               key.SerializeCompressed(),
			MasterKeyFingerprint: origins[i].Fingerprint,
			Bip32Path:            []uint32{branch, d.Index},
		}
	}

	return derivations
}

// FillInput populates a PSBT input spending an output of value amount paid
// to this script.
func (d *DerivedScript) FillInput(in *psbt.PInput, amount btcutil.Amount) {
	in.WitnessUtxo = wire.NewTxOut(int64(amount), d.PkScript)
	in.WitnessScript = d.WitnessScript
	in.Bip32Derivation = d.derivations()
}

// FillOutput populates a PSBT output paying to this script.
func (d *DerivedScript) FillOutput(out *psbt.POutput) {
	out.WitnessScript = d.WitnessScript
	out.Bip32Derivation = d.derivations()
}
