// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MaxLabelLength is the maximum number of characters of a label.
const MaxLabelLength = 100

// LabelItemKind is the kind of object a label is attached to.
type LabelItemKind uint8

const (
	LabelAddress LabelItemKind = iota
	LabelTxid
	LabelOutPoint
)

// ParseLabelItem validates a labelled item and returns its canonical
// string. Outpoints are tried first, then txids, then addresses of the
// given network.
func ParseLabelItem(item string, params *chaincfg.Params) (string,
	LabelItemKind, error) {

	if op, err := wire.NewOutPointFromString(item); err == nil {
		return op.String(), LabelOutPoint, nil
	}

	if len(item) == 2*chainhash.HashSize {
		if txid, err := chainhash.NewHashFromStr(item); err == nil {
			return txid.String(), LabelTxid, nil
		}
	}

	addr, err := btcutil.DecodeAddress(item, params)
	if err == nil && addr.IsForNet(params) {
		return addr.EncodeAddress(), LabelAddress, nil
	}

	return "", 0, invalidParams("invalid item %q: must be an address, "+
		"a txid or an outpoint", item)
}

// ValidLabel reports whether value fits in a label.
func ValidLabel(value string) bool {
	return utf8.RuneCountInString(value) <= MaxLabelLength
}

// UpdateLabels sets or removes labels. A None value removes the item's
// label. Either every update is applied or none is.
func (w *Wallet) UpdateLabels(labels map[string]fn.Option[string]) error {
	params := w.policy.Params()

	type update struct {
		item  string
		value fn.Option[string]
	}
	updates := make([]update, 0, len(labels))
	for item, value := range labels {
		canonical, _, err := ParseLabelItem(item, params)
		if err != nil {
			return err
		}
		if !ValidLabel(value.UnwrapOr("")) {
			return invalidParams("label of %s is longer than %d "+
				"characters", item, MaxLabelLength)
		}

		updates = append(updates, update{canonical, value})
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		for _, u := range updates {
			var err error
			if u.value.IsSome() {
				err = putLabel(tx, u.item, u.value.UnwrapOr(""))
			} else {
				err = deleteLabel(tx, u.item)
			}
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return dbError("failed to store labels", err)
	}

	log.Debugf("Updated %d %s", len(updates),
		pickNoun(len(updates), "label", "labels"))

	return nil
}

// GetLabels returns the labels of items, keyed as requested. Items without
// a label are omitted.
func (w *Wallet) GetLabels(items []string) (map[string]string, error) {
	params := w.policy.Params()

	canonical := make(map[string]string, len(items))
	for _, item := range items {
		c, _, err := ParseLabelItem(item, params)
		if err != nil {
			return nil, err
		}
		canonical[item] = c
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	labels := make(map[string]string)
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		for item, c := range canonical {
			if value, ok := fetchLabel(tx, c); ok {
				labels[item] = value
			}
		}

		return nil
	})
	if err != nil {
		return nil, dbError("failed to fetch labels", err)
	}

	return labels, nil
}
