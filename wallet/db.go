// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   tx: The database transaction
//   b:  The bucket being operated on
//   k:  A single bucket key
//   v:  A single bucket value
//
// Functions use the naming scheme `OpType`: put inserts or replaces, fetch
// reads a single record, forEach iterates a bucket and delete removes a
// record. Record values are TLV streams so fields can be added later.

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// Database versions.  Versions start at 1 and increment for each database
// change.
const (
	// LatestVersion is the most recent store version.
	LatestVersion = 1
)

// This package makes assumptions that the width of a chainhash.Hash is always
// 32 bytes. Use a compile-time assertion that this assumption holds true.
var _ [32]byte = chainhash.Hash{}

// Bucket names
var (
	bucketMeta   = []byte("meta")
	bucketCoins  = []byte("coins")
	bucketSpends = []byte("spends")
	bucketTxs    = []byte("txs")
	bucketLabels = []byte("labels")
	bucketBlocks = []byte("blocks")
)

// Meta bucket keys
var (
	metaVersion    = []byte("vers")
	metaCreateDate = []byte("date")
	metaDescriptor = []byte("desc")
	metaReceiveIdx = []byte("ridx")
	metaChangeIdx  = []byte("cidx")
	metaTip        = []byte("tip")
	metaRescan     = []byte("rescan")
)

// TLV types of the coin record.
const (
	typeCoinAmount      tlv.Type = 0
	typeCoinIndex       tlv.Type = 1
	typeCoinChange      tlv.Type = 2
	typeCoinBlockHeight tlv.Type = 3
	typeCoinSpendTxid   tlv.Type = 4
	typeCoinSpendHeight tlv.Type = 5
)

// TLV types of the spend draft record.
const (
	typeSpendPsbt          tlv.Type = 0
	typeSpendFeeRate       tlv.Type = 1
	typeSpendChangeIndexes tlv.Type = 2
)

// TLV types of the transaction record.
const (
	typeTxRaw    tlv.Type = 0
	typeTxHeight tlv.Type = 1
	typeTxTime   tlv.Type = 2
)

// TLV types of the rescan record.
const (
	typeRescanStart    tlv.Type = 0
	typeRescanProgress tlv.Type = 1
)

// createBuckets creates every top level bucket that does not exist yet.
func createBuckets(tx walletdb.ReadWriteTx) error {
	for _, name := range [][]byte{
		bucketMeta, bucketCoins, bucketSpends, bucketTxs,
		bucketLabels, bucketBlocks,
	} {
		if _, err := tx.CreateTopLevelBucket(name); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}

	return nil
}

// The canonical outpoint serialization format is:
//
//   [0:32]  Transaction hash (32 bytes)
//   [32:36] Output index (4 bytes)

func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[32:36], op.Index)

	return k
}

func readCanonicalOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) != 36 {
		return fmt.Errorf("short canonical outpoint (%d bytes)", len(k))
	}
	copy(op.Hash[:], k)
	op.Index = byteOrder.Uint32(k[32:36])

	return nil
}

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeStream(v []byte, records ...tlv.Record) (tlv.TypeMap, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	return stream.DecodeWithParsedTypes(bytes.NewReader(v))
}

// parsed reports whether a known type was present in a decoded stream.
func parsed(types tlv.TypeMap, typ tlv.Type) bool {
	t, ok := types[typ]
	return ok && t == nil
}

// optionalHeight decodes a height stored as uint32 if it was present.
func optionalHeight(types tlv.TypeMap, typ tlv.Type, v uint32) fn.Option[int32] {
	if !parsed(types, typ) {
		return fn.None[int32]()
	}

	return fn.Some(int32(v))
}

// Coins are keyed by canonical outpoint.

func serializeCoin(c *Coin) ([]byte, error) {
	amount := uint64(c.Amount)
	index := c.DerivationIndex
	var change uint8
	if c.IsChange {
		change = 1
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeCoinAmount, &amount),
		tlv.MakePrimitiveRecord(typeCoinIndex, &index),
		tlv.MakePrimitiveRecord(typeCoinChange, &change),
	}

	var (
		blockHeight, spendHeight uint32
		spendTxid                [32]byte
	)
	c.BlockHeight.WhenSome(func(h int32) {
		blockHeight = uint32(h)
		records = append(records, tlv.MakePrimitiveRecord(
			typeCoinBlockHeight, &blockHeight,
		))
	})
	c.SpendTxid.WhenSome(func(txid chainhash.Hash) {
		spendTxid = txid
		records = append(records, tlv.MakePrimitiveRecord(
			typeCoinSpendTxid, &spendTxid,
		))
	})
	c.SpendHeight.WhenSome(func(h int32) {
		spendHeight = uint32(h)
		records = append(records, tlv.MakePrimitiveRecord(
			typeCoinSpendHeight, &spendHeight,
		))
	})

	return encodeStream(records...)
}

func deserializeCoin(k, v []byte) (*Coin, error) {
	c := &Coin{}
	if err := readCanonicalOutPoint(k, &c.OutPoint); err != nil {
		return nil, err
	}

	var (
		amount                   uint64
		change                   uint8
		blockHeight, spendHeight uint32
		spendTxid                [32]byte
	)
	types, err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeCoinAmount, &amount),
		tlv.MakePrimitiveRecord(typeCoinIndex, &c.DerivationIndex),
		tlv.MakePrimitiveRecord(typeCoinChange, &change),
		tlv.MakePrimitiveRecord(typeCoinBlockHeight, &blockHeight),
		tlv.MakePrimitiveRecord(typeCoinSpendTxid, &spendTxid),
		tlv.MakePrimitiveRecord(typeCoinSpendHeight, &spendHeight),
	)
	if err != nil {
		return nil, fmt.Errorf("coin %v: %w", c.OutPoint, err)
	}

	c.Amount = btcutil.Amount(amount)
	c.IsChange = change == 1
	c.BlockHeight = optionalHeight(types, typeCoinBlockHeight, blockHeight)
	c.SpendHeight = optionalHeight(types, typeCoinSpendHeight, spendHeight)
	if parsed(types, typeCoinSpendTxid) {
		c.SpendTxid = fn.Some(chainhash.Hash(spendTxid))
	}

	return c, nil
}

func putCoin(tx walletdb.ReadWriteTx, c *Coin) error {
	v, err := serializeCoin(c)
	if err != nil {
		return err
	}

	b := tx.ReadWriteBucket(bucketCoins)
	return b.Put(canonicalOutPoint(&c.OutPoint), v)
}

func forEachCoin(tx walletdb.ReadTx, f func(*Coin)) error {
	return tx.ReadBucket(bucketCoins).ForEach(func(k, v []byte) error {
		c, err := deserializeCoin(k, v)
		if err != nil {
			return err
		}
		f(c)

		return nil
	})
}

// Spend drafts are keyed by the txid of their unsigned transaction.

func serializeDraft(d *Draft) ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Packet.Serialize(&buf); err != nil {
		return nil, err
	}
	psbtBytes := buf.Bytes()

	feeRate := d.FeeRate
	changeIdx := make([]byte, 4*len(d.ChangeIndexes))
	for i, idx := range d.ChangeIndexes {
		byteOrder.PutUint32(changeIdx[i*4:], idx)
	}

	return encodeStream(
		tlv.MakePrimitiveRecord(typeSpendPsbt, &psbtBytes),
		tlv.MakePrimitiveRecord(typeSpendFeeRate, &feeRate),
		tlv.MakePrimitiveRecord(typeSpendChangeIndexes, &changeIdx),
	)
}

func deserializeDraft(v []byte) (*Draft, error) {
	var (
		psbtBytes, changeIdx []byte
		feeRate              uint64
	)
	_, err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeSpendPsbt, &psbtBytes),
		tlv.MakePrimitiveRecord(typeSpendFeeRate, &feeRate),
		tlv.MakePrimitiveRecord(typeSpendChangeIndexes, &changeIdx),
	)
	if err != nil {
		return nil, err
	}
	if len(changeIdx)%4 != 0 {
		return nil, fmt.Errorf("malformed change indexes")
	}

	packet, err := decodePacket(psbtBytes)
	if err != nil {
		return nil, err
	}

	d := &Draft{Packet: packet, FeeRate: feeRate}
	for i := 0; i < len(changeIdx); i += 4 {
		d.ChangeIndexes = append(
			d.ChangeIndexes, byteOrder.Uint32(changeIdx[i:]),
		)
	}

	return d, nil
}

func putDraft(tx walletdb.ReadWriteTx, d *Draft) error {
	v, err := serializeDraft(d)
	if err != nil {
		return err
	}

	txid := d.Txid()
	return tx.ReadWriteBucket(bucketSpends).Put(txid[:], v)
}

func deleteDraft(tx walletdb.ReadWriteTx, txid *chainhash.Hash) error {
	return tx.ReadWriteBucket(bucketSpends).Delete(txid[:])
}

func forEachDraft(tx walletdb.ReadTx, f func(*Draft)) error {
	return tx.ReadBucket(bucketSpends).ForEach(func(k, v []byte) error {
		d, err := deserializeDraft(v)
		if err != nil {
			return fmt.Errorf("spend %x: %w", k, err)
		}
		f(d)

		return nil
	})
}

// Transactions are keyed by txid.

func serializeTxRecord(rec *TxRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := rec.Tx.Serialize(&buf); err != nil {
		return nil, err
	}
	raw := buf.Bytes()

	records := []tlv.Record{tlv.MakePrimitiveRecord(typeTxRaw, &raw)}

	var (
		height    uint32
		blockTime uint64
	)
	rec.BlockHeight.WhenSome(func(h int32) {
		height = uint32(h)
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxHeight, &height,
		))
	})
	rec.BlockTime.WhenSome(func(t time.Time) {
		blockTime = uint64(t.Unix())
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxTime, &blockTime,
		))
	})

	return encodeStream(records...)
}

func deserializeTxRecord(v []byte) (*TxRecord, error) {
	var (
		raw       []byte
		height    uint32
		blockTime uint64
	)
	types, err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeTxRaw, &raw),
		tlv.MakePrimitiveRecord(typeTxHeight, &height),
		tlv.MakePrimitiveRecord(typeTxTime, &blockTime),
	)
	if err != nil {
		return nil, err
	}

	rec := &TxRecord{Tx: &wire.MsgTx{}}
	if err := rec.Tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	rec.BlockHeight = optionalHeight(types, typeTxHeight, height)
	if parsed(types, typeTxTime) {
		rec.BlockTime = fn.Some(time.Unix(int64(blockTime), 0))
	}

	return rec, nil
}

func putTxRecord(tx walletdb.ReadWriteTx, rec *TxRecord) error {
	v, err := serializeTxRecord(rec)
	if err != nil {
		return err
	}

	txid := rec.Tx.TxHash()
	return tx.ReadWriteBucket(bucketTxs).Put(txid[:], v)
}

func fetchTxRecord(tx walletdb.ReadTx, txid *chainhash.Hash) (*TxRecord,
	error) {

	v := tx.ReadBucket(bucketTxs).Get(txid[:])
	if v == nil {
		return nil, nil
	}

	return deserializeTxRecord(v)
}

func forEachTxRecord(tx walletdb.ReadTx, f func(*TxRecord) error) error {
	return tx.ReadBucket(bucketTxs).ForEach(func(k, v []byte) error {
		rec, err := deserializeTxRecord(v)
		if err != nil {
			return fmt.Errorf("tx %x: %w", k, err)
		}

		return f(rec)
	})
}

// Labels are keyed by the canonical string of their item.

func putLabel(tx walletdb.ReadWriteTx, item, value string) error {
	return tx.ReadWriteBucket(bucketLabels).Put([]byte(item), []byte(value))
}

func deleteLabel(tx walletdb.ReadWriteTx, item string) error {
	return tx.ReadWriteBucket(bucketLabels).Delete([]byte(item))
}

func fetchLabel(tx walletdb.ReadTx, item string) (string, bool) {
	v := tx.ReadBucket(bucketLabels).Get([]byte(item))
	if v == nil {
		return "", false
	}

	return string(v), true
}

// Block hashes of the recent main chain are keyed by big endian height so
// a cursor walks them in order.

func heightKey(height int32) []byte {
	k := make([]byte, 4)
	byteOrder.PutUint32(k, uint32(height))

	return k
}

func putBlockHash(tx walletdb.ReadWriteTx, height int32,
	hash *chainhash.Hash) error {

	return tx.ReadWriteBucket(bucketBlocks).Put(heightKey(height), hash[:])
}

func fetchBlockHash(tx walletdb.ReadTx, height int32) (*chainhash.Hash,
	bool) {

	v := tx.ReadBucket(bucketBlocks).Get(heightKey(height))
	if len(v) != chainhash.HashSize {
		return nil, false
	}

	var hash chainhash.Hash
	copy(hash[:], v)

	return &hash, true
}

// deleteBlockHashes removes the hashes of every block in [from, to].
func deleteBlockHashes(tx walletdb.ReadWriteTx, from, to int32) error {
	b := tx.ReadWriteBucket(bucketBlocks)
	for h := from; h <= to; h++ {
		if err := b.Delete(heightKey(h)); err != nil {
			return err
		}
	}

	return nil
}

// The meta bucket holds single values: the database version, the creation
// date, the descriptor string, the next derivation indexes, the tip and the
// rescan record.

func putUint32(tx walletdb.ReadWriteTx, k []byte, n uint32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, n)

	return tx.ReadWriteBucket(bucketMeta).Put(k, v)
}

func fetchUint32(tx walletdb.ReadTx, k []byte) (uint32, bool) {
	v := tx.ReadBucket(bucketMeta).Get(k)
	if len(v) != 4 {
		return 0, false
	}

	return byteOrder.Uint32(v), true
}

func putCreateDate(tx walletdb.ReadWriteTx, t time.Time) error {
	v := make([]byte, 8)
	byteOrder.PutUint64(v, uint64(t.Unix()))

	return tx.ReadWriteBucket(bucketMeta).Put(metaCreateDate, v)
}

func fetchCreateDate(tx walletdb.ReadTx) (time.Time, bool) {
	v := tx.ReadBucket(bucketMeta).Get(metaCreateDate)
	if len(v) != 8 {
		return time.Time{}, false
	}

	return time.Unix(int64(byteOrder.Uint64(v)), 0), true
}

func putDescriptor(tx walletdb.ReadWriteTx, desc string) error {
	return tx.ReadWriteBucket(bucketMeta).Put(metaDescriptor, []byte(desc))
}

func fetchDescriptor(tx walletdb.ReadTx) (string, bool) {
	v := tx.ReadBucket(bucketMeta).Get(metaDescriptor)
	if v == nil {
		return "", false
	}

	return string(v), true
}

// The tip is serialized as:
//
//   [0:4]  Block height (4 bytes)
//   [4:36] Block hash (32 bytes)

func putTip(tx walletdb.ReadWriteTx, tip *BlockStamp) error {
	v := make([]byte, 36)
	byteOrder.PutUint32(v, uint32(tip.Height))
	copy(v[4:], tip.Hash[:])

	return tx.ReadWriteBucket(bucketMeta).Put(metaTip, v)
}

func fetchTip(tx walletdb.ReadTx) (*BlockStamp, bool) {
	v := tx.ReadBucket(bucketMeta).Get(metaTip)
	if len(v) != 36 {
		return nil, false
	}

	tip := &BlockStamp{Height: int32(byteOrder.Uint32(v))}
	copy(tip.Hash[:], v[4:])

	return tip, true
}

func putRescan(tx walletdb.ReadWriteTx, start uint32,
	progress fn.Option[int32]) error {

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeRescanStart, &start),
	}

	var height uint32
	progress.WhenSome(func(h int32) {
		height = uint32(h)
		records = append(records, tlv.MakePrimitiveRecord(
			typeRescanProgress, &height,
		))
	})

	v, err := encodeStream(records...)
	if err != nil {
		return err
	}

	return tx.ReadWriteBucket(bucketMeta).Put(metaRescan, v)
}

func fetchRescan(tx walletdb.ReadTx) (uint32, fn.Option[int32], bool, error) {
	v := tx.ReadBucket(bucketMeta).Get(metaRescan)
	if v == nil {
		return 0, fn.None[int32](), false, nil
	}

	var start, height uint32
	types, err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeRescanStart, &start),
		tlv.MakePrimitiveRecord(typeRescanProgress, &height),
	)
	if err != nil {
		return 0, fn.None[int32](), false, err
	}

	return start, optionalHeight(types, typeRescanProgress, height), true,
		nil
}

func deleteRescan(tx walletdb.ReadWriteTx) error {
	return tx.ReadWriteBucket(bucketMeta).Delete(metaRescan)
}
