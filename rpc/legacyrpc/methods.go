// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/csvwallet/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// requestHandler is a handler function to handle the parameters of a
// request into a marshalable response.  If the error is a
// *btcjson.RPCError or an InvalidParameterError, the server will respond
// with the JSON-RPC appropriate error code.  Wallet errors are mapped by
// their error code and all other errors use the wallet catch-all error
// code, btcjson.ErrRPCWallet.
type requestHandler func(*params, *Server) (interface{}, error)

var rpcHandlers = map[string]struct {
	handler requestHandler

	// noParams is the error message used when a request carries no
	// parameters at all, if the method requires some.
	noParams string
}{
	"broadcastspend": {
		handler:  broadcastSpend,
		noParams: "Missing 'txid' parameter.",
	},
	"createrecovery": {
		handler:  createRecovery,
		noParams: "Missing 'address' and 'feerate' parameters.",
	},
	"createspend": {
		handler: createSpend,
		noParams: "Missing 'outpoints', 'destinations' and 'feerate' " +
			"parameters.",
	},
	"delspendtx": {
		handler:  delSpendTx,
		noParams: "Missing 'txid' parameter.",
	},
	"getinfo":       {handler: getInfo},
	"getlabels":     {handler: getLabels, noParams: "Missing 'items' parameter."},
	"getnewaddress": {handler: getNewAddress},
	"listcoins":     {handler: listCoins},
	"listconfirmed": {
		handler: listConfirmed,
		noParams: "The 'listconfirmed' command requires 3 parameters: " +
			"'start', 'end' and 'limit'",
	},
	"listspendtxs": {handler: listSpendTxs},
	"listtransactions": {
		handler: listTransactions,
		noParams: "The 'listtransactions' command requires 1 " +
			"parameter: 'txids'",
	},
	"startrescan": {
		handler:  startRescan,
		noParams: "Missing 'timestamp' parameter.",
	},
	"updatelabels": {
		handler:  updateLabels,
		noParams: "Missing 'labels' parameter.",
	},
	"updatespend": {
		handler:  updateSpend,
		noParams: "Missing 'psbt' parameter.",
	},
}

// lazyHandler is a closure over a requestHandler with the server as part
// of the closure context.
type lazyHandler func() (interface{}, *btcjson.RPCError)

// lazyApplyHandler looks up the request handler for the method, returning
// a closure that will execute it.
func lazyApplyHandler(request *Request, s *Server) lazyHandler {
	handlerData, ok := rpcHandlers[request.Method]
	if !ok {
		return func() (interface{}, *btcjson.RPCError) {
			return nil, btcjson.ErrRPCMethodNotFound
		}
	}

	return func() (interface{}, *btcjson.RPCError) {
		p, err := parseParams(request.Params)
		if err != nil {
			return nil, btcjson.ErrRPCInvalidRequest
		}
		if p == nil && handlerData.noParams != "" {
			return nil, jsonError(
				invalidParameter("%s", handlerData.noParams),
			)
		}

		resp, err := handlerData.handler(p, s)
		if err != nil {
			return nil, jsonError(err)
		}

		return resp, nil
	}
}

// encodePacket returns the base64 serialization of a PSBT.
func encodePacket(packet *psbt.Packet) (string, error) {
	return packet.B64Encode()
}

// decodePacket parses a base64 PSBT parameter.
func decodePacket(p *params, pos int, name string) (*psbt.Packet, error) {
	s, err := p.str(pos, name)
	if err != nil {
		return nil, err
	}

	packet, err := psbt.NewFromRawBytes(strings.NewReader(s), true)
	if err != nil {
		return nil, badParameter(name)
	}

	return packet, nil
}

// decodeTxid parses a txid parameter.
func decodeTxid(p *params, pos int, name string) (chainhash.Hash, error) {
	s, err := p.str(pos, name)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(s)
	if err != nil || len(s) != 2*chainhash.HashSize {
		return chainhash.Hash{}, badParameter(name)
	}

	return *txid, nil
}

// PSBTResult is the result of the commands creating a draft.
type PSBTResult struct {
	PSBT string `json:"psbt"`
}

// createSpend handles a createspend request by building and storing a
// new draft.
func createSpend(p *params, s *Server) (interface{}, error) {
	var rawDests map[string]json.RawMessage
	if err := p.decode(0, "destinations", &rawDests); err != nil {
		return nil, err
	}
	destinations := make(map[string]btcutil.Amount, len(rawDests))
	for addr, raw := range rawDests {
		var amount uint64
		err := json.Unmarshal(raw, &amount)
		if err != nil || amount > math.MaxInt64 {
			return nil, badParameter("destinations")
		}
		destinations[addr] = btcutil.Amount(amount)
	}

	rawOutpoints, err := p.strSlice(1, "outpoints")
	if err != nil {
		return nil, err
	}
	outpoints := make([]wire.OutPoint, 0, len(rawOutpoints))
	for _, raw := range rawOutpoints {
		op, err := wire.NewOutPointFromString(raw)
		if err != nil {
			return nil, badParameter("outpoints")
		}
		outpoints = append(outpoints, *op)
	}

	feeRate, err := p.u64(2, "feerate")
	if err != nil {
		return nil, err
	}

	draft, err := s.wallet.CreateSpend(destinations, outpoints, feeRate)
	if err != nil {
		return nil, err
	}

	b64, err := encodePacket(draft.Packet)
	if err != nil {
		return nil, err
	}

	return &PSBTResult{PSBT: b64}, nil
}

// updateSpend handles an updatespend request. With a txid the draft is
// looked up by it, which allows changing the transaction of a draft.
func updateSpend(p *params, s *Server) (interface{}, error) {
	packet, err := decodePacket(p, 0, "psbt")
	if err != nil {
		return nil, err
	}

	if _, ok := p.get(1, "txid"); ok {
		txid, err := decodeTxid(p, 1, "txid")
		if err != nil {
			return nil, err
		}
		err = s.wallet.UpdateSpendTx(txid, packet)
		if err != nil {
			return nil, err
		}

		return struct{}{}, nil
	}

	if err := s.wallet.UpdateSpend(packet); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

// delSpendTx handles a delspendtx request.
func delSpendTx(p *params, s *Server) (interface{}, error) {
	txid, err := decodeTxid(p, 0, "txid")
	if err != nil {
		return nil, err
	}

	if err := s.wallet.DeleteSpend(txid); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

// broadcastSpend handles a broadcastspend request.
func broadcastSpend(p *params, s *Server) (interface{}, error) {
	txid, err := decodeTxid(p, 0, "txid")
	if err != nil {
		return nil, err
	}

	if err := s.wallet.BroadcastSpend(txid); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

// SpendTxEntry describes a draft.
type SpendTxEntry struct {
	PSBT          string   `json:"psbt"`
	ChangeIndexes []uint32 `json:"change_indexes"`
	FeeRate       uint64   `json:"feerate"`
}

// ListSpendTxsResult is the result of listspendtxs.
type ListSpendTxsResult struct {
	SpendTxs []SpendTxEntry `json:"spend_txs"`
}

// listSpendTxs handles a listspendtxs request.
func listSpendTxs(_ *params, s *Server) (interface{}, error) {
	drafts, err := s.wallet.ListSpends()
	if err != nil {
		return nil, err
	}

	res := &ListSpendTxsResult{SpendTxs: make([]SpendTxEntry, 0, len(drafts))}
	for _, d := range drafts {
		b64, err := encodePacket(d.Packet)
		if err != nil {
			return nil, err
		}

		changeIndexes := d.ChangeIndexes
		if changeIndexes == nil {
			changeIndexes = []uint32{}
		}
		res.SpendTxs = append(res.SpendTxs, SpendTxEntry{
			PSBT:          b64,
			ChangeIndexes: changeIndexes,
			FeeRate:       d.FeeRate,
		})
	}

	return res, nil
}

// SpendInfo describes the transaction spending a coin.
type SpendInfo struct {
	Txid   string `json:"txid"`
	Height *int32 `json:"height"`
}

// CoinEntry describes a wallet coin.
type CoinEntry struct {
	Amount          int64      `json:"amount"`
	OutPoint        string     `json:"outpoint"`
	BlockHeight     *int32     `json:"block_height"`
	DerivationIndex uint32     `json:"derivation_index"`
	IsChange        bool       `json:"is_change"`
	SpendInfo       *SpendInfo `json:"spend_info"`
}

// ListCoinsResult is the result of listcoins.
type ListCoinsResult struct {
	Coins []CoinEntry `json:"coins"`
}

// optionPtr converts an optional value to a pointer for JSON encoding.
func optionPtr[T any](o fn.Option[T]) *T {
	var p *T
	o.WhenSome(func(v T) {
		p = &v
	})

	return p
}

// listCoins handles a listcoins request. Both filters are optional.
func listCoins(p *params, s *Server) (interface{}, error) {
	var rawStatuses []json.RawMessage
	if _, err := p.decodeOptional(0, "statuses", &rawStatuses); err != nil {
		return nil, err
	}
	statuses := fn.NewSet[wallet.CoinStatus]()
	for _, raw := range rawStatuses {
		var str string
		err := json.Unmarshal(raw, &str)
		status, parseErr := wallet.ParseCoinStatus(str)
		if err != nil || parseErr != nil {
			return nil, invalidParameter("Invalid value %s in "+
				"'statuses' parameter.", raw)
		}
		statuses.Add(status)
	}

	var rawOutpoints []json.RawMessage
	if _, err := p.decodeOptional(1, "outpoints", &rawOutpoints); err != nil {
		return nil, err
	}
	outpoints := fn.NewSet[wire.OutPoint]()
	for _, raw := range rawOutpoints {
		var str string
		err := json.Unmarshal(raw, &str)
		if err != nil {
			return nil, invalidParameter("Invalid value %s in "+
				"'outpoints' parameter.", raw)
		}
		op, err := wire.NewOutPointFromString(str)
		if err != nil {
			return nil, invalidParameter("Invalid value %s in "+
				"'outpoints' parameter.", raw)
		}
		outpoints.Add(*op)
	}

	coins := s.wallet.ListCoins(statuses, outpoints)

	res := &ListCoinsResult{Coins: make([]CoinEntry, 0, len(coins))}
	for _, c := range coins {
		entry := CoinEntry{
			Amount:          int64(c.Amount),
			OutPoint:        c.OutPoint.String(),
			BlockHeight:     optionPtr(c.BlockHeight),
			DerivationIndex: c.DerivationIndex,
			IsChange:        c.IsChange,
		}
		c.SpendTxid.WhenSome(func(txid chainhash.Hash) {
			entry.SpendInfo = &SpendInfo{
				Txid:   txid.String(),
				Height: optionPtr(c.SpendHeight),
			}
		})
		res.Coins = append(res.Coins, entry)
	}

	return res, nil
}

// TransactionEntry describes a wallet transaction.
type TransactionEntry struct {
	Tx     string `json:"tx"`
	Height *int32 `json:"height"`
	Time   *int64 `json:"time"`
}

// TransactionsResult is the result of listtransactions and listconfirmed.
type TransactionsResult struct {
	Transactions []TransactionEntry `json:"transactions"`
}

func transactionsResult(recs []*wallet.TxRecord) (*TransactionsResult,
	error) {

	res := &TransactionsResult{
		Transactions: make([]TransactionEntry, 0, len(recs)),
	}
	for _, rec := range recs {
		var buf bytes.Buffer
		if err := rec.Tx.Serialize(&buf); err != nil {
			return nil, err
		}

		entry := TransactionEntry{
			Tx:     hex.EncodeToString(buf.Bytes()),
			Height: optionPtr(rec.BlockHeight),
		}
		rec.BlockTime.WhenSome(func(t time.Time) {
			unix := t.Unix()
			entry.Time = &unix
		})
		res.Transactions = append(res.Transactions, entry)
	}

	return res, nil
}

// listTransactions handles a listtransactions request.
func listTransactions(p *params, s *Server) (interface{}, error) {
	rawTxids, err := p.strSlice(0, "txids")
	if err != nil {
		return nil, err
	}

	txids := make([]chainhash.Hash, 0, len(rawTxids))
	for _, raw := range rawTxids {
		txid, err := chainhash.NewHashFromStr(raw)
		if err != nil || len(raw) != 2*chainhash.HashSize {
			return nil, badParameter("txids")
		}
		txids = append(txids, *txid)
	}

	recs, err := s.wallet.ListTransactions(txids)
	if err != nil {
		return nil, err
	}

	return transactionsResult(recs)
}

// clampHeight converts a height parameter to a block height.
func clampHeight(h uint32) int32 {
	if h > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(h)
}

// listConfirmed handles a listconfirmed request.
func listConfirmed(p *params, s *Server) (interface{}, error) {
	start, err := p.u32(0, "start")
	if err != nil {
		return nil, err
	}
	end, err := p.u32(1, "end")
	if err != nil {
		return nil, err
	}
	limit, err := p.u64(2, "limit")
	if err != nil {
		return nil, err
	}

	recs, err := s.wallet.ListConfirmed(
		clampHeight(start), clampHeight(end), limit,
	)
	if err != nil {
		return nil, err
	}

	return transactionsResult(recs)
}

// createRecovery handles a createrecovery request.
func createRecovery(p *params, s *Server) (interface{}, error) {
	addr, err := p.str(0, "address")
	if err != nil {
		return nil, err
	}
	feeRate, err := p.u64(1, "feerate")
	if err != nil {
		return nil, err
	}

	var timelock uint16
	ok, err := p.decodeOptional(2, "timelock", &timelock)
	if err != nil {
		return nil, err
	}
	override := fn.None[uint16]()
	if ok {
		override = fn.Some(timelock)
	}

	draft, err := s.wallet.CreateRecovery(addr, feeRate, override)
	if err != nil {
		return nil, err
	}

	b64, err := encodePacket(draft.Packet)
	if err != nil {
		return nil, err
	}

	return &PSBTResult{PSBT: b64}, nil
}

// startRescan handles a startrescan request.
func startRescan(p *params, s *Server) (interface{}, error) {
	timestamp, err := p.u32(0, "timestamp")
	if err != nil {
		return nil, err
	}

	if err := s.wallet.StartRescan(timestamp); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

// updateLabels handles an updatelabels request. A null value removes the
// label of its item.
func updateLabels(p *params, s *Server) (interface{}, error) {
	var rawLabels map[string]json.RawMessage
	if err := p.decode(0, "labels", &rawLabels); err != nil {
		return nil, err
	}

	chainParams := s.wallet.Policy().Params()
	labels := make(map[string]fn.Option[string], len(rawLabels))
	for item, raw := range rawLabels {
		var value *string
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, invalidParameter("Invalid 'labels.%s' "+
				"value.", item)
		}
		if value != nil && !wallet.ValidLabel(*value) {
			return nil, invalidParameter("Invalid 'labels.%s' "+
				"value length: must be less or equal than %d "+
				"characters", item, wallet.MaxLabelLength)
		}
		_, _, err := wallet.ParseLabelItem(item, chainParams)
		if err != nil {
			return nil, invalidParameter("Invalid 'labels.%s' "+
				"parameter: must be an address, a txid or an "+
				"outpoint", item)
		}

		if value == nil {
			labels[item] = fn.None[string]()
		} else {
			labels[item] = fn.Some(*value)
		}
	}

	if err := s.wallet.UpdateLabels(labels); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

// GetLabelsResult is the result of getlabels.
type GetLabelsResult struct {
	Labels map[string]string `json:"labels"`
}

// getLabels handles a getlabels request.
func getLabels(p *params, s *Server) (interface{}, error) {
	items, err := p.strSlice(0, "items")
	if err != nil {
		return nil, err
	}

	chainParams := s.wallet.Policy().Params()
	for _, item := range items {
		_, _, err := wallet.ParseLabelItem(item, chainParams)
		if err != nil {
			return nil, invalidParameter("Invalid item %s format: "+
				"must be an address, a txid or an outpoint", item)
		}
	}

	labels, err := s.wallet.GetLabels(items)
	if err != nil {
		return nil, err
	}

	return &GetLabelsResult{Labels: labels}, nil
}

// Descriptors lists the wallet descriptors.
type Descriptors struct {
	Main string `json:"main"`
}

// GetInfoResult is the result of getinfo.
type GetInfoResult struct {
	Version        string      `json:"version"`
	Network        string      `json:"network"`
	BlockHeight    int32       `json:"block_height"`
	Sync           float64     `json:"sync"`
	Descriptors    Descriptors `json:"descriptors"`
	RescanProgress *float64    `json:"rescan_progress"`
	RescanError    *string     `json:"rescan_error,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// getInfo handles a getinfo request.
func getInfo(_ *params, s *Server) (interface{}, error) {
	info := s.wallet.Info()

	res := &GetInfoResult{
		Version:        s.version,
		Network:        info.Network,
		BlockHeight:    info.BlockHeight,
		Sync:           info.Sync,
		Descriptors:    Descriptors{Main: info.Descriptor},
		RescanProgress: optionPtr(info.Rescan.Progress),
		Timestamp:      info.Created.Unix(),
	}
	if info.Rescan.Err != nil {
		msg := info.Rescan.Err.Error()
		res.RescanError = &msg
	}

	return res, nil
}

// GetNewAddressResult is the result of getnewaddress.
type GetNewAddressResult struct {
	Address string `json:"address"`
}

// getNewAddress handles a getnewaddress request.
func getNewAddress(_ *params, s *Server) (interface{}, error) {
	addr, err := s.wallet.NewAddress()
	if err != nil {
		return nil, err
	}

	return &GetNewAddressResult{Address: addr.EncodeAddress()}, nil
}
