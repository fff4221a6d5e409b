// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
)

// Request is a JSON-RPC request. Unlike btcjson.Request, its parameters
// may be given by position or by name.
type Request struct {
	Jsonrpc string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// params gives access to the parameters of a request.
type params struct {
	positional []json.RawMessage
	named      map[string]json.RawMessage
}

var errBadParams = errors.New("params must be an array or an object")

var jsonNull = []byte("null")

// parseParams splits the raw parameters of a request. Absent and null
// parameters parse to nil.
func parseParams(raw json.RawMessage) (*params, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil, nil
	}

	p := &params{}
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &p.positional); err != nil {
			return nil, err
		}
	case '{':
		if err := json.Unmarshal(raw, &p.named); err != nil {
			return nil, err
		}
	default:
		return nil, errBadParams
	}

	return p, nil
}

// get returns the parameter at position pos, or named name. A null value
// counts as absent.
func (p *params) get(pos int, name string) (json.RawMessage, bool) {
	if p == nil {
		return nil, false
	}

	var v json.RawMessage
	if p.named != nil {
		v = p.named[name]
	} else if pos < len(p.positional) {
		v = p.positional[pos]
	}

	if len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), jsonNull) {
		return nil, false
	}

	return v, true
}

// decode unmarshals a required parameter into v.
func (p *params) decode(pos int, name string, v interface{}) error {
	raw, ok := p.get(pos, name)
	if !ok {
		return missingParameter(name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badParameter(name)
	}

	return nil
}

// decodeOptional unmarshals a parameter into v if present and reports
// whether it was.
func (p *params) decodeOptional(pos int, name string,
	v interface{}) (bool, error) {

	raw, ok := p.get(pos, name)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, badParameter(name)
	}

	return true, nil
}

func (p *params) str(pos int, name string) (string, error) {
	var s string
	err := p.decode(pos, name, &s)
	return s, err
}

func (p *params) u64(pos int, name string) (uint64, error) {
	var n uint64
	err := p.decode(pos, name, &n)
	return n, err
}

func (p *params) u32(pos int, name string) (uint32, error) {
	n, err := p.u64(pos, name)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, badParameter(name)
	}

	return uint32(n), nil
}

func (p *params) strSlice(pos int, name string) ([]string, error) {
	var s []string
	err := p.decode(pos, name, &s)
	return s, err
}
