// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// RPCClientPort is the default RPC port of the node.
	RPCClientPort string

	// RPCServerPort is the default port of the wallet RPC server.
	RPCServerPort string
}

// MainNetParams contains parameters specific running csvwallet and
// bitcoind on the main network (wire.MainNet).
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	RPCClientPort: "8332",
	RPCServerPort: "8337",
}

// TestNet3Params contains parameters specific running csvwallet and
// bitcoind on the test network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	RPCClientPort: "18332",
	RPCServerPort: "18337",
}

// TestNet4Params contains parameters specific running csvwallet and
// bitcoind on the test network (version 4).
var TestNet4Params = Params{
	Params:        &TestNet4ChainParams,
	RPCClientPort: "48332",
	RPCServerPort: "48337",
}

// SigNetParams contains parameters specific to the default signet network
// (wire.SigNet).
var SigNetParams = Params{
	Params:        &chaincfg.SigNetParams,
	RPCClientPort: "38332",
	RPCServerPort: "38337",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	RPCClientPort: "18443",
	RPCServerPort: "18447",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:        &chaincfg.SimNetParams,
	RPCClientPort: "18556",
	RPCServerPort: "18554",
}

// networks lists every supported network.
var networks = []*Params{
	&MainNetParams,
	&TestNet3Params,
	&TestNet4Params,
	&SigNetParams,
	&RegressionNetParams,
	&SimNetParams,
}

// ByName returns the parameters of the network with the given name. Both
// the chaincfg names and the usual short names are accepted.
func ByName(name string) (*Params, error) {
	switch name {
	case "bitcoin", "main":
		return &MainNetParams, nil
	case "testnet":
		return &TestNet3Params, nil
	case "regtest":
		return &RegressionNetParams, nil
	}

	for _, p := range networks {
		if p.Name == name {
			return p, nil
		}
	}

	return nil, fmt.Errorf("unknown network %q", name)
}
