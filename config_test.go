// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/csvwallet/internal/cfgutil"
	"github.com/btcsuite/csvwallet/netparams"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("WLLT=trace,RPCS=warn"))
	require.NoError(t, parseAndSetDebugLevels(defaultLogLevel))

	require.Error(t, parseAndSetDebugLevels("loud"))
	require.Error(t, parseAndSetDebugLevels("WLLT=loud"))
	require.Error(t, parseAndSetDebugLevels("NOPE=info"))
	require.Error(t, parseAndSetDebugLevels("WLLT=info,RPCS"))
}

func TestSelectNetwork(t *testing.T) {
	t.Parallel()

	cfg := &config{}
	net, err := cfg.selectNetwork()
	require.NoError(t, err)
	require.Same(t, &netparams.MainNetParams, net)

	cfg = &config{TestNet4: true}
	net, err = cfg.selectNetwork()
	require.NoError(t, err)
	require.Same(t, &netparams.TestNet4Params, net)

	cfg = &config{Network: "regtest"}
	net, err = cfg.selectNetwork()
	require.NoError(t, err)
	require.Same(t, &netparams.RegressionNetParams, net)

	cfg = &config{RegTest: true, SigNet: true}
	_, err = cfg.selectNetwork()
	require.Error(t, err)

	cfg = &config{RegTest: true, Network: "regtest"}
	_, err = cfg.selectNetwork()
	require.Error(t, err)

	cfg = &config{Network: "liquid"}
	_, err = cfg.selectNetwork()
	require.Error(t, err)
}

// testXPub returns the neutered master key derived from a one byte seed.
func testXPub(t *testing.T, b byte, params *chaincfg.Params) string {
	t.Helper()

	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{b}, 32), params)
	require.NoError(t, err)
	pub, err := master.Neuter()
	require.NoError(t, err)

	return pub.String()
}

func TestConfigPolicy(t *testing.T) {
	t.Parallel()

	regtest := &netparams.RegressionNetParams

	cfg := &config{activeNet: regtest}
	_, err := cfg.policy()
	require.Error(t, err)

	cfg.PrimaryKey = cfgutil.KeyFlag{
		Key:         testXPub(t, 1, regtest.Params),
		Fingerprint: 0xd34db33f,
	}
	cfg.RecoveryPaths = []cfgutil.RecoveryPathFlag{{
		KeyFlag:  cfgutil.KeyFlag{Key: testXPub(t, 2, regtest.Params)},
		Timelock: 144,
	}}
	policy, err := cfg.policy()
	require.NoError(t, err)
	require.Equal(t, regtest.Params, policy.Params())

	// A mainnet key on regtest.
	cfg.RecoveryPaths[0].Key = testXPub(t, 2, &chaincfg.MainNetParams)
	_, err = cfg.policy()
	require.Error(t, err)

	// Private keys are refused.
	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{3}, 32), regtest.Params,
	)
	require.NoError(t, err)
	cfg.RecoveryPaths[0].Key = master.String()
	_, err = cfg.policy()
	require.Error(t, err)
}

func TestOpenOrCreateDB(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "regtest")

	db, err := openOrCreateDB(dir)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = openOrCreateDB(dir)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestMakeListeners(t *testing.T) {
	t.Parallel()

	listeners, err := makeListeners([]string{"127.0.0.1:0"})
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	require.NoError(t, listeners[0].Close())

	_, err = makeListeners([]string{"127.0.0.1"})
	require.Error(t, err)
}

func TestResolveCAFile(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	cfg := &config{
		DataDir: dataDir,
		CAFile:  cfgutil.NewExplicitString(""),
	}

	// Neither a copy nor a remote node certificate.
	_, err := cfg.resolveCAFile("10.0.0.1")
	require.Error(t, err)

	copied := filepath.Join(dataDir, defaultCAFilename)
	require.NoError(t, os.WriteFile(copied, []byte("cert"), 0600))
	caFile, err := cfg.resolveCAFile("10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, copied, caFile)

	require.NoError(t, cfg.CAFile.UnmarshalFlag(
		filepath.Join(dataDir, "missing.cert"),
	))
	_, err = cfg.resolveCAFile("localhost")
	require.Error(t, err)

	require.NoError(t, cfg.CAFile.UnmarshalFlag(copied))
	caFile, err = cfg.resolveCAFile("localhost")
	require.NoError(t, err)
	require.Equal(t, copied, caFile)
}

func TestInterruptContext(t *testing.T) {
	ctx, cancel := interruptContext(context.Background())
	defer cancel()

	requestShutdown()
	requestShutdown()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown request did not cancel the context")
	}
}
