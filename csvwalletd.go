// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/csvwallet/build"
	"github.com/btcsuite/csvwallet/chain"
	"github.com/btcsuite/csvwallet/rpc/legacyrpc"
	"github.com/btcsuite/csvwallet/wallet"
	"golang.org/x/sync/errgroup"
)

// dbTimeout is how long opening the database waits for its file lock.
const dbTimeout = 10 * time.Second

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", build.Version())

	policy, err := cfg.policy()
	if err != nil {
		log.Errorf("Invalid descriptor: %v", err)
		return err
	}
	log.Infof("Using descriptor %v", policy)

	node, err := startNodeClient(cfg)
	if err != nil {
		log.Errorf("Unable to connect to the node: %v", err)
		return err
	}
	defer node.Stop()

	db, err := openOrCreateDB(networkDir(cfg.DataDir, cfg.activeNet))
	if err != nil {
		log.Errorf("Unable to open the wallet database: %v", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close the wallet database: %v", err)
		}
	}()

	w, err := wallet.Open(&wallet.Config{
		DB:           db,
		Policy:       policy,
		Chain:        node,
		SyncInterval: cfg.PollInterval,
		Lookahead:    cfg.Lookahead,
	})
	if err != nil {
		log.Errorf("Unable to open the wallet: %v", err)
		return err
	}

	listeners, err := makeListeners(cfg.LegacyRPCListeners)
	if err != nil {
		log.Errorf("Unable to create RPC listeners: %v", err)
		return err
	}
	server := legacyrpc.NewServer(&legacyrpc.Options{
		Username:            cfg.Username,
		Password:            cfg.Password,
		MaxPOSTClients:      cfg.LegacyRPCMaxClients,
		MaxWebsocketClients: cfg.LegacyRPCMaxWebsockets,
		Version:             build.Version(),
	}, w, listeners)

	w.Start()

	ctx, cancel := interruptContext(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Turn a stop request of a client into an interrupt.
	g.Go(func() error {
		select {
		case <-server.RequestProcessShutdown():
			requestShutdown()
		case <-ctx.Done():
		}
		return nil
	})

	// Stop the server before the wallet, so no request is served by a
	// stopped wallet.
	g.Go(func() error {
		<-ctx.Done()

		log.Info("Stopping RPC server...")
		server.Stop()
		log.Info("Stopping wallet...")
		w.Stop()

		return nil
	})

	err = g.Wait()
	log.Info("Shutdown complete")

	return err
}

// startNodeClient connects to the configured node and checks it follows
// the wallet's network.
func startNodeClient(cfg *config) (*chain.RPCClient, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile.Value)
		if err != nil {
			return nil, fmt.Errorf("cannot open CA file: %w", err)
		}
	} else {
		log.Info("Client TLS is disabled")
	}

	node, err := chain.NewRPCClientWithConfig(&chain.RPCClientConfig{
		Conn: &rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			User:         cfg.NodeUsername,
			Pass:         cfg.NodePassword,
			DisableTLS:   cfg.DisableClientTLS,
			Certificates: certs,
		},
		Chain: cfg.activeNet.Params,
	})
	if err != nil {
		return nil, err
	}

	if err := node.Start(); err != nil {
		return nil, err
	}

	return node, nil
}

// openOrCreateDB opens the wallet database in dir, creating it on first
// use.
func openOrCreateDB(dir string) (walletdb.DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, walletDbName)

	db, err := walletdb.Open("bdb", dbPath, true, dbTimeout, false)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		log.Infof("Creating wallet database %s", dbPath)
		return walletdb.Create("bdb", dbPath, true, dbTimeout, false)
	}

	return db, err
}

// makeListeners splits the normalized listen addresses into IPv4 and IPv6
// groups and creates listeners for each.
func makeListeners(normalizedListenAddrs []string) ([]net.Listener, error) {
	ipv4Addrs := make([]string, 0, len(normalizedListenAddrs)*2)
	ipv6Addrs := make([]string, 0, len(normalizedListenAddrs)*2)
	var hostAddrs []string
	for _, addr := range normalizedListenAddrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, fmt.Errorf("`%s` is not a normalized "+
				"listener address", addr)
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*" && runtime.GOOS == "plan9") {
			ipv4Addrs = append(ipv4Addrs, addr)
			ipv6Addrs = append(ipv6Addrs, addr)
			continue
		}

		// Remove the IPv6 zone from the host, if present.  The zone
		// prevents ParseIP from correctly parsing the IP address.
		// ResolveIPAddr is intentionally not used here due to the
		// possibility of leaking a DNS query over Tor if the host is a
		// hostname and not an IP address.
		zoneIndex := len(host)
		for i := range host {
			if host[i] == '%' {
				zoneIndex = i
				break
			}
		}

		ip := net.ParseIP(host[:zoneIndex])
		switch {
		case ip == nil:
			// A host name such as localhost, resolved by the
			// listener.
			hostAddrs = append(hostAddrs, addr)
		case ip.To4() == nil:
			ipv6Addrs = append(ipv6Addrs, addr)
		default:
			ipv4Addrs = append(ipv4Addrs, addr)
		}
	}

	listeners := make([]net.Listener, 0,
		len(ipv6Addrs)+len(ipv4Addrs)+len(hostAddrs))
	listen := func(network string, addrs []string) {
		for _, addr := range addrs {
			listener, err := net.Listen(network, addr)
			if err != nil {
				log.Warnf("Can't listen on %s: %v", addr, err)
				continue
			}
			listeners = append(listeners, listener)
		}
	}
	listen("tcp4", ipv4Addrs)
	listen("tcp6", ipv6Addrs)
	listen("tcp", hostAddrs)

	if len(listeners) == 0 {
		return nil, errors.New("no RPC listeners could be created")
	}

	return listeners, nil
}
