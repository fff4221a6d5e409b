// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/csvwallet/build"
	"github.com/btcsuite/csvwallet/descriptor"
	"github.com/btcsuite/csvwallet/internal/cfgutil"
	"github.com/btcsuite/csvwallet/netparams"
	"github.com/btcsuite/csvwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename   = "csvwallet.conf"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "csvwallet.log"
	defaultMaxLogRolls      = 3
	defaultRPCMaxClients    = 10
	defaultRPCMaxWebsockets = 25

	walletDbName      = "wallet.db"
	defaultCAFilename = "node.cert"
)

var (
	csvwalletHomeDir  = btcutil.AppDataDir("csvwallet", false)
	defaultConfigFile = filepath.Join(csvwalletHomeDir, defaultConfigFilename)
	defaultDataDir    = csvwalletHomeDir
	defaultLogDir     = filepath.Join(csvwalletHomeDir, defaultLogDirname)
	btcdHomedirCAFile = filepath.Join(
		btcutil.AppDataDir("btcd", false), "rpc.cert",
	)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the wallet database"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	MaxLogRolls int    `long:"maxlogrolls" description:"Number of rolled log files to keep"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network selection
	TestNet3 bool   `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	TestNet4 bool   `long:"testnet4" description:"Use the test Bitcoin network (version 4) (default mainnet)"`
	SigNet   bool   `long:"signet" description:"Use the default signet Bitcoin network (default mainnet)"`
	RegTest  bool   `long:"regtest" description:"Use the regression test Bitcoin network (default mainnet)"`
	SimNet   bool   `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	Network  string `long:"network" description:"Network to use by name {mainnet, testnet3, testnet4, signet, regtest, simnet} instead of a network flag"`

	// Descriptor
	PrimaryKey    cfgutil.KeyFlag            `long:"primaryxpub" description:"Extended public key of the primary spending path, optionally prefixed by the master key fingerprint as in [d34db33f]xpub..."`
	RecoveryPaths []cfgutil.RecoveryPathFlag `long:"recoverypath" description:"Recovery path as <timelock>:<xpub>, the key optionally prefixed by its master key fingerprint -- may be repeated"`
	Lookahead     uint32                     `long:"lookahead" description:"Number of unused addresses watched on each derivation branch"`

	// Node connection options
	RPCConnect       string                  `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the bitcoind or btcd RPC server to connect to"`
	CAFile           *cfgutil.ExplicitString `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with the node"`
	DisableClientTLS bool                    `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`
	NodeUsername     string                  `long:"nodeusername" description:"Username for node authentication"`
	NodePassword     string                  `long:"nodepassword" default-mask:"-" description:"Password for node authentication"`
	PollInterval     time.Duration           `long:"pollinterval" description:"Interval between two polls of the node for new blocks"`

	// RPC server options
	LegacyRPCListeners     []string `long:"rpclisten" description:"Listen for JSON-RPC connections on this interface/port (default port: 8337, testnet: 18337, regtest: 18447)"`
	LegacyRPCMaxClients    int64    `long:"rpcmaxclients" description:"Max number of RPC clients for standard connections"`
	LegacyRPCMaxWebsockets int64    `long:"rpcmaxwebsockets" description:"Max number of RPC websocket connections"`
	Username               string   `short:"u" long:"username" description:"Username for JSON-RPC clients"`
	Password               string   `short:"P" long:"password" default-mask:"-" description:"Password for JSON-RPC clients"`

	activeNet *netparams.Params
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(csvwalletHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// networkDir returns the directory name of a network directory to hold wallet
// files.
func networkDir(dataDir string, net *netparams.Params) string {
	return filepath.Join(dataDir, net.Name)
}

// selectNetwork returns the parameters of the network chosen by the flags.
// Multiple networks can't be selected simultaneously.
func (c *config) selectNetwork() (*netparams.Params, error) {
	activeNet := &netparams.MainNetParams
	numNets := 0
	for _, n := range []struct {
		set    bool
		params *netparams.Params
	}{
		{c.TestNet3, &netparams.TestNet3Params},
		{c.TestNet4, &netparams.TestNet4Params},
		{c.SigNet, &netparams.SigNetParams},
		{c.RegTest, &netparams.RegressionNetParams},
		{c.SimNet, &netparams.SimNetParams},
	} {
		if n.set {
			activeNet = n.params
			numNets++
		}
	}
	if c.Network != "" {
		params, err := netparams.ByName(c.Network)
		if err != nil {
			return nil, err
		}
		activeNet = params
		numNets++
	}
	if numNets > 1 {
		return nil, errors.New("the testnet, testnet4, signet, regtest, " +
			"simnet and network params can't be used together -- " +
			"choose one")
	}

	return activeNet, nil
}

// parseKey decodes an extended public key of the active network.
func (c *config) parseKey(flag *cfgutil.KeyFlag) (descriptor.KeyOrigin,
	error) {

	key, err := hdkeychain.NewKeyFromString(flag.Key)
	if err != nil {
		return descriptor.KeyOrigin{}, fmt.Errorf("invalid extended "+
			"key %s: %w", flag.Key, err)
	}
	if key.IsPrivate() {
		return descriptor.KeyOrigin{}, fmt.Errorf("extended key %s is "+
			"private: the wallet only takes public keys", flag.Key)
	}
	if !key.IsForNet(c.activeNet.Params) {
		return descriptor.KeyOrigin{}, fmt.Errorf("extended key %s is "+
			"not for the %s network", flag.Key, c.activeNet.Name)
	}

	return descriptor.KeyOrigin{Key: key, Fingerprint: flag.Fingerprint}, nil
}

// policy builds the wallet descriptor from the configured keys.
func (c *config) policy() (*descriptor.Policy, error) {
	if c.PrimaryKey.Key == "" {
		return nil, errors.New("a primary key must be given with " +
			"--primaryxpub")
	}
	primary, err := c.parseKey(&c.PrimaryKey)
	if err != nil {
		return nil, err
	}

	recovery := make([]descriptor.RecoveryPath, 0, len(c.RecoveryPaths))
	for i := range c.RecoveryPaths {
		path := &c.RecoveryPaths[i]
		origin, err := c.parseKey(&path.KeyFlag)
		if err != nil {
			return nil, err
		}
		recovery = append(recovery, descriptor.RecoveryPath{
			KeyOrigin: origin,
			Timelock:  path.Timelock,
		})
	}

	return descriptor.New(primary, recovery, c.activeNet.Params)
}

// resolveCAFile returns the certificate file used to authenticate the node.
// An explicit --cafile must exist.  Otherwise the copy in the data directory
// is used, or the certificate of a local btcd when there is no copy.
func (c *config) resolveCAFile(rpcHost string) (string, error) {
	if c.CAFile.ExplicitlySet() {
		caFile := cleanAndExpandPath(c.CAFile.Value)
		exists, err := cfgutil.FileExists(caFile)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("the CA file %s does not exist",
				caFile)
		}
		return caFile, nil
	}

	caFile := filepath.Join(c.DataDir, defaultCAFilename)
	exists, err := cfgutil.FileExists(caFile)
	if err != nil {
		return "", err
	}
	if exists {
		return caFile, nil
	}

	switch rpcHost {
	case "localhost", "127.0.0.1", "::1":
		exists, err := cfgutil.FileExists(btcdHomedirCAFile)
		if err != nil {
			return "", err
		}
		if exists {
			return btcdHomedirCAFile, nil
		}
	}

	return "", fmt.Errorf("no CA file found at %s -- use --cafile or "+
		"--noclienttls", caFile)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in csvwallet functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:             defaultLogLevel,
		ConfigFile:             defaultConfigFile,
		DataDir:                defaultDataDir,
		LogDir:                 defaultLogDir,
		MaxLogRolls:            defaultMaxLogRolls,
		CAFile:                 cfgutil.NewExplicitString(""),
		Lookahead:              wallet.DefaultLookahead,
		PollInterval:           wallet.DefaultSyncInterval,
		LegacyRPCMaxClients:    defaultRPCMaxClients,
		LegacyRPCMaxWebsockets: defaultRPCMaxWebsockets,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	cfg.activeNet, err = cfg.selectNetwork()
	if err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.activeNet.Name)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	err = initLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogRolls,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if cfg.Lookahead == 0 {
		err := fmt.Errorf("%s: the lookahead must be positive", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.PollInterval < time.Second {
		err := fmt.Errorf("%s: the poll interval must be at least one "+
			"second", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.RPCConnect == "" {
		cfg.RPCConnect = net.JoinHostPort(
			"localhost", cfg.activeNet.RPCClientPort,
		)
	}

	// Add default port to connect flag if missing.
	cfg.RPCConnect, err = cfgutil.NormalizeAddress(cfg.RPCConnect,
		cfg.activeNet.RPCClientPort)
	if err != nil {
		fmt.Fprintf(os.Stderr,
			"Invalid rpcconnect network address: %v\n", err)
		return nil, nil, err
	}

	RPCHost, _, err := net.SplitHostPort(cfg.RPCConnect)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DisableClientTLS {
		local, err := cfgutil.IsLocalhost(cfg.RPCConnect)
		if err != nil {
			return nil, nil, err
		}
		if !local {
			str := "%s: the --noclienttls option may not be used " +
				"when connecting RPC to non localhost " +
				"addresses: %s"
			err := fmt.Errorf(str, funcName, cfg.RPCConnect)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	} else {
		caFile, err := cfg.resolveCAFile(RPCHost)
		if err != nil {
			err := fmt.Errorf("%s: %w", funcName, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		cfg.CAFile.Value = caFile
	}

	if len(cfg.LegacyRPCListeners) == 0 {
		addrs, err := net.LookupHost("localhost")
		if err != nil {
			return nil, nil, err
		}
		cfg.LegacyRPCListeners = make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addr = net.JoinHostPort(addr, cfg.activeNet.RPCServerPort)
			cfg.LegacyRPCListeners = append(cfg.LegacyRPCListeners, addr)
		}
	}

	// Add default port to all rpc listener addresses if needed and remove
	// duplicate addresses.
	cfg.LegacyRPCListeners, err = cfgutil.NormalizeAddresses(
		cfg.LegacyRPCListeners, cfg.activeNet.RPCServerPort)
	if err != nil {
		fmt.Fprintf(os.Stderr,
			"Invalid network address in RPC listeners: %v\n", err)
		return nil, nil, err
	}

	// The server has no TLS, so it may only be bound to localhost.
	for _, addr := range cfg.LegacyRPCListeners {
		local, err := cfgutil.IsLocalhost(addr)
		if err != nil {
			str := "%s: RPC listen interface '%s' is invalid: %v"
			err := fmt.Errorf(str, funcName, addr, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		if !local {
			str := "%s: the RPC server may not be bound to non " +
				"localhost addresses: %s"
			err := fmt.Errorf(str, funcName, addr)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	if cfg.Username == "" || cfg.Password == "" {
		err := fmt.Errorf("%s: --username and --password are required "+
			"for RPC clients", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// If the node username or password are unset, use the same auth as for
	// the clients.
	if cfg.NodeUsername == "" {
		cfg.NodeUsername = cfg.Username
	}
	if cfg.NodePassword == "" {
		cfg.NodePassword = cfg.Password
	}

	return &cfg, remainingArgs, nil
}
