// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/internal/cfgutil"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/netparams"
	"github.com/btcsuite/descwallet/tracker"
	"github.com/btcsuite/descwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "descsync.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "descsync.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10 * 1024
	defaultDBTimeout      = 60 * time.Second

	defaultElectrumPort    = "50001"
	defaultElectrumTLSPort = "50002"

	walletDbName   = "wallet.db"
	neutrinoDbName = "neutrino.db"
)

var (
	descsyncHomeDir   = btcutil.AppDataDir("descsync", false)
	defaultConfigFile = filepath.Join(descsyncHomeDir, defaultConfigFilename)
	defaultDataDir    = descsyncHomeDir
	defaultLogDir     = filepath.Join(descsyncHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string        `short:"b" long:"datadir" description:"Directory to store the wallet database"`
	LogDir     string        `long:"logdir" description:"Directory to log output"`
	DebugLevel string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	DBTimeout  time.Duration `long:"dbtimeout" description:"The timeout value to use when opening the wallet database"`

	// Network selection
	TestNet3 bool `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	TestNet4 bool `long:"testnet4" description:"Use the test Bitcoin network (version 4)"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`

	// Wallet options
	Descriptor       string        `long:"descriptor" description:"Receive descriptor, e.g. wpkh(<xpub>/<0;1>/*)"`
	ChangeDescriptor string        `long:"changedescriptor" description:"Change descriptor (defaults to the internal chain of --descriptor)"`
	GapLimit         uint32        `long:"gaplimit" description:"Number of unused scripts watched past the last used one"`
	MaxCheckpoints   int           `long:"maxcheckpoints" description:"Number of block checkpoints kept for reorg detection"`
	Concurrency      int           `long:"concurrency" description:"Maximum in-flight backend requests during a sync"`
	SyncInterval     time.Duration `long:"syncinterval" description:"Time between sync passes"`
	Once             bool          `long:"once" description:"Run a single sync pass, print the balance and exit"`
	Rescan           bool          `long:"rescan" description:"Discard checkpoints and resync the wallet from scratch"`

	// Backend options
	Backend        string   `long:"backend" description:"Chain backend {electrum, esplora, neutrino}"`
	ElectrumServer string   `long:"electrum.server" description:"Electrum server host:port (defaults to a public TLS server where the network has one)"`
	ElectrumTLS    bool     `long:"electrum.tls" description:"Connect to the Electrum server over TLS"`
	EsploraURL     string   `long:"esplora.url" description:"Base URL of the Esplora REST API (defaults to a public API where the network has one)"`
	EsploraRPS     float64  `long:"esplora.rps" description:"Maximum Esplora requests per second"`
	ConnectPeers   []string `long:"neutrino.connect" description:"Connect only to the specified peers at startup"`
	AddPeers       []string `long:"neutrino.addpeer" description:"Add a peer to connect with at startup"`

	params *netparams.Params
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(descsyncHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	slices.Sort(subsystems)

	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}

		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		subsysID, logLevel, ok := strings.Cut(logLevelPair, "=")
		if !ok {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsytems %v", subsysID,
				supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// activeParams returns the network selected by the flags.
func (c *config) activeParams() (*netparams.Params, error) {
	params := &netparams.MainNetParams

	numNets := 0
	if c.TestNet3 {
		numNets++
		params = &netparams.TestNet3Params
	}
	if c.TestNet4 {
		numNets++
		params = &netparams.TestNet4Params
	}
	if c.SigNet {
		numNets++
		params = &netparams.SigNetParams
	}
	if c.RegTest {
		numNets++
		params = &netparams.RegressionNetParams
	}
	if c.SimNet {
		numNets++
		params = &netparams.SimNetParams
	}
	if numNets > 1 {
		return nil, errors.New("the testnet, testnet4, signet, " +
			"regtest and simnet params can't be used together " +
			"-- choose one")
	}

	return params, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		DebugLevel:     defaultLogLevel,
		DBTimeout:      defaultDBTimeout,
		GapLimit:       tracker.DefaultGapLimit,
		MaxCheckpoints: ledger.DefaultMaxCheckpoints,
		Concurrency:    wallet.DefaultSyncConcurrency,
		SyncInterval:   wallet.DefaultSyncInterval,
		Backend:        chain.ElectrumBackend,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) &&
			flagsErr.Type == flags.ErrHelp {

			os.Exit(0)
		}

		return nil, nil, err
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	cfg.params, err = cfg.activeParams()
	if err != nil {
		return nil, nil, err
	}

	cfg.DataDir = filepath.Join(
		cleanAndExpandPath(cfg.DataDir), cfg.params.Name,
	)
	cfg.LogDir = filepath.Join(
		cleanAndExpandPath(cfg.LogDir), cfg.params.Name,
	)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation. After the log rotation has been
	// initialized, the logger variables may be used.
	err = logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return nil, nil, err
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if cfg.Descriptor == "" {
		return nil, nil, errors.New("--descriptor is required")
	}

	if !slices.Contains(chain.BackEnds(), cfg.Backend) {
		return nil, nil, fmt.Errorf("%w: %q, supported backends %v",
			chain.ErrUnknownBackend, cfg.Backend, chain.BackEnds())
	}

	// Fall back to the public servers of the network. Only TLS Electrum
	// servers are listed.
	if cfg.ElectrumServer == "" && cfg.params.ElectrumServer != "" {
		cfg.ElectrumServer = cfg.params.ElectrumServer
		cfg.ElectrumTLS = true
	}
	if cfg.EsploraURL == "" {
		cfg.EsploraURL = cfg.params.EsploraURL
	}

	switch {
	case cfg.Backend == chain.ElectrumBackend &&
		cfg.ElectrumServer == "":

		return nil, nil, errors.New("--electrum.server is required " +
			"for the electrum backend")

	case cfg.Backend == chain.EsploraBackend && cfg.EsploraURL == "":
		return nil, nil, errors.New("--esplora.url is required for " +
			"the esplora backend")
	}

	if cfg.ElectrumServer != "" {
		port := defaultElectrumPort
		if cfg.ElectrumTLS {
			port = defaultElectrumTLSPort
		}

		cfg.ElectrumServer, err = cfgutil.NormalizeAddress(
			cfg.ElectrumServer, port,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --electrum.server: "+
				"%w", err)
		}
	}

	cfg.ConnectPeers, err = cfgutil.NormalizeAddresses(
		cfg.ConnectPeers, cfg.params.DefaultPort,
	)
	if err != nil {
		return nil, nil, err
	}
	cfg.AddPeers, err = cfgutil.NormalizeAddresses(
		cfg.AddPeers, cfg.params.DefaultPort,
	)
	if err != nil {
		return nil, nil, err
	}

	if cfg.SyncInterval <= 0 {
		return nil, nil, errors.New("--syncinterval must be positive")
	}

	return &cfg, remainingArgs, nil
}
