// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/descwallet/build"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/tracker"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/btcsuite/descwallet/wallet/coinselect"
	"github.com/btcsuite/descwallet/wallet/txbuilder"
	"github.com/lightninglabs/neutrino"
)

// logWriter feeds every subsystem logger. It writes to stdout and, once
// loadConfig initialized the rotator, to the log file.
var logWriter = build.NewRotatingLogWriter()

// Loggers per subsystem. When adding new subsystems, add a reference here,
// to the subsystemLoggers map, and the init function.
var (
	log         = logWriter.GenSubLogger("DSYN")
	walletLog   = logWriter.GenSubLogger("WLLT")
	selectLog   = logWriter.GenSubLogger("CSEL")
	builderLog  = logWriter.GenSubLogger("TXBD")
	ledgerLog   = logWriter.GenSubLogger("LDGR")
	trackerLog  = logWriter.GenSubLogger("TRKR")
	chainLog    = logWriter.GenSubLogger("CHIO")
	neutrinoLog = logWriter.GenSubLogger("BTCN")
)

// Initialize package-global logger variables.
func init() {
	wallet.UseLogger(walletLog)
	coinselect.UseLogger(selectLog)
	txbuilder.UseLogger(builderLog)
	ledger.UseLogger(ledgerLog)
	tracker.UseLogger(trackerLog)
	chain.UseLogger(chainLog)
	neutrino.UseLogger(neutrinoLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"DSYN": log,
	"WLLT": walletLog,
	"CSEL": selectLog,
	"TXBD": builderLog,
	"LDGR": ledgerLog,
	"TRKR": trackerLog,
	"CHIO": chainLog,
	"BTCN": neutrinoLog,
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
