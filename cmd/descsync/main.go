// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// descsync keeps a watch-only descriptor wallet in sync with a chain backend
// and logs its balance after every pass.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/internal/cfgutil"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/lightninglabs/neutrino"
)

// syncJitter spreads the sync passes of many instances polling the same
// server.
const syncJitter = 0.2

func main() {
	// Work around defer not working after os.Exit.
	if err := descsyncMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// descsyncMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit.
func descsyncMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logWriter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	external, internal, err := parseDescriptors(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	dbPath := filepath.Join(cfg.DataDir, walletDbName)
	db, err := openDB(dbPath, cfg.DBTimeout)
	if err != nil {
		return fmt.Errorf("unable to open wallet database: %w", err)
	}
	defer db.Close()

	backend, cleanup, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	w, err := wallet.New(wallet.Config{
		DB:              db,
		Chain:           backend,
		External:        external,
		Internal:        internal,
		GapLimit:        cfg.GapLimit,
		MaxCheckpoints:  cfg.MaxCheckpoints,
		SyncConcurrency: cfg.Concurrency,
	})
	if err != nil {
		return err
	}

	if cfg.Rescan {
		if _, err := w.FullRescan(ctx); err != nil {
			return err
		}
	}

	_, err = w.Sync(ctx)
	switch {
	case cfg.Once && err != nil:
		return err

	case cfg.Once:
		logSummary(w)
		return nil

	case errors.Is(err, wallet.ErrReorgBeyondHorizon):
		return fmt.Errorf("%w: restart with --rescan", err)

	case err != nil && !chain.IsRetryable(err):
		return err
	}
	logSummary(w)

	autoSync := w.NewAutoSync(wallet.AutoSyncConfig{
		Ticker: chain.NewJitterTicker(cfg.SyncInterval, syncJitter),
		OnSync: func(report *wallet.SyncReport) {
			if report.NewTxs > 0 || report.UpdatedTxs > 0 ||
				report.PurgedTxs > 0 {

				logSummary(w)
			}
		},
	})
	if err := autoSync.Start(); err != nil {
		return err
	}
	defer autoSync.Stop()

	for {
		select {
		case err := <-autoSync.Errors():
			if !errors.Is(err, wallet.ErrReorgBeyondHorizon) {
				continue
			}

			log.Warnf("Reorg below the oldest checkpoint, " +
				"rescanning")
			if _, err := w.FullRescan(ctx); err != nil {
				log.Errorf("Full rescan failed: %v", err)
				continue
			}
			logSummary(w)

		case <-ctx.Done():
			log.Info("Shutdown complete")
			return nil
		}
	}
}

// openDB opens the bolt database at path, creating it on first use.
func openDB(path string, timeout time.Duration) (walletdb.DB, error) {
	exists, err := cfgutil.FileExists(path)
	if err != nil {
		return nil, err
	}

	if exists {
		return walletdb.Open("bdb", path, true, timeout, false)
	}

	log.Infof("Creating database %v", path)

	return walletdb.Create("bdb", path, true, timeout, false)
}

func logSummary(w *wallet.Wallet) {
	addr, err := w.NewAddress(descriptor.External)
	if err != nil {
		log.Errorf("Unable to derive receive address: %v", err)
		return
	}

	log.Infof("Balance %v across %d unspent outputs, next receive "+
		"address %v", w.Balance(), len(w.ListUnspent(0)), addr)
}

// parseDescriptors parses the configured receive and change descriptors.
// A nil change descriptor means the internal chain of the receive one.
func parseDescriptors(cfg *config) (descriptor.Descriptor,
	descriptor.Descriptor, error) {

	external, err := descriptor.ParseWPKH(
		cfg.Descriptor, cfg.params.Params,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid descriptor: %w", err)
	}

	if cfg.ChangeDescriptor == "" {
		return external, nil, nil
	}

	internal, err := descriptor.ParseWPKH(
		cfg.ChangeDescriptor, cfg.params.Params,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid change descriptor: %w",
			err)
	}

	return external, internal, nil
}

// newBackend connects the configured chain backend. The returned function
// releases it.
func newBackend(ctx context.Context, cfg *config) (chain.Interface, func(),
	error) {

	switch cfg.Backend {
	case chain.ElectrumBackend:
		return newElectrumBackend(ctx, cfg)

	case chain.EsploraBackend:
		client := chain.NewEsploraClient(chain.EsploraConfig{
			URL:               cfg.EsploraURL,
			RequestsPerSecond: cfg.EsploraRPS,
			Concurrency:       cfg.Concurrency,
		})

		return client, func() {}, nil

	case chain.NeutrinoBackend:
		return newNeutrinoBackend(cfg)
	}

	return nil, nil, fmt.Errorf("%w: %v", chain.ErrUnknownBackend,
		cfg.Backend)
}

func newElectrumBackend(ctx context.Context, cfg *config) (chain.Interface,
	func(), error) {

	var (
		conn *electrum.Client
		err  error
	)
	if cfg.ElectrumTLS {
		host, _, splitErr := net.SplitHostPort(cfg.ElectrumServer)
		if splitErr != nil {
			return nil, nil, splitErr
		}

		conn, err = electrum.NewClientSSL(
			ctx, cfg.ElectrumServer, &tls.Config{
				ServerName: host,
				MinVersion: tls.VersionTLS12,
			},
		)
	} else {
		conn, err = electrum.NewClientTCP(ctx, cfg.ElectrumServer)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to electrum "+
			"server %v: %w", cfg.ElectrumServer, err)
	}

	client := chain.NewElectrumClient(chain.ElectrumConfig{
		Conn:        conn,
		Concurrency: cfg.Concurrency,
	})
	if err := client.Start(ctx); err != nil {
		conn.Shutdown()
		return nil, nil, err
	}

	log.Infof("Connected to electrum server %v", cfg.ElectrumServer)

	return client, func() {
		client.Stop()
		conn.Shutdown()
	}, nil
}

func newNeutrinoBackend(cfg *config) (chain.Interface, func(), error) {
	dataDir := filepath.Join(cfg.DataDir, "neutrino")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, nil, err
	}

	db, err := openDB(
		filepath.Join(dataDir, neutrinoDbName), cfg.DBTimeout,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create neutrino "+
			"database: %w", err)
	}

	cs, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      dataDir,
		Database:     db,
		ChainParams:  *cfg.params.Params,
		ConnectPeers: cfg.ConnectPeers,
		AddPeers:     cfg.AddPeers,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("unable to create neutrino light "+
			"client: %w", err)
	}

	client := chain.NewCFilterClient(chain.CFilterConfig{
		Chain:       cs,
		Concurrency: cfg.Concurrency,
	})
	if err := client.Start(); err != nil {
		db.Close()
		return nil, nil, err
	}

	return client, func() {
		if err := client.Stop(); err != nil {
			log.Errorf("Unable to stop neutrino: %v", err)
		}
		db.Close()
	}, nil
}
