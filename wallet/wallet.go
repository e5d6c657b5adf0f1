// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the script tracker, the ledger and a chain backend
// into a descriptor wallet. It syncs the ledger against the backend, reports
// balances and history, and builds unsigned transactions.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/unit"
	"github.com/btcsuite/descwallet/tracker"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrMissingDB is returned when no database is configured.
	ErrMissingDB = errors.New("wallet database required")

	// ErrMissingChain is returned when no chain backend is configured.
	ErrMissingChain = errors.New("chain backend required")

	// ErrMissingDescriptor is returned when no external descriptor is
	// configured.
	ErrMissingDescriptor = errors.New("external descriptor required")
)

// Config holds the dependencies and tunables of a Wallet.
type Config struct {
	// DB persists the derived scripts and the ledger.
	DB walletdb.DB

	// Chain is the backend the wallet syncs against.
	Chain chain.Interface

	// External derives receive scripts.
	External descriptor.Descriptor

	// Internal derives change scripts. The internal chain of External
	// is used when nil.
	Internal descriptor.Descriptor

	// GapLimit is the number of unused scripts kept derived past the
	// last used one. tracker.DefaultGapLimit when zero.
	GapLimit uint32

	// MaxCheckpoints bounds the retained checkpoints and therefore the
	// deepest reorg handled without a full rescan.
	// ledger.DefaultMaxCheckpoints when zero.
	MaxCheckpoints int

	// SyncConcurrency bounds the in-flight backend requests of a pass.
	SyncConcurrency int

	// MaxFeeRate is the highest fee rate CreateTransaction accepts.
	// DefaultMaxFeeRate when zero.
	MaxFeeRate unit.SatPerKVByte
}

func (c *Config) validate() error {
	switch {
	case c.DB == nil:
		return ErrMissingDB
	case c.Chain == nil:
		return ErrMissingChain
	case c.External == nil:
		return ErrMissingDescriptor
	}

	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = ledger.DefaultMaxCheckpoints
	}
	if c.MaxFeeRate == 0 {
		c.MaxFeeRate = DefaultMaxFeeRate
	}

	return nil
}

// Wallet is a descriptor wallet.
type Wallet struct {
	cfg Config

	tracker *tracker.ScriptTracker
	ledger  *ledger.Ledger
	engine  *SyncEngine
}

// New opens the wallet stored in cfg.DB, creating it on first use.
func New(cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	t, err := tracker.New(tracker.Config{
		DB:       cfg.DB,
		External: cfg.External,
		Internal: cfg.Internal,
		GapLimit: cfg.GapLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("open script tracker: %w", err)
	}

	l, err := ledger.Open(ledger.Config{
		DB:             cfg.DB,
		MaxCheckpoints: cfg.MaxCheckpoints,
		ScriptKnown:    t.IsTracked,
	})
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:     cfg,
		tracker: t,
		ledger:  l,
		engine: NewSyncEngine(SyncConfig{
			Chain:          cfg.Chain,
			Tracker:        t,
			Ledger:         l,
			Concurrency:    cfg.SyncConcurrency,
			MaxCheckpoints: cfg.MaxCheckpoints,
		}),
	}

	log.Infof("Opened wallet %v on %v backend", cfg.External.ID(),
		cfg.Chain.BackEnd())

	return w, nil
}

// Sync runs a sync pass, waiting for a running one to finish.
func (w *Wallet) Sync(ctx context.Context) (*SyncReport, error) {
	return w.engine.Sync(ctx)
}

// TrySync runs a sync pass unless one is already running.
func (w *Wallet) TrySync(ctx context.Context) (*SyncReport, error) {
	return w.engine.TrySync(ctx)
}

// FullRescan re-syncs the whole ledger from the backend.
func (w *Wallet) FullRescan(ctx context.Context) (*SyncReport, error) {
	return w.engine.FullRescan(ctx)
}

// SyncState returns the phase of the sync engine.
func (w *Wallet) SyncState() SyncState {
	return w.engine.State()
}

// NewAutoSync returns a stopped AutoSync driving this wallet.
func (w *Wallet) NewAutoSync(cfg AutoSyncConfig) *AutoSync {
	cfg.Syncer = w.engine
	return NewAutoSync(cfg)
}

// Balance returns the unspent value of the wallet.
func (w *Wallet) Balance() ledger.Balance {
	return w.ledger.Snapshot().Balance()
}

// ListUnspent returns the unspent outputs with at least minConfs
// confirmations.
func (w *Wallet) ListUnspent(minConfs uint32) []ledger.Utxo {
	snap := w.ledger.Snapshot()
	if minConfs == 0 {
		return snap.Unspent()
	}

	tipHeight := fn.MapOptionZ(snap.Tip(),
		func(cp ledger.Checkpoint) uint32 {
			return cp.Height
		},
	)

	var out []ledger.Utxo
	for _, u := range snap.Unspent() {
		if u.Confirmations(tipHeight) >= minConfs {
			out = append(out, u)
		}
	}

	return out
}

// Transactions returns the wallet history, confirmed transactions first by
// height, then pending ones.
func (w *Wallet) Transactions() []ledger.TxRecord {
	return w.ledger.Snapshot().Txs()
}

// Snapshot returns an immutable view of the ledger.
func (w *Wallet) Snapshot() *ledger.Snapshot {
	return w.ledger.Snapshot()
}

// NewAddress returns the first unused address of chain. The same address is
// returned until a transaction paying to it is synced.
func (w *Wallet) NewAddress(ch descriptor.Chain) (btcutil.Address, error) {
	snap := w.ledger.Snapshot()

	ts, err := w.tracker.NextUnused(ch, snap.IsUsed)
	if err != nil {
		return nil, err
	}

	derived, err := w.tracker.Derived(ts.PkScript)
	if err != nil {
		return nil, err
	}

	log.Debugf("Handing out %v address %v (index %d)", ch,
		derived.Address, ts.Index)

	return derived.Address, nil
}

// Broadcast relays a signed transaction and records it as pending. A
// rejection by the network is returned as *chain.BroadcastError and leaves
// the ledger untouched.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := w.cfg.Chain.Broadcast(ctx, tx); err != nil {
		return err
	}

	log.Infof("Broadcast transaction %v", tx.TxHash())

	return w.engine.RecordBroadcast(ctx, tx)
}
