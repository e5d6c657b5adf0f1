// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/descwallet/chain"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultSyncInterval is the polling interval of an AutoSync.
	DefaultSyncInterval = 30 * time.Second

	// defaultMaxRetryTime bounds the retries of one scheduled pass.
	defaultMaxRetryTime = 5 * time.Minute

	// errorBacklog is the number of unread failures Errors buffers.
	errorBacklog = 16
)

// Syncer runs sync passes.
type Syncer interface {
	Sync(ctx context.Context) (*SyncReport, error)
}

// A compile-time assertion to ensure SyncEngine implements Syncer.
var _ Syncer = (*SyncEngine)(nil)

// AutoSyncConfig configures an AutoSync.
type AutoSyncConfig struct {
	// Syncer runs the passes.
	Syncer Syncer

	// Ticker schedules the passes. A JitterTicker around
	// DefaultSyncInterval is used when nil.
	Ticker ticker.Ticker

	// NewBackOff returns the retry schedule of one pass. An exponential
	// backoff giving up after five minutes is used when nil.
	NewBackOff func() backoff.BackOff

	// OnSync is called after every successful pass.
	OnSync func(*SyncReport)
}

// AutoSync runs a pass on every tick. Retryable failures are retried with
// backoff, all other failures are logged and reported on Errors.
type AutoSync struct {
	cfg AutoSyncConfig

	started atomic.Bool
	stopped atomic.Bool

	errs chan error

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewAutoSync creates a stopped AutoSync.
func NewAutoSync(cfg AutoSyncConfig) *AutoSync {
	if cfg.Ticker == nil {
		cfg.Ticker = chain.NewJitterTicker(DefaultSyncInterval, 0.2)
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = defaultMaxRetryTime
			return b
		}
	}

	return &AutoSync{
		cfg:  cfg,
		errs: make(chan error, errorBacklog),
		quit: make(chan struct{}),
	}
}

// Start launches the sync loop.
func (a *AutoSync) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAutoSyncStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.cfg.Ticker.Resume()

	a.wg.Add(1)
	go a.loop(ctx)

	log.Infof("Auto sync started")

	return nil
}

// Stop cancels a running pass and waits for the loop to exit.
func (a *AutoSync) Stop() error {
	if !a.started.Load() || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}

	a.cancel()
	close(a.quit)
	a.wg.Wait()

	a.cfg.Ticker.Stop()

	log.Infof("Auto sync stopped")

	return nil
}

// Errors delivers the failures of passes that were not retried or ran out
// of retries. Failures are dropped while the buffer is full.
func (a *AutoSync) Errors() <-chan error {
	return a.errs
}

func (a *AutoSync) loop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-a.cfg.Ticker.Ticks():
			a.syncOnce(ctx)

		case <-a.quit:
			return
		}
	}
}

// syncOnce runs a pass, retrying transient backend failures.
func (a *AutoSync) syncOnce(ctx context.Context) {
	var report *SyncReport
	op := func() error {
		var err error
		report, err = a.cfg.Syncer.Sync(ctx)
		switch {
		case err == nil:
			return nil

		case chain.IsRetryable(err):
			return err

		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		log.Warnf("Sync failed, retrying in %v: %v", wait, err)
	}

	err := backoff.RetryNotify(
		op, backoff.WithContext(a.cfg.NewBackOff(), ctx), notify,
	)
	switch {
	case err == nil:
		if a.cfg.OnSync != nil {
			a.cfg.OnSync(report)
		}

	case errors.Is(err, context.Canceled):
		return

	default:
		if errors.Is(err, ErrReorgBeyondHorizon) {
			log.Errorf("Auto sync needs a full rescan: %v", err)
		} else {
			log.Errorf("Auto sync pass failed: %v", err)
		}

		select {
		case a.errs <- err:
		default:
		}
	}
}
