// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/descwallet/chain"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeTicker fires only when the test sends on ticks.
type fakeTicker struct {
	ticks chan time.Time

	mtx     sync.Mutex
	stopped bool
}

var _ ticker.Ticker = (*fakeTicker)(nil)

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ticks: make(chan time.Time)}
}

func (f *fakeTicker) Ticks() <-chan time.Time {
	return f.ticks
}

func (f *fakeTicker) Resume() {}

func (f *fakeTicker) Pause() {}

func (f *fakeTicker) Stop() {
	f.mtx.Lock()
	f.stopped = true
	f.mtx.Unlock()
}

func (f *fakeTicker) tick(t *testing.T) {
	t.Helper()

	select {
	case f.ticks <- time.Now():
	case <-time.After(testTimeout):
		t.Fatal("sync loop did not take the tick")
	}
}

// fakeSyncer fails with the queued errors, then succeeds.
type fakeSyncer struct {
	mtx   sync.Mutex
	errs  []error
	calls int
}

func (f *fakeSyncer) Sync(context.Context) (*SyncReport, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]

		return nil, err
	}

	return &SyncReport{NewTxs: f.calls}, nil
}

func (f *fakeSyncer) callCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.calls
}

func transientErr() error {
	return &chain.BackendError{
		Backend: fakeBackend,
		Op:      "status",
		Err:     errors.New("connection refused"),
	}
}

func newTestAutoSync(syncer Syncer, tick *fakeTicker,
	onSync func(*SyncReport)) *AutoSync {

	return NewAutoSync(AutoSyncConfig{
		Syncer: syncer,
		Ticker: tick,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		},
		OnSync: onSync,
	})
}

// TestAutoSyncRetriesTransientFailures checks that backend failures are
// retried within one tick.
func TestAutoSyncRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{errs: []error{transientErr(), transientErr()}}
	tick := newFakeTicker()

	reports := make(chan *SyncReport, 1)
	a := newTestAutoSync(syncer, tick, func(r *SyncReport) {
		reports <- r
	})
	require.NoError(t, a.Start())
	defer a.Stop()

	tick.tick(t)

	select {
	case r := <-reports:
		require.Equal(t, 3, r.NewTxs)
	case <-time.After(testTimeout):
		t.Fatal("no successful pass")
	}
	require.Equal(t, 3, syncer.callCount())
}

// TestAutoSyncReportsFailures checks that failures that cannot be retried,
// or keep failing, are delivered on Errors.
func TestAutoSyncReportsFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		errs  []error
		calls int
		want  error
	}{
		{
			name:  "reorg beyond horizon",
			errs:  []error{ErrReorgBeyondHorizon},
			calls: 1,
			want:  ErrReorgBeyondHorizon,
		},
		{
			name: "retries exhausted",
			errs: []error{
				transientErr(), transientErr(),
				transientErr(), transientErr(),
			},
			calls: 3,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			syncer := &fakeSyncer{errs: test.errs}
			tick := newFakeTicker()
			a := newTestAutoSync(syncer, tick, nil)
			require.NoError(t, a.Start())
			defer a.Stop()

			tick.tick(t)

			select {
			case err := <-a.Errors():
				if test.want != nil {
					require.ErrorIs(t, err, test.want)
				} else {
					require.True(t, chain.IsRetryable(err))
				}
			case <-time.After(testTimeout):
				t.Fatal("failure not reported")
			}
			require.Equal(t, test.calls, syncer.callCount())
		})
	}
}

// TestAutoSyncStartStop checks the lifecycle of an AutoSync.
func TestAutoSyncStartStop(t *testing.T) {
	t.Parallel()

	tick := newFakeTicker()
	a := newTestAutoSync(&fakeSyncer{}, tick, nil)

	// Stopping before start is a no-op.
	require.NoError(t, a.Stop())

	require.NoError(t, a.Start())
	require.ErrorIs(t, a.Start(), ErrAutoSyncStarted)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())

	tick.mtx.Lock()
	require.True(t, tick.stopped)
	tick.mtx.Unlock()
}

// TestAutoSyncWallet drives a real wallet from ticks.
func TestAutoSyncWallet(t *testing.T) {
	t.Parallel()

	c := newFakeChain(100)
	w := newTestWallet(t, c, 0)

	tick := newFakeTicker()
	reports := make(chan *SyncReport, 1)
	a := w.NewAutoSync(AutoSyncConfig{
		Ticker: tick,
		OnSync: func(r *SyncReport) {
			reports <- r
		},
	})
	require.NoError(t, a.Start())
	defer a.Stop()

	tick.tick(t)

	select {
	case r := <-reports:
		require.Equal(t, uint32(100), r.Tip.Height)
	case <-time.After(testTimeout):
		t.Fatal("no successful pass")
	}
}
