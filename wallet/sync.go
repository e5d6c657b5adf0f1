// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/tracker"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultSyncConcurrency is the number of backend requests a sync
	// pass keeps in flight.
	DefaultSyncConcurrency = 8

	// DefaultScriptBatchSize is the number of scripts queried per
	// ScriptsStatus call.
	DefaultScriptBatchSize = 20
)

// SyncState is the phase a SyncEngine is in.
type SyncState uint32

const (
	// SyncIdle means no pass is running.
	SyncIdle SyncState = iota

	// SyncScanningScripts means the engine queries the history of the
	// tracked scripts, extending the horizon as used scripts are found.
	SyncScanningScripts

	// SyncDetectingReorg means the stored checkpoints are compared with
	// the remote chain.
	SyncDetectingReorg

	// SyncReconciling means the observed transactions are fetched and
	// turned into a ledger batch.
	SyncReconciling

	// SyncFailed means the last pass failed without touching the ledger.
	// The next pass starts over from scratch.
	SyncFailed
)

// String returns the name of the state.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncScanningScripts:
		return "scanning-scripts"
	case SyncDetectingReorg:
		return "detecting-reorg"
	case SyncReconciling:
		return "reconciling"
	case SyncFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// SyncConfig holds the dependencies of a SyncEngine.
type SyncConfig struct {
	// Chain is the backend synced against.
	Chain chain.Interface

	// Tracker supplies the scripts to query.
	Tracker *tracker.ScriptTracker

	// Ledger receives the result of each pass.
	Ledger *ledger.Ledger

	// Concurrency bounds the in-flight backend requests.
	Concurrency int

	// ScriptBatchSize is the number of scripts per status query.
	ScriptBatchSize int

	// MaxCheckpoints is the number of recent headers recorded as
	// checkpoints. It should match the ledger's bound.
	MaxCheckpoints int
}

// SyncReport summarizes a successful pass.
type SyncReport struct {
	// Tip is the remote tip the ledger was reconciled against.
	Tip ledger.Checkpoint

	// ReorgHeight is the lowest invalidated height if a reorg was found.
	ReorgHeight fn.Option[uint32]

	// Scripts is the number of scripts queried.
	Scripts int

	// NewTxs counts transactions recorded for the first time.
	NewTxs int

	// UpdatedTxs counts known transactions whose record changed.
	UpdatedTxs int

	// PurgedTxs counts transactions removed from the ledger.
	PurgedTxs int

	// Duration is the wall time of the pass.
	Duration time.Duration
}

// SyncEngine brings the ledger in line with the remote chain. Passes never
// overlap and each one ends in a single ledger commit, so a failed or
// cancelled pass leaves the ledger untouched.
type SyncEngine struct {
	cfg SyncConfig

	// sem admits one pass at a time. Broadcast recording takes it too.
	sem *semaphore.Weighted

	state atomic.Uint32
}

// NewSyncEngine creates a SyncEngine.
func NewSyncEngine(cfg SyncConfig) *SyncEngine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSyncConcurrency
	}
	if cfg.ScriptBatchSize <= 0 {
		cfg.ScriptBatchSize = DefaultScriptBatchSize
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = ledger.DefaultMaxCheckpoints
	}

	return &SyncEngine{
		cfg: cfg,
		sem: semaphore.NewWeighted(1),
	}
}

// State returns the current phase.
func (e *SyncEngine) State() SyncState {
	return SyncState(e.state.Load())
}

func (e *SyncEngine) setState(s SyncState) {
	old := SyncState(e.state.Swap(uint32(s)))
	if old != s {
		log.Tracef("Sync state %v -> %v", old, s)
	}
}

// Sync runs one pass, waiting for a running pass to finish first.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncReport, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	return e.run(ctx, false)
}

// TrySync runs one pass, or returns ErrSyncInProgress if one is running.
func (e *SyncEngine) TrySync(ctx context.Context) (*SyncReport, error) {
	if !e.sem.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	defer e.sem.Release(1)

	return e.run(ctx, false)
}

// FullRescan discards every checkpoint, treats all confirmed transactions
// as unverified and syncs from scratch. Transactions the backend no longer
// reports are dropped. It is the way out of ErrReorgBeyondHorizon.
func (e *SyncEngine) FullRescan(ctx context.Context) (*SyncReport, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	log.Infof("Starting full rescan against %v backend",
		e.cfg.Chain.BackEnd())

	return e.run(ctx, true)
}

func (e *SyncEngine) run(ctx context.Context, rescan bool) (*SyncReport,
	error) {

	start := time.Now()

	report, err := e.pass(ctx, rescan)
	if err != nil {
		e.setState(SyncFailed)

		var violation *ledger.InvariantViolation
		if errors.As(err, &violation) {
			log.Criticalf("Sync pass broke a ledger invariant: %v",
				err)
		} else {
			log.Warnf("Sync pass failed: %v", err)
		}

		return nil, err
	}

	report.Duration = time.Since(start)
	e.setState(SyncIdle)

	log.Infof("Synced to %v in %v: %d new, %d updated, %d purged %s",
		report.Tip, report.Duration.Round(time.Millisecond),
		report.NewTxs, report.UpdatedTxs, report.PurgedTxs,
		pickNoun(report.PurgedTxs, "transaction", "transactions"))

	return report, nil
}

// pass runs the three phases and commits the result.
func (e *SyncEngine) pass(ctx context.Context, rescan bool) (*SyncReport,
	error) {

	snap := e.cfg.Ledger.Snapshot()
	view := newSyncView(snap)
	batch := ledger.NewBatch()
	report := &SyncReport{}

	if rescan {
		batch.InvalidateFrom(0)
		batch.ClearCheckpoints()
		view.invalidateFrom(0)
	}

	e.setState(SyncScanningScripts)
	history, err := e.scanScripts(ctx, snap)
	if err != nil {
		return nil, err
	}
	report.Scripts = len(history)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.setState(SyncDetectingReorg)
	tip, err := e.cfg.Chain.Tip(ctx)
	if err != nil {
		return nil, err
	}
	report.Tip = tip

	reorg, err := e.detectReorg(ctx, tip, view.checkpoints)
	if err != nil {
		return nil, err
	}
	reorg.WhenSome(func(height uint32) {
		batch.InvalidateFrom(height)
		view.invalidateFrom(height)
	})
	report.ReorgHeight = reorg

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.setState(SyncReconciling)
	r := &reconciler{
		cfg:    &e.cfg,
		view:   view,
		tip:    tip,
		batch:  batch,
		report: report,
	}
	if err := r.reconcile(ctx, history); err != nil {
		return nil, err
	}

	// Nothing has been written so far, a cancelled pass ends here.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.cfg.Ledger.Commit(batch); err != nil {
		return nil, err
	}

	return report, nil
}

// scanScripts queries the history of every tracked script. Whenever a
// script with history pushes the used index of its chain up, the horizon is
// extended and the new scripts are queried as well.
func (e *SyncEngine) scanScripts(ctx context.Context,
	snap *ledger.Snapshot) (map[string][]chain.SeenTx, error) {

	history := make(map[string][]chain.SeenTx)

	for round := 0; ; round++ {
		for _, ch := range descriptor.Chains {
			desc, err := e.cfg.Tracker.Descriptor(ch)
			if err != nil {
				return nil, err
			}

			used := maxIndex(
				snap.UsedMax(desc.ID(), ch),
				e.usedInHistory(history, ch),
			)
			_, err = e.cfg.Tracker.EnsureHorizon(ch, used)
			if err != nil {
				return nil, err
			}
		}

		var fresh [][]byte
		for _, ts := range e.cfg.Tracker.Scripts() {
			key := chain.ScriptKey(ts.PkScript)
			if _, ok := history[key]; !ok {
				fresh = append(fresh, ts.PkScript)
			}
		}
		if len(fresh) == 0 {
			return history, nil
		}

		log.Debugf("Querying %d %s (round %d)", len(fresh),
			pickNoun(len(fresh), "script", "scripts"), round)

		status, err := e.queryScripts(ctx, fresh)
		if err != nil {
			return nil, err
		}
		for _, script := range fresh {
			key := chain.ScriptKey(script)
			history[key] = status[key]
		}
	}
}

// queryScripts asks the backend for the history of scripts in concurrent
// batches.
func (e *SyncEngine) queryScripts(ctx context.Context,
	scripts [][]byte) (map[string][]chain.SeenTx, error) {

	var (
		mtx    sync.Mutex
		result = make(map[string][]chain.SeenTx, len(scripts))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for batch := range slices.Chunk(scripts, e.cfg.ScriptBatchSize) {
		g.Go(func() error {
			status, err := e.cfg.Chain.ScriptsStatus(gctx, batch)
			if err != nil {
				return err
			}

			mtx.Lock()
			defer mtx.Unlock()

			for _, script := range batch {
				key := chain.ScriptKey(script)
				result[key] = status[key]
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// usedInHistory returns the highest index of chain with a non-empty
// history.
func (e *SyncEngine) usedInHistory(history map[string][]chain.SeenTx,
	ch descriptor.Chain) fn.Option[uint32] {

	used := fn.None[uint32]()
	for key, seen := range history {
		if len(seen) == 0 {
			continue
		}

		ts, ok := e.cfg.Tracker.Lookup([]byte(key))
		if !ok || ts.Chain != ch {
			continue
		}
		used = maxIndex(used, fn.Some(ts.Index))
	}

	return used
}

func maxIndex(a, b fn.Option[uint32]) fn.Option[uint32] {
	if a.IsNone() {
		return b
	}
	if b.IsNone() {
		return a
	}

	return fn.Some(max(a.UnwrapOr(0), b.UnwrapOr(0)))
}

// detectReorg compares the stored checkpoints with the remote chain and
// returns the height from which the ledger must be invalidated.
func (e *SyncEngine) detectReorg(ctx context.Context, tip ledger.Checkpoint,
	cps []ledger.Checkpoint) (fn.Option[uint32], error) {

	if len(cps) == 0 {
		return fn.None[uint32](), nil
	}

	// The remote hash at the stored tip commits to everything below it,
	// so a match there settles the question.
	top := cps[len(cps)-1]
	if top.Height <= tip.Height {
		hash, err := e.remoteHash(ctx, tip, top.Height)
		if err != nil {
			return fn.None[uint32](), err
		}
		if hash == top.Hash {
			return fn.None[uint32](), nil
		}
	}

	diverged := make([]bool, len(cps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, cp := range cps {
		if cp.Height > tip.Height {
			diverged[i] = true
			continue
		}

		g.Go(func() error {
			hash, err := e.remoteHash(gctx, tip, cp.Height)
			if err != nil {
				return err
			}
			diverged[i] = hash != cp.Hash

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fn.None[uint32](), err
	}

	lowest := slices.Index(diverged, true)
	switch {
	case lowest < 0:
		// The stored tip differed but no checkpoint does, which
		// happens when the remote chain moved between requests.
		return fn.None[uint32](), nil

	case lowest == 0:
		return fn.None[uint32](), fmt.Errorf("%w: checkpoint %v not "+
			"in remote chain with tip %v", ErrReorgBeyondHorizon,
			cps[0], tip)
	}

	// Blocks between the last matching checkpoint and the first
	// diverging one are unverified, so invalidation starts right above
	// the match.
	height := cps[lowest-1].Height + 1

	log.Warnf("Chain reorganization detected: checkpoint %v replaced, "+
		"invalidating from height %d", cps[lowest], height)

	return fn.Some(height), nil
}

// remoteHash returns the hash of the remote block at height.
func (e *SyncEngine) remoteHash(ctx context.Context, tip ledger.Checkpoint,
	height uint32) (chainhash.Hash, error) {

	if height == tip.Height {
		return tip.Hash, nil
	}

	header, err := e.cfg.Chain.BlockHeader(ctx, height)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return header.Hash, nil
}

// RecordBroadcast records tx as pending. Wallet outputs it spends are
// marked spent and outputs paying tracked scripts are added. A pending
// transaction spending the same outputs is replaced, a confirmed one makes
// the call fail with ErrDoubleSpend.
func (e *SyncEngine) RecordBroadcast(ctx context.Context,
	tx *wire.MsgTx) error {

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	snap := e.cfg.Ledger.Snapshot()
	txid := tx.TxHash()

	if existing, ok := snap.Tx(txid); ok &&
		existing.Status == ledger.StatusConfirmed {

		log.Debugf("Broadcast tx %v already confirmed", txid)
		return nil
	}

	var replaced []chainhash.Hash
	for _, in := range tx.TxIn {
		u, ok := snap.Utxo(in.PreviousOutPoint)
		if !ok {
			continue
		}

		spender, spent := u.SpentBy.UnwrapOr(chainhash.Hash{}),
			u.SpentBy.IsSome()
		if !spent || spender == txid ||
			slices.Contains(replaced, spender) {

			continue
		}

		rec, _ := snap.Tx(spender)
		if rec.Status == ledger.StatusConfirmed {
			return fmt.Errorf("%w: %v spent by %v",
				ErrDoubleSpend, in.PreviousOutPoint, spender)
		}

		log.Infof("Transaction %v replaces %v", txid, spender)
		replaced = append(replaced, spender)
	}

	rec := ledger.TxRecord{
		Txid:   txid,
		Tx:     tx,
		Status: ledger.StatusPending,
	}

	var (
		spends     []wire.OutPoint
		outputs    []ledger.Utxo
		inputTotal btcutil.Amount
		feeKnown   = true
	)
	for _, in := range tx.TxIn {
		u, ok := snap.Utxo(in.PreviousOutPoint)
		if !ok {
			feeKnown = false
			continue
		}

		rec.Sent += u.Value
		inputTotal += u.Value
		spends = append(spends, in.PreviousOutPoint)
	}

	var outputTotal btcutil.Amount
	for i, out := range tx.TxOut {
		outputTotal += btcutil.Amount(out.Value)

		ts, ok := e.cfg.Tracker.Lookup(out.PkScript)
		if !ok {
			continue
		}

		rec.Received += btcutil.Amount(out.Value)
		outputs = append(outputs, ledger.Utxo{
			OutPoint: wire.OutPoint{Hash: txid, Index: uint32(i)},
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
			Script:   scriptRef(ts),
		})
	}
	if feeKnown {
		rec.Fee = fn.Some(inputTotal - outputTotal)
	}

	// Replaced spenders are purged first so their outputs are free again.
	batch := ledger.NewBatch()
	for _, spender := range replaced {
		batch.PurgeTx(spender)
	}
	batch.PutTx(rec)
	for _, u := range outputs {
		batch.AddUtxo(u)
	}
	for _, op := range spends {
		batch.Spend(op, txid)
	}

	return e.cfg.Ledger.Commit(batch)
}

func scriptRef(ts tracker.TrackedScript) ledger.ScriptRef {
	return ledger.ScriptRef{
		Descriptor: ts.Descriptor,
		Chain:      ts.Chain,
		Index:      ts.Index,
	}
}
