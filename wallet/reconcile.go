// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// syncView is a mutable copy of a ledger snapshot that tracks what a batch
// does to it, so later phases of a pass can reason about the state the
// batch will produce.
type syncView struct {
	txs         map[chainhash.Hash]ledger.TxRecord
	utxos       map[wire.OutPoint]ledger.Utxo
	checkpoints []ledger.Checkpoint
}

func newSyncView(snap *ledger.Snapshot) *syncView {
	v := &syncView{
		txs:         make(map[chainhash.Hash]ledger.TxRecord),
		utxos:       make(map[wire.OutPoint]ledger.Utxo),
		checkpoints: snap.Checkpoints(),
	}
	for _, rec := range snap.Txs() {
		v.txs[rec.Txid] = rec
	}
	for _, u := range snap.Utxos() {
		v.utxos[u.OutPoint] = u
	}

	return v
}

// invalidateFrom mirrors ledger.Batch.InvalidateFrom.
func (v *syncView) invalidateFrom(height uint32) {
	for txid, rec := range v.txs {
		if rec.Height.IsNone() || rec.Height.UnwrapOr(0) < height {
			continue
		}

		rec.Status = ledger.StatusInvalidated
		rec.Height = fn.None[uint32]()
		rec.Timestamp = fn.None[uint64]()
		v.txs[txid] = rec

		for i := range rec.Tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if u, ok := v.utxos[op]; ok {
				u.Height = rec.Height
				v.utxos[op] = u
			}
		}
	}

	v.checkpoints = slices.DeleteFunc(v.checkpoints,
		func(cp ledger.Checkpoint) bool {
			return cp.Height >= height
		},
	)
}

// tip returns the highest remaining checkpoint.
func (v *syncView) tip() fn.Option[ledger.Checkpoint] {
	if len(v.checkpoints) == 0 {
		return fn.None[ledger.Checkpoint]()
	}

	return fn.Some(v.checkpoints[len(v.checkpoints)-1])
}

// candidate is a transaction that may end up in the ledger after the pass,
// with the record it should be stored as.
type candidate struct {
	rec ledger.TxRecord

	// existing is set for transactions already in the ledger.
	existing bool

	// observed is set for transactions the backend reported this pass.
	observed bool
}

// confirmed reports whether the backend places c in a block this pass. A
// stored confirmed transaction the backend stopped reporting only keeps its
// record until a confirmed conflict shows up.
func (c *candidate) confirmed() bool {
	return c.observed && c.rec.Status == ledger.StatusConfirmed
}

// rank orders conflicting candidates: confirmed beats observed beats
// transactions only the ledger remembers.
func (c *candidate) rank() int {
	switch {
	case c.confirmed():
		return 2
	case c.observed:
		return 1
	default:
		return 0
	}
}

// beats reports whether c wins a conflict against o.
func (c *candidate) beats(o *candidate) bool {
	if c.rank() != o.rank() {
		return c.rank() > o.rank()
	}
	if c.existing != o.existing {
		return c.existing
	}

	return bytes.Compare(c.rec.Txid[:], o.rec.Txid[:]) < 0
}

// reconciler turns the observed history into ledger mutations.
type reconciler struct {
	cfg    *SyncConfig
	view   *syncView
	tip    ledger.Checkpoint
	batch  *ledger.Batch
	report *SyncReport

	cands   map[chainhash.Hash]*candidate
	removed map[chainhash.Hash]struct{}

	// spenders indexes candidates by the outpoints they spend.
	spenders map[wire.OutPoint][]chainhash.Hash

	// utxos is the wallet output set the batch will leave behind.
	utxos map[wire.OutPoint]ledger.Utxo
}

func (r *reconciler) reconcile(ctx context.Context,
	history map[string][]chain.SeenTx) error {

	observed := r.observedHeights(history)

	bodies, err := r.fetchTxs(ctx, observed)
	if err != nil {
		return err
	}

	r.collect(observed, bodies)

	if err := r.resolveConflicts(); err != nil {
		return err
	}

	r.survivingUtxos()
	adds := r.addOutputs()
	spends := r.markSpends()

	puts, err := r.buildRecords(ctx)
	if err != nil {
		return err
	}

	puts, cps, err := r.stamp(ctx, puts)
	if err != nil {
		return err
	}

	for _, txid := range sortedHashes(r.removed) {
		if r.cands[txid].existing {
			r.batch.PurgeTx(txid)
			r.report.PurgedTxs++
		}
	}
	for _, rec := range puts {
		r.batch.PutTx(rec)
	}
	for _, u := range adds {
		r.batch.AddUtxo(u)
	}
	for _, s := range spends {
		r.batch.Spend(s.op, s.spender)
	}
	for _, cp := range cps {
		r.batch.PushCheckpoint(cp)
	}

	return nil
}

// observedHeights merges the script histories into one height per txid.
// Heights above the tip are treated as unconfirmed.
func (r *reconciler) observedHeights(
	history map[string][]chain.SeenTx) map[chainhash.Hash]fn.Option[uint32] {

	observed := make(map[chainhash.Hash]fn.Option[uint32])
	for _, seen := range history {
		for _, s := range seen {
			height := s.Height
			if height.UnwrapOr(0) > r.tip.Height {
				height = fn.None[uint32]()
			}

			prev, ok := observed[s.Txid]
			if !ok || prev.IsNone() {
				observed[s.Txid] = height
			}
		}
	}

	return observed
}

// fetchTxs downloads the observed transactions the ledger does not hold.
func (r *reconciler) fetchTxs(ctx context.Context,
	observed map[chainhash.Hash]fn.Option[uint32]) (
	map[chainhash.Hash]*wire.MsgTx, error) {

	var missing []chainhash.Hash
	for txid := range observed {
		if _, ok := r.view.txs[txid]; !ok {
			missing = append(missing, txid)
		}
	}

	return r.getTransactions(ctx, missing)
}

// getTransactions fetches txids concurrently. Transactions the backend does
// not know are left out of the result.
func (r *reconciler) getTransactions(ctx context.Context,
	txids []chainhash.Hash) (map[chainhash.Hash]*wire.MsgTx, error) {

	var (
		mtx sync.Mutex
		txs = make(map[chainhash.Hash]*wire.MsgTx, len(txids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, txid := range txids {
		g.Go(func() error {
			tx, err := r.cfg.Chain.GetTransaction(gctx, txid)
			switch {
			case errors.Is(err, chain.ErrTxNotFound):
				log.Debugf("Transaction %v vanished from "+
					"backend", txid)
				return nil

			case err != nil:
				return err
			}

			mtx.Lock()
			txs[txid] = tx
			mtx.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return txs, nil
}

// collect builds the candidate set from the ledger and the observations.
func (r *reconciler) collect(observed map[chainhash.Hash]fn.Option[uint32],
	bodies map[chainhash.Hash]*wire.MsgTx) {

	r.cands = make(map[chainhash.Hash]*candidate)

	for txid, rec := range r.view.txs {
		c := &candidate{rec: rec, existing: true}
		if height, ok := observed[txid]; ok {
			c.observed = true
			c.rec.Height = height
			c.rec.Status = statusOf(height)
		}
		r.cands[txid] = c
	}

	for txid, height := range observed {
		if _, ok := r.cands[txid]; ok {
			continue
		}

		tx, ok := bodies[txid]
		if !ok {
			continue
		}

		r.cands[txid] = &candidate{
			rec: ledger.TxRecord{
				Txid:   txid,
				Tx:     tx,
				Height: height,
				Status: statusOf(height),
			},
			observed: true,
		}
	}

	r.spenders = make(map[wire.OutPoint][]chainhash.Hash)
	for _, txid := range sortedHashes(r.cands) {
		for _, in := range r.cands[txid].rec.Tx.TxIn {
			op := in.PreviousOutPoint
			r.spenders[op] = append(r.spenders[op], txid)
		}
	}
}

func statusOf(height fn.Option[uint32]) ledger.TxStatus {
	if height.IsSome() {
		return ledger.StatusConfirmed
	}

	return ledger.StatusPending
}

// resolveConflicts decides which candidates are dropped: transactions whose
// block was disconnected and that were not seen again, the losers of double
// spends, and everything descending from either.
func (r *reconciler) resolveConflicts() error {
	r.removed = make(map[chainhash.Hash]struct{})

	for txid, c := range r.cands {
		if c.existing && !c.observed &&
			c.rec.Status == ledger.StatusInvalidated {

			log.Debugf("Dropping %v, not seen since its block was "+
				"disconnected", txid)
			r.removed[txid] = struct{}{}
		}
	}
	r.removeDescendants()

	ops := slices.SortedFunc(maps.Keys(r.spenders),
		func(a, b wire.OutPoint) int {
			if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
				return c
			}
			return cmp.Compare(a.Index, b.Index)
		},
	)

	for _, op := range ops {
		var live []*candidate
		for _, txid := range r.spenders[op] {
			if _, ok := r.removed[txid]; !ok {
				live = append(live, r.cands[txid])
			}
		}
		if len(live) < 2 {
			continue
		}

		winner := live[0]
		for _, c := range live[1:] {
			if c.beats(winner) {
				winner = c
			}
		}

		for _, c := range live {
			if c == winner {
				continue
			}

			if c.confirmed() {
				return &chain.BackendError{
					Backend: r.cfg.Chain.BackEnd(),
					Op:      "reconcile",
					Err: fmt.Errorf("confirmed "+
						"transactions %v and %v both "+
						"spend %v", winner.rec.Txid,
						c.rec.Txid, op),
				}
			}

			log.Infof("Transaction %v is double spent by %v",
				c.rec.Txid, winner.rec.Txid)
			r.removed[c.rec.Txid] = struct{}{}
		}
	}
	r.removeDescendants()

	return nil
}

// removeDescendants extends the removed set to every candidate spending an
// output of a removed one.
func (r *reconciler) removeDescendants() {
	queue := slices.Collect(maps.Keys(r.removed))
	for len(queue) > 0 {
		txid := queue[0]
		queue = queue[1:]

		for i := range r.cands[txid].rec.Tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			for _, spender := range r.spenders[op] {
				if _, ok := r.removed[spender]; ok {
					continue
				}

				r.removed[spender] = struct{}{}
				queue = append(queue, spender)
			}
		}
	}
}

// surviving returns the candidates that stay, ordered by txid.
func (r *reconciler) surviving() []*candidate {
	var out []*candidate
	for _, txid := range sortedHashes(r.cands) {
		if _, ok := r.removed[txid]; !ok {
			out = append(out, r.cands[txid])
		}
	}

	return out
}

// survivingUtxos computes the wallet outputs left once the removed
// transactions are purged.
func (r *reconciler) survivingUtxos() {
	r.utxos = make(map[wire.OutPoint]ledger.Utxo, len(r.view.utxos))
	for op, u := range r.view.utxos {
		if _, ok := r.removed[op.Hash]; ok {
			continue
		}

		u.SpentBy.WhenSome(func(spender chainhash.Hash) {
			if _, ok := r.removed[spender]; ok {
				u.SpentBy = fn.None[chainhash.Hash]()
			}
		})
		if c, ok := r.cands[op.Hash]; ok {
			u.Height = c.rec.Height
		}
		r.utxos[op] = u
	}
}

// addOutputs records every output of a surviving candidate that pays a
// tracked script and is not known yet.
func (r *reconciler) addOutputs() []ledger.Utxo {
	var adds []ledger.Utxo
	for _, c := range r.surviving() {
		for i, out := range c.rec.Tx.TxOut {
			op := wire.OutPoint{Hash: c.rec.Txid, Index: uint32(i)}
			if _, ok := r.utxos[op]; ok {
				continue
			}

			ts, ok := r.cfg.Tracker.Lookup(out.PkScript)
			if !ok {
				continue
			}

			u := ledger.Utxo{
				OutPoint: op,
				Value:    btcutil.Amount(out.Value),
				PkScript: out.PkScript,
				Script:   scriptRef(ts),
				Height:   c.rec.Height,
			}
			r.utxos[op] = u
			adds = append(adds, u)
		}
	}

	return adds
}

type spend struct {
	op      wire.OutPoint
	spender chainhash.Hash
}

// markSpends marks the wallet outputs spent by surviving candidates. It
// runs after addOutputs so spends of outputs created in the same pass are
// found.
func (r *reconciler) markSpends() []spend {
	var spends []spend
	for _, c := range r.surviving() {
		txid := c.rec.Txid
		for _, in := range c.rec.Tx.TxIn {
			op := in.PreviousOutPoint

			u, ok := r.utxos[op]
			if !ok || u.SpentBy == fn.Some(txid) {
				continue
			}

			u.SpentBy = fn.Some(txid)
			r.utxos[op] = u
			spends = append(spends, spend{op: op, spender: txid})
		}
	}

	return spends
}

// buildRecords computes the final record of every surviving candidate and
// returns the ones that differ from the ledger.
func (r *reconciler) buildRecords(
	ctx context.Context) ([]ledger.TxRecord, error) {

	var (
		recs    []ledger.TxRecord
		parents []chainhash.Hash
	)
	for _, c := range r.surviving() {
		rec := c.rec
		rec.Received, rec.Sent = r.amounts(rec.Tx)

		if rec.Height.IsNone() {
			rec.Timestamp = fn.None[uint64]()
		} else if old, ok := r.view.txs[rec.Txid]; ok &&
			old.Height != rec.Height {

			rec.Timestamp = fn.None[uint64]()
		}

		if rec.Fee.IsNone() {
			parents = append(parents, r.missingParents(rec.Tx)...)
		}
		recs = append(recs, rec)
	}

	// Parents that pay nothing to the wallet are only needed for the
	// fee.
	fetched, err := r.getTransactions(ctx, dedupHashes(parents))
	if err != nil {
		return nil, err
	}

	for i := range recs {
		if recs[i].Fee.IsNone() {
			recs[i].Fee = r.fee(recs[i].Tx, fetched)
		}
	}

	return recs, nil
}

// amounts returns the value paid to and spent from the wallet by tx.
func (r *reconciler) amounts(tx *wire.MsgTx) (btcutil.Amount,
	btcutil.Amount) {

	var received, sent btcutil.Amount
	for _, out := range tx.TxOut {
		if r.cfg.Tracker.IsTracked(out.PkScript) {
			received += btcutil.Amount(out.Value)
		}
	}
	for _, in := range tx.TxIn {
		if u, ok := r.utxos[in.PreviousOutPoint]; ok {
			sent += u.Value
		}
	}

	return received, sent
}

// prevOut finds the output spent by an input among the wallet outputs, the
// candidates and the fetched parents.
func (r *reconciler) prevOut(op wire.OutPoint,
	fetched map[chainhash.Hash]*wire.MsgTx) (*wire.TxOut, bool) {

	if u, ok := r.utxos[op]; ok {
		return wire.NewTxOut(int64(u.Value), u.PkScript), true
	}

	var parent *wire.MsgTx
	if c, ok := r.cands[op.Hash]; ok {
		parent = c.rec.Tx
	} else if tx, ok := fetched[op.Hash]; ok {
		parent = tx
	}
	if parent == nil || int(op.Index) >= len(parent.TxOut) {
		return nil, false
	}

	return parent.TxOut[op.Index], true
}

func (r *reconciler) missingParents(tx *wire.MsgTx) []chainhash.Hash {
	if blockchain.IsCoinBaseTx(tx) {
		return nil
	}

	var missing []chainhash.Hash
	for _, in := range tx.TxIn {
		if _, ok := r.prevOut(in.PreviousOutPoint, nil); !ok {
			missing = append(missing, in.PreviousOutPoint.Hash)
		}
	}

	return missing
}

// fee returns the fee of tx if every spent output is known.
func (r *reconciler) fee(tx *wire.MsgTx,
	fetched map[chainhash.Hash]*wire.MsgTx) fn.Option[btcutil.Amount] {

	if blockchain.IsCoinBaseTx(tx) {
		return fn.None[btcutil.Amount]()
	}

	var in, out btcutil.Amount
	for _, txIn := range tx.TxIn {
		prev, ok := r.prevOut(txIn.PreviousOutPoint, fetched)
		if !ok {
			return fn.None[btcutil.Amount]()
		}
		in += btcutil.Amount(prev.Value)
	}
	for _, txOut := range tx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}

	return fn.Some(in - out)
}

// stamp fetches the headers of the confirmed records lacking a timestamp and
// the recent headers up to the tip. It returns the records that differ from
// the ledger, completed with their block time, and the checkpoints to push.
func (r *reconciler) stamp(ctx context.Context,
	recs []ledger.TxRecord) ([]ledger.TxRecord, []ledger.Checkpoint,
	error) {

	var heights []uint32
	for _, rec := range recs {
		if rec.Height.IsSome() && rec.Timestamp.IsNone() {
			heights = append(heights, rec.Height.UnwrapOr(0))
		}
	}
	slices.Sort(heights)
	heights = slices.Compact(heights)

	headers := make(map[uint32]*chain.BlockHeader, len(heights))
	var mtx sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, height := range heights {
		g.Go(func() error {
			header, err := r.cfg.Chain.BlockHeader(gctx, height)
			if err != nil {
				return err
			}

			mtx.Lock()
			headers[height] = header
			mtx.Unlock()

			return nil
		})
	}

	var recent []chain.BlockHeader
	if from, ok := r.recentFrom(); ok {
		g.Go(func() error {
			var err error
			recent, err = r.cfg.Chain.HeadersSince(gctx, from)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	cps := []ledger.Checkpoint{r.tip}
	for _, h := range recent {
		if h.Height < r.tip.Height {
			cps = append(cps, h.Checkpoint())
		}
	}
	for _, h := range headers {
		cps = append(cps, h.Checkpoint())
	}
	slices.SortFunc(cps, func(a, b ledger.Checkpoint) int {
		return cmp.Compare(a.Height, b.Height)
	})

	var changed []ledger.TxRecord
	for _, rec := range recs {
		if rec.Height.IsSome() && rec.Timestamp.IsNone() {
			header := headers[rec.Height.UnwrapOr(0)]
			rec.Timestamp = fn.Some(
				uint64(header.Header.Timestamp.Unix()),
			)
		}

		old, ok := r.view.txs[rec.Txid]
		switch {
		case !ok:
			r.report.NewTxs++

		case recordChanged(old, rec):
			r.report.UpdatedTxs++

		default:
			continue
		}
		changed = append(changed, rec)
	}

	return changed, cps, nil
}

// recentFrom returns the first height above the stored checkpoints that is
// still within the retained window below the tip.
func (r *reconciler) recentFrom() (uint32, bool) {
	window := uint32(r.cfg.MaxCheckpoints)

	var from uint32
	if r.tip.Height+1 > window {
		from = r.tip.Height + 1 - window
	}
	r.view.tip().WhenSome(func(cp ledger.Checkpoint) {
		from = max(from, cp.Height+1)
	})

	return from, from < r.tip.Height
}

func recordChanged(old, rec ledger.TxRecord) bool {
	return old.Status != rec.Status || old.Height != rec.Height ||
		old.Timestamp != rec.Timestamp ||
		old.Received != rec.Received || old.Sent != rec.Sent ||
		old.Fee != rec.Fee
}

func sortedHashes[V any](m map[chainhash.Hash]V) []chainhash.Hash {
	return slices.SortedFunc(maps.Keys(m), func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
}

func dedupHashes(hashes []chainhash.Hash) []chainhash.Hash {
	slices.SortFunc(hashes, func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})

	return slices.Compact(hashes)
}
