package ledger

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Batch is an ordered set of ledger mutations applied atomically by
// Ledger.Commit. Building a batch has no effect on the ledger.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	name  string
	apply func(*applier) error
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of queued mutations.
func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) add(name string, f func(*applier) error) {
	b.ops = append(b.ops, batchOp{name: name, apply: f})
}

// InvalidateFrom demotes every transaction confirmed at or above height to
// StatusInvalidated, clears the heights of the outputs they created and pops
// the checkpoints at or above height.
func (b *Batch) InvalidateFrom(height uint32) {
	b.add(fmt.Sprintf("invalidate(%d)", height), func(a *applier) error {
		a.invalidateFrom(height)
		return nil
	})
}

// ClearCheckpoints removes the whole checkpoint stack.
func (b *Batch) ClearCheckpoints() {
	b.add("clear-checkpoints", func(a *applier) error {
		a.s.checkpoints = nil
		a.checkpointsDirty = true
		return nil
	})
}

// PutTx inserts or replaces a transaction record. If rec.Tx is nil the stored
// transaction of an existing record is kept. The heights of the outputs the
// transaction created follow the record's height.
func (b *Batch) PutTx(rec TxRecord) {
	b.add("put-tx "+rec.Txid.String(), func(a *applier) error {
		return a.putTx(rec)
	})
}

// AddUtxo records a wallet output. Adding an output that already exists
// with the same value and script only refreshes its height.
func (b *Batch) AddUtxo(u Utxo) {
	b.add("add-utxo "+u.OutPoint.String(), func(a *applier) error {
		return a.addUtxo(u)
	})
}

// Spend marks op as spent by spender.
func (b *Batch) Spend(op wire.OutPoint, spender chainhash.Hash) {
	b.add("spend "+op.String(), func(a *applier) error {
		return a.spend(op, spender)
	})
}

// PurgeTx removes a transaction, the outputs it created and every
// transaction spending those outputs. Outputs it spent become unspent again.
func (b *Batch) PurgeTx(txid chainhash.Hash) {
	b.add("purge "+txid.String(), func(a *applier) error {
		a.purge(txid)
		return nil
	})
}

// PushCheckpoint records a checkpoint, replacing one at the same height.
func (b *Batch) PushCheckpoint(cp Checkpoint) {
	b.add("checkpoint "+cp.String(), func(a *applier) error {
		a.pushCheckpoint(cp)
		return nil
	})
}

// applier applies batch operations to a cloned snapshot and remembers which
// records must be written back.
type applier struct {
	s              *Snapshot
	maxCheckpoints int

	dirtyUtxos       map[wire.OutPoint]struct{}
	dirtyTxs         map[chainhash.Hash]struct{}
	checkpointsDirty bool
}

func newApplier(s *Snapshot, maxCheckpoints int) *applier {
	return &applier{
		s:              s,
		maxCheckpoints: maxCheckpoints,
		dirtyUtxos:     make(map[wire.OutPoint]struct{}),
		dirtyTxs:       make(map[chainhash.Hash]struct{}),
	}
}

func (a *applier) setUtxo(u Utxo) {
	a.s.utxos[u.OutPoint] = u
	a.dirtyUtxos[u.OutPoint] = struct{}{}
}

func (a *applier) setTx(r TxRecord) {
	a.s.txs[r.Txid] = r
	a.dirtyTxs[r.Txid] = struct{}{}
}

func (a *applier) invalidateFrom(height uint32) {
	for txid, rec := range a.s.txs {
		h, ok := rec.Height.UnwrapOr(0), rec.Height.IsSome()
		if !ok || h < height {
			continue
		}

		rec.Status = StatusInvalidated
		rec.Height = fn.None[uint32]()
		rec.Timestamp = fn.None[uint64]()
		a.setTx(rec)
		a.followTxHeight(txid, rec)
	}

	kept := a.s.checkpoints[:0:0]
	for _, cp := range a.s.checkpoints {
		if cp.Height < height {
			kept = append(kept, cp)
		}
	}
	if len(kept) != len(a.s.checkpoints) {
		a.s.checkpoints = kept
		a.checkpointsDirty = true
	}
}

func (a *applier) putTx(rec TxRecord) error {
	if old, ok := a.s.txs[rec.Txid]; ok && rec.Tx == nil {
		rec.Tx = old.Tx
	}
	if rec.Tx == nil {
		return violationf("transaction %v recorded without body",
			rec.Txid)
	}

	a.setTx(rec)
	a.followTxHeight(rec.Txid, rec)

	return nil
}

// followTxHeight copies the height of a record onto the outputs it created.
func (a *applier) followTxHeight(txid chainhash.Hash, rec TxRecord) {
	for i := range rec.Tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		u, ok := a.s.utxos[op]
		if !ok || u.Height == rec.Height {
			continue
		}

		u.Height = rec.Height
		a.setUtxo(u)
	}
}

func (a *applier) addUtxo(u Utxo) error {
	old, ok := a.s.utxos[u.OutPoint]
	if !ok {
		a.setUtxo(u)
		a.s.scripts[string(u.PkScript)]++

		return nil
	}

	if old.Value != u.Value || string(old.PkScript) != string(u.PkScript) {
		return violationf("outpoint %v already recorded with value %v",
			u.OutPoint, old.Value)
	}

	if old.Height != u.Height {
		old.Height = u.Height
		a.setUtxo(old)
	}

	return nil
}

func (a *applier) spend(op wire.OutPoint, spender chainhash.Hash) error {
	u, ok := a.s.utxos[op]
	if !ok {
		return violationf("spend of unknown outpoint %v", op)
	}

	if u.SpentBy.IsSome() {
		current := u.SpentBy.UnwrapOr(chainhash.Hash{})
		if current == spender {
			return nil
		}

		return violationf("outpoint %v spent by both %v and %v", op,
			current, spender)
	}

	u.SpentBy = fn.Some(spender)
	a.setUtxo(u)

	return nil
}

func (a *applier) purge(txid chainhash.Hash) {
	rec, ok := a.s.txs[txid]
	if !ok {
		return
	}

	delete(a.s.txs, txid)
	a.dirtyTxs[txid] = struct{}{}

	for i := range rec.Tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		u, ok := a.s.utxos[op]
		if !ok {
			continue
		}

		u.SpentBy.WhenSome(func(spender chainhash.Hash) {
			log.Debugf("Purging %v as descendant of %v", spender,
				txid)
			a.purge(spender)
		})

		delete(a.s.utxos, op)
		a.dirtyUtxos[op] = struct{}{}

		key := string(u.PkScript)
		if a.s.scripts[key]--; a.s.scripts[key] <= 0 {
			delete(a.s.scripts, key)
		}
	}

	for _, in := range rec.Tx.TxIn {
		u, ok := a.s.utxos[in.PreviousOutPoint]
		if !ok || u.SpentBy != fn.Some(txid) {
			continue
		}

		u.SpentBy = fn.None[chainhash.Hash]()
		a.setUtxo(u)
	}
}

func (a *applier) pushCheckpoint(cp Checkpoint) {
	cps := a.s.checkpoints
	i := sort.Search(len(cps), func(i int) bool {
		return cps[i].Height >= cp.Height
	})

	switch {
	case i < len(cps) && cps[i].Height == cp.Height:
		if cps[i].Hash == cp.Hash {
			return
		}
		cps[i] = cp

	default:
		cps = append(cps, Checkpoint{})
		copy(cps[i+1:], cps[i:])
		cps[i] = cp
	}

	// Only the highest checkpoints are kept.
	if len(cps) > a.maxCheckpoints {
		cps = cps[len(cps)-a.maxCheckpoints:]
	}

	a.s.checkpoints = cps
	a.checkpointsDirty = true
}
