package ledger

import (
	"bytes"
	"maps"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Snapshot is an immutable view of the ledger. Commits never modify a
// snapshot that has been handed out, so it is safe to read from concurrently
// with a sync.
type Snapshot struct {
	utxos map[wire.OutPoint]Utxo
	txs   map[chainhash.Hash]TxRecord

	// checkpoints is sorted by ascending height.
	checkpoints []Checkpoint

	// scripts counts the outputs paying to each script.
	scripts map[string]int
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		utxos:   make(map[wire.OutPoint]Utxo),
		txs:     make(map[chainhash.Hash]TxRecord),
		scripts: make(map[string]int),
	}
}

// clone returns a copy whose maps can be modified without affecting s.
func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		utxos:       maps.Clone(s.utxos),
		txs:         maps.Clone(s.txs),
		checkpoints: append([]Checkpoint(nil), s.checkpoints...),
		scripts:     maps.Clone(s.scripts),
	}
}

// Utxo returns the output at op.
func (s *Snapshot) Utxo(op wire.OutPoint) (Utxo, bool) {
	u, ok := s.utxos[op]
	return u, ok
}

// Utxos returns all outputs, spent ones included, ordered by outpoint.
func (s *Snapshot) Utxos() []Utxo {
	return s.filterUtxos(func(*Utxo) bool { return true })
}

// Unspent returns the unspent outputs ordered by outpoint.
func (s *Snapshot) Unspent() []Utxo {
	return s.filterUtxos(func(u *Utxo) bool { return !u.Spent() })
}

func (s *Snapshot) filterUtxos(keep func(*Utxo) bool) []Utxo {
	out := make([]Utxo, 0, len(s.utxos))
	for _, u := range s.utxos {
		if keep(&u) {
			out = append(out, u)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return outPointLess(out[i].OutPoint, out[j].OutPoint)
	})

	return out
}

// Tx returns the record of txid.
func (s *Snapshot) Tx(txid chainhash.Hash) (TxRecord, bool) {
	r, ok := s.txs[txid]
	return r, ok
}

// Txs returns every transaction record, confirmed ones by ascending height
// first, then pending ones by txid.
func (s *Snapshot) Txs() []TxRecord {
	out := make([]TxRecord, 0, len(s.txs))
	for _, r := range s.txs {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		hi, iok := out[i].Height.UnwrapOr(0), out[i].Height.IsSome()
		hj, jok := out[j].Height.UnwrapOr(0), out[j].Height.IsSome()

		switch {
		case iok != jok:
			return iok
		case hi != hj:
			return hi < hj
		}

		return hashLess(out[i].Txid, out[j].Txid)
	})

	return out
}

// Checkpoints returns the checkpoint stack ordered by ascending height.
func (s *Snapshot) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), s.checkpoints...)
}

// Tip returns the highest checkpoint.
func (s *Snapshot) Tip() fn.Option[Checkpoint] {
	if len(s.checkpoints) == 0 {
		return fn.None[Checkpoint]()
	}

	return fn.Some(s.checkpoints[len(s.checkpoints)-1])
}

// IsUsed reports whether any known output pays to pkScript.
func (s *Snapshot) IsUsed(pkScript []byte) bool {
	return s.scripts[string(pkScript)] > 0
}

// UsedMax returns the highest used index of chain for the given descriptor.
func (s *Snapshot) UsedMax(id descriptor.ID,
	chain descriptor.Chain) fn.Option[uint32] {

	used := fn.None[uint32]()
	for _, u := range s.utxos {
		if u.Script.Descriptor != id || u.Script.Chain != chain {
			continue
		}
		if u.Script.Index >= used.UnwrapOr(0) {
			used = fn.Some(u.Script.Index)
		}
	}

	return used
}

// Balance returns the balance over every descriptor.
func (s *Snapshot) Balance() Balance {
	return s.balance(func(*Utxo) bool { return true })
}

// BalanceOf returns the balance of the outputs derived from id.
func (s *Snapshot) BalanceOf(id descriptor.ID) Balance {
	return s.balance(func(u *Utxo) bool {
		return u.Script.Descriptor == id
	})
}

func (s *Snapshot) balance(keep func(*Utxo) bool) Balance {
	var b Balance
	for _, u := range s.utxos {
		if u.Spent() || !keep(&u) {
			continue
		}

		if u.Confirmed() {
			b.Confirmed += u.Value
		} else {
			b.Pending += u.Value
		}
	}

	return b
}

func outPointLess(a, b wire.OutPoint) bool {
	if a.Hash != b.Hash {
		return hashLess(a.Hash, b.Hash)
	}
	return a.Index < b.Index
}

func hashLess(a, b chainhash.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
