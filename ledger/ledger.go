// Package ledger holds the wallet's local view of the chain: the outputs it
// owns, the transactions touching them and a bounded stack of block
// checkpoints used to detect reorganizations. All mutations go through
// Commit, which applies a Batch atomically and validates the result before
// persisting it.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

const (
	// DefaultMaxCheckpoints is the number of checkpoints kept when the
	// config does not specify one.
	DefaultMaxCheckpoints = 20
)

var (
	namespaceKey   = []byte("ledger")
	utxoBucketKey  = []byte("utxos")
	txBucketKey    = []byte("txs")
	checkpointsKey = []byte("checkpoints")
)

// Config holds the dependencies of a Ledger.
type Config struct {
	// DB persists the ledger.
	DB walletdb.DB

	// MaxCheckpoints bounds the checkpoint stack.
	MaxCheckpoints int

	// ScriptKnown reports whether a script is tracked. Every recorded
	// output must pay to a tracked script. A nil func skips the check.
	ScriptKnown func(pkScript []byte) bool
}

// Ledger is the persistent wallet state.
type Ledger struct {
	cfg Config

	// commitMtx serializes writers.
	commitMtx sync.Mutex

	current atomic.Pointer[Snapshot]
}

// Open loads the ledger stored in cfg.DB, creating its buckets on first use.
func Open(cfg Config) (*Ledger, error) {
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = DefaultMaxCheckpoints
	}

	s := newSnapshot()
	err := walletdb.Update(cfg.DB, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return err
		}

		for _, key := range [][]byte{
			utxoBucketKey, txBucketKey, checkpointsKey,
		} {
			if _, err := ns.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}

		return load(ns, s)
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if err := checkInvariants(s, cfg.ScriptKnown); err != nil {
		return nil, err
	}

	l := &Ledger{cfg: cfg}
	l.current.Store(s)

	log.Infof("Opened ledger with %d transactions, %d outputs and %d "+
		"checkpoints", len(s.txs), len(s.utxos), len(s.checkpoints))

	return l, nil
}

// Snapshot returns the current immutable view of the ledger.
func (l *Ledger) Snapshot() *Snapshot {
	return l.current.Load()
}

// Commit applies b atomically: either every mutation is applied, validated
// and persisted, or the ledger is left untouched. An *InvariantViolation is
// returned if the resulting state would break a ledger invariant.
func (l *Ledger) Commit(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}

	l.commitMtx.Lock()
	defer l.commitMtx.Unlock()

	next := l.current.Load().clone()
	a := newApplier(next, l.cfg.MaxCheckpoints)

	for _, op := range b.ops {
		if err := op.apply(a); err != nil {
			log.Criticalf("Rejecting ledger batch at %s: %v",
				op.name, err)
			return err
		}
	}

	if err := checkInvariants(next, l.cfg.ScriptKnown); err != nil {
		log.Criticalf("Rejecting ledger batch: %v", err)
		return err
	}

	err := walletdb.Update(l.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		return persist(tx.ReadWriteBucket(namespaceKey), a)
	})
	if err != nil {
		return fmt.Errorf("persist ledger batch: %w", err)
	}

	l.current.Store(next)

	log.Debugf("Committed ledger batch of %d operations (%d txs, %d "+
		"outputs written)", b.Len(), len(a.dirtyTxs),
		len(a.dirtyUtxos))

	return nil
}

// load fills s from the ledger namespace.
func load(ns walletdb.ReadWriteBucket, s *Snapshot) error {
	err := ns.NestedReadWriteBucket(txBucketKey).ForEach(
		func(k, v []byte) error {
			txid, err := chainhash.NewHash(k)
			if err != nil {
				return err
			}

			rec, err := decodeTxRecord(*txid, v)
			if err != nil {
				return err
			}
			s.txs[*txid] = rec

			return nil
		},
	)
	if err != nil {
		return err
	}

	err = ns.NestedReadWriteBucket(utxoBucketKey).ForEach(
		func(k, v []byte) error {
			op, err := decodeOutPointKey(k)
			if err != nil {
				return err
			}

			u, err := decodeUtxo(op, v)
			if err != nil {
				return err
			}
			s.utxos[op] = u
			s.scripts[string(u.PkScript)]++

			return nil
		},
	)
	if err != nil {
		return err
	}

	// Keys are big-endian heights, so the cursor yields ascending order.
	return ns.NestedReadWriteBucket(checkpointsKey).ForEach(
		func(k, v []byte) error {
			hash, err := chainhash.NewHash(v)
			if err != nil {
				return err
			}
			if len(k) != 4 {
				return fmt.Errorf("bad checkpoint key %x", k)
			}

			s.checkpoints = append(s.checkpoints, Checkpoint{
				Height: binary.BigEndian.Uint32(k),
				Hash:   *hash,
			})

			return nil
		},
	)
}

// persist writes every record touched by the applier.
func persist(ns walletdb.ReadWriteBucket, a *applier) error {
	if ns == nil {
		return fmt.Errorf("missing %s bucket", namespaceKey)
	}

	txs := ns.NestedReadWriteBucket(txBucketKey)
	for txid := range a.dirtyTxs {
		rec, ok := a.s.txs[txid]
		if !ok {
			if err := txs.Delete(txid[:]); err != nil {
				return err
			}
			continue
		}

		v, err := encodeTxRecord(&rec)
		if err != nil {
			return err
		}
		if err := txs.Put(txid[:], v); err != nil {
			return err
		}
	}

	utxos := ns.NestedReadWriteBucket(utxoBucketKey)
	for op := range a.dirtyUtxos {
		u, ok := a.s.utxos[op]
		if !ok {
			if err := utxos.Delete(outPointKey(op)); err != nil {
				return err
			}
			continue
		}

		v, err := encodeUtxo(&u)
		if err != nil {
			return err
		}
		if err := utxos.Put(outPointKey(op), v); err != nil {
			return err
		}
	}

	if !a.checkpointsDirty {
		return nil
	}

	// The stack is small, so it is rewritten as a whole.
	if err := ns.DeleteNestedBucket(checkpointsKey); err != nil {
		return err
	}
	cps, err := ns.CreateBucket(checkpointsKey)
	if err != nil {
		return err
	}
	for _, cp := range a.s.checkpoints {
		hash := cp.Hash
		if err := cps.Put(heightKey(cp.Height), hash[:]); err != nil {
			return err
		}
	}

	return nil
}
