// Package tracker derives and remembers the scripts a wallet watches. Scripts
// are derived from the wallet's descriptors on demand, one chain at a time,
// and are kept a gap limit ahead of the highest index that has ever been seen
// on chain.
package tracker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultGapLimit is the number of consecutive unused scripts kept
	// derived past the highest used index of a chain.
	DefaultGapLimit = 20
)

var (
	// namespaceKey is the top-level bucket of the script tracker.
	namespaceKey = []byte("scripttracker")

	// ErrUnknownChain is returned for a chain with no descriptor attached.
	ErrUnknownChain = errors.New("unknown derivation chain")

	// ErrCorruptScripts is returned when the persisted scripts of a chain
	// do not form a contiguous range starting at zero.
	ErrCorruptScripts = errors.New("tracked scripts are not contiguous")
)

// TrackedScript is a derived script the wallet watches. Tracked scripts are
// never removed.
type TrackedScript struct {
	// Descriptor is the descriptor the script was derived from.
	Descriptor descriptor.ID

	// Chain and Index locate the script within the descriptor.
	Chain descriptor.Chain
	Index uint32

	// PkScript is the derived locking script.
	PkScript []byte
}

// Config holds the dependencies of a ScriptTracker.
type Config struct {
	// DB is the database that persists derived scripts.
	DB walletdb.DB

	// External derives receive scripts.
	External descriptor.Descriptor

	// Internal derives change scripts. If nil, the internal chain of
	// External is used.
	Internal descriptor.Descriptor

	// GapLimit is the gap limit. DefaultGapLimit is used when zero.
	GapLimit uint32
}

// ScriptTracker owns the set of derived scripts of a wallet.
type ScriptTracker struct {
	db       walletdb.DB
	gapLimit uint32
	descs    map[descriptor.Chain]descriptor.Descriptor

	mtx sync.RWMutex

	// chains holds the derived scripts of each chain ordered by index.
	chains map[descriptor.Chain][]TrackedScript

	// byScript indexes every tracked script by its raw bytes.
	byScript map[string]TrackedScript

	// derived caches full derivation results for spending.
	derived map[string]*descriptor.DerivedScript
}

// New creates a ScriptTracker and loads the scripts derived in earlier
// sessions.
func New(cfg Config) (*ScriptTracker, error) {
	if cfg.External == nil {
		return nil, fmt.Errorf("%w: no external descriptor",
			ErrUnknownChain)
	}
	if cfg.Internal == nil {
		cfg.Internal = cfg.External
	}
	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}

	t := &ScriptTracker{
		db:       cfg.DB,
		gapLimit: cfg.GapLimit,
		descs: map[descriptor.Chain]descriptor.Descriptor{
			descriptor.External: cfg.External,
			descriptor.Internal: cfg.Internal,
		},
		chains:   make(map[descriptor.Chain][]TrackedScript),
		byScript: make(map[string]TrackedScript),
		derived:  make(map[string]*descriptor.DerivedScript),
	}

	if err := t.load(); err != nil {
		return nil, err
	}

	return t, nil
}

// GapLimit returns the configured gap limit.
func (t *ScriptTracker) GapLimit() uint32 {
	return t.gapLimit
}

// Descriptor returns the descriptor deriving the given chain.
func (t *ScriptTracker) Descriptor(chain descriptor.Chain) (
	descriptor.Descriptor, error) {

	desc, ok := t.descs[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownChain, chain)
	}

	return desc, nil
}

// EnsureHorizon derives scripts on chain until gapLimit unused indices follow
// usedMax, or until indices 0 through gapLimit-1 exist when nothing has been
// used yet. Scripts that already exist are never derived again. Only newly
// derived scripts are returned.
func (t *ScriptTracker) EnsureHorizon(chain descriptor.Chain,
	usedMax fn.Option[uint32]) ([]TrackedScript, error) {

	desc, err := t.Descriptor(chain)
	if err != nil {
		return nil, err
	}

	// The horizon is the last index that must exist.
	horizon := fn.MapOptionZ(usedMax, func(used uint32) uint64 {
		return uint64(used) + uint64(t.gapLimit)
	})
	if usedMax.IsNone() {
		horizon = uint64(t.gapLimit) - 1
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	next := uint64(len(t.chains[chain]))
	if next > horizon {
		return nil, nil
	}

	fresh := make([]TrackedScript, 0, horizon-next+1)
	for index := next; index <= horizon; index++ {
		if index > uint64(^uint32(0)) {
			return nil, descriptor.ErrKeySpaceExhausted
		}

		derived, err := desc.Derive(chain, uint32(index))
		if err != nil {
			return nil, fmt.Errorf("derive %v/%d: %w", chain, index,
				err)
		}

		fresh = append(fresh, TrackedScript{
			Descriptor: desc.ID(),
			Chain:      chain,
			Index:      uint32(index),
			PkScript:   derived.PkScript,
		})
		t.derived[string(derived.PkScript)] = derived
	}

	err = walletdb.Update(t.db, func(tx walletdb.ReadWriteTx) error {
		return putScripts(tx, fresh)
	})
	if err != nil {
		return nil, err
	}

	for _, ts := range fresh {
		t.chains[chain] = append(t.chains[chain], ts)
		t.byScript[string(ts.PkScript)] = ts
	}

	log.Debugf("Derived %d %v scripts of %v, horizon now %d",
		len(fresh), chain, desc.ID(), horizon)

	return fresh, nil
}

// Lookup returns the tracked script with the given bytes.
func (t *ScriptTracker) Lookup(pkScript []byte) (TrackedScript, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	ts, ok := t.byScript[string(pkScript)]
	return ts, ok
}

// IsTracked reports whether the script is tracked.
func (t *ScriptTracker) IsTracked(pkScript []byte) bool {
	_, ok := t.Lookup(pkScript)
	return ok
}

// Scripts returns every tracked script, external chain first, each chain in
// index order.
func (t *ScriptTracker) Scripts() []TrackedScript {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var all []TrackedScript
	for _, chain := range descriptor.Chains {
		all = append(all, t.chains[chain]...)
	}

	return all
}

// Horizon returns the highest derived index of chain.
func (t *ScriptTracker) Horizon(chain descriptor.Chain) fn.Option[uint32] {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	n := len(t.chains[chain])
	if n == 0 {
		return fn.None[uint32]()
	}

	return fn.Some(uint32(n - 1))
}

// Derived returns the full derivation result of a tracked script.
func (t *ScriptTracker) Derived(pkScript []byte) (*descriptor.DerivedScript,
	error) {

	t.mtx.RLock()
	ts, ok := t.byScript[string(pkScript)]
	derived := t.derived[string(pkScript)]
	t.mtx.RUnlock()

	if !ok {
		return nil, fmt.Errorf("script %x is not tracked", pkScript)
	}
	if derived != nil {
		return derived, nil
	}

	desc, err := t.Descriptor(ts.Chain)
	if err != nil {
		return nil, err
	}

	derived, err = desc.Derive(ts.Chain, ts.Index)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived.PkScript, pkScript) {
		return nil, fmt.Errorf("%w: %v/%d derives a different script",
			ErrCorruptScripts, ts.Chain, ts.Index)
	}

	t.mtx.Lock()
	t.derived[string(pkScript)] = derived
	t.mtx.Unlock()

	return derived, nil
}

// NextUnused returns the lowest indexed script of chain for which used
// returns false, extending the horizon when every derived script is used.
func (t *ScriptTracker) NextUnused(chain descriptor.Chain,
	used func(pkScript []byte) bool) (TrackedScript, error) {

	for {
		t.mtx.RLock()
		scripts := t.chains[chain]
		t.mtx.RUnlock()

		for _, ts := range scripts {
			if !used(ts.PkScript) {
				return ts, nil
			}
		}

		usedMax := fn.None[uint32]()
		if len(scripts) > 0 {
			usedMax = fn.Some(uint32(len(scripts) - 1))
		}

		fresh, err := t.EnsureHorizon(chain, usedMax)
		if err != nil {
			return TrackedScript{}, err
		}
		if len(fresh) == 0 {
			return TrackedScript{}, fmt.Errorf("no unused script "+
				"on %v chain", chain)
		}
	}
}

// load reads all persisted scripts of the configured descriptors.
func (t *ScriptTracker) load() error {
	var loaded []TrackedScript
	err := walletdb.Update(t.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return err
		}

		for _, chain := range descriptor.Chains {
			desc := t.descs[chain]
			bucket := ns.NestedReadWriteBucket(descriptorKey(desc.ID()))
			if bucket == nil {
				continue
			}

			err := bucket.ForEach(func(k, v []byte) error {
				ts, err := decodeScriptKey(desc.ID(), k)
				if err != nil {
					return err
				}
				if ts.Chain != chain {
					return nil
				}
				ts.PkScript = append([]byte(nil), v...)
				loaded = append(loaded, ts)

				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Chain != loaded[j].Chain {
			return loaded[i].Chain < loaded[j].Chain
		}
		return loaded[i].Index < loaded[j].Index
	})

	for _, ts := range loaded {
		if uint32(len(t.chains[ts.Chain])) != ts.Index {
			return fmt.Errorf("%w: %v chain resumes at %d",
				ErrCorruptScripts, ts.Chain, ts.Index)
		}
		t.chains[ts.Chain] = append(t.chains[ts.Chain], ts)
		t.byScript[string(ts.PkScript)] = ts
	}

	if len(loaded) > 0 {
		log.Infof("Loaded %d tracked scripts", len(loaded))
	}

	return nil
}

// putScripts persists scripts under their descriptor bucket.
func putScripts(tx walletdb.ReadWriteTx, scripts []TrackedScript) error {
	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		return fmt.Errorf("missing %s bucket", namespaceKey)
	}

	for _, ts := range scripts {
		bucket, err := ns.CreateBucketIfNotExists(
			descriptorKey(ts.Descriptor),
		)
		if err != nil {
			return err
		}

		err = bucket.Put(scriptKey(ts.Chain, ts.Index), ts.PkScript)
		if err != nil {
			return err
		}
	}

	return nil
}

func descriptorKey(id descriptor.ID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// scriptKey is chain || big-endian index, so a bucket cursor walks each
// chain in derivation order.
func scriptKey(chain descriptor.Chain, index uint32) []byte {
	var k [5]byte
	k[0] = byte(chain)
	binary.BigEndian.PutUint32(k[1:], index)
	return k[:]
}

func decodeScriptKey(id descriptor.ID, k []byte) (TrackedScript, error) {
	if len(k) != 5 {
		return TrackedScript{}, fmt.Errorf("%w: bad key length %d",
			ErrCorruptScripts, len(k))
	}

	return TrackedScript{
		Descriptor: id,
		Chain:      descriptor.Chain(k[0]),
		Index:      binary.BigEndian.Uint32(k[1:]),
	}, nil
}
