package tracker

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// fakeDescriptor derives scripts that simply encode their location.
type fakeDescriptor struct {
	name string
}

func (f *fakeDescriptor) ID() descriptor.ID {
	return descriptor.NewID(f.name)
}

func (f *fakeDescriptor) String() string {
	return f.name
}

func (f *fakeDescriptor) Policy() descriptor.Policy {
	return descriptor.Key{Name: "k"}
}

func (f *fakeDescriptor) Derive(chain descriptor.Chain,
	index uint32) (*descriptor.DerivedScript, error) {

	script := make([]byte, 6)
	script[0] = byte(len(f.name))
	script[1] = byte(chain)
	binary.BigEndian.PutUint32(script[2:], index)

	return &descriptor.DerivedScript{
		PkScript:              script,
		MaxSatisfactionWeight: 109,
	}, nil
}

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "tracker.db")
	db, err := walletdb.Create(
		"bdb", dbPath, true, time.Second*10, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// TestEnsureHorizonFirstSync checks that a wallet with no history derives
// exactly gap limit scripts on each chain.
func TestEnsureHorizonFirstSync(t *testing.T) {
	t.Parallel()

	st, err := New(Config{
		DB:       openTestDB(t),
		External: &fakeDescriptor{name: "ext"},
	})
	require.NoError(t, err)

	for _, chain := range descriptor.Chains {
		fresh, err := st.EnsureHorizon(chain, fn.None[uint32]())
		require.NoError(t, err)
		require.Len(t, fresh, DefaultGapLimit)
		require.EqualValues(t, 0, fresh[0].Index)
		require.EqualValues(t, DefaultGapLimit-1, fresh[19].Index)
	}
	require.Len(t, st.Scripts(), 2*DefaultGapLimit)

	// A second call with the same usage derives nothing.
	fresh, err := st.EnsureHorizon(descriptor.External, fn.None[uint32]())
	require.NoError(t, err)
	require.Empty(t, fresh)
}

// TestEnsureHorizonExtends checks that the horizon follows the used index.
func TestEnsureHorizonExtends(t *testing.T) {
	t.Parallel()

	st, err := New(Config{
		DB:       openTestDB(t),
		External: &fakeDescriptor{name: "ext"},
		GapLimit: 5,
	})
	require.NoError(t, err)

	fresh, err := st.EnsureHorizon(descriptor.External, fn.None[uint32]())
	require.NoError(t, err)
	require.Len(t, fresh, 5)

	fresh, err = st.EnsureHorizon(descriptor.External, fn.Some[uint32](3))
	require.NoError(t, err)
	require.Len(t, fresh, 4)
	require.EqualValues(t, 5, fresh[0].Index)
	require.Equal(t, fn.Some[uint32](8), st.Horizon(descriptor.External))

	// A lower used index never shrinks the horizon.
	fresh, err = st.EnsureHorizon(descriptor.External, fn.Some[uint32](1))
	require.NoError(t, err)
	require.Empty(t, fresh)

	require.True(t, st.Horizon(descriptor.Internal).IsNone())
}

// TestTrackerReload checks that scripts survive a restart and keep their
// positions.
func TestTrackerReload(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	cfg := Config{
		DB:       db,
		External: &fakeDescriptor{name: "ext"},
		Internal: &fakeDescriptor{name: "change"},
		GapLimit: 3,
	}

	st, err := New(cfg)
	require.NoError(t, err)
	for _, chain := range descriptor.Chains {
		_, err := st.EnsureHorizon(chain, fn.Some[uint32](1))
		require.NoError(t, err)
	}

	reloaded, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, st.Scripts(), reloaded.Scripts())

	ts, ok := reloaded.Lookup(st.Scripts()[6].PkScript)
	require.True(t, ok)
	require.Equal(t, descriptor.Internal, ts.Chain)
	require.EqualValues(t, 1, ts.Index)
	require.Equal(t, cfg.Internal.ID(), ts.Descriptor)
}

// TestNextUnused checks that the first unused script is handed out and that
// the horizon grows once every script has been used.
func TestNextUnused(t *testing.T) {
	t.Parallel()

	st, err := New(Config{
		DB:       openTestDB(t),
		External: &fakeDescriptor{name: "ext"},
		GapLimit: 2,
	})
	require.NoError(t, err)

	used := make(map[string]bool)
	isUsed := func(script []byte) bool {
		return used[string(script)]
	}

	first, err := st.NextUnused(descriptor.Internal, isUsed)
	require.NoError(t, err)
	require.EqualValues(t, 0, first.Index)

	used[string(first.PkScript)] = true
	second, err := st.NextUnused(descriptor.Internal, isUsed)
	require.NoError(t, err)
	require.EqualValues(t, 1, second.Index)

	used[string(second.PkScript)] = true
	third, err := st.NextUnused(descriptor.Internal, isUsed)
	require.NoError(t, err)
	require.EqualValues(t, 2, third.Index)

	derived, err := st.Derived(third.PkScript)
	require.NoError(t, err)
	require.EqualValues(t, 109, derived.MaxSatisfactionWeight)
}
