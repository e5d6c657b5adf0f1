package descriptor

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// testAccountKey returns a deterministic account level extended public key.
func testAccountKey(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	account, err := master.Derive(hdkeychain.HardenedKeyStart + 84)
	require.NoError(t, err)

	pub, err := account.Neuter()
	require.NoError(t, err)

	return pub
}

// TestSatisfactionSize checks the worst-case witness size estimates of the
// policy tree.
func TestSatisfactionSize(t *testing.T) {
	t.Parallel()

	preimageLock := Sha256{Hash: [32]byte{1}}

	testCases := []struct {
		name   string
		policy Policy
		size   int
	}{
		{
			name:   "single key",
			policy: Key{Name: "a"},
			size:   74,
		},
		{
			name:   "two of three multisig",
			policy: Multi{K: 2, Keys: []string{"a", "b", "c"}},
			size:   1 + 2*74,
		},
		{
			name:   "relative timelock adds nothing",
			policy: And(Older{Blocks: 144}, Key{Name: "a"}),
			size:   74,
		},
		{
			name:   "hashlock and key",
			policy: And(preimageLock, Key{Name: "a"}),
			size:   33 + 74,
		},
		{
			name:   "either key",
			policy: Or(Key{Name: "a"}, Key{Name: "b"}),
			size:   74 + 1,
		},
		{
			name: "thresh prefers the costly branches",
			policy: Thresh{K: 2, Subs: []Policy{
				Key{Name: "a"}, preimageLock, Key{Name: "b"},
			}},
			size: 74 + 74 + 33,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.NoError(t, Validate(tc.policy))
			require.Equal(t, tc.size, SatisfactionSize(tc.policy))
		})
	}
}

// TestTimelocksOf checks that the strictest timelocks are collected from the
// whole tree.
func TestTimelocksOf(t *testing.T) {
	t.Parallel()

	p := Or(
		And(Older{Blocks: 10}, Key{Name: "a"}),
		And(After{Height: 500}, And(Older{Blocks: 20}, Key{Name: "b"})),
	)

	locks := TimelocksOf(p)
	require.True(t, locks.HasRelative())
	require.True(t, locks.HasAbsolute())
	require.EqualValues(t, 20, locks.RelativeBlocks)
	require.EqualValues(t, 500, locks.AbsoluteHeight)

	require.Equal(t, Timelocks{}, TimelocksOf(Key{Name: "a"}))
}

// TestValidateRejects checks malformed policies.
func TestValidateRejects(t *testing.T) {
	t.Parallel()

	bad := []Policy{
		Key{},
		Multi{K: 3, Keys: []string{"a", "b"}},
		Older{Blocks: 0x10000},
		After{},
		Thresh{K: 0, Subs: []Policy{Key{Name: "a"}}},
	}
	for _, p := range bad {
		require.ErrorIs(t, Validate(p), ErrUnsupportedPolicy, "%v", p)
	}
}

// TestWPKHDerive checks derivation determinism, chain separation and the
// reported satisfaction weight.
func TestWPKHDerive(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	desc, err := NewWPKH(testAccountKey(t, 1), params)
	require.NoError(t, err)

	ext0, err := desc.Derive(External, 0)
	require.NoError(t, err)
	ext0Again, err := desc.Derive(External, 0)
	require.NoError(t, err)
	ext1, err := desc.Derive(External, 1)
	require.NoError(t, err)
	int0, err := desc.Derive(Internal, 0)
	require.NoError(t, err)

	require.Equal(t, ext0.PkScript, ext0Again.PkScript)
	require.NotEqual(t, ext0.PkScript, ext1.PkScript)
	require.NotEqual(t, ext0.PkScript, int0.PkScript)
	require.True(t, txscript.IsPayToWitnessPubKeyHash(ext0.PkScript))
	require.Nil(t, ext0.WitnessScript)

	require.EqualValues(t, 109, ext0.MaxSatisfactionWeight)
	require.EqualValues(t, 41*4+109, ext0.InputWeight())

	_, err = desc.Derive(External, hdkeychain.HardenedKeyStart)
	require.ErrorIs(t, err, ErrKeySpaceExhausted)
}

// TestParseWPKH checks that the canonical string parses back into the same
// descriptor.
func TestParseWPKH(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	desc, err := NewWPKH(testAccountKey(t, 2), params)
	require.NoError(t, err)

	parsed, err := ParseWPKH(desc.String(), params)
	require.NoError(t, err)
	require.Equal(t, desc.ID(), parsed.ID())

	short, err := ParseWPKH("wpkh("+desc.xpub.String()+"/*)", params)
	require.NoError(t, err)
	require.Equal(t, desc.ID(), short.ID())

	_, err = ParseWPKH("pkh(abc)", params)
	require.ErrorIs(t, err, ErrUnsupportedPolicy)

	_, err = ParseWPKH(desc.String(), &chaincfg.MainNetParams)
	require.Error(t, err)
}

// TestWSHDerive checks the compiled witness script of a timelocked policy and
// the resulting satisfaction weight.
func TestWSHDerive(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	keys := map[string]*hdkeychain.ExtendedKey{
		"alice": testAccountKey(t, 3),
		"bob":   testAccountKey(t, 4),
	}

	policy := And(Older{Blocks: 144}, Key{Name: "alice"})
	desc, err := NewWSH(policy, keys, params)
	require.NoError(t, err)

	derived, err := desc.Derive(External, 7)
	require.NoError(t, err)
	require.True(t, txscript.IsPayToWitnessScriptHash(derived.PkScript))

	disasm, err := txscript.DisasmString(derived.WitnessScript)
	require.NoError(t, err)
	require.Contains(t, disasm, "OP_CHECKSEQUENCEVERIFY OP_DROP")
	require.Contains(t, disasm, "OP_CHECKSIG")

	// Item count, one signature, then the witness script push.
	expected := 1 + 74 + 1 + len(derived.WitnessScript)
	require.EqualValues(t, expected, derived.MaxSatisfactionWeight)

	multi, err := NewWSH(
		Multi{K: 2, Keys: []string{"alice", "bob"}}, keys, params,
	)
	require.NoError(t, err)
	require.NotEqual(t, desc.ID(), multi.ID())

	m, err := multi.Derive(Internal, 0)
	require.NoError(t, err)
	disasm, err = txscript.DisasmString(m.WitnessScript)
	require.NoError(t, err)
	require.Contains(t, disasm, "OP_CHECKMULTISIG")
}

// TestWSHUnsupported checks policies that cannot be compiled.
func TestWSHUnsupported(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	keys := map[string]*hdkeychain.ExtendedKey{
		"alice": testAccountKey(t, 5),
	}

	_, err := NewWSH(Or(Key{Name: "alice"}, Key{Name: "alice"}), keys,
		params)
	require.ErrorIs(t, err, ErrUnsupportedPolicy)

	_, err = NewWSH(Older{Blocks: 10}, keys, params)
	require.ErrorIs(t, err, ErrUnsupportedPolicy)

	_, err = NewWSH(Key{Name: "carol"}, keys, params)
	require.ErrorIs(t, err, ErrMissingKey)
}
