package coinselect

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/pkg/unit"
	"github.com/stretchr/testify/require"
)

const (
	// p2wpkhInputWeight is 41 non-witness bytes plus a 109 WU witness.
	p2wpkhInputWeight unit.WeightUnit = 41*4 + 109

	// p2wpkhOutputWeight is a 31 byte output.
	p2wpkhOutputWeight unit.WeightUnit = 31 * 4

	// overheadWeight is version, counts, locktime and the segwit
	// marker.
	overheadWeight unit.WeightUnit = 10*4 + 2
)

var (
	testFeeRate = unit.SatPerVByte(5).FeePerKVByte()

	p2wpkhScript = append([]byte{0x00, 0x14}, make([]byte, 20)...)

	testParams = Params{
		BaseWeight:        overheadWeight + p2wpkhOutputWeight,
		ChangeWeight:      p2wpkhOutputWeight,
		ChangeScript:      p2wpkhScript,
		ChangeSpendWeight: p2wpkhInputWeight,
	}
)

func testCoin(id byte, value btcutil.Amount) Coin {
	return Coin{
		OutPoint:    wire.OutPoint{Hash: chainhash.Hash{id}},
		Value:       value,
		PkScript:    p2wpkhScript,
		InputWeight: p2wpkhInputWeight,
	}
}

func values(coins []Coin) []btcutil.Amount {
	out := make([]btcutil.Amount, 0, len(coins))
	for _, c := range coins {
		out = append(out, c.Value)
	}

	return out
}

// requireBalanced checks that the plan spends exactly its inputs and pays at
// least the fee rate.
func requireBalanced(t *testing.T, p *Plan, target btcutil.Amount,
	rate unit.SatPerKVByte) {

	t.Helper()

	require.Equal(t, p.InputTotal, target+p.Fee+p.ChangeValue)
	require.GreaterOrEqual(t, p.Fee, rate.FeeForWeight(p.Weight))
	if !p.Change {
		require.Zero(t, p.ChangeValue)
	}
}

// TestLargestFirstSingleCoin checks that a coin covering the target alone is
// picked without the smaller one.
func TestLargestFirstSingleCoin(t *testing.T) {
	t.Parallel()

	coins := []Coin{testCoin(1, 50_000), testCoin(2, 3_000_000)}

	plan, err := Select(
		coins, 2_000_000, testFeeRate, LargestFirst, testParams,
	)
	require.NoError(t, err)
	require.Equal(t, []btcutil.Amount{3_000_000}, values(plan.Coins))
	require.True(t, plan.Change)
	requireBalanced(t, plan, 2_000_000, testFeeRate)
}

// TestSingleInputWithChange checks the weight and fee of a one input, two
// output spend.
func TestSingleInputWithChange(t *testing.T) {
	t.Parallel()

	plan, err := Select(
		[]Coin{testCoin(1, 100_000)}, 30_000, testFeeRate,
		LargestFirst, testParams,
	)
	require.NoError(t, err)

	weight := overheadWeight + p2wpkhInputWeight + 2*p2wpkhOutputWeight
	require.Equal(t, weight, plan.Weight)
	require.Equal(t, unit.VByte(141), plan.Weight.ToVB())

	fee := testFeeRate.FeeForWeight(weight)
	require.Equal(t, fee, plan.Fee)
	require.True(t, plan.Change)
	require.Equal(t, 100_000-30_000-fee, plan.ChangeValue)
	requireBalanced(t, plan, 30_000, testFeeRate)
}

// TestSmallestFirst checks the consolidating order.
func TestSmallestFirst(t *testing.T) {
	t.Parallel()

	coins := []Coin{
		testCoin(1, 40_000), testCoin(2, 10_000), testCoin(3, 20_000),
	}

	plan, err := Select(coins, 25_000, testFeeRate, SmallestFirst,
		testParams)
	require.NoError(t, err)
	require.Equal(
		t, []btcutil.Amount{10_000, 20_000}, values(plan.Coins),
	)
	requireBalanced(t, plan, 25_000, testFeeRate)
}

// TestDustChangeFolded checks that change below the dust limit is added to
// the fee.
func TestDustChangeFolded(t *testing.T) {
	t.Parallel()

	noChangeFee := testFeeRate.FeeForWeight(
		overheadWeight + p2wpkhOutputWeight + p2wpkhInputWeight,
	)
	value := 30_000 + noChangeFee + 300

	plan, err := Select(
		[]Coin{testCoin(1, value)}, 30_000, testFeeRate,
		LargestFirst, testParams,
	)
	require.NoError(t, err)
	require.False(t, plan.Change)
	require.Equal(t, noChangeFee+300, plan.Fee)
	require.Equal(t, btcutil.Amount(300), plan.Waste)
	requireBalanced(t, plan, 30_000, testFeeRate)
}

// TestWitnessChangeDustLimit checks that the dust limit of change follows
// its script type: 400 sats is above the P2WPKH limit of 294 even though it
// would be dust for a P2PKH output.
func TestWitnessChangeDustLimit(t *testing.T) {
	t.Parallel()

	changeFee := testFeeRate.FeeForWeight(
		overheadWeight + 2*p2wpkhOutputWeight + p2wpkhInputWeight,
	)
	value := 30_000 + changeFee + 400

	plan, err := Select(
		[]Coin{testCoin(1, value)}, 30_000, testFeeRate,
		LargestFirst, testParams,
	)
	require.NoError(t, err)
	require.True(t, plan.Change)
	require.Equal(t, btcutil.Amount(400), plan.ChangeValue)
	require.Equal(t, changeFee, plan.Fee)

	p2pkh := testParams
	p2pkh.ChangeScript = append(
		[]byte{0x76, 0xa9, 0x14}, append(make([]byte, 20), 0x88, 0xac)...,
	)
	plan, err = Select(
		[]Coin{testCoin(1, value)}, 30_000, testFeeRate,
		LargestFirst, p2pkh,
	)
	require.NoError(t, err)
	require.False(t, plan.Change)
}

// TestUneconomicalCoinsSkipped checks that coins worth less than their input
// fee are only spent by UseAll.
func TestUneconomicalCoinsSkipped(t *testing.T) {
	t.Parallel()

	inputFee := testFeeRate.FeeForWeight(p2wpkhInputWeight)
	coins := []Coin{testCoin(1, 100_000), testCoin(2, inputFee)}

	plan, err := Select(coins, 10_000, testFeeRate, SmallestFirst,
		testParams)
	require.NoError(t, err)
	require.Equal(t, []btcutil.Amount{100_000}, values(plan.Coins))

	plan, err = Select(coins, 10_000, testFeeRate, UseAll, testParams)
	require.NoError(t, err)
	require.Len(t, plan.Coins, 2)
	requireBalanced(t, plan, 10_000, testFeeRate)
}

// TestInsufficientFunds checks the error reported when nothing covers the
// target.
func TestInsufficientFunds(t *testing.T) {
	t.Parallel()

	coins := []Coin{testCoin(1, 10_000), testCoin(2, 20_000)}

	for _, strategy := range []Strategy{
		LargestFirst, SmallestFirst, BranchAndBound, UseAll,
	} {
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()

			_, err := Select(
				coins, 30_000, testFeeRate, strategy,
				testParams,
			)
			require.ErrorIs(t, err, ErrInsufficientFunds)

			var insufficient *InsufficientFundsError
			require.True(t, errors.As(err, &insufficient))
			require.Equal(
				t, btcutil.Amount(30_000), insufficient.Target,
			)
			require.Equal(
				t, btcutil.Amount(30_000),
				insufficient.Available,
			)
			require.Positive(t, insufficient.Fee)
		})
	}
}

// TestBranchAndBoundExactMatch checks that a changeless combination is
// preferred over largest first with change.
func TestBranchAndBoundExactMatch(t *testing.T) {
	t.Parallel()

	inputFee := testFeeRate.FeeForWeight(p2wpkhInputWeight)
	baseFee := testFeeRate.FeeForWeight(testParams.BaseWeight)

	// Two coins whose effective values add up exactly to the target plus
	// the base fee, next to a large coin that would need change.
	target := btcutil.Amount(60_000)
	coins := []Coin{
		testCoin(1, 1_000_000),
		testCoin(2, 40_000+inputFee),
		testCoin(3, 20_000+inputFee+baseFee),
		testCoin(4, 7_000),
	}

	plan, err := Select(coins, target, testFeeRate, BranchAndBound,
		testParams)
	require.NoError(t, err)
	require.False(t, plan.Change)
	require.ElementsMatch(t, []btcutil.Amount{
		40_000 + inputFee, 20_000 + inputFee + baseFee,
	}, values(plan.Coins))
	requireBalanced(t, plan, target, testFeeRate)

	// The excess dropped to the fee is cheaper than creating change.
	costOfChange := testFeeRate.FeeForWeight(testParams.ChangeWeight) +
		testFeeRate.FeeForWeight(testParams.ChangeSpendWeight)
	require.Less(
		t, plan.Fee-testFeeRate.FeeForWeight(plan.Weight), costOfChange,
	)
	require.Equal(t, plan.Fee-testFeeRate.FeeForWeight(plan.Weight),
		plan.Waste)
}

// TestBranchAndBoundFallback checks that largest first is used when no
// changeless selection exists.
func TestBranchAndBoundFallback(t *testing.T) {
	t.Parallel()

	coins := []Coin{testCoin(1, 1_000_000), testCoin(2, 500_000)}

	plan, err := Select(coins, 100_000, testFeeRate, BranchAndBound,
		testParams)
	require.NoError(t, err)
	require.Equal(t, []btcutil.Amount{1_000_000}, values(plan.Coins))
	require.True(t, plan.Change)
	requireBalanced(t, plan, 100_000, testFeeRate)
}

// TestParseStrategy checks strategy names round trip.
func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for _, s := range []Strategy{
		LargestFirst, SmallestFirst, BranchAndBound, UseAll,
	} {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}

	_, err := ParseStrategy("random")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}
