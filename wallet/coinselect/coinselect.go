// Package coinselect chooses the wallet outputs that fund a transaction.
// Every candidate carries its own input weight, so the marginal fee of
// adding it is known before it is picked.
package coinselect

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/descwallet/pkg/unit"
)

var (
	// ErrInsufficientFunds is returned when the candidates cannot cover
	// the target and the fee, even when all of them are spent.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownStrategy is returned for an unsupported strategy.
	ErrUnknownStrategy = errors.New("unknown coin selection strategy")
)

// InsufficientFundsError reports by how much a selection fell short.
type InsufficientFundsError struct {
	// Target is the amount paid to the recipients.
	Target btcutil.Amount

	// Fee is the fee needed with the inputs that were considered.
	Fee btcutil.Amount

	// Available is the total value that was considered.
	Available btcutil.Amount
}

// Error returns the target, fee and available amount.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds available to construct "+
		"transaction: amount: %v, minimum fee: %v, available amount: %v",
		e.Target, e.Fee, e.Available)
}

// Unwrap returns ErrInsufficientFunds.
func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Strategy is a coin selection algorithm.
type Strategy uint8

const (
	// LargestFirst spends the largest outputs first.
	LargestFirst Strategy = iota

	// SmallestFirst spends the smallest outputs first, consolidating the
	// wallet.
	SmallestFirst

	// BranchAndBound searches for a changeless selection with the least
	// waste and falls back to LargestFirst when there is none.
	BranchAndBound

	// UseAll spends every candidate, including uneconomical ones.
	UseAll
)

// String returns the name of the strategy.
func (s Strategy) String() string {
	switch s {
	case LargestFirst:
		return "largest-first"
	case SmallestFirst:
		return "smallest-first"
	case BranchAndBound:
		return "branch-and-bound"
	case UseAll:
		return "use-all"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy returns the strategy with the given name.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{
		LargestFirst, SmallestFirst, BranchAndBound, UseAll,
	} {
		if s.String() == name {
			return s, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// Coin is a spendable output.
type Coin struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// InputWeight is the worst case weight of the input spending the
	// coin, witness included.
	InputWeight unit.WeightUnit
}

// Params describes the transaction the coins are selected for.
type Params struct {
	// BaseWeight is the weight of the transaction without inputs and
	// without change: version, locktime, counts, segwit marker and the
	// recipient outputs.
	BaseWeight unit.WeightUnit

	// ChangeWeight is the weight of the change output. A zero value
	// forbids change, any excess then goes to the fee.
	ChangeWeight unit.WeightUnit

	// ChangeScript is the script change would pay to, used for the dust
	// check.
	ChangeScript []byte

	// ChangeSpendWeight is the input weight of spending the change later,
	// part of the cost of creating change.
	ChangeSpendWeight unit.WeightUnit

	// LongTermFeeRate is the fee rate the wallet expects to pay in the
	// future. It defaults to the selection fee rate.
	LongTermFeeRate unit.SatPerKVByte

	// RelayFee is the relay fee used for the dust limit. It defaults to
	// txrules.DefaultRelayFeePerKb.
	RelayFee btcutil.Amount
}

// Plan is the result of a selection.
type Plan struct {
	// Coins are the selected coins in selection order.
	Coins []Coin

	// InputTotal is the value of the selected coins.
	InputTotal btcutil.Amount

	// Fee is the absolute fee, including any change folded into it.
	Fee btcutil.Amount

	// Change is set when a change output must be created.
	Change bool

	// ChangeValue is the value of the change output.
	ChangeValue btcutil.Amount

	// Weight is the estimated weight of the signed transaction.
	Weight unit.WeightUnit

	// Waste is the cost of the selection compared to spending the same
	// coins at the long term fee rate.
	Waste btcutil.Amount
}

// selector holds the derived values of a single Select call.
type selector struct {
	target  btcutil.Amount
	feeRate unit.SatPerKVByte
	params  Params
}

// Select picks coins paying target plus the fee at feeRate.
func Select(coins []Coin, target btcutil.Amount, feeRate unit.SatPerKVByte,
	strategy Strategy, params Params) (*Plan, error) {

	if params.LongTermFeeRate == 0 {
		params.LongTermFeeRate = feeRate
	}
	if params.RelayFee == 0 {
		params.RelayFee = txrules.DefaultRelayFeePerKb
	}

	s := &selector{target: target, feeRate: feeRate, params: params}

	switch strategy {
	case LargestFirst:
		return s.accumulate(s.positive(coins), func(a, b Coin) bool {
			return a.Value > b.Value
		})

	case SmallestFirst:
		return s.accumulate(s.positive(coins), func(a, b Coin) bool {
			return a.Value < b.Value
		})

	case BranchAndBound:
		candidates := s.positive(coins)
		if plan, ok := s.branchAndBound(candidates); ok {
			return plan, nil
		}

		log.Debugf("No changeless selection among %d coins, falling "+
			"back to %v", len(candidates), LargestFirst)

		return s.accumulate(candidates, func(a, b Coin) bool {
			return a.Value > b.Value
		})

	case UseAll:
		return s.useAll(coins)

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownStrategy, strategy)
	}
}

// inputFee is the marginal fee of spending c.
func (s *selector) inputFee(c Coin) btcutil.Amount {
	return s.feeRate.FeeForWeight(c.InputWeight)
}

// effectiveValue is the value of c minus its marginal fee.
func (s *selector) effectiveValue(c Coin) btcutil.Amount {
	return c.Value - s.inputFee(c)
}

// positive returns the coins that add more value than they cost.
func (s *selector) positive(coins []Coin) []Coin {
	out := make([]Coin, 0, len(coins))
	for _, c := range coins {
		if s.effectiveValue(c) <= 0 {
			log.Tracef("Skipping uneconomical coin %v of %v",
				c.OutPoint, c.Value)
			continue
		}
		out = append(out, c)
	}

	return out
}

// weight returns the transaction weight with the given inputs.
func (s *selector) weight(coins []Coin, change bool) unit.WeightUnit {
	w := s.params.BaseWeight
	for _, c := range coins {
		w += c.InputWeight
	}

	// BaseWeight counts a one byte input count.
	extra := wire.VarIntSerializeSize(uint64(len(coins))) - 1
	w += unit.WeightUnit(extra * 4)

	if change {
		w += s.params.ChangeWeight
	}

	return w
}

// costOfChange is the fee of creating the change output now and spending it
// later.
func (s *selector) costOfChange() btcutil.Amount {
	return s.feeRate.FeeForWeight(s.params.ChangeWeight) +
		s.params.LongTermFeeRate.FeeForWeight(
			s.params.ChangeSpendWeight,
		)
}

// finish turns a funded set of coins into a plan, deciding whether the
// leftover becomes change or fee.
func (s *selector) finish(coins []Coin) (*Plan, bool) {
	var total btcutil.Amount
	for _, c := range coins {
		total += c.Value
	}

	noChangeWeight := s.weight(coins, false)
	noChangeFee := s.feeRate.FeeForWeight(noChangeWeight)
	if total < s.target+noChangeFee {
		return nil, false
	}

	plan := &Plan{
		Coins:      coins,
		InputTotal: total,
		Fee:        total - s.target,
		Weight:     noChangeWeight,
	}

	if s.params.ChangeWeight > 0 {
		changeWeight := s.weight(coins, true)
		changeFee := s.feeRate.FeeForWeight(changeWeight)
		changeValue := total - s.target - changeFee

		dust := changeValue <= 0 || txrules.IsDustOutput(
			wire.NewTxOut(int64(changeValue), s.params.ChangeScript),
			s.params.RelayFee,
		)
		if !dust {
			plan.Change = true
			plan.ChangeValue = changeValue
			plan.Fee = changeFee
			plan.Weight = changeWeight
		}
	}

	plan.Waste = s.waste(plan)

	return plan, true
}

// waste follows the Bitcoin Core metric: the fee paid now above the long
// term rate for the inputs, plus either the cost of change or the excess
// dropped to the fee.
func (s *selector) waste(p *Plan) btcutil.Amount {
	var waste btcutil.Amount
	for _, c := range p.Coins {
		waste += s.inputFee(c) -
			s.params.LongTermFeeRate.FeeForWeight(c.InputWeight)
	}

	if p.Change {
		return waste + s.costOfChange()
	}

	return waste + p.Fee - s.feeRate.FeeForWeight(p.Weight)
}

// accumulate adds coins in the given order until the target is funded.
func (s *selector) accumulate(coins []Coin,
	less func(a, b Coin) bool) (*Plan, error) {

	sorted := append([]Coin(nil), coins...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	for i := range sorted {
		if plan, ok := s.finish(sorted[:i+1]); ok {
			return plan, nil
		}
	}

	return nil, s.insufficient(sorted)
}

// useAll spends every coin.
func (s *selector) useAll(coins []Coin) (*Plan, error) {
	all := append([]Coin(nil), coins...)
	if plan, ok := s.finish(all); ok {
		return plan, nil
	}

	return nil, s.insufficient(all)
}

func (s *selector) insufficient(coins []Coin) error {
	var available btcutil.Amount
	for _, c := range coins {
		available += c.Value
	}

	return &InsufficientFundsError{
		Target:    s.target,
		Fee:       s.feeRate.FeeForWeight(s.weight(coins, false)),
		Available: available,
	}
}
