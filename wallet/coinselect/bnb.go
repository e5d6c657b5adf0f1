package coinselect

import (
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// maxBnBTries bounds the depth first search of BranchAndBound.
const maxBnBTries = 100_000

// bnbCoin caches the per-coin values of the search.
type bnbCoin struct {
	Coin

	effective btcutil.Amount

	// waste is the fee of spending the coin now minus at the long term
	// rate.
	waste btcutil.Amount
}

// branchAndBound runs a depth first search over the coins sorted by
// descending effective value for a selection whose effective value lies
// between the target and the target plus the cost of change. Among the
// matches the one with the least waste wins.
func (s *selector) branchAndBound(coins []Coin) (*Plan, bool) {
	if len(coins) == 0 {
		return nil, false
	}

	pool := make([]bnbCoin, 0, len(coins))
	var available btcutil.Amount
	for _, c := range coins {
		eff := s.effectiveValue(c)
		pool = append(pool, bnbCoin{
			Coin:      c,
			effective: eff,
			waste: s.inputFee(c) - s.params.LongTermFeeRate.
				FeeForWeight(c.InputWeight),
		})
		available += eff
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].effective > pool[j].effective
	})

	target := s.target + s.feeRate.FeeForWeight(s.params.BaseWeight)
	upper := target + s.costOfChange()
	if available < target {
		return nil, false
	}

	var (
		value     btcutil.Amount
		waste     btcutil.Amount
		selection []int
		best      []int
		bestWaste btcutil.Amount = math.MaxInt64
		index     int
		tries     int
	)

	for ; tries < maxBnBTries; tries, index = tries+1, index+1 {
		backtrack := false

		switch {
		// Cannot reach the target with what is left, overshot the
		// window, or the waste can only grow from here.
		case value+available < target, value > upper,
			waste > bestWaste && pool[0].waste > 0:

			backtrack = true

		case value >= target:
			if w := waste + value - target; w <= bestWaste {
				best = append(best[:0], selection...)
				bestWaste = w
			}
			backtrack = true
		}

		if backtrack {
			if len(selection) == 0 {
				break
			}

			// Step back to the last included coin, returning the
			// omitted ones to the available pool.
			index--
			for last := selection[len(selection)-1]; index > last; index-- {
				available += pool[index].effective
			}

			c := pool[index]
			value -= c.effective
			waste -= c.waste
			selection = selection[:len(selection)-1]

			continue
		}

		// Try including the next coin. An omitted coin's clone is
		// skipped since it leads to the same selections.
		c := pool[index]
		available -= c.effective

		prevOmitted := len(selection) > 0 &&
			selection[len(selection)-1] != index-1 &&
			pool[index-1].effective == c.effective &&
			pool[index-1].waste == c.waste
		if prevOmitted {
			continue
		}

		selection = append(selection, index)
		value += c.effective
		waste += c.waste
	}

	log.Debugf("Branch and bound finished after %d tries, found=%v",
		tries, best != nil)

	if best == nil {
		return nil, false
	}

	picked := make([]Coin, 0, len(best))
	for _, i := range best {
		picked = append(picked, pool[i].Coin)
	}

	return s.finish(picked)
}
