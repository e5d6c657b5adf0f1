// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unit provides a set of types for dealing with bitcoin fee rates and
// transaction sizes.
package unit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// SatsPerKilo is the number of satoshis in a kilo-satoshi.
	SatsPerKilo = 1000
)

// SatPerVByte represents a fee rate in sat/vbyte.
type SatPerVByte btcutil.Amount

// NewSatPerVByte creates a new fee rate in sat/vb from the given fee paid for
// vb virtual bytes. The result is rounded down.
func NewSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	if vb == 0 {
		return 0
	}

	return SatPerVByte(uint64(fee) / uint64(vb))
}

// FeePerKWeight converts the current fee rate from sat/vb to sat/kw.
func (s SatPerVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s * SatsPerKilo / blockchain.WitnessScaleFactor)
}

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * SatsPerKilo)
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%d sat/vb", int64(s))
}

// SatPerKVByte represents a fee rate in sat/kvb. It is the unit the wallet
// uses for all of its fee computations.
type SatPerKVByte btcutil.Amount

// NewSatPerKVByte creates a new fee rate in sat/kvb from the given fee paid
// for kvb virtual kilobytes.
func NewSatPerKVByte(fee btcutil.Amount, kvb VByte) SatPerKVByte {
	if kvb == 0 {
		return 0
	}

	return SatPerKVByte(uint64(fee) * SatsPerKilo / uint64(kvb))
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes. Any fractional satoshi is rounded up so that the paid fee
// never falls below the requested rate.
func (s SatPerKVByte) FeeForVSize(vbytes VByte) btcutil.Amount {
	return btcutil.Amount(
		ceilDiv(uint64(s)*uint64(vbytes), SatsPerKilo),
	)
}

// FeeForWeight calculates the fee for a transaction of the given weight. The
// weight is first converted to vbytes as mandated by BIP141.
func (s SatPerKVByte) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return s.FeeForVSize(wu.ToVB())
}

// FeePerKWeight converts the current fee rate from sat/kb to sat/kw.
func (s SatPerKVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s / blockchain.WitnessScaleFactor)
}

// FeePerVByte converts the current fee rate from sat/kvb to sat/vb, rounding
// down.
func (s SatPerKVByte) FeePerVByte() SatPerVByte {
	return SatPerVByte(s / SatsPerKilo)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvb", int64(s))
}

// SatPerKWeight represents a fee rate in sat/kw.
type SatPerKWeight btcutil.Amount

// NewSatPerKWeight creates a new fee rate in sat/kw. The given fee and weight
// are used to calculate the fee rate.
func NewSatPerKWeight(fee btcutil.Amount, wu WeightUnit) SatPerKWeight {
	if wu == 0 {
		return 0
	}

	return SatPerKWeight(uint64(fee) * SatsPerKilo / uint64(wu))
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu). The resulting fee is rounded down.
func (s SatPerKWeight) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return btcutil.Amount(uint64(s) * uint64(wu) / SatsPerKilo)
}

// FeeForWeightRoundUp calculates the fee resulting from this fee rate and the
// given weight in weight units (wu), rounding up to the nearest satoshi.
func (s SatPerKWeight) FeeForWeightRoundUp(wu WeightUnit) btcutil.Amount {
	return btcutil.Amount(ceilDiv(uint64(s)*uint64(wu), SatsPerKilo))
}

// FeePerKVByte converts the current fee rate from sat/kw to sat/kb.
func (s SatPerKWeight) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * blockchain.WitnessScaleFactor)
}

// FeePerVByte converts the current fee rate from sat/kw to sat/vb.
func (s SatPerKWeight) FeePerVByte() SatPerVByte {
	return SatPerVByte(s * blockchain.WitnessScaleFactor / SatsPerKilo)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return fmt.Sprintf("%d sat/kw", int64(s))
}

// ceilDiv divides a by b rounding towards positive infinity.
func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
