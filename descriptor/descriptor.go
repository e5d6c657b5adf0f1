// Package descriptor models the output descriptors a wallet derives its
// scripts from. A Descriptor is treated as an opaque capability: it turns a
// (chain, index) pair into a locking script together with the worst-case
// weight of the data needed to later spend it, and it exposes the spending
// Policy so callers can learn about timelocks.
package descriptor

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/descwallet/pkg/unit"
)

var (
	// ErrKeySpaceExhausted is returned when a derivation index reaches the
	// hardened range. It is a structural failure of the descriptor and is
	// never retried.
	ErrKeySpaceExhausted = errors.New("descriptor key space exhausted")

	// ErrUnsupportedPolicy is returned when a policy cannot be compiled
	// into one of the supported script templates.
	ErrUnsupportedPolicy = errors.New("unsupported spending policy")

	// ErrMissingKey is returned when a policy references a key name that
	// has no extended key attached.
	ErrMissingKey = errors.New("policy key not provided")
)

// Chain identifies one of the two derivation chains of a descriptor.
type Chain uint8

const (
	// External is the chain used for receive addresses.
	External Chain = 0

	// Internal is the chain used for change outputs.
	Internal Chain = 1
)

// Chains lists both derivation chains in a stable order.
var Chains = []Chain{External, Internal}

// String returns a human readable name for the chain.
func (c Chain) String() string {
	switch c {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("chain(%d)", uint8(c))
	}
}

// ID is a stable identifier of a descriptor. It is derived from the
// descriptor's canonical string form.
type ID uint64

// NewID derives the ID for the given canonical descriptor string.
func NewID(desc string) ID {
	h := sha256.Sum256([]byte(desc))
	return ID(binary.BigEndian.Uint64(h[:8]))
}

// String returns the hex form of the ID.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// DerivedScript is a single script produced by a descriptor.
type DerivedScript struct {
	// PkScript is the locking script placed in outputs.
	PkScript []byte

	// WitnessScript is the script committed to by a P2WSH PkScript. It is
	// nil for key-hash descriptors.
	WitnessScript []byte

	// Address is the encoded form of PkScript.
	Address btcutil.Address

	// MaxSatisfactionWeight is the worst-case weight of the witness
	// (including the item count) needed to spend PkScript.
	MaxSatisfactionWeight unit.WeightUnit
}

// InputWeight returns the weight a transaction input spending this script
// adds to a transaction: the non-witness part of a native segwit input
// scaled by four plus the satisfaction weight.
func (d *DerivedScript) InputWeight() unit.WeightUnit {
	base := unit.VByte(txsizes.RedeemP2WPKHInputSize).ToWU()
	return base + d.MaxSatisfactionWeight
}

// Descriptor is the capability the rest of the wallet relies on. The
// descriptor language itself is not interpreted here; implementations only
// need to derive scripts and report their policy.
type Descriptor interface {
	// ID returns the stable identifier of the descriptor.
	ID() ID

	// String returns the canonical descriptor string.
	String() string

	// Derive returns the script at the given chain and index.
	Derive(chain Chain, index uint32) (*DerivedScript, error)

	// Policy returns the spending policy of every script the descriptor
	// derives.
	Policy() Policy
}
