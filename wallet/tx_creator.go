// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/unit"
	"github.com/btcsuite/descwallet/wallet/coinselect"
	"github.com/btcsuite/descwallet/wallet/txbuilder"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrManualInputsEmpty is returned when manual inputs are specified but
	// the list is empty.
	ErrManualInputsEmpty = errors.New("manual inputs cannot be empty")

	// ErrDuplicatedUtxo is returned when a UTXO is specified multiple
	// times.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrUtxoNotEligible is returned when a UTXO is not eligible to be
	// spent.
	ErrUtxoNotEligible = errors.New("utxo not eligible to spend")

	// ErrNoTxOutputs is returned when a transaction is created without any
	// outputs.
	ErrNoTxOutputs = errors.New("tx has no outputs")

	// ErrFeeRateTooLarge is returned when a transaction is created with a
	// fee rate that is larger than the configured max allowed fee rate.
	ErrFeeRateTooLarge = errors.New("fee rate too large")

	// ErrMissingFeeRate is returned when a transaction is created without
	// a fee rate.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrUnsupportedCoinSource is returned when the `Source` field of an
	// InputsPolicy is not of a supported type.
	ErrUnsupportedCoinSource = errors.New("unsupported coin source type")

	// ErrMissingInputs is returned when a transaction is created without
	// any inputs.
	ErrMissingInputs = errors.New("tx has no inputs")

	// ErrNilTxIntent is returned when a nil `TxIntent` is provided.
	ErrNilTxIntent = errors.New("nil TxIntent")
)

const (
	// DefaultMaxFeeRate is the default maximum fee rate the wallet will
	// consider sane: 1000 sat/vb.
	DefaultMaxFeeRate unit.SatPerKVByte = 1000 * 1000
)

// TxIntent describes the transaction a caller wants. Outputs, Inputs and
// FeeRate are required. Inputs selects the funding mode:
//
// 1. Policy-based selection over the whole wallet:
//
//	intent := &TxIntent{
//		Outputs: outputs,
//		Inputs: &InputsPolicy{
//			Strategy: coinselect.BranchAndBound,
//			MinConfs: 1,
//		},
//		FeeRate: feeRate,
//	}
//
// 2. Policy-based selection limited to a set of candidates, by setting
// Source to a CoinSourceUTXOs, or to the outputs of one descriptor with a
// CoinSourceDescriptor.
//
// 3. Manual inputs, all of which are spent:
//
//	intent := &TxIntent{
//		Outputs: outputs,
//		Inputs:  &InputsManual{UTXOs: []wire.OutPoint{...}},
//		FeeRate: feeRate,
//	}
type TxIntent struct {
	// Outputs specifies the recipients and amounts for the transaction.
	Outputs []wire.TxOut

	// Inputs defines the source of the inputs for the transaction. This
	// must be one of the Inputs implementations (InputsManual or
	// InputsPolicy).
	Inputs Inputs

	// ChangeScript overrides the change destination. By default change
	// goes to the next unused script of the internal chain.
	ChangeScript []byte

	// FeeRate specifies the desired fee rate for the transaction.
	FeeRate unit.SatPerKVByte
}

// Inputs is a sealed interface that defines the source of inputs for a
// transaction. It can either be a manually specified set of UTXOs or a policy
// for coin selection.
type Inputs interface {
	// isInputs is a marker method that is part of the sealed interface
	// pattern.
	isInputs()

	// validate performs a series of checks on the input source to ensure
	// it is well-formed. It runs before the ledger is read.
	validate() error
}

// InputsManual specifies the exact UTXOs to be used as transaction inputs.
// When this is used, all automatic coin selection logic is bypassed.
type InputsManual struct {
	// UTXOs are the outpoints to spend. Each must be a known, unspent
	// wallet output.
	UTXOs []wire.OutPoint
}

// InputsPolicy specifies the policy for coin selection by the wallet.
type InputsPolicy struct {
	// Strategy is the algorithm to use for selecting coins.
	Strategy coinselect.Strategy

	// MinConfs is the minimum number of confirmations a UTXO must have to
	// be considered eligible for coin selection.
	MinConfs uint32

	// Source specifies the pool of UTXOs to select from. If this is nil,
	// every wallet output is a candidate.
	Source CoinSource
}

// isInputs marks InputsManual as an implementation of the Inputs interface.
func (*InputsManual) isInputs() {}

// validate performs validation on the manual inputs.
func (i *InputsManual) validate() error {
	return validateOutPoints(i.UTXOs)
}

// isInputs marks InputsPolicy as an implementation of the Inputs
// interface.
func (*InputsPolicy) isInputs() {}

// validate performs validation on the input policy.
func (i *InputsPolicy) validate() error {
	switch source := i.Source.(type) {
	case nil, *CoinSourceDescriptor:
		return nil

	case *CoinSourceUTXOs:
		return validateOutPoints(source.UTXOs)

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedCoinSource, source)
	}
}

// A compile-time assertion to ensure that all types implementing the Inputs
// interface adhere to it.
var _ Inputs = (*InputsManual)(nil)
var _ Inputs = (*InputsPolicy)(nil)

// CoinSource is a sealed interface that defines the pool of UTXOs available
// for coin selection.
type CoinSource interface {
	isCoinSource()
}

// CoinSourceDescriptor limits selection to the outputs derived from one
// descriptor.
type CoinSourceDescriptor struct {
	ID descriptor.ID
}

// CoinSourceUTXOs limits selection to a predefined list of candidates.
type CoinSourceUTXOs struct {
	// UTXOs is a slice of outpoints from which the coin selection
	// algorithm will choose. This list must not be empty.
	UTXOs []wire.OutPoint
}

func (*CoinSourceDescriptor) isCoinSource() {}

func (*CoinSourceUTXOs) isCoinSource() {}

var _ CoinSource = (*CoinSourceDescriptor)(nil)
var _ CoinSource = (*CoinSourceUTXOs)(nil)

// validateOutPoints checks a slice of `wire.OutPoint`s for emptiness and
// duplicate entries.
func validateOutPoints(outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return ErrManualInputsEmpty
	}

	seenUTXOs := make(map[wire.OutPoint]struct{})
	for _, utxo := range outpoints {
		if _, ok := seenUTXOs[utxo]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicatedUtxo, utxo)
		}

		seenUTXOs[utxo] = struct{}{}
	}

	return nil
}

// validateTxIntent checks that an intent is well-formed before any state is
// read.
func validateTxIntent(intent *TxIntent, maxFeeRate unit.SatPerKVByte) error {
	if intent == nil {
		return ErrNilTxIntent
	}

	if len(intent.Outputs) == 0 {
		return ErrNoTxOutputs
	}

	for _, output := range intent.Outputs {
		err := txrules.CheckOutput(
			&output, txrules.DefaultRelayFeePerKb,
		)
		if err != nil {
			return err
		}
	}

	if intent.Inputs == nil {
		return ErrMissingInputs
	}
	if err := intent.Inputs.validate(); err != nil {
		return err
	}

	if intent.FeeRate == 0 {
		return ErrMissingFeeRate
	}

	// Ensure the fee rate is not "insane". This prevents users from
	// accidentally paying exorbitant fees.
	if intent.FeeRate > maxFeeRate {
		return fmt.Errorf("%w: fee rate of %v is too high, max sane "+
			"fee rate is %v", ErrFeeRateTooLarge, intent.FeeRate,
			maxFeeRate)
	}

	return nil
}

// CreateTransaction funds and builds the transaction described by intent
// against the current ledger snapshot. The result is unsigned; nothing is
// recorded until the signed transaction is passed to Broadcast.
func (w *Wallet) CreateTransaction(_ context.Context,
	intent *TxIntent) (*txbuilder.UnsignedTx, error) {

	if err := validateTxIntent(intent, w.cfg.MaxFeeRate); err != nil {
		return nil, err
	}

	snap := w.ledger.Snapshot()
	tipHeight := fn.MapOptionZ(snap.Tip(),
		func(cp ledger.Checkpoint) uint32 {
			return cp.Height
		},
	)

	var target btcutil.Amount
	outputs := make([]*wire.TxOut, len(intent.Outputs))
	for i := range intent.Outputs {
		outputs[i] = &intent.Outputs[i]
		target += btcutil.Amount(intent.Outputs[i].Value)
	}

	change, err := w.changeDestination(intent, snap)
	if err != nil {
		return nil, err
	}

	params := coinselect.Params{
		BaseWeight:        txbuilder.BaseWeight(outputs),
		ChangeWeight:      txbuilder.OutputWeight(change.PkScript),
		ChangeScript:      change.PkScript,
		ChangeSpendWeight: change.InputWeight(),
	}

	var (
		coins    []coinselect.Coin
		strategy coinselect.Strategy
		infos    = make(map[wire.OutPoint]txbuilder.InputInfo)
	)
	switch inputs := intent.Inputs.(type) {
	case *InputsManual:
		strategy = coinselect.UseAll
		for _, op := range inputs.UTXOs {
			u, ok := snap.Utxo(op)
			if !ok || u.Spent() {
				return nil, fmt.Errorf("%w: %v is not an "+
					"unspent wallet output",
					ErrUtxoNotEligible, op)
			}

			coin, info, err := w.coin(u)
			if err != nil {
				return nil, err
			}
			coins = append(coins, coin)
			infos[op] = info
		}

	case *InputsPolicy:
		strategy = inputs.Strategy
		for _, u := range candidates(snap, inputs, tipHeight) {
			coin, info, err := w.coin(u)
			if err != nil {
				return nil, err
			}

			if !timelocksMet(info, tipHeight) {
				log.Debugf("Skipping %v, timelock not met at "+
					"height %d", u.OutPoint, tipHeight)
				continue
			}

			coins = append(coins, coin)
			infos[u.OutPoint] = info
		}

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCoinSource,
			inputs)
	}

	plan, err := coinselect.Select(
		coins, target, intent.FeeRate, strategy, params,
	)
	if err != nil {
		return nil, err
	}

	return txbuilder.Build(
		plan, outputs, fn.Some(change.PkScript), intent.FeeRate,
		txbuilder.Options{
			TipHeight: tipHeight,
			Inputs:    infos,
		},
	)
}

// changeDestination returns the derived script change is paid to.
func (w *Wallet) changeDestination(intent *TxIntent,
	snap *ledger.Snapshot) (*descriptor.DerivedScript, error) {

	if len(intent.ChangeScript) > 0 {
		if w.tracker.IsTracked(intent.ChangeScript) {
			return w.tracker.Derived(intent.ChangeScript)
		}

		// Foreign change is sized like our own change but spent by
		// someone else.
		return &descriptor.DerivedScript{
			PkScript: intent.ChangeScript,
		}, nil
	}

	ts, err := w.tracker.NextUnused(descriptor.Internal, snap.IsUsed)
	if err != nil {
		return nil, err
	}

	return w.tracker.Derived(ts.PkScript)
}

// coin returns the selection candidate and spend info of a wallet output.
func (w *Wallet) coin(u ledger.Utxo) (coinselect.Coin,
	txbuilder.InputInfo, error) {

	derived, err := w.tracker.Derived(u.PkScript)
	if err != nil {
		return coinselect.Coin{}, txbuilder.InputInfo{}, err
	}

	desc, err := w.tracker.Descriptor(u.Script.Chain)
	if err != nil {
		return coinselect.Coin{}, txbuilder.InputInfo{}, err
	}

	coin := coinselect.Coin{
		OutPoint:    u.OutPoint,
		Value:       u.Value,
		PkScript:    u.PkScript,
		InputWeight: derived.InputWeight(),
	}
	info := txbuilder.InputInfo{
		Derived:   derived,
		Timelocks: descriptor.TimelocksOf(desc.Policy()),
		Height:    u.Height,
	}

	return coin, info, nil
}

// candidates returns the unspent outputs a policy may select from.
func candidates(snap *ledger.Snapshot, policy *InputsPolicy,
	tipHeight uint32) []ledger.Utxo {

	var allowed map[wire.OutPoint]struct{}
	if src, ok := policy.Source.(*CoinSourceUTXOs); ok {
		allowed = make(map[wire.OutPoint]struct{}, len(src.UTXOs))
		for _, op := range src.UTXOs {
			allowed[op] = struct{}{}
		}
	}

	var out []ledger.Utxo
	for _, u := range snap.Unspent() {
		if u.Confirmations(tipHeight) < policy.MinConfs {
			continue
		}

		switch src := policy.Source.(type) {
		case *CoinSourceDescriptor:
			if u.Script.Descriptor != src.ID {
				continue
			}

		case *CoinSourceUTXOs:
			if _, ok := allowed[u.OutPoint]; !ok {
				continue
			}
		}

		out = append(out, u)
	}

	return out
}

// timelocksMet reports whether an input could be mined in the block after
// tipHeight.
func timelocksMet(info txbuilder.InputInfo, tipHeight uint32) bool {
	locks := info.Timelocks
	if locks.HasAbsolute() && locks.AbsoluteHeight > tipHeight {
		return false
	}
	if !locks.HasRelative() {
		return true
	}

	return fn.MapOptionZ(info.Height, func(h uint32) bool {
		return h <= tipHeight && tipHeight+1-h >= locks.RelativeBlocks
	})
}
