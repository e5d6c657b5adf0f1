// Package txbuilder turns a coin selection into an unsigned transaction.
// Signing is left to the caller, which receives the transaction as a PSBT
// packet or as a txauthor.AuthoredTx.
package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/descwallet/build"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/pkg/unit"
	"github.com/btcsuite/descwallet/wallet/coinselect"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// TxVersion is the version of built transactions. Version 2 is needed
	// for relative timelocks.
	TxVersion = 2

	// DefaultSequence signals replaceability and enables the locktime.
	DefaultSequence = wire.MaxTxInSequenceNum - 2

	// witnessMarkerWeight is the weight of the segwit marker and flag.
	witnessMarkerWeight = 2

	// maxFeeRounding is how far the fee of a transaction with change may
	// exceed the rate times its weight.
	maxFeeRounding btcutil.Amount = 1
)

// InputInfo is what the builder needs to know about a coin beyond its value
// and script.
type InputInfo struct {
	// Derived is the derivation result of the coin's script.
	Derived *descriptor.DerivedScript

	// Timelocks are the locks the spending policy places on the coin.
	Timelocks descriptor.Timelocks

	// Height is the confirmation height of the coin, None while
	// unconfirmed.
	Height fn.Option[uint32]
}

// Options are the context a transaction is built in.
type Options struct {
	// TipHeight is the current chain tip. The transaction is expected to
	// be mined in the block after it.
	TipHeight uint32

	// Inputs holds the spend info of every coin of the plan.
	Inputs map[wire.OutPoint]InputInfo

	// RelayFee is the relay fee used to check outputs for dust. It
	// defaults to txrules.DefaultRelayFeePerKb.
	RelayFee btcutil.Amount
}

// UnsignedTx is a fully funded transaction waiting for signatures.
type UnsignedTx struct {
	// Tx is the transaction with empty signature scripts and witnesses.
	Tx *wire.MsgTx

	// Coins are the spent coins in input order.
	Coins []coinselect.Coin

	// Inputs holds the spend info of each input in input order.
	Inputs []InputInfo

	// ChangeIndex is the index of the change output, -1 without change.
	ChangeIndex int

	// Fee is the absolute fee paid.
	Fee btcutil.Amount

	// Weight is the worst case weight of the signed transaction.
	Weight unit.WeightUnit
}

// BaseWeight is the weight of a transaction paying outputs, before inputs
// and change are added. It counts a one byte input count and the segwit
// marker, matching what coinselect.Params expects.
func BaseWeight(outputs []*wire.TxOut) unit.WeightUnit {
	// Version, locktime and a single byte input count.
	size := 4 + 4 + 1 + wire.VarIntSerializeSize(uint64(len(outputs)))
	for _, out := range outputs {
		size += out.SerializeSize()
	}

	return unit.VByte(size).ToWU() + witnessMarkerWeight
}

// OutputWeight is the weight of an output paying to pkScript.
func OutputWeight(pkScript []byte) unit.WeightUnit {
	return unit.VByte(wire.NewTxOut(0, pkScript).SerializeSize()).ToWU()
}

// Build assembles the transaction described by plan. Recipient outputs keep
// the given order and the change output, if any, is appended last.
func Build(plan *coinselect.Plan, outputs []*wire.TxOut,
	changeScript fn.Option[[]byte], feeRate unit.SatPerKVByte,
	opts Options) (*UnsignedTx, error) {

	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	if opts.RelayFee == 0 {
		opts.RelayFee = txrules.DefaultRelayFeePerKb
	}

	for i, out := range outputs {
		if err := txrules.CheckOutput(out, opts.RelayFee); err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
	}

	tx := wire.NewMsgTx(TxVersion)
	utx := &UnsignedTx{
		Tx:          tx,
		ChangeIndex: -1,
	}

	var (
		inputTotal btcutil.Amount
		satWeight  unit.WeightUnit
	)
	for _, coin := range plan.Coins {
		info, ok := opts.Inputs[coin.OutPoint]
		if !ok || info.Derived == nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownInput,
				coin.OutPoint)
		}

		sequence, err := inputSequence(coin.OutPoint, info,
			opts.TipHeight)
		if err != nil {
			return nil, err
		}

		if info.Timelocks.HasAbsolute() {
			tx.LockTime = max(tx.LockTime,
				info.Timelocks.AbsoluteHeight)
		}

		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: coin.OutPoint,
			Sequence:         sequence,
		})
		utx.Coins = append(utx.Coins, coin)
		utx.Inputs = append(utx.Inputs, info)

		inputTotal += coin.Value
		satWeight += info.Derived.MaxSatisfactionWeight
	}

	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	if plan.Change {
		script, err := changeScript.UnwrapOrErr(ErrMissingChangeScript)
		if err != nil {
			return nil, err
		}

		utx.ChangeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(plan.ChangeValue), script))
	}

	var outputTotal btcutil.Amount
	for _, out := range tx.TxOut {
		outputTotal += btcutil.Amount(out.Value)
	}

	utx.Fee = inputTotal - outputTotal
	if utx.Fee != plan.Fee {
		return nil, fmt.Errorf("%w: inputs %v, outputs %v, planned "+
			"fee %v", ErrPlanMismatch, inputTotal, outputTotal,
			plan.Fee)
	}

	utx.Weight = unit.VByte(tx.SerializeSizeStripped()).ToWU() +
		witnessMarkerWeight + satWeight

	minFee := feeRate.FeeForWeight(utx.Weight)
	switch {
	case utx.Fee < minFee:
		return nil, fmt.Errorf("%w: fee %v below %v for %v",
			ErrPlanMismatch, utx.Fee, minFee, utx.Weight)

	// Without change the fee may hold folded dust, with change it must
	// not exceed the rate by more than rounding.
	case plan.Change && utx.Fee-minFee > maxFeeRounding:
		return nil, fmt.Errorf("%w: fee %v above %v for %v",
			ErrExcessFee, utx.Fee, minFee, utx.Weight)
	}

	log.Debugf("Built tx %v: %d inputs, %d outputs, fee %v, weight %v",
		tx.TxHash(), len(tx.TxIn), len(tx.TxOut), utx.Fee, utx.Weight)
	log.Tracef("Unsigned tx: %v", build.SpewClosure(tx))

	return utx, nil
}

// inputSequence checks the timelocks of an input against the next block and
// returns the sequence the input must carry.
func inputSequence(op wire.OutPoint, info InputInfo,
	tipHeight uint32) (uint32, error) {

	locks := info.Timelocks

	if locks.HasAbsolute() {
		if locks.AbsoluteHeight >= txscript.LockTimeThreshold {
			return 0, &PolicyUnsatisfiableError{
				OutPoint: op,
				Reason: fmt.Sprintf("absolute lock %d is not a "+
					"block height", locks.AbsoluteHeight),
			}
		}

		// A locktime of h is final in blocks above h.
		if locks.AbsoluteHeight > tipHeight {
			return 0, &PolicyUnsatisfiableError{
				OutPoint: op,
				Reason: fmt.Sprintf("locked until height %d, "+
					"tip is %d", locks.AbsoluteHeight,
					tipHeight),
			}
		}
	}

	if !locks.HasRelative() {
		return DefaultSequence, nil
	}

	height, err := info.Height.UnwrapOrErr(&PolicyUnsatisfiableError{
		OutPoint: op,
		Reason: fmt.Sprintf("relative lock of %d blocks on an "+
			"unconfirmed output", locks.RelativeBlocks),
	})
	if err != nil {
		return 0, err
	}

	var confs uint32
	if height <= tipHeight {
		confs = tipHeight + 1 - height
	}
	if confs < locks.RelativeBlocks {
		return 0, &PolicyUnsatisfiableError{
			OutPoint: op,
			Reason: fmt.Sprintf("relative lock of %d blocks, output "+
				"has %d confirmations in the next block",
				locks.RelativeBlocks, confs),
		}
	}

	return blockchain.LockTimeToSequence(false, locks.RelativeBlocks), nil
}

// Packet returns the transaction as a PSBT carrying the witness UTXO and, for
// script hash outputs, the witness script of every input.
func (u *UnsignedTx) Packet() (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(u.Tx.Copy())
	if err != nil {
		return nil, err
	}

	for i, coin := range u.Coins {
		pin := &packet.Inputs[i]
		pin.WitnessUtxo = wire.NewTxOut(int64(coin.Value), coin.PkScript)
		pin.SighashType = txscript.SigHashAll

		if script := u.Inputs[i].Derived.WitnessScript; len(script) > 0 {
			pin.WitnessScript = append([]byte(nil), script...)
		}
	}

	if err := packet.SanityCheck(); err != nil {
		return nil, err
	}

	return packet, nil
}

// Authored returns the transaction in the form the txauthor signing helpers
// consume.
func (u *UnsignedTx) Authored() *txauthor.AuthoredTx {
	authored := &txauthor.AuthoredTx{
		Tx:              u.Tx.Copy(),
		PrevScripts:     make([][]byte, len(u.Coins)),
		PrevInputValues: make([]btcutil.Amount, len(u.Coins)),
		ChangeIndex:     u.ChangeIndex,
	}

	for i, coin := range u.Coins {
		authored.PrevScripts[i] = coin.PkScript
		authored.PrevInputValues[i] = coin.Value
		authored.TotalInput += coin.Value
	}

	return authored
}
