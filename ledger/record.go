package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Checkpoint is a block the ledger has been reconciled against.
type Checkpoint struct {
	Height uint32
	Hash   chainhash.Hash
}

// String returns the height and hash of the checkpoint.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%d:%v", c.Height, c.Hash)
}

// ScriptRef locates the derived script an output pays to.
type ScriptRef struct {
	Descriptor descriptor.ID
	Chain      descriptor.Chain
	Index      uint32
}

// Utxo is a wallet owned transaction output. Spent outputs are kept so that
// the wallet history stays queryable; an output is only removed together
// with the transaction that created it.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Script   ScriptRef

	// Height is the confirmation height of the creating transaction.
	Height fn.Option[uint32]

	// SpentBy is the transaction spending this output, if any.
	SpentBy fn.Option[chainhash.Hash]
}

// Spent reports whether a known transaction spends the output.
func (u *Utxo) Spent() bool {
	return u.SpentBy.IsSome()
}

// Confirmed reports whether the creating transaction is confirmed.
func (u *Utxo) Confirmed() bool {
	return u.Height.IsSome()
}

// Confirmations returns the confirmation count at the given tip height.
func (u *Utxo) Confirmations(tip uint32) uint32 {
	return confirmations(u.Height, tip)
}

// TxStatus is the chain status of a TxRecord.
type TxStatus uint8

const (
	// StatusPending is a transaction seen in the mempool, broadcast by
	// the wallet, or no longer reported by the backend.
	StatusPending TxStatus = iota

	// StatusConfirmed is a transaction included in a block at or below
	// the checkpoint tip.
	StatusConfirmed

	// StatusInvalidated is a transaction whose block was disconnected by
	// a reorg and that awaits re-observation.
	StatusInvalidated
)

// String returns the name of the status.
func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// TxRecord is a transaction relevant to the wallet.
type TxRecord struct {
	Txid chainhash.Hash
	Tx   *wire.MsgTx

	Height    fn.Option[uint32]
	Timestamp fn.Option[uint64]
	Status    TxStatus

	// Received is the total paid to tracked scripts.
	Received btcutil.Amount

	// Sent is the total of wallet outputs spent by the transaction.
	Sent btcutil.Amount

	// Fee is only known once every input's previous output is known.
	Fee fn.Option[btcutil.Amount]
}

// Confirmations returns the confirmation count at the given tip height.
func (r *TxRecord) Confirmations(tip uint32) uint32 {
	return confirmations(r.Height, tip)
}

// Net returns the balance change the transaction causes.
func (r *TxRecord) Net() btcutil.Amount {
	return r.Received - r.Sent
}

func confirmations(height fn.Option[uint32], tip uint32) uint32 {
	return fn.MapOptionZ(height, func(h uint32) uint32 {
		if h > tip {
			return 0
		}
		return tip - h + 1
	})
}

// Balance splits the unspent value of the wallet by confirmation state.
type Balance struct {
	Confirmed btcutil.Amount
	Pending   btcutil.Amount
}

// Total returns the sum of confirmed and pending value.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Pending
}

// String returns a short human readable balance.
func (b Balance) String() string {
	return fmt.Sprintf("confirmed=%v pending=%v", b.Confirmed, b.Pending)
}
