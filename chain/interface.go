package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// ElectrumBackend is the name of the Electrum query backend.
	ElectrumBackend = "electrum"

	// EsploraBackend is the name of the Esplora REST backend.
	EsploraBackend = "esplora"

	// NeutrinoBackend is the name of the compact block filter backend.
	NeutrinoBackend = "neutrino"
)

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		ElectrumBackend,
		EsploraBackend,
		NeutrinoBackend,
	}
}

// SeenTx is a transaction the backend reports as touching a script.
type SeenTx struct {
	Txid chainhash.Hash

	// Height is the confirmation height, or none while the transaction
	// is unconfirmed.
	Height fn.Option[uint32]
}

// String returns the txid and height of the entry.
func (s SeenTx) String() string {
	return fmt.Sprintf("%v@%d", s.Txid, s.Height.UnwrapOr(0))
}

// BlockHeader is a block header together with its height.
type BlockHeader struct {
	Height uint32
	Hash   chainhash.Hash
	Header wire.BlockHeader
}

// Checkpoint returns the header as a ledger checkpoint.
func (h *BlockHeader) Checkpoint() ledger.Checkpoint {
	return ledger.Checkpoint{Height: h.Height, Hash: h.Hash}
}

// Interface is the view of the chain the wallet syncs against. The sync
// engine only pulls: every method is a query that may be called from many
// goroutines at once.
//
// Network and protocol failures are returned as *BackendError. A missing
// transaction is reported with ErrTxNotFound and a rejected broadcast with
// *BroadcastError.
type Interface interface {
	// ScriptsStatus returns the transactions touching each of the given
	// scripts, keyed by ScriptKey. Scripts without history map to an
	// empty slice.
	ScriptsStatus(ctx context.Context,
		scripts [][]byte) (map[string][]SeenTx, error)

	// GetTransaction returns the transaction with the given id.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// Broadcast relays tx to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// Tip returns the current best block.
	Tip(ctx context.Context) (ledger.Checkpoint, error)

	// HeadersSince returns the headers from height up to the tip, in
	// ascending order.
	HeadersSince(ctx context.Context, height uint32) ([]BlockHeader, error)

	// BlockHeader returns the header at the given height of the best
	// chain.
	BlockHeader(ctx context.Context, height uint32) (*BlockHeader, error)

	// BackEnd returns the name of the driver.
	BackEnd() string
}

// ScriptKey returns the key used for a script in ScriptsStatus results.
func ScriptKey(pkScript []byte) string {
	return string(pkScript)
}

// maxHeadersSince bounds the number of headers HeadersSince returns in one
// call.
const maxHeadersSince = 2016

// clampHeaderRange returns the last height HeadersSince should serve.
func clampHeaderRange(from, tip uint32) (uint32, bool) {
	if from > tip {
		return 0, false
	}

	return min(tip, from+maxHeadersSince-1), true
}
