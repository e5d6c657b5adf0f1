package chain

import (
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// mempool is the compact filter backend's view of unconfirmed transactions.
// Light clients cannot query a node's mempool, so it only contains the
// transactions the backend relayed itself. They are dropped once a block
// that includes them, or a conflicting spend, is scanned.
type mempool struct {
	sync.RWMutex

	// txs stores the unconfirmed transactions by txid.
	txs map[chainhash.Hash]*wire.MsgTx

	// inputs maps each spent outpoint to the mempool tx spending it.
	inputs map[wire.OutPoint]chainhash.Hash
}

// newMempool creates a new mempool object.
func newMempool() *mempool {
	return &mempool{
		txs:    make(map[chainhash.Hash]*wire.MsgTx),
		inputs: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// clean removes the given transactions, and any mempool transaction double
// spending one of their inputs, from the mempool.
func (m *mempool) clean(txs []*wire.MsgTx) {
	m.Lock()
	defer m.Unlock()

	for _, tx := range txs {
		txid := tx.TxHash()
		m.remove(txid)

		for _, in := range tx.TxIn {
			spender, ok := m.inputs[in.PreviousOutPoint]
			if !ok || spender == txid {
				continue
			}

			log.Debugf("Dropping mempool tx %v: input %v spent by "+
				"%v", spender, in.PreviousOutPoint, txid)

			m.remove(spender)
		}
	}
}

// containsTx returns true if the given transaction hash is already in our
// mempool.
func (m *mempool) containsTx(hash chainhash.Hash) bool {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.txs[hash]
	return ok
}

// get returns the mempool transaction with the given hash.
func (m *mempool) get(hash chainhash.Hash) (*wire.MsgTx, bool) {
	m.RLock()
	defer m.RUnlock()

	tx, ok := m.txs[hash]
	return tx, ok
}

// containsInput returns true if the given input is already found spent in our
// mempool.
func (m *mempool) containsInput(op wire.OutPoint) (chainhash.Hash, bool) {
	m.RLock()
	defer m.RUnlock()

	txid, ok := m.inputs[op]
	return txid, ok
}

// add inserts the given transaction into our mempool.
func (m *mempool) add(tx *wire.MsgTx) {
	m.Lock()
	defer m.Unlock()

	hash := tx.TxHash()
	m.txs[hash] = tx

	// Update the inputs being spent.
	m.updateInputs(tx)
}

// all returns the transactions currently in the mempool.
func (m *mempool) all() []*wire.MsgTx {
	m.RLock()
	defer m.RUnlock()

	txs := make([]*wire.MsgTx, 0, len(m.txs))
	for _, tx := range m.txs {
		txs = append(txs, tx)
	}

	return txs
}

// remove deletes a transaction and its inputs.
//
// NOTE: must be used inside a lock.
func (m *mempool) remove(txid chainhash.Hash) {
	tx, ok := m.txs[txid]
	if !ok {
		return
	}
	delete(m.txs, txid)

	for _, in := range tx.TxIn {
		if m.inputs[in.PreviousOutPoint] == txid {
			delete(m.inputs, in.PreviousOutPoint)
		}
	}
}

// updateInputs takes a txid and populates the inputs of the tx into the
// mempool's inputs map.
//
// NOTE: must be used inside a lock.
func (m *mempool) updateInputs(tx *wire.MsgTx) {
	// Skip coinbase inputs.
	if blockchain.IsCoinBaseTx(tx) {
		log.Debugf("Skipping coinbase tx %v", tx.TxHash())
		return
	}

	// Iterate the tx's inputs.
	for _, input := range tx.TxIn {
		outpoint := input.PreviousOutPoint

		// Check whether this input has been spent in an old tx.
		oldTxid, ok := m.inputs[outpoint]
		if ok && oldTxid != tx.TxHash() {
			log.Tracef("Input %s was spent in tx %s, now spent "+
				"in %s", outpoint, oldTxid, tx.TxHash())
		}

		m.inputs[outpoint] = tx.TxHash()
	}
}
