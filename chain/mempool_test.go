package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestMempool tests that each method of the mempool struct works as expected.
func TestMempool(t *testing.T) {
	t.Parallel()

	require := require.New(t)

	m := newMempool()

	// Create a transaction.
	op1 := wire.OutPoint{Hash: chainhash.Hash{1}}
	tx1 := &wire.MsgTx{
		LockTime: 1,
		TxIn: []*wire.TxIn{
			{PreviousOutPoint: op1},
		},
	}

	// Check that mempool doesn't have the tx yet.
	require.False(m.containsTx(tx1.TxHash()))

	// Check that mempool doesn't have the input yet.
	_, found := m.containsInput(op1)
	require.False(found)

	// Now add the tx.
	m.add(tx1)

	// Mempool should now contain the tx.
	require.True(m.containsTx(tx1.TxHash()))
	got, ok := m.get(tx1.TxHash())
	require.True(ok)
	require.Equal(tx1, got)

	// Mempool should now also contain the input.
	txid, found := m.containsInput(op1)
	require.True(found)
	require.Equal(tx1.TxHash(), txid)

	// Add another tx to the mempool.
	op2 := wire.OutPoint{Hash: chainhash.Hash{2}}
	op3 := wire.OutPoint{Hash: chainhash.Hash{3}}
	tx2 := &wire.MsgTx{
		LockTime: 2,
		TxIn: []*wire.TxIn{
			{PreviousOutPoint: op2},
			{PreviousOutPoint: op3},
		},
	}
	m.add(tx2)
	require.True(m.containsTx(tx2.TxHash()))
	require.Len(m.all(), 2)

	// Clean the mempool of tx1 (this simulates a block being confirmed
	// with tx1 in the block).
	m.clean([]*wire.MsgTx{tx1})

	// Check that tx1 is no longer in the mempool.
	require.False(m.containsTx(tx1.TxHash()))

	// Check that the input of tx1 is no longer in the mempool.
	_, found = m.containsInput(op1)
	require.False(found)

	// Check that tx2 is still in the mempool.
	require.True(m.containsTx(tx2.TxHash()))
	txid, found = m.containsInput(op3)
	require.True(found)
	require.Equal(tx2.TxHash(), txid)
}

// TestMempoolCleanConflicts checks that a mined conflicting spend evicts the
// mempool transaction it double spends.
func TestMempoolCleanConflicts(t *testing.T) {
	t.Parallel()

	m := newMempool()

	op := wire.OutPoint{Hash: chainhash.Hash{9}}
	ours := &wire.MsgTx{
		Version: 2,
		TxIn:    []*wire.TxIn{{PreviousOutPoint: op}},
	}
	m.add(ours)

	mined := &wire.MsgTx{
		Version:  2,
		LockTime: 7,
		TxIn:     []*wire.TxIn{{PreviousOutPoint: op}},
	}
	m.clean([]*wire.MsgTx{mined})

	require.False(t, m.containsTx(ours.TxHash()))
	_, found := m.containsInput(op)
	require.False(t, found)
	require.Empty(t, m.all())
}
