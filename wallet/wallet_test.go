// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

// testAccountKey returns a deterministic account level extended key.
func testAccountKey(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, testParams)
	require.NoError(t, err)

	account, err := master.Derive(hdkeychain.HardenedKeyStart + 84)
	require.NoError(t, err)

	return account
}

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create(
		"bdb", dbPath, true, time.Second*10, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// testWallet is a wallet synced against a fakeChain.
type testWallet struct {
	*Wallet

	chain *fakeChain
	desc  *descriptor.WPKH
	db    walletdb.DB
}

func newTestWallet(t *testing.T, c *fakeChain,
	maxCheckpoints int) *testWallet {

	t.Helper()

	return openTestWallet(t, c, openTestDB(t), maxCheckpoints)
}

func openTestWallet(t *testing.T, c *fakeChain, db walletdb.DB,
	maxCheckpoints int) *testWallet {

	t.Helper()

	desc, err := descriptor.NewWPKH(testAccountKey(t, 1), testParams)
	require.NoError(t, err)

	w, err := New(Config{
		DB:             db,
		Chain:          c,
		External:       desc,
		MaxCheckpoints: maxCheckpoints,
	})
	require.NoError(t, err)

	return &testWallet{Wallet: w, chain: c, desc: desc, db: db}
}

// script returns the wallet script at the given chain and index.
func (w *testWallet) script(t *testing.T, ch descriptor.Chain,
	index uint32) []byte {

	t.Helper()

	derived, err := w.desc.Derive(ch, index)
	require.NoError(t, err)

	return derived.PkScript
}

func (w *testWallet) mustSync(t *testing.T) *SyncReport {
	t.Helper()

	report, err := w.Sync(context.Background())
	require.NoError(t, err)

	return report
}

func (w *testWallet) mustTx(t *testing.T, txid chainhash.Hash) ledger.TxRecord {
	t.Helper()

	rec, ok := w.Snapshot().Tx(txid)
	require.True(t, ok, "transaction %v not recorded", txid)

	return rec
}

// foreignScript returns a P2WPKH script the wallet does not track.
func foreignScript(t *testing.T) []byte {
	t.Helper()

	desc, err := descriptor.NewWPKH(testAccountKey(t, 2), testParams)
	require.NoError(t, err)

	derived, err := desc.Derive(descriptor.External, 0)
	require.NoError(t, err)

	return derived.PkScript
}

// fundingTx pays value to pkScript from an output outside the wallet.
func fundingTx(pkScript []byte, value btcutil.Amount, salt byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: chainhash.Hash{0xee, salt},
	}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	return tx
}

// spendTx spends the given outpoint paying value to pkScript.
func spendTx(prev wire.OutPoint, pkScript []byte,
	value btcutil.Amount) *wire.MsgTx {

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	return tx
}

// TestNewConfigValidation checks that missing dependencies are reported.
func TestNewConfigValidation(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	c := newFakeChain(0)
	desc, err := descriptor.NewWPKH(testAccountKey(t, 1), testParams)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
		err  error
	}{
		{
			name: "no db",
			cfg:  Config{Chain: c, External: desc},
			err:  ErrMissingDB,
		},
		{
			name: "no chain",
			cfg:  Config{DB: db, External: desc},
			err:  ErrMissingChain,
		},
		{
			name: "no descriptor",
			cfg:  Config{DB: db, Chain: c},
			err:  ErrMissingDescriptor,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.cfg)
			require.ErrorIs(t, err, test.err)
		})
	}
}

// TestNewAddress checks that the same address is handed out until a payment
// to it is synced.
func TestNewAddress(t *testing.T) {
	t.Parallel()

	c := newFakeChain(100)
	w := newTestWallet(t, c, 0)
	w.mustSync(t)

	first, err := w.NewAddress(descriptor.External)
	require.NoError(t, err)

	again, err := w.NewAddress(descriptor.External)
	require.NoError(t, err)
	require.Equal(t, first.String(), again.String())

	derived, err := w.desc.Derive(descriptor.External, 0)
	require.NoError(t, err)
	require.Equal(t, derived.Address.String(), first.String())

	c.mine(fundingTx(derived.PkScript, 10_000, 1))
	w.mustSync(t)

	next, err := w.NewAddress(descriptor.External)
	require.NoError(t, err)

	derived, err = w.desc.Derive(descriptor.External, 1)
	require.NoError(t, err)
	require.Equal(t, derived.Address.String(), next.String())

	// The internal chain is independent.
	change, err := w.NewAddress(descriptor.Internal)
	require.NoError(t, err)

	derived, err = w.desc.Derive(descriptor.Internal, 0)
	require.NoError(t, err)
	require.Equal(t, derived.Address.String(), change.String())
}

// TestListUnspent checks the confirmation filter of ListUnspent.
func TestListUnspent(t *testing.T) {
	t.Parallel()

	c := newFakeChain(100)
	w := newTestWallet(t, c, 0)

	c.mine(fundingTx(w.script(t, descriptor.External, 0), 10_000, 1))
	c.mineEmpty(4)
	c.send(fundingTx(w.script(t, descriptor.External, 1), 20_000, 2))
	w.mustSync(t)

	require.Len(t, w.ListUnspent(0), 2)
	require.Len(t, w.ListUnspent(5), 1)
	require.Empty(t, w.ListUnspent(6))

	require.Equal(t, ledger.Balance{
		Confirmed: 10_000,
		Pending:   20_000,
	}, w.Balance())
	require.Len(t, w.Transactions(), 2)
}

// TestReopenWallet checks that scripts and ledger survive a restart.
func TestReopenWallet(t *testing.T) {
	t.Parallel()

	c := newFakeChain(100)
	db := openTestDB(t)
	w := openTestWallet(t, c, db, 0)

	fund := fundingTx(w.script(t, descriptor.External, 15), 10_000, 1)
	c.mine(fund)
	w.mustSync(t)

	reopened := openTestWallet(t, c, db, 0)
	require.Equal(t, w.Balance(), reopened.Balance())
	require.Equal(t, fn.Some(uint32(35)),
		reopened.tracker.Horizon(descriptor.External))

	rec := reopened.mustTx(t, fund.TxHash())
	require.Equal(t, fn.Some(uint32(101)), rec.Height)

	report := reopened.mustSync(t)
	require.Zero(t, report.NewTxs)
	require.Zero(t, report.UpdatedTxs)
}
