package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/descwallet/netparams"
	"github.com/stretchr/testify/require"
)

func TestActiveParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config
		want    *netparams.Params
		wantErr bool
	}{
		{
			name: "mainnet by default",
			want: &netparams.MainNetParams,
		},
		{
			name: "testnet4",
			cfg:  config{TestNet4: true},
			want: &netparams.TestNet4Params,
		},
		{
			name: "regtest",
			cfg:  config{RegTest: true},
			want: &netparams.RegressionNetParams,
		},
		{
			name:    "two networks",
			cfg:     config{SigNet: true, SimNet: true},
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			params, err := test.cfg.activeParams()
			if test.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want.Name, params.Name)
		})
	}
}

func TestValidLogLevel(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"trace", "debug", "info", "warn",
		"error", "critical"} {

		require.True(t, validLogLevel(level), level)
	}
	require.False(t, validLogLevel("verbose"))
}

func TestOpenDB(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), walletDbName)

	db, err := openDB(path, time.Second*10)
	require.NoError(t, err)

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket([]byte("descsync"))
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// The second open must find the bucket written by the first.
	db, err = openDB(path, time.Second*10)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		require.NotNil(t, tx.ReadBucket([]byte("descsync")))
		return nil
	})
	require.NoError(t, err)
}
