package cfgutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "electrum.example.com", want: "electrum.example.com:50002"},
		{addr: "electrum.example.com:50001", want: "electrum.example.com:50001"},
		{addr: "127.0.0.1", want: "127.0.0.1:50002"},
		{addr: "::1", want: "[::1]:50002"},
		{addr: "[::1]:1234", want: "[::1]:1234"},
		{addr: "a:b:c]", wantErr: true},
	}

	for _, test := range tests {
		got, err := NormalizeAddress(test.addr, "50002")
		if test.wantErr {
			require.Error(t, err, test.addr)
			continue
		}

		require.NoError(t, err, test.addr)
		require.Equal(t, test.want, got)
	}
}

func TestNormalizeAddressesDedup(t *testing.T) {
	t.Parallel()

	got, err := NormalizeAddresses(
		[]string{"10.0.0.1", "10.0.0.1:8333", "10.0.0.2:18333"}, "8333",
	)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:8333", "10.0.0.2:18333"}, got)
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.db")

	exists, err := FileExists(path)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, os.WriteFile(path, nil, 0600))

	exists, err = FileExists(path)
	require.NoError(t, err)
	require.True(t, exists)
}
