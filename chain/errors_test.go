package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// TestBackendErr checks that wrapping keeps the errors callers match on.
func TestBackendErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, backendErr(ElectrumBackend, "op", nil))

	rejected := &BroadcastError{Txid: chainhash.Hash{1}, Reason: "dust"}
	notFound := fmt.Errorf("%w: %v", ErrTxNotFound, chainhash.Hash{2})
	inner := &BackendError{
		Backend: EsploraBackend, Op: "tip", Err: errors.New("eof"),
	}

	require.Same(t, rejected, backendErr(ElectrumBackend, "op", rejected))
	require.Equal(t, notFound, backendErr(ElectrumBackend, "op", notFound))
	require.Same(t, inner, backendErr(ElectrumBackend, "op", inner))

	err := backendErr(NeutrinoBackend, "get_block", errors.New("timeout"))
	var be *BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, NeutrinoBackend, be.Backend)
	require.Equal(t, "get_block", be.Op)
	require.True(t, be.Temporary())
}

// TestIsRetryable checks which failures may be retried.
func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name: "backend failure",
			err: &BackendError{
				Backend: ElectrumBackend,
				Op:      "get_history",
				Err:     errors.New("reset"),
			},
			retryable: true,
		},
		{
			name: "wrapped backend failure",
			err: fmt.Errorf("sync: %w", &BackendError{
				Backend: EsploraBackend,
				Err:     errors.New("503"),
			}),
			retryable: true,
		},
		{
			name: "rejection",
			err: &BroadcastError{
				Txid: chainhash.Hash{1}, Reason: "fee",
			},
		},
		{
			name: "canceled",
			err: &BackendError{
				Backend: ElectrumBackend,
				Err:     context.Canceled,
			},
		},
		{
			name: "not found",
			err:  ErrTxNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

// TestClampHeaderRange checks the bounds of a header request.
func TestClampHeaderRange(t *testing.T) {
	t.Parallel()

	_, ok := clampHeaderRange(11, 10)
	require.False(t, ok)

	last, ok := clampHeaderRange(10, 10)
	require.True(t, ok)
	require.Equal(t, uint32(10), last)

	last, ok = clampHeaderRange(0, 100_000)
	require.True(t, ok)
	require.Equal(t, uint32(maxHeadersSince-1), last)
}
