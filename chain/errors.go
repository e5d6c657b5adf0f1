package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrTxNotFound is returned when the backend does not know a
	// transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrNotStarted is returned when a backend that needs a running
	// subscription is queried before Start.
	ErrNotStarted = errors.New("backend not started")

	// ErrUnknownBackend is returned for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown backend")
)

// BackendError is a network or protocol failure while talking to a backend.
// These failures are transient: the operation can be retried as a whole.
type BackendError struct {
	// Backend is the name of the failing driver.
	Backend string

	// Op is the failed operation.
	Op string

	// Err is the underlying failure.
	Err error
}

// Error returns the failed operation and its cause.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying failure.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Temporary marks the error as retryable.
func (e *BackendError) Temporary() bool {
	return true
}

// backendErr wraps err unless it already is a BackendError or one of the
// errors a caller needs to match on.
func backendErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		be *BackendError
		bc *BroadcastError
	)
	switch {
	case errors.As(err, &be), errors.As(err, &bc),
		errors.Is(err, ErrTxNotFound):

		return err
	}

	return &BackendError{Backend: backend, Op: op, Err: err}
}

// BroadcastError is returned when the network rejects a transaction.
// Retrying the same transaction will not help.
type BroadcastError struct {
	Txid   chainhash.Hash
	Reason string
}

// Error returns the rejected txid and the reason given by the backend.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast of %v rejected: %s", e.Txid, e.Reason)
}

// IsRetryable reports whether err is a transient backend failure. Context
// cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var be *BackendError
	return errors.As(err, &be)
}
