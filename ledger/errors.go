package ledger

import (
	"errors"
	"fmt"
)

// ErrLedgerInvariant is the sentinel wrapped by every InvariantViolation. A
// violation indicates a bug; the commit that caused it is discarded and the
// sync engine halts.
var ErrLedgerInvariant = errors.New("ledger invariant violation")

// InvariantViolation describes a broken ledger invariant.
type InvariantViolation struct {
	Reason string
}

// Error returns the violated invariant.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%v: %s", ErrLedgerInvariant, e.Reason)
}

// Unwrap returns ErrLedgerInvariant.
func (e *InvariantViolation) Unwrap() error {
	return ErrLedgerInvariant
}

func violationf(format string, args ...any) error {
	return &InvariantViolation{Reason: fmt.Sprintf(format, args...)}
}
