package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrPolicyUnsatisfiable is returned when an input cannot be spent in
	// the next block because a timelock of its policy is not yet met.
	ErrPolicyUnsatisfiable = errors.New("spending policy not satisfiable")

	// ErrNoOutputs is returned when there is nothing to pay to.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrMissingChangeScript is returned when the plan creates change but
	// no change script was given.
	ErrMissingChangeScript = errors.New("plan needs change but no " +
		"change script was given")

	// ErrUnknownInput is returned when a planned coin has no spend info.
	ErrUnknownInput = errors.New("no spend info for input")

	// ErrPlanMismatch is returned when the plan does not balance the
	// outputs it is built with.
	ErrPlanMismatch = errors.New("selection plan does not match outputs")

	// ErrExcessFee is returned when a plan with change pays more than the
	// requested rate plus rounding.
	ErrExcessFee = errors.New("fee exceeds the requested rate")
)

// PolicyUnsatisfiableError names the input whose timelock is not met.
type PolicyUnsatisfiableError struct {
	// OutPoint is the offending input.
	OutPoint wire.OutPoint

	// Reason describes the unmet lock.
	Reason string
}

// Error returns the outpoint and the reason.
func (e *PolicyUnsatisfiableError) Error() string {
	return fmt.Sprintf("input %v: %s", e.OutPoint, e.Reason)
}

// Unwrap returns ErrPolicyUnsatisfiable.
func (e *PolicyUnsatisfiableError) Unwrap() error {
	return ErrPolicyUnsatisfiable
}
