// Package lifecycle owns the challenge state machine.
// Legal transitions: PENDING→ACTIVE, ACTIVE→FUNDED, ACTIVE→FAILED.
// Transition functions are pure with respect to storage: they mutate the
// in-memory snapshot only, and the settlement coordinator persists the result.
package lifecycle

import (
	"errors"
	"fmt"

	"challenge-core/internal/domain"
)

// ErrIllegalTransition is returned for any transition the state machine does
// not permit, including every transition out of FUNDED or FAILED.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrRequirementsNotMet is returned by Pass when the completion requirements
// do not hold.
var ErrRequirementsNotMet = errors.New("completion requirements not met")

// Start activates a PENDING challenge. Trader-level business rules
// (one-active-challenge, no-double-funding) are enforced by the repository at
// persist time, not here.
func Start(c *domain.Challenge, now int64) error {
	if c.State != domain.StatePending {
		return fmt.Errorf("%w: start from %s", ErrIllegalTransition, c.State)
	}

	c.State = domain.StateActive
	c.StartedAt = now
	c.CurrentEquity = c.InitialBalance
	c.DailyStartEquity = c.InitialBalance
	c.MaxEquityEver = c.InitialBalance
	return nil
}

// Pass promotes an ACTIVE challenge to FUNDED. The caller supplies the
// outcome of the completion check (profit target reached, minimum trading
// days elapsed, no unresolved FATAL breach); Pass rejects when it does not
// hold.
func Pass(c *domain.Challenge, eligible bool, now int64) error {
	if c.State != domain.StateActive {
		return fmt.Errorf("%w: pass from %s", ErrIllegalTransition, c.State)
	}
	if !eligible {
		return ErrRequirementsNotMet
	}

	c.State = domain.StateFunded
	c.EndedAt = &now
	return nil
}

// Fail terminates an ACTIVE challenge with the given reason. Once the state
// precondition holds, failure always succeeds: critical risk breaches admit
// no manual override.
func Fail(c *domain.Challenge, reason string, now int64) error {
	if c.State != domain.StateActive {
		return fmt.Errorf("%w: fail from %s", ErrIllegalTransition, c.State)
	}

	c.State = domain.StateFailed
	c.EndedAt = &now
	c.FailureReason = &reason
	return nil
}
