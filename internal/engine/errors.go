package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotEnrolled is returned when the user has no wallet in the tournament.
var ErrNotEnrolled = errors.New("user not enrolled in this tournament")

// ValidationError marks caller mistakes (bad side, non-positive quantity).
// Not retryable.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// InsufficientFundsError rejects a BUY whose notional exceeds the wallet
// balance.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		e.Required, e.Available)
}

// InsufficientPositionError rejects a SELL larger than the held position.
// Available is zero when no position exists at all.
type InsufficientPositionError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("insufficient position: required %s, available %s",
		e.Requested, e.Available)
}

// InvalidStateError rejects an operation on an entity in the wrong state,
// e.g. closing a demo order that is no longer OPEN.
type InvalidStateError struct {
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s", e.Status)
}
