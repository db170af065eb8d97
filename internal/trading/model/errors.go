package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for lookup and state failures
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrOrderTerminal      = errors.New("order is already terminal")
	ErrOrderNotModifiable = errors.New("order cannot be modified")
	ErrPairNotFound       = errors.New("trading pair not found")
	ErrRateUnavailable    = errors.New("rate unavailable")
	ErrUnauthorized       = errors.New("requester is not the order owner")
)

// ValidationError reports a malformed or out-of-range request.
// Never retried, surfaced immediately to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// RiskRejection reports a policy rejection from the risk engine.
type RiskRejection struct {
	Reason string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("order rejected by risk engine: %s", e.Reason)
}

// ComplianceRejection reports a policy rejection from the compliance engine.
type ComplianceRejection struct {
	Reason string
}

func (e *ComplianceRejection) Error() string {
	return fmt.Sprintf("rejected by compliance engine: %s", e.Reason)
}

// ProviderUnavailable reports that no liquidity provider could quote.
// Transient; the caller may retry the whole submission later.
type ProviderUnavailable struct {
	Pair string
}

func (e *ProviderUnavailable) Error() string {
	return fmt.Sprintf("no liquidity provider available for %s", e.Pair)
}

// ExecutionFailure reports that all providers were exhausted with quantity
// still outstanding. The already-filled portion is never rolled back.
type ExecutionFailure struct {
	OrderID   uuid.UUID
	Remaining decimal.Decimal
	Err       error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failed for order %s with %s remaining: %v",
		e.OrderID, e.Remaining, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// SettlementFailure reports a failed payment or ledger movement. Retryable;
// the settlement stays in the failed registry until resolved.
type SettlementFailure struct {
	SettlementID uuid.UUID
	Err          error
}

func (e *SettlementFailure) Error() string {
	return fmt.Sprintf("settlement %s failed: %v", e.SettlementID, e.Err)
}

func (e *SettlementFailure) Unwrap() error { return e.Err }
