/*
errors.go - Error types for the credit ledger

ERROR CATEGORIES:
  1. Business rejections - InsufficientCredits (hold precondition failed)
  2. Input errors - Validation (malformed amount, unknown pack)
  3. Audit failures - Reconciliation (ledger does not replay to the balance)

Storage failures are never mapped to these types; they are wrapped with %w
and surface to the caller as internal errors.
*/
package credits

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a hold exceeds available credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrValidation is returned for malformed input such as a non-positive amount.
	ErrValidation = errors.New("validation failed")

	// ErrPackNotFound is returned when a purchase names an unknown credit pack.
	ErrPackNotFound = errors.New("credit pack not found")

	// ErrReconciliation is returned when the ledger does not replay to the stored balance.
	ErrReconciliation = errors.New("ledger does not reconcile")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError reports how far a hold fell short.
type InsufficientCreditsError struct {
	UserID    string
	Available Amount
	Needed    Amount
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %s, needed %s", e.Available, e.Needed)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Shortfall is how many more credits the client would need.
func (e *InsufficientCreditsError) Shortfall() Amount { return e.Needed - e.Available }

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ReconciliationError carries both sides of a failed reconciliation.
type ReconciliationError struct {
	Report ReconciliationReport
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("ledger for %s does not reconcile: stored %+v, replayed %+v",
		e.Report.UserID, e.Report.Stored, e.Report.Replayed)
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller can fix the request and retry.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPackNotFound)
}
