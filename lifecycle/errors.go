/*
errors.go - Error taxonomy for task lifecycle operations

ERROR CATEGORIES:
  1. NotFound           - task does not exist
  2. Forbidden          - role not allowed, or not the assignee
  3. InvalidTransition  - no edge from the current status to the target
  4. MissingField       - a required field or precondition is absent
  5. Validation         - malformed input (bad enum, empty title)
  6. InvariantViolation - a write was attempted without validation
  7. ConcurrentModification - the task changed between read and write

All of these except 6 and 7 are recoverable by the caller. Insufficient
credits come from the credits package unchanged.
*/
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/campfire-engine/credits"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrMissingField           = errors.New("missing required field")
	ErrInvariantViolation     = errors.New("invariant violation")
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrValidation is shared with the credits package so callers test one sentinel.
	ErrValidation = credits.ErrValidation
)

// ValidationError is the credits validation error; the taxonomy is shared.
type ValidationError = credits.ValidationError

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ForbiddenError says which roles (or which user) the operation needs.
type ForbiddenError struct {
	Action   string
	Required []Role
	Reason   string
}

func (e *ForbiddenError) Error() string {
	msg := "forbidden: " + e.Action
	if len(e.Required) > 0 {
		roles := make([]string, len(e.Required))
		for i, r := range e.Required {
			roles[i] = string(r)
		}
		msg += " requires role " + strings.Join(roles, " or ")
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("invalid transition: %s is terminal", e.From)
	}
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type MissingFieldError struct {
	Field  string
	Reason string
}

func (e *MissingFieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("missing %s: %s", e.Field, e.Reason)
	}
	return "missing required field " + e.Field
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMissingField) ||
		credits.IsClientError(err)
}

// IsNotFound returns true if the error indicates a missing task.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool { return errors.Is(err, ErrConcurrentModification) }
