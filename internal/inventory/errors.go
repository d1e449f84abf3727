// internal/inventory/errors.go
package inventory

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error classes. Typed errors below match these with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrContention         = errors.New("item is busy, retry later")
	ErrNotFound           = errors.New("not found")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError carries the quantity actually left so the caller
// can offer a smaller amount.
type InsufficientStockError struct {
	ItemID    uuid.UUID
	Requested int
	Remaining int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, remaining %d", e.ItemID, e.Requested, e.Remaining)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransitionError is returned when a record cannot move from its current state.
type TransitionError struct {
	RecordID uuid.UUID
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("checkout %s cannot move from %s to %s", e.RecordID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvariantViolationError rejects a catalog adjustment that would push the
// total below the quantity on loan.
type InvariantViolationError struct {
	ItemID         uuid.UUID
	OnLoan         int
	ResultingTotal int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("item %s: total would become %d but %d are on loan", e.ItemID, e.ResultingTotal, e.OnLoan)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// Retryable reports whether err is transient: the request may succeed unchanged later.
func Retryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrStoreUnavailable)
}
