package invoice

import (
	"errors"
	"fmt"

	"github.com/waltings/billipocket-gpt5/internal/money"
)

var (
	// ErrInvalidAmount is returned for a bad quantity, unit price or tax rate.
	ErrInvalidAmount = money.ErrInvalidAmount

	// ErrInvalidDateRange is returned when the due date precedes the issue date.
	ErrInvalidDateRange = errors.New("due date precedes issue date")

	// ErrAllocationUnavailable is returned when no invoice number could be
	// reserved. Callers must not retry blindly: the reservation may have
	// succeeded before the failure was observed.
	ErrAllocationUnavailable = errors.New("invoice number allocation unavailable")

	// ErrInvoiceLocked is returned for line or tax edits on a paid invoice.
	ErrInvoiceLocked = errors.New("cannot edit a paid invoice")

	// ErrInvalidTransition is returned for a status change outside the
	// allowed set.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrLineNotFound    = errors.New("invoice line not found")
	ErrDuplicateNumber = errors.New("invoice number already in use")
	ErrEmptyInvoice    = errors.New("invoice has no lines")
	ErrReasonRequired  = errors.New("a reason is required to reverse a payment")
	ErrInvoiceBusy     = errors.New("invoice is being modified, try again")
)

// ValidationError reports a single rejected input field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransitionError reports a rejected status change.
type TransitionError struct {
	From  Status
	To    Status
	Cause error
}

func (e *TransitionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot change status from %s to %s: %v", e.From, e.To, e.Cause)
	}
	return fmt.Sprintf("cannot change status from %s to %s", e.From, e.To)
}

// Is makes every TransitionError match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func (e *TransitionError) Unwrap() error { return e.Cause }
