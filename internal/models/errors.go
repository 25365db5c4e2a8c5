package models

import "errors"

// Error taxonomy. Callers add context with fmt.Errorf("...: %w", err) and
// classify with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient available stock")
	ErrNegativeQuantity       = errors.New("resulting quantity on hand would be negative")
	ErrBelowReservedFloor     = errors.New("resulting quantity on hand would be below reserved quantity")
	ErrInvariantViolation     = errors.New("inventory invariant violation")
	ErrConcurrencyConflict    = errors.New("concurrent modification")
	ErrAlreadyApplied         = errors.New("ledger operation already applied")
	ErrDuplicateOrder         = errors.New("reservation already exists for order")
	ErrInvalidStateTransition = errors.New("invalid reservation state transition")
	ErrCommitFailed           = errors.New("reservation commit failed")
	ErrReleaseFailed          = errors.New("reservation release failed")
)
