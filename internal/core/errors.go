package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the ledger engine matches exactly one
// of these through errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrSubscription           = errors.New("ledger subscription failed")
	ErrAggregation            = errors.New("balance aggregation failed")
	ErrWrite                  = errors.New("store rejected write")
	ErrReconciliationConflict = errors.New("recurring income already recorded for this cycle")
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNegativeAmount    = errors.New("amount must not be negative")
	ErrEmptyCategory     = errors.New("empty category")
	ErrCategoryTooLong   = errors.New("category too long (max 100 characters)")
	ErrNoteTooLong       = errors.New("note too long (max 500 characters)")
	ErrInvalidType       = errors.New("type must be income or expense")
	ErrInvalidDate       = errors.New("invalid date")
	ErrInvalidSalaryDate = errors.New("salary date must be between 1 and 31")
	ErrNotFound          = errors.New("not found")
)

// ValidationError reports malformed user input. It matches both ErrValidation
// and the field-specific sentinel.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// OpError wraps a store failure with its kind (ErrSubscription,
// ErrAggregation or ErrWrite) and the operation that failed.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func SubscriptionError(op string, err error) error {
	return &OpError{Kind: ErrSubscription, Op: op, Err: err}
}

func AggregationError(op string, err error) error {
	return &OpError{Kind: ErrAggregation, Op: op, Err: err}
}

func WriteError(op string, err error) error {
	return &OpError{Kind: ErrWrite, Op: op, Err: err}
}
