package service

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError
var ErrValidation = errors.New("validation error")

// Initiation errors
var (
	ErrInvalidReference    = errors.New("invalid payer reference")
	ErrAmountOutOfRange    = errors.New("amount out of range")
	ErrProviderUnavailable = errors.New("payment could not be initiated, please try again")
	ErrProviderRejected    = errors.New("payment rejected by provider")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderAlreadyPaid    = errors.New("order already paid")
	ErrPaymentInProgress   = errors.New("a payment is already in progress for this order")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Manual review errors
var (
	ErrFlagNotFound    = errors.New("reconciliation flag not found")
	ErrFlagResolved    = errors.New("reconciliation flag already resolved")
	ErrInvalidDecision = errors.New("invalid review decision")
	ErrUnlinkedFlag    = errors.New("flag is not linked to a transaction")
)

// ValidationError is malformed input. It fails fast and is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, reason string, cause error) error {
	return &ValidationError{Field: field, Reason: reason, Err: cause}
}
