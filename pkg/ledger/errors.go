package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrAccountNotFound         = errors.New("account not found")
	ErrChargeNotFound          = errors.New("charge not found")
	ErrChargeClosed            = errors.New("charge closed")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidChargeID         = errors.New("invalid charge id")
	ErrInvalidStyle            = errors.New("invalid style")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidChargeStatus     = errors.New("invalid charge status")
	ErrInvalidChargeOrigin     = errors.New("invalid charge origin")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidReason           = errors.New("invalid refund reason")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

const errorOperationStore = "store"

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WrapStoreError tags a persistence failure so callers can tell it apart from domain errors.
func WrapStoreError(subject string, code string, err error) error {
	return WrapError(errorOperationStore, subject, code, err)
}

// IsStoreError reports whether err originated in a Store implementation and is
// not one of the domain sentinels a store may surface.
func IsStoreError(err error) bool {
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Operation() != errorOperationStore {
		return false
	}
	for _, domainError := range []error{ErrInsufficientCredits, ErrAccountNotFound, ErrChargeNotFound, ErrChargeClosed, ErrDuplicateIdempotencyKey} {
		if errors.Is(err, domainError) {
			return false
		}
	}
	return true
}
