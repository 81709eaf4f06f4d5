package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits        = errors.New("insufficient credits")
	ErrDuplicateEntry             = errors.New("duplicate ledger entry")
	ErrDuplicateEvent             = errors.New("duplicate external event")
	ErrAccountNotFound            = errors.New("account not found")
	ErrReservationNotFound        = errors.New("reservation not found")
	ErrReservationExists          = errors.New("reservation already exists")
	ErrReservationExpired         = errors.New("reservation expired")
	ErrReservationAlreadyResolved = errors.New("reservation already resolved")
	ErrReservationInsufficient    = errors.New("reservation insufficient for actual amount")
	ErrInvalidAccountID           = errors.New("invalid account id")
	ErrInvalidEventID             = errors.New("invalid external event id")
	ErrInvalidEntryKind           = errors.New("invalid entry kind")
	ErrInvalidAmount              = errors.New("invalid credit amount")
	ErrInvalidReservationID       = errors.New("invalid reservation id")
	ErrInvalidReservationStatus   = errors.New("invalid reservation status")
	ErrInvalidMetadataJSON        = errors.New("invalid metadata json")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
)

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
