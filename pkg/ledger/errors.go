package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrReservationHeld          = errors.New("reservation already held for auction")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrReservationMismatch      = errors.New("reservation owner mismatch")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidAuctionID         = errors.New("invalid auction id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidReservationState  = errors.New("invalid reservation state")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	// ErrTxConflict marks a transient serialization or deadlock failure the
	// caller may retry.
	ErrTxConflict = errors.New("transaction conflict")
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
