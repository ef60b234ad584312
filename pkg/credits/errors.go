package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrDuplicateClaim           = errors.New("event already claimed")
	ErrUnknownAccount           = errors.New("unknown account")
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrPaymentExists            = errors.New("payment already exists")
	ErrInvalidPaymentTransition = errors.New("invalid payment transition")
	ErrValidityNotFound         = errors.New("validity record not found")
	ErrValidityExpired          = errors.New("validity record already expired")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidEventKey          = errors.New("invalid event key")
	ErrInvalidProvider          = errors.New("invalid provider")
	ErrInvalidCreditType        = errors.New("invalid credit type")
	ErrInvalidTransactionKind   = errors.New("invalid transaction kind")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidPaymentStatus     = errors.New("invalid payment status")
	ErrInvalidPaymentEvent      = errors.New("invalid payment event")
	ErrInvalidIntentKind        = errors.New("invalid intent kind")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
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
