package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrUnknownUser            = errors.New("unknown user")
	ErrUserBlocked            = errors.New("user blocked")
	ErrUnknownIntent          = errors.New("unknown purchase intent")
	ErrIntentClosed           = errors.New("purchase intent closed")
	ErrPromoNotFound          = errors.New("promo code not found")
	ErrPromoAlreadyUsed       = errors.New("promo code already used")
	ErrPromoExists            = errors.New("promo code already exists")
	ErrBonusTooSoon           = errors.New("daily bonus claimed too recently")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidIntentID        = errors.New("invalid intent id")
	ErrInvalidPromoCode       = errors.New("invalid promo code")
	ErrInvalidTransferRef     = errors.New("invalid transfer reference")
	ErrInvalidRecipient       = errors.New("invalid recipient")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInvalidAmountCents     = errors.New("invalid amount cents")
	ErrInvalidSignedAmount    = errors.New("invalid signed amount cents")
	ErrInvalidIntentStatus    = errors.New("invalid intent status")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidOutcome         = errors.New("invalid purchase outcome")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidBalance         = errors.New("invalid balance")
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
