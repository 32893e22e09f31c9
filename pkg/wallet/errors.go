package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet engine.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrSameAccount              = errors.New("source and destination are the same account")
	ErrCommissionExceedsAmount  = errors.New("commission exceeds amount")
	ErrCommissionAccountMissing = errors.New("commission account missing")
	ErrUnbalancedPlan           = errors.New("unbalanced transfer plan")
	ErrAccountNotFound          = errors.New("account not found")
	ErrTenantMismatch           = errors.New("account does not belong to tenant")
	ErrCurrencyMismatch         = errors.New("currency mismatch")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrRepairReasonRequired     = errors.New("repair reason required")
	ErrInvalidTenantID          = errors.New("invalid tenant id")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidEntryID           = errors.New("invalid entry id")
	ErrInvalidOwnerID           = errors.New("invalid owner id")
	ErrInvalidOwnerType         = errors.New("invalid owner type")
	ErrInvalidAccountStatus     = errors.New("invalid account status")
	ErrInvalidCurrencyCode      = errors.New("invalid currency code")
	ErrInvalidEntryDirection    = errors.New("invalid entry direction")
	ErrInvalidCommissionSpec    = errors.New("invalid commission spec")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
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
