package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation     string
	TenantID      TenantID
	AccountID     AccountID
	TransactionID TransactionID
	Amount        Amount
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every
// operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithUnitCurrency overrides the ledger's unit-of-account currency.
func WithUnitCurrency(currency CurrencyCode) ServiceOption {
	return func(service *Service) {
		service.unitCurrency = currency
	}
}
