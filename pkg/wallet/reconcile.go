package wallet

import (
	"context"
	"strings"
)

// Discrepancy is the outcome of reconciling one account. Difference is
// expected minus stored; zero means consistent. Discrepancies are data, not
// errors.
type Discrepancy struct {
	AccountID       AccountID
	ExpectedBalance Amount
	StoredBalance   Amount
	Difference      Amount
}

// IsConsistent reports whether the stored balance matches the entry log.
func (discrepancy Discrepancy) IsConsistent() bool {
	return discrepancy.Difference.IsZero()
}

// ReconciliationReport aggregates a tenant-wide reconciliation run. A run is
// a point-in-time view: an account with an in-flight transfer may show a
// transient non-zero difference.
type ReconciliationReport struct {
	TenantID          TenantID
	AccountsChecked   int
	AccountsWithDrift int
	Discrepancies     []Discrepancy
	GeneratedUnixUTC  int64
}

// ReconcileAccount recomputes the account's expected balance as the signed
// sum of every entry ever posted to it (credits positive, debits negative)
// and compares it against the stored balance field.
func (service *Service) ReconcileAccount(ctx context.Context, accountID AccountID) (Discrepancy, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Discrepancy{}, err
	}
	expected, err := service.store.SumEntries(ctx, accountID)
	if err != nil {
		return Discrepancy{}, err
	}
	return Discrepancy{
		AccountID:       accountID,
		ExpectedBalance: expected,
		StoredBalance:   account.Balance,
		Difference:      expected.Sub(account.Balance),
	}, nil
}

// ReconcileTenant reconciles every account owned by the tenant. Only
// accounts with drift are carried in the report's discrepancy list.
func (service *Service) ReconcileTenant(ctx context.Context, tenantID TenantID) (ReconciliationReport, error) {
	accounts, operationError := service.store.ListTenantAccounts(ctx, tenantID)
	if operationError != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReconcile, TenantID: tenantID, Error: operationError})
		return ReconciliationReport{}, operationError
	}
	report := ReconciliationReport{
		TenantID:         tenantID,
		GeneratedUnixUTC: service.nowFn(),
	}
	for _, account := range accounts {
		discrepancy, err := service.ReconcileAccount(ctx, account.AccountID)
		if err != nil {
			service.logOperation(ctx, OperationLog{Operation: operationReconcile, TenantID: tenantID, AccountID: account.AccountID, Error: err})
			return ReconciliationReport{}, err
		}
		report.AccountsChecked++
		if !discrepancy.IsConsistent() {
			report.AccountsWithDrift++
			report.Discrepancies = append(report.Discrepancies, discrepancy)
		}
	}
	service.logOperation(ctx, OperationLog{Operation: operationReconcile, TenantID: tenantID})
	return report, nil
}

// RepairAccountBalance forces the stored balance back to the recomputed
// entry sum, recording the reason and timestamp for audit. Corrective and
// explicitly triggered: a reason is required, never implied.
func (service *Service) RepairAccountBalance(ctx context.Context, accountID AccountID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrRepairReasonRequired
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		expected, err := transactionStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.SetBalance(ctx, accountID, expected, nowUnixUTC); err != nil {
			return err
		}
		return transactionStore.RecordBalanceRepair(ctx, BalanceRepair{
			AccountID:       accountID,
			Reason:          strings.TrimSpace(reason),
			PreviousBalance: account.Balance,
			RepairedBalance: expected,
			CreatedUnixUTC:  nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRepair,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}
