package wallet

import (
	"context"
	"errors"
	"testing"
)

func transferOnce(test *testing.T, service *Service, source Account, destination Account, amount string) {
	test.Helper()
	_, err := service.Transfer(context.Background(), TransferRequest{
		TenantID:             source.TenantID,
		SourceAccountID:      source.AccountID,
		DestinationAccountID: destination.AccountID,
		Amount:               mustAmount(test, amount),
		Currency:             mustCurrency(test, "TOK"),
	})
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}
}

func TestReconcileAccountConsistentAfterTransfers(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	source := seedAccount(test, store, "acct-a", "tenant-1", OwnerVendor, "vendor-1", "TOK", "0")
	destination := seedAccount(test, store, "acct-b", "tenant-1", OwnerUser, "user-1", "TOK", "0")
	service := mustNewService(test, store)

	transferOnce(test, service, source, destination, "10.00")
	transferOnce(test, service, destination, source, "4.25")

	discrepancy, err := service.ReconcileAccount(context.Background(), source.AccountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !discrepancy.IsConsistent() {
		test.Fatalf("expected consistent account, got difference %s", discrepancy.Difference)
	}
	if discrepancy.ExpectedBalance.Cmp(mustAmount(test, "-5.75")) != 0 {
		test.Fatalf("expected -5.75, got %s", discrepancy.ExpectedBalance)
	}
}

func TestReconcileAccountDetectsCorruption(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	source := seedAccount(test, store, "acct-a", "tenant-1", OwnerVendor, "vendor-1", "TOK", "100.00")
	destination := seedAccount(test, store, "acct-b", "tenant-1", OwnerUser, "user-1", "TOK", "0")
	service := mustNewService(test, store)

	transferOnce(test, service, source, destination, "40.00")

	// Seeded balances have no backing entries, so the entry log says -40.00
	// for the source while the stored balance reads 60.00.
	discrepancy, err := service.ReconcileAccount(context.Background(), source.AccountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if discrepancy.IsConsistent() {
		test.Fatalf("expected drift, got consistent account")
	}
	if discrepancy.Difference.Cmp(mustAmount(test, "-100.00")) != 0 {
		test.Fatalf("expected difference -100.00, got %s", discrepancy.Difference)
	}
}

func TestReconcileTenantReportsOnlyDriftedAccounts(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	source := seedAccount(test, store, "acct-a", "tenant-1", OwnerVendor, "vendor-1", "TOK", "0")
	destination := seedAccount(test, store, "acct-b", "tenant-1", OwnerUser, "user-1", "TOK", "0")
	drifted := seedAccount(test, store, "acct-c", "tenant-1", OwnerUser, "user-2", "TOK", "7.00")
	service := mustNewService(test, store)

	transferOnce(test, service, source, destination, "10.00")

	report, err := service.ReconcileTenant(context.Background(), source.TenantID)
	if err != nil {
		test.Fatalf("reconcile tenant: %v", err)
	}
	if report.AccountsChecked != 3 {
		test.Fatalf("expected 3 accounts checked, got %d", report.AccountsChecked)
	}
	if report.AccountsWithDrift != 1 {
		test.Fatalf("expected 1 drifted account, got %d", report.AccountsWithDrift)
	}
	if len(report.Discrepancies) != 1 || report.Discrepancies[0].AccountID.String() != drifted.AccountID.String() {
		test.Fatalf("expected discrepancy for %s, got %+v", drifted.AccountID, report.Discrepancies)
	}
}

func TestRepairAccountBalanceRequiresReason(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	account := seedAccount(test, store, "acct-a", "tenant-1", OwnerUser, "user-1", "TOK", "7.00")
	service := mustNewService(test, store)

	err := service.RepairAccountBalance(context.Background(), account.AccountID, "   ")
	if !errors.Is(err, ErrRepairReasonRequired) {
		test.Fatalf("expected ErrRepairReasonRequired, got %v", err)
	}
	if len(store.repairs) != 0 {
		test.Fatalf("expected no repair records, got %d", len(store.repairs))
	}
}

func TestRepairAccountBalanceRestoresEntrySum(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	account := seedAccount(test, store, "acct-a", "tenant-1", OwnerUser, "user-1", "TOK", "7.00")
	service := mustNewService(test, store)

	if err := service.RepairAccountBalance(context.Background(), account.AccountID, "manual audit 2026-08"); err != nil {
		test.Fatalf("repair: %v", err)
	}

	repaired, err := store.GetAccount(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if !repaired.Balance.IsZero() {
		test.Fatalf("expected balance repaired to 0, got %s", repaired.Balance)
	}
	if len(store.repairs) != 1 {
		test.Fatalf("expected 1 repair record, got %d", len(store.repairs))
	}
	repair := store.repairs[0]
	if repair.Reason != "manual audit 2026-08" {
		test.Fatalf("unexpected repair reason %q", repair.Reason)
	}
	if repair.PreviousBalance.Cmp(mustAmount(test, "7.00")) != 0 {
		test.Fatalf("expected previous balance 7.00, got %s", repair.PreviousBalance)
	}
	if !repair.RepairedBalance.IsZero() {
		test.Fatalf("expected repaired balance 0, got %s", repair.RepairedBalance)
	}

	discrepancy, err := service.ReconcileAccount(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("reconcile after repair: %v", err)
	}
	if !discrepancy.IsConsistent() {
		test.Fatalf("expected consistency after repair, got difference %s", discrepancy.Difference)
	}
}
