package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the transfer-engine domain logic over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	logger       OperationLogger
	unitCurrency CurrencyCode
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	unitCurrency, err := NewCurrencyCode(DefaultUnitCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	service := &Service{store: store, nowFn: now, unitCurrency: unitCurrency}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// UnitCurrency returns the ledger's unit-of-account currency.
func (service *Service) UnitCurrency() CurrencyCode {
	return service.unitCurrency
}

// TransferRequest carries the inputs of one transfer operation.
type TransferRequest struct {
	TenantID             TenantID
	SourceAccountID      AccountID
	DestinationAccountID AccountID
	Amount               Amount
	Currency             CurrencyCode
	Reference            string
	Metadata             MetadataJSON
	Category             string
	// Commission postings are decommissioned on the live transfer path but
	// the capability is retained for callers that still split fees.
	Commission *CommissionSpec
}

// TransferResult is the persisted outcome of a transfer.
type TransferResult struct {
	Transaction      Transaction
	Entries          []Entry
	CommissionAmount Amount
}

// Transfer applies a balanced transfer plan atomically: transaction row,
// entry rows, and account balance deltas commit together or not at all.
// Preconditions are checked inside the storage transaction, on locked rows,
// to avoid races.
func (service *Service) Transfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	var result TransferResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if request.SourceAccountID.String() == request.DestinationAccountID.String() {
			return ErrSameAccount
		}
		source, destination, err := lockAccountPair(ctx, transactionStore, request.SourceAccountID, request.DestinationAccountID)
		if err != nil {
			return err
		}
		if source.TenantID.String() != request.TenantID.String() || destination.TenantID.String() != request.TenantID.String() {
			return ErrTenantMismatch
		}
		if !source.Currency.Equal(request.Currency) || !destination.Currency.Equal(request.Currency) {
			return ErrCurrencyMismatch
		}

		plan, err := BuildTransferPlan(request.Amount, request.SourceAccountID, request.DestinationAccountID, request.Commission)
		if err != nil {
			return err
		}

		nowUnixUTC := service.nowFn()
		transactionID, err := NewTransactionID(uuid.NewString())
		if err != nil {
			return err
		}
		category := request.Category
		if category == "" {
			category = categoryTransferDefault
		}
		transaction := Transaction{
			TransactionID:  transactionID,
			TenantID:       request.TenantID,
			Category:       category,
			Reference:      request.Reference,
			Metadata:       request.Metadata,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.CreateTransaction(ctx, transaction); err != nil {
			return err
		}

		entries := make([]Entry, 0, len(plan.Entries))
		for _, planEntry := range plan.Entries {
			entryID, err := NewEntryID(uuid.NewString())
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				EntryID:        entryID,
				TransactionID:  transactionID,
				AccountID:      planEntry.AccountID,
				Direction:      planEntry.Direction,
				Amount:         planEntry.Amount,
				CreatedUnixUTC: nowUnixUTC,
			})
		}
		if err := transactionStore.InsertEntries(ctx, entries); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := transactionStore.AddToBalance(ctx, entry.AccountID, entry.SignedAmount(), nowUnixUTC); err != nil {
				return err
			}
		}

		result = TransferResult{
			Transaction:      transaction,
			Entries:          entries,
			CommissionAmount: plan.Commission,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationTransfer,
		TenantID:      request.TenantID,
		AccountID:     request.SourceAccountID,
		TransactionID: result.Transaction.TransactionID,
		Amount:        request.Amount,
		Error:         operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

// AccountSummary is an account plus its most recent entries, newest first.
type AccountSummary struct {
	Account       Account
	RecentEntries []Entry
}

// GetAccountSummary returns the account and its recent entry history.
func (service *Service) GetAccountSummary(ctx context.Context, accountID AccountID) (AccountSummary, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return AccountSummary{}, err
	}
	entries, err := service.store.ListRecentEntries(ctx, accountID, DefaultRecentEntryLimit)
	if err != nil {
		return AccountSummary{}, err
	}
	return AccountSummary{Account: account, RecentEntries: entries}, nil
}

// EnsurePlatformAccount finds or creates the tenant's singleton
// platform-owned account. Idempotent: the store upserts against the unique
// (tenant, owner_type, owner_id) constraint, so concurrent calls cannot
// create duplicates.
func (service *Service) EnsurePlatformAccount(ctx context.Context, tenantID TenantID) (Account, error) {
	account, operationError := service.store.EnsurePlatformAccount(ctx, tenantID, service.unitCurrency, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationProvision,
		TenantID:  tenantID,
		AccountID: account.AccountID,
		Error:     operationError,
	})
	return account, operationError
}

// CheckSufficientBalance is the caller-side overdraft pre-check hook. The
// ledger itself never blocks a debit below zero; flows that want that policy
// invoke this before Transfer.
func (service *Service) CheckSufficientBalance(ctx context.Context, accountID AccountID, amount Amount) error {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// SubscribeRequest charges a vendor's wallet for a subscription period.
type SubscribeRequest struct {
	TenantID TenantID
	// VendorID resolves the vendor's wallet account when AccountID is not
	// supplied directly.
	VendorID  string
	AccountID AccountID
	Tokens    Amount
	Metadata  MetadataJSON
}

// Subscribe resolves the vendor's wallet account, validates it is
// denominated in the unit of account, and transfers tokens from the vendor
// to the tenant's platform account, tagged as a subscription charge.
func (service *Service) Subscribe(ctx context.Context, request SubscribeRequest) (TransferResult, error) {
	vendorAccount, err := service.resolveVendorAccount(ctx, request)
	if err != nil {
		service.logSubscribe(ctx, request, err)
		return TransferResult{}, err
	}
	if vendorAccount.TenantID.String() != request.TenantID.String() {
		service.logSubscribe(ctx, request, ErrTenantMismatch)
		return TransferResult{}, ErrTenantMismatch
	}
	if !vendorAccount.Currency.Equal(service.unitCurrency) {
		service.logSubscribe(ctx, request, ErrCurrencyMismatch)
		return TransferResult{}, ErrCurrencyMismatch
	}
	platformAccount, err := service.store.EnsurePlatformAccount(ctx, request.TenantID, service.unitCurrency, service.nowFn())
	if err != nil {
		service.logSubscribe(ctx, request, err)
		return TransferResult{}, err
	}
	if err := service.CheckSufficientBalance(ctx, vendorAccount.AccountID, request.Tokens); err != nil {
		service.logSubscribe(ctx, request, err)
		return TransferResult{}, err
	}
	return service.Transfer(ctx, TransferRequest{
		TenantID:             request.TenantID,
		SourceAccountID:      vendorAccount.AccountID,
		DestinationAccountID: platformAccount.AccountID,
		Amount:               request.Tokens,
		Currency:             service.unitCurrency,
		Metadata:             request.Metadata,
		Category:             categorySubscription,
	})
}

func (service *Service) resolveVendorAccount(ctx context.Context, request SubscribeRequest) (Account, error) {
	if request.AccountID.String() != "" {
		return service.store.GetAccount(ctx, request.AccountID)
	}
	if strings.TrimSpace(request.VendorID) == "" {
		return Account{}, ErrInvalidOwnerID
	}
	return service.store.FindOwnerAccount(ctx, request.TenantID, OwnerVendor, request.VendorID)
}

func (service *Service) logSubscribe(ctx context.Context, request SubscribeRequest, operationError error) {
	service.logOperation(ctx, OperationLog{
		Operation: operationSubscribe,
		TenantID:  request.TenantID,
		AccountID: request.AccountID,
		Amount:    request.Tokens,
		Error:     operationError,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// lockAccountPair fetches both accounts FOR UPDATE in lexicographic id order
// so concurrent transfers over the same pair cannot deadlock.
func lockAccountPair(ctx context.Context, store Store, sourceID AccountID, destinationID AccountID) (Account, Account, error) {
	firstID, secondID := sourceID, destinationID
	if firstID.String() > secondID.String() {
		firstID, secondID = secondID, firstID
	}
	first, err := store.GetAccountForUpdate(ctx, firstID)
	if err != nil {
		return Account{}, Account{}, err
	}
	second, err := store.GetAccountForUpdate(ctx, secondID)
	if err != nil {
		return Account{}, Account{}, err
	}
	if firstID.String() == sourceID.String() {
		return first, second, nil
	}
	return second, first, nil
}
