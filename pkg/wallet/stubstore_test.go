package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store for service tests. WithTx holds one mutex
// for the whole transaction, the way row locks serialize conflicting
// transfers, and rolls back to a snapshot on error so atomicity assertions
// hold.
type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	entries      []Entry
	repairs      []BalanceRepair
}

func newStubStore() *stubStore {
	return &stubStore{accounts: make(map[string]Account)}
}

func (store *stubStore) addAccount(account Account) {
	store.accounts[account.AccountID.String()] = account
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, &stubTxStore{store: store}); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	accounts     map[string]Account
	transactions []Transaction
	entries      []Entry
	repairs      []BalanceRepair
}

func (store *stubStore) snapshot() stubSnapshot {
	accounts := make(map[string]Account, len(store.accounts))
	for key, account := range store.accounts {
		accounts[key] = account
	}
	return stubSnapshot{
		accounts:     accounts,
		transactions: append([]Transaction(nil), store.transactions...),
		entries:      append([]Entry(nil), store.entries...),
		repairs:      append([]BalanceRepair(nil), store.repairs...),
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.accounts = snapshot.accounts
	store.transactions = snapshot.transactions
	store.entries = snapshot.entries
	store.repairs = snapshot.repairs
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getAccountLocked(accountID)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) FindOwnerAccount(ctx context.Context, tenantID TenantID, ownerType OwnerType, ownerID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.findOwnerAccountLocked(tenantID, ownerType, ownerID)
}

func (store *stubStore) EnsurePlatformAccount(ctx context.Context, tenantID TenantID, currency CurrencyCode, nowUnixUTC int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.ensurePlatformAccountLocked(tenantID, currency, nowUnixUTC)
}

func (store *stubStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.createTransactionLocked(transaction)
}

func (store *stubStore) InsertEntries(ctx context.Context, entries []Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertEntriesLocked(entries)
}

func (store *stubStore) AddToBalance(ctx context.Context, accountID AccountID, delta Amount, nowUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.addToBalanceLocked(accountID, delta, nowUnixUTC)
}

func (store *stubStore) SetBalance(ctx context.Context, accountID AccountID, balance Amount, nowUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.setBalanceLocked(accountID, balance, nowUnixUTC)
}

func (store *stubStore) RecordBalanceRepair(ctx context.Context, repair BalanceRepair) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.recordBalanceRepairLocked(repair)
}

func (store *stubStore) ListRecentEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listRecentEntriesLocked(accountID, limit)
}

func (store *stubStore) SumEntries(ctx context.Context, accountID AccountID) (Amount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sumEntriesLocked(accountID)
}

func (store *stubStore) ListTenantAccounts(ctx context.Context, tenantID TenantID) ([]Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listTenantAccountsLocked(tenantID)
}

func (store *stubStore) getAccountLocked(accountID AccountID) (Account, error) {
	account, found := store.accounts[accountID.String()]
	if !found {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) findOwnerAccountLocked(tenantID TenantID, ownerType OwnerType, ownerID string) (Account, error) {
	for _, account := range store.accounts {
		if account.TenantID.String() == tenantID.String() &&
			account.OwnerType == ownerType &&
			account.OwnerID == ownerID {
			return account, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (store *stubStore) ensurePlatformAccountLocked(tenantID TenantID, currency CurrencyCode, nowUnixUTC int64) (Account, error) {
	existing, err := store.findOwnerAccountLocked(tenantID, OwnerPlatform, tenantID.String())
	if err == nil {
		return existing, nil
	}
	accountID, err := NewAccountID(fmt.Sprintf("platform-%s", tenantID.String()))
	if err != nil {
		return Account{}, err
	}
	account := Account{
		AccountID:      accountID,
		TenantID:       tenantID,
		OwnerType:      OwnerPlatform,
		OwnerID:        tenantID.String(),
		Currency:       currency,
		Balance:        ZeroAmount(),
		Status:         AccountStatusActive,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	store.accounts[accountID.String()] = account
	return account, nil
}

func (store *stubStore) createTransactionLocked(transaction Transaction) error {
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) insertEntriesLocked(entries []Entry) error {
	store.entries = append(store.entries, entries...)
	return nil
}

func (store *stubStore) addToBalanceLocked(accountID AccountID, delta Amount, nowUnixUTC int64) error {
	account, found := store.accounts[accountID.String()]
	if !found {
		return ErrAccountNotFound
	}
	account.Balance = account.Balance.Add(delta)
	account.UpdatedUnixUTC = nowUnixUTC
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) setBalanceLocked(accountID AccountID, balance Amount, nowUnixUTC int64) error {
	account, found := store.accounts[accountID.String()]
	if !found {
		return ErrAccountNotFound
	}
	account.Balance = balance
	account.UpdatedUnixUTC = nowUnixUTC
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) recordBalanceRepairLocked(repair BalanceRepair) error {
	store.repairs = append(store.repairs, repair)
	return nil
}

func (store *stubStore) listRecentEntriesLocked(accountID AccountID, limit int) ([]Entry, error) {
	matched := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(matched) < limit; index-- {
		if store.entries[index].AccountID.String() == accountID.String() {
			matched = append(matched, store.entries[index])
		}
	}
	return matched, nil
}

func (store *stubStore) sumEntriesLocked(accountID AccountID) (Amount, error) {
	sum := ZeroAmount()
	for _, entry := range store.entries {
		if entry.AccountID.String() == accountID.String() {
			sum = sum.Add(entry.SignedAmount())
		}
	}
	return sum, nil
}

func (store *stubStore) listTenantAccountsLocked(tenantID TenantID) ([]Account, error) {
	accounts := make([]Account, 0, len(store.accounts))
	for _, account := range store.accounts {
		if account.TenantID.String() == tenantID.String() {
			accounts = append(accounts, account)
		}
	}
	sort.Slice(accounts, func(left, right int) bool {
		return accounts[left].AccountID.String() < accounts[right].AccountID.String()
	})
	return accounts, nil
}

// stubTxStore runs inside a held WithTx mutex, so it calls the unlocked
// variants directly.
type stubTxStore struct {
	store *stubStore
}

func (tx *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTxStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.getAccountLocked(accountID)
}

func (tx *stubTxStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.getAccountLocked(accountID)
}

func (tx *stubTxStore) FindOwnerAccount(ctx context.Context, tenantID TenantID, ownerType OwnerType, ownerID string) (Account, error) {
	return tx.store.findOwnerAccountLocked(tenantID, ownerType, ownerID)
}

func (tx *stubTxStore) EnsurePlatformAccount(ctx context.Context, tenantID TenantID, currency CurrencyCode, nowUnixUTC int64) (Account, error) {
	return tx.store.ensurePlatformAccountLocked(tenantID, currency, nowUnixUTC)
}

func (tx *stubTxStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	return tx.store.createTransactionLocked(transaction)
}

func (tx *stubTxStore) InsertEntries(ctx context.Context, entries []Entry) error {
	return tx.store.insertEntriesLocked(entries)
}

func (tx *stubTxStore) AddToBalance(ctx context.Context, accountID AccountID, delta Amount, nowUnixUTC int64) error {
	return tx.store.addToBalanceLocked(accountID, delta, nowUnixUTC)
}

func (tx *stubTxStore) SetBalance(ctx context.Context, accountID AccountID, balance Amount, nowUnixUTC int64) error {
	return tx.store.setBalanceLocked(accountID, balance, nowUnixUTC)
}

func (tx *stubTxStore) RecordBalanceRepair(ctx context.Context, repair BalanceRepair) error {
	return tx.store.recordBalanceRepairLocked(repair)
}

func (tx *stubTxStore) ListRecentEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error) {
	return tx.store.listRecentEntriesLocked(accountID, limit)
}

func (tx *stubTxStore) SumEntries(ctx context.Context, accountID AccountID) (Amount, error) {
	return tx.store.sumEntriesLocked(accountID)
}

func (tx *stubTxStore) ListTenantAccounts(ctx context.Context, tenantID TenantID) ([]Account, error) {
	return tx.store.listTenantAccountsLocked(tenantID)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustTenantID(test *testing.T, raw string) TenantID {
	test.Helper()
	tenantID, err := NewTenantID(raw)
	if err != nil {
		test.Fatalf("tenant id %q: %v", raw, err)
	}
	return tenantID
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustAmount(test *testing.T, raw string) Amount {
	test.Helper()
	amount, err := NewAmountFromString(raw)
	if err != nil {
		test.Fatalf("amount %q: %v", raw, err)
	}
	return amount
}

func mustCurrency(test *testing.T, raw string) CurrencyCode {
	test.Helper()
	currency, err := NewCurrencyCode(raw)
	if err != nil {
		test.Fatalf("currency %q: %v", raw, err)
	}
	return currency
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func seedAccount(test *testing.T, store *stubStore, accountID string, tenantID string, ownerType OwnerType, ownerID string, currency string, balance string) Account {
	test.Helper()
	account := Account{
		AccountID: mustAccountID(test, accountID),
		TenantID:  mustTenantID(test, tenantID),
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Currency:  mustCurrency(test, currency),
		Balance:   mustAmount(test, balance),
		Status:    AccountStatusActive,
	}
	store.addAccount(account)
	return account
}
