package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/idempotency"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectRepair    = "repair"
	errorSubjectTxn       = "transaction"
	errorCodeCreate       = "create"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
	errorCodeUpsert       = "upsert"
)

// Store implements wallet.Store and the idempotency record store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a storage transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetAccount fetches one account without locking it.
func (store *Store) GetAccount(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	return store.fetchAccount(ctx, accountID, false)
}

// GetAccountForUpdate fetches one account with a row lock held for the
// duration of the surrounding transaction.
func (store *Store) GetAccountForUpdate(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	return store.fetchAccount(ctx, accountID, true)
}

func (store *Store) fetchAccount(ctx context.Context, accountID wallet.AccountID, forUpdate bool) (wallet.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && supportsRowLocking(store.db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// FindOwnerAccount resolves an account by its owner within a tenant.
func (store *Store) FindOwnerAccount(ctx context.Context, tenantID wallet.TenantID, ownerType wallet.OwnerType, ownerID string) (wallet.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("tenant_id = ? AND owner_type = ? AND owner_id = ?", tenantID.String(), ownerType.String(), ownerID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// EnsurePlatformAccount finds or creates the tenant's singleton platform
// account. The unique (tenant_id, owner_type, owner_id) index makes the
// create race-safe: the loser of a concurrent insert re-reads the winner's
// row.
func (store *Store) EnsurePlatformAccount(ctx context.Context, tenantID wallet.TenantID, currency wallet.CurrencyCode, nowUnixUTC int64) (wallet.Account, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var model Account
	err := store.db.WithContext(ctx).
		Where(Account{TenantID: tenantID.String(), OwnerType: wallet.OwnerPlatform.String(), OwnerID: tenantID.String()}).
		Attrs(Account{
			Currency:  currency.String(),
			BalanceE4: 0,
			Status:    wallet.AccountStatusActive.String(),
			CreatedAt: now,
			UpdatedAt: now,
		}).
		FirstOrCreate(&model).Error
	if isUniqueViolation(err) {
		return store.FindOwnerAccount(ctx, tenantID, wallet.OwnerPlatform, tenantID.String())
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// CreateTransaction inserts one immutable transaction row.
func (store *Store) CreateTransaction(ctx context.Context, transaction wallet.Transaction) error {
	model := Transaction{
		TransactionID: transaction.TransactionID.String(),
		TenantID:      transaction.TenantID.String(),
		Category:      transaction.Category,
		Reference:     transaction.Reference,
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCreate, err)
	}
	return nil
}

// InsertEntries appends the transaction's entry rows in one batch.
func (store *Store) InsertEntries(ctx context.Context, entries []wallet.Entry) error {
	models := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		models = append(models, Entry{
			EntryID:       entry.EntryID.String(),
			TransactionID: entry.TransactionID.String(),
			AccountID:     entry.AccountID.String(),
			Direction:     entry.Direction.String(),
			AmountE4:      entry.Amount.E4(),
			CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
		})
	}
	if err := store.db.WithContext(ctx).Create(&models).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// AddToBalance applies a signed delta as an atomic in-database update, never
// a read-modify-write.
func (store *Store) AddToBalance(ctx context.Context, accountID wallet.AccountID, delta wallet.Amount, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"balance_e4": gorm.Expr("balance_e4 + ?", delta.E4()),
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

// SetBalance forces an absolute stored balance (repair path only).
func (store *Store) SetBalance(ctx context.Context, accountID wallet.AccountID, balance wallet.Amount, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"balance_e4": balance.E4(),
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

// RecordBalanceRepair writes one audit row for a forced balance correction.
func (store *Store) RecordBalanceRepair(ctx context.Context, repair wallet.BalanceRepair) error {
	model := BalanceRepair{
		RepairID:          repair.RepairID,
		AccountID:         repair.AccountID.String(),
		Reason:            repair.Reason,
		PreviousBalanceE4: repair.PreviousBalance.E4(),
		RepairedBalanceE4: repair.RepairedBalance.E4(),
		CreatedAt:         time.Unix(repair.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRepair, errorCodeCreate, err)
	}
	return nil
}

// ListRecentEntries returns the newest entries for an account.
func (store *Store) ListRecentEntries(ctx context.Context, accountID wallet.AccountID, limit int) ([]wallet.Entry, error) {
	var rows []Entry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC, entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SumEntries recomputes the signed entry total (credits positive, debits
// negative). Exact: amounts are integer 10^-4 units in storage.
func (store *Store) SumEntries(ctx context.Context, accountID wallet.AccountID) (wallet.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Entry{}).
		Select("coalesce(sum(case when direction = 'credit' then amount_e4 else -amount_e4 end),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return wallet.Amount{}, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return wallet.AmountFromE4(sum.Total), nil
}

// ListTenantAccounts returns every account owned by the tenant.
func (store *Store) ListTenantAccounts(ctx context.Context, tenantID wallet.TenantID) ([]wallet.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]wallet.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// GetRecord implements the idempotency record store.
func (store *Store) GetRecord(ctx context.Context, key string) (idempotency.Record, bool, error) {
	var model IdempotencyRecord
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return idempotency.Record{
		Key:            model.Key,
		StatusCode:     model.StatusCode,
		Body:           model.Body,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, true, nil
}

// PutRecord inserts a record; the primary key turns concurrent duplicate
// inserts into idempotency.ErrDuplicateKey.
func (store *Store) PutRecord(ctx context.Context, record idempotency.Record) error {
	model := IdempotencyRecord{
		Key:        record.Key,
		StatusCode: record.StatusCode,
		Body:       record.Body,
		CreatedAt:  time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return idempotency.ErrDuplicateKey
	}
	return err
}

// PurgeRecordsBefore lazily removes expired idempotency records.
func (store *Store) PurgeRecordsBefore(ctx context.Context, cutoffUnixUTC int64) error {
	return store.db.WithContext(ctx).
		Where("created_at < ?", time.Unix(cutoffUnixUTC, 0).UTC()).
		Delete(&IdempotencyRecord{}).Error
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (wallet.Account, error) {
	accountID, err := wallet.NewAccountID(model.AccountID)
	if err != nil {
		return wallet.Account{}, err
	}
	tenantID, err := wallet.NewTenantID(model.TenantID)
	if err != nil {
		return wallet.Account{}, err
	}
	ownerType, err := wallet.ParseOwnerType(model.OwnerType)
	if err != nil {
		return wallet.Account{}, err
	}
	currency, err := wallet.NewCurrencyCode(model.Currency)
	if err != nil {
		return wallet.Account{}, err
	}
	status, err := wallet.ParseAccountStatus(model.Status)
	if err != nil {
		return wallet.Account{}, err
	}
	return wallet.Account{
		AccountID:      accountID,
		TenantID:       tenantID,
		OwnerType:      ownerType,
		OwnerID:        model.OwnerID,
		Currency:       currency,
		Balance:        wallet.AmountFromE4(model.BalanceE4),
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapEntry(model Entry) (wallet.Entry, error) {
	entryID, err := wallet.NewEntryID(model.EntryID)
	if err != nil {
		return wallet.Entry{}, err
	}
	transactionID, err := wallet.NewTransactionID(model.TransactionID)
	if err != nil {
		return wallet.Entry{}, err
	}
	accountID, err := wallet.NewAccountID(model.AccountID)
	if err != nil {
		return wallet.Entry{}, err
	}
	direction, err := wallet.ParseEntryDirection(model.Direction)
	if err != nil {
		return wallet.Entry{}, err
	}
	return wallet.Entry{
		EntryID:        entryID,
		TransactionID:  transactionID,
		AccountID:      accountID,
		Direction:      direction,
		Amount:         wallet.AmountFromE4(model.AmountE4),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// supportsRowLocking reports whether the dialect accepts SELECT ... FOR
// UPDATE. sqlite has no row-lock grammar; its transactions are single-writer,
// which yields the same isolation for the transfer path.
func supportsRowLocking(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
