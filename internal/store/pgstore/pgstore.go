// Package pgstore implements the wallet storage contract directly over pgx,
// for deployments that bypass the ORM. Schema matches gormstore.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/wallet/internal/idempotency"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectRepair    = "repair"
	errorSubjectTxn       = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
	errorCodeUpsert       = "upsert"

	accountColumns = `
		account_id::text, tenant_id, owner_type, owner_id, currency,
		balance_e4, status,
		extract(epoch from created_at)::bigint,
		extract(epoch from updated_at)::bigint
	`

	sqlSelectAccount = `
		select ` + accountColumns + ` from accounts where account_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlSelectOwnerAccount = `
		select ` + accountColumns + ` from accounts
		where tenant_id = $1 and owner_type = $2 and owner_id = $3
	`

	sqlUpsertPlatformAccount = `
		insert into accounts(account_id, tenant_id, owner_type, owner_id, currency, balance_e4, status, created_at, updated_at)
		values (gen_random_uuid(), $1, 'platform', $1, $2, 0, 'active', to_timestamp($3), to_timestamp($3))
		on conflict (tenant_id, owner_type, owner_id) do update set tenant_id = excluded.tenant_id
		returning ` + accountColumns + `
	`

	sqlInsertTransaction = `
		insert into transactions(transaction_id, tenant_id, category, reference, metadata, created_at)
		values ($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
	`

	sqlInsertEntry = `
		insert into entries(entry_id, transaction_id, account_id, direction, amount_e4, created_at)
		values ($1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlAddToBalance = `
		update accounts
		set balance_e4 = balance_e4 + $2, updated_at = to_timestamp($3)
		where account_id = $1
	`

	sqlSetBalance = `
		update accounts
		set balance_e4 = $2, updated_at = to_timestamp($3)
		where account_id = $1
	`

	sqlInsertBalanceRepair = `
		insert into balance_repairs(repair_id, account_id, reason, previous_balance_e4, repaired_balance_e4, created_at)
		values (gen_random_uuid(), $1, $2, $3, $4, to_timestamp($5))
	`

	sqlListRecentEntries = `
		select entry_id::text, transaction_id::text, account_id::text, direction, amount_e4,
			extract(epoch from created_at)::bigint
		from entries
		where account_id = $1
		order by created_at desc, entry_id desc
		limit $2
	`

	sqlSumEntries = `
		select coalesce(sum(case when direction = 'credit' then amount_e4 else -amount_e4 end),0)
		from entries
		where account_id = $1
	`

	sqlListTenantAccounts = `
		select ` + accountColumns + ` from accounts
		where tenant_id = $1
		order by created_at asc
	`

	sqlSelectIdempotencyRecord = `
		select key, status_code, body, extract(epoch from created_at)::bigint
		from idempotency_records
		where key = $1
	`

	sqlInsertIdempotencyRecord = `
		insert into idempotency_records(key, status_code, body, created_at)
		values ($1, $2, $3, to_timestamp($4))
	`

	sqlPurgeIdempotencyRecords = `
		delete from idempotency_records where created_at < to_timestamp($1)
	`
)

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx, so the
// pool-backed store and the transaction-scoped store run the same code.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store and the idempotency record store over pgx.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool (autocommit until WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx executes fn within a database transaction. Nested calls reuse the
// active transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCommit, err)
	}
	return nil
}

// GetAccount fetches one account without locking.
func (store *Store) GetAccount(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	return store.scanAccountRow(store.db.QueryRow(ctx, sqlSelectAccount, accountID.String()))
}

// GetAccountForUpdate fetches one account with a row lock.
func (store *Store) GetAccountForUpdate(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	return store.scanAccountRow(store.db.QueryRow(ctx, sqlSelectAccountForUpdate, accountID.String()))
}

// FindOwnerAccount resolves an account by its owner within a tenant.
func (store *Store) FindOwnerAccount(ctx context.Context, tenantID wallet.TenantID, ownerType wallet.OwnerType, ownerID string) (wallet.Account, error) {
	return store.scanAccountRow(store.db.QueryRow(ctx, sqlSelectOwnerAccount, tenantID.String(), ownerType.String(), ownerID))
}

// EnsurePlatformAccount upserts the tenant's singleton platform account.
func (store *Store) EnsurePlatformAccount(ctx context.Context, tenantID wallet.TenantID, currency wallet.CurrencyCode, nowUnixUTC int64) (wallet.Account, error) {
	row := store.db.QueryRow(ctx, sqlUpsertPlatformAccount, tenantID.String(), currency.String(), nowUnixUTC)
	account, err := store.scanAccountRow(row)
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	return account, nil
}

// CreateTransaction inserts one immutable transaction row.
func (store *Store) CreateTransaction(ctx context.Context, transaction wallet.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID.String(),
		transaction.TenantID.String(),
		transaction.Category,
		transaction.Reference,
		transaction.Metadata.String(),
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCreate, err)
	}
	return nil
}

// InsertEntries appends the transaction's entry rows.
func (store *Store) InsertEntries(ctx context.Context, entries []wallet.Entry) error {
	for _, entry := range entries {
		_, err := store.db.Exec(ctx, sqlInsertEntry,
			entry.EntryID.String(),
			entry.TransactionID.String(),
			entry.AccountID.String(),
			entry.Direction.String(),
			entry.Amount.E4(),
			entry.CreatedUnixUTC,
		)
		if err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
	}
	return nil
}

// AddToBalance applies a signed delta atomically in the database.
func (store *Store) AddToBalance(ctx context.Context, accountID wallet.AccountID, delta wallet.Amount, nowUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlAddToBalance, accountID.String(), delta.E4(), nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

// SetBalance forces an absolute stored balance (repair path only).
func (store *Store) SetBalance(ctx context.Context, accountID wallet.AccountID, balance wallet.Amount, nowUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlSetBalance, accountID.String(), balance.E4(), nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

// RecordBalanceRepair writes one audit row.
func (store *Store) RecordBalanceRepair(ctx context.Context, repair wallet.BalanceRepair) error {
	_, err := store.db.Exec(ctx, sqlInsertBalanceRepair,
		repair.AccountID.String(),
		repair.Reason,
		repair.PreviousBalance.E4(),
		repair.RepairedBalance.E4(),
		repair.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectRepair, errorCodeCreate, err)
	}
	return nil
}

// ListRecentEntries returns the newest entries for an account.
func (store *Store) ListRecentEntries(ctx context.Context, accountID wallet.AccountID, limit int) ([]wallet.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListRecentEntries, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

// SumEntries recomputes the signed entry total for an account.
func (store *Store) SumEntries(ctx context.Context, accountID wallet.AccountID) (wallet.Amount, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID.String()).Scan(&sum); err != nil {
		return wallet.Amount{}, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return wallet.AmountFromE4(sum), nil
}

// ListTenantAccounts returns every account owned by the tenant.
func (store *Store) ListTenantAccounts(ctx context.Context, tenantID wallet.TenantID) ([]wallet.Account, error) {
	rows, err := store.db.Query(ctx, sqlListTenantAccounts, tenantID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]wallet.Account, 0, 16)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

// GetRecord implements the idempotency record store.
func (store *Store) GetRecord(ctx context.Context, key string) (idempotency.Record, bool, error) {
	var record idempotency.Record
	err := store.db.QueryRow(ctx, sqlSelectIdempotencyRecord, key).Scan(
		&record.Key,
		&record.StatusCode,
		&record.Body,
		&record.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return record, true, nil
}

// PutRecord inserts a record; the primary key rejects concurrent duplicates.
func (store *Store) PutRecord(ctx context.Context, record idempotency.Record) error {
	_, err := store.db.Exec(ctx, sqlInsertIdempotencyRecord,
		record.Key,
		record.StatusCode,
		record.Body,
		record.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return idempotency.ErrDuplicateKey
	}
	return err
}

// PurgeRecordsBefore lazily removes expired idempotency records.
func (store *Store) PurgeRecordsBefore(ctx context.Context, cutoffUnixUTC int64) error {
	_, err := store.db.Exec(ctx, sqlPurgeIdempotencyRecords, cutoffUnixUTC)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (store *Store) scanAccountRow(row pgx.Row) (wallet.Account, error) {
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func scanAccount(row rowScanner) (wallet.Account, error) {
	var (
		accountIDValue string
		tenantIDValue  string
		ownerTypeValue string
		ownerIDValue   string
		currencyValue  string
		balanceE4      int64
		statusValue    string
		createdUnixUTC int64
		updatedUnixUTC int64
	)
	if err := row.Scan(
		&accountIDValue,
		&tenantIDValue,
		&ownerTypeValue,
		&ownerIDValue,
		&currencyValue,
		&balanceE4,
		&statusValue,
		&createdUnixUTC,
		&updatedUnixUTC,
	); err != nil {
		return wallet.Account{}, err
	}
	accountID, err := wallet.NewAccountID(accountIDValue)
	if err != nil {
		return wallet.Account{}, err
	}
	tenantID, err := wallet.NewTenantID(tenantIDValue)
	if err != nil {
		return wallet.Account{}, err
	}
	ownerType, err := wallet.ParseOwnerType(ownerTypeValue)
	if err != nil {
		return wallet.Account{}, err
	}
	currency, err := wallet.NewCurrencyCode(currencyValue)
	if err != nil {
		return wallet.Account{}, err
	}
	status, err := wallet.ParseAccountStatus(statusValue)
	if err != nil {
		return wallet.Account{}, err
	}
	return wallet.Account{
		AccountID:      accountID,
		TenantID:       tenantID,
		OwnerType:      ownerType,
		OwnerID:        ownerIDValue,
		Currency:       currency,
		Balance:        wallet.AmountFromE4(balanceE4),
		Status:         status,
		CreatedUnixUTC: createdUnixUTC,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func scanEntries(rows pgx.Rows) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue       string
			transactionIDValue string
			accountIDValue     string
			directionValue     string
			amountE4           int64
			createdUnixUTC     int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&transactionIDValue,
			&accountIDValue,
			&directionValue,
			&amountE4,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		entryID, err := wallet.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		transactionID, err := wallet.NewTransactionID(transactionIDValue)
		if err != nil {
			return nil, err
		}
		accountID, err := wallet.NewAccountID(accountIDValue)
		if err != nil {
			return nil, err
		}
		direction, err := wallet.ParseEntryDirection(directionValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, wallet.Entry{
			EntryID:        entryID,
			TransactionID:  transactionID,
			AccountID:      accountID,
			Direction:      direction,
			Amount:         wallet.AmountFromE4(amountE4),
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
