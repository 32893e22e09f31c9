package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balances are stored as integer
// 10^-4 units so delta updates stay exact on every backend.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	TenantID  string    `gorm:"not null;index:idx_accounts_tenant;uniqueIndex:uniq_accounts_owner,priority:1"`
	OwnerType string    `gorm:"not null;uniqueIndex:uniq_accounts_owner,priority:2"`
	OwnerID   string    `gorm:"not null;uniqueIndex:uniq_accounts_owner,priority:3"`
	Currency  string    `gorm:"not null"`
	BalanceE4 int64     `gorm:"not null"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table. Immutable once created.
type Transaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	TenantID      string         `gorm:"not null;index:idx_transactions_tenant"`
	Category      string         `gorm:"not null"`
	Reference     string         `gorm:""`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Entry mirrors the entries table. Append-only.
type Entry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	TransactionID string    `gorm:"type:uuid;not null;index:idx_entries_transaction"`
	AccountID     string    `gorm:"type:uuid;not null;index:idx_entries_account_created,priority:1"`
	Direction     string    `gorm:"not null"`
	AmountE4      int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (Entry) TableName() string { return "entries" }

func (entry *Entry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// IdempotencyRecord mirrors the idempotency_records table. The primary key
// is the claim: concurrent inserts for one key collapse to a single row.
type IdempotencyRecord struct {
	Key        string    `gorm:"primaryKey;size:255"`
	StatusCode int       `gorm:"not null"`
	Body       []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index:idx_idempotency_created"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// BalanceRepair mirrors the balance_repairs audit table.
type BalanceRepair struct {
	RepairID          string    `gorm:"type:uuid;primaryKey"`
	AccountID         string    `gorm:"type:uuid;not null;index:idx_balance_repairs_account"`
	Reason            string    `gorm:"type:text;not null"`
	PreviousBalanceE4 int64     `gorm:"not null"`
	RepairedBalanceE4 int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (BalanceRepair) TableName() string { return "balance_repairs" }

func (repair *BalanceRepair) BeforeCreate(tx *gorm.DB) error {
	if repair.RepairID == "" {
		repair.RepairID = uuid.NewString()
	}
	return nil
}
