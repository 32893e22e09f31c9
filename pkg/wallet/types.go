package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-precision monetary value with at most four decimal
// places. Binary floating point never holds money: cumulative rounding error
// would break the ledger-balances-to-zero invariant.
type Amount struct {
	value decimal.Decimal
}

// NewAmount validates a decimal as an amount. Values carrying more than four
// decimal places are rejected rather than silently truncated.
func NewAmount(raw decimal.Decimal) (Amount, error) {
	if !raw.Equal(raw.Round(amountScale)) {
		return Amount{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, amountScale)
	}
	return Amount{value: raw}, nil
}

// NewAmountFromString parses a decimal string into an Amount.
func NewAmountFromString(raw string) (Amount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewAmount(parsed)
}

// AmountFromE4 rebuilds an Amount from its scaled-integer storage form
// (units of 10^-4).
func AmountFromE4(raw int64) Amount {
	return Amount{value: decimal.New(raw, -amountScale)}
}

// ZeroAmount returns the zero value.
func ZeroAmount() Amount {
	return Amount{value: decimal.Zero}
}

// Decimal exposes the underlying decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// E4 returns the amount as an integer count of 10^-4 units. Exact because
// construction caps the scale at four decimal places.
func (amount Amount) E4() int64 {
	return amount.value.Shift(amountScale).IntPart()
}

// Add returns amount + other.
func (amount Amount) Add(other Amount) Amount {
	return Amount{value: amount.value.Add(other.value)}
}

// Sub returns amount - other.
func (amount Amount) Sub(other Amount) Amount {
	return Amount{value: amount.value.Sub(other.value)}
}

// MulRound applies a rate and rounds to four decimal places immediately, so
// repeated runs are bit-for-bit reproducible.
func (amount Amount) MulRound(rate decimal.Decimal) Amount {
	return Amount{value: amount.value.Mul(rate).Round(amountScale)}
}

// Negated returns the additive inverse.
func (amount Amount) Negated() Amount {
	return Amount{value: amount.value.Neg()}
}

// Abs returns the absolute value.
func (amount Amount) Abs() Amount {
	return Amount{value: amount.value.Abs()}
}

// Cmp compares two amounts (-1, 0, +1).
func (amount Amount) Cmp(other Amount) int {
	return amount.value.Cmp(other.value)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (amount Amount) IsPositive() bool {
	return amount.value.IsPositive()
}

// IsNegative reports whether the amount is strictly less than zero.
func (amount Amount) IsNegative() bool {
	return amount.value.IsNegative()
}

// IsZero reports whether the amount is exactly zero.
func (amount Amount) IsZero() bool {
	return amount.value.IsZero()
}

// String renders the amount with full stored precision.
func (amount Amount) String() string {
	return amount.value.String()
}

// TenantID identifies the owning tenant of accounts and transactions.
type TenantID struct {
	value string
}

// NewTenantID validates and normalizes a tenant id.
func NewTenantID(raw string) (TenantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TenantID{}, fmt.Errorf("%w: empty value", ErrInvalidTenantID)
	}
	return TenantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TenantID) String() string {
	return id.value
}

// AccountID identifies a wallet account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// EntryID identifies a single ledger entry.
type EntryID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// CurrencyCode is the unit an account is denominated in.
type CurrencyCode struct {
	value string
}

// NewCurrencyCode validates and uppercases a currency code (>= 3 chars).
func NewCurrencyCode(raw string) (CurrencyCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) < minCurrencyCodeLength {
		return CurrencyCode{}, fmt.Errorf("%w: at least %d characters required", ErrInvalidCurrencyCode, minCurrencyCodeLength)
	}
	return CurrencyCode{value: normalized}, nil
}

// String returns the normalized code.
func (code CurrencyCode) String() string {
	return code.value
}

// Equal reports whether two codes denote the same currency.
func (code CurrencyCode) Equal(other CurrencyCode) bool {
	return code.value == other.value
}

// OwnerType classifies who an account belongs to.
type OwnerType string

const (
	OwnerPlatform   OwnerType = "platform"
	OwnerVendor     OwnerType = "vendor"
	OwnerUser       OwnerType = "user"
	OwnerCommission OwnerType = "commission"
)

// ParseOwnerType validates an owner type string.
func ParseOwnerType(raw string) (OwnerType, error) {
	switch OwnerType(raw) {
	case OwnerPlatform, OwnerVendor, OwnerUser, OwnerCommission:
		return OwnerType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOwnerType, raw)
}

// String returns the owner type value.
func (ownerType OwnerType) String() string {
	return string(ownerType)
}

// AccountStatus defines the account lifecycle. Accounts are never deleted;
// closed accounts are marked, not removed.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

// ParseAccountStatus validates an account status string.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	switch AccountStatus(raw) {
	case AccountStatusActive, AccountStatusSuspended, AccountStatusClosed:
		return AccountStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccountStatus, raw)
}

// String returns the status value.
func (status AccountStatus) String() string {
	return string(status)
}

// EntryDirection marks an entry as a debit or a credit.
type EntryDirection string

const (
	DirectionDebit  EntryDirection = "debit"
	DirectionCredit EntryDirection = "credit"
)

// ParseEntryDirection validates an entry direction string.
func ParseEntryDirection(raw string) (EntryDirection, error) {
	switch EntryDirection(raw) {
	case DirectionDebit, DirectionCredit:
		return EntryDirection(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryDirection, raw)
}

// String returns the direction value.
func (direction EntryDirection) String() string {
	return string(direction)
}

// MetadataJSON stores the transaction's opaque metadata bag. The core does
// not validate the shape beyond requiring well-formed JSON.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty
// inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Account is the mutable balance projection over the immutable entry log.
// Balance is maintained transactionally alongside entries and is
// independently verifiable by the reconciliation service.
type Account struct {
	AccountID      AccountID
	TenantID       TenantID
	OwnerType      OwnerType
	OwnerID        string
	Currency       CurrencyCode
	Balance        Amount
	Status         AccountStatus
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Transaction groups the balanced entries of one transfer. Created exactly
// once per successful transfer and immutable thereafter.
type Transaction struct {
	TransactionID  TransactionID
	TenantID       TenantID
	Category       string
	Reference      string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Entry is one signed posting of an amount against one account within one
// transaction. Append-only: never updated or deleted once committed.
type Entry struct {
	EntryID        EntryID
	TransactionID  TransactionID
	AccountID      AccountID
	Direction      EntryDirection
	Amount         Amount
	CreatedUnixUTC int64
}

// SignedAmount returns the entry amount with credits positive and debits
// negative.
func (entry Entry) SignedAmount() Amount {
	if entry.Direction == DirectionDebit {
		return entry.Amount.Negated()
	}
	return entry.Amount
}

// BalanceRepair is the audit record written when a stored balance is forced
// back to the recomputed entry sum.
type BalanceRepair struct {
	RepairID        string
	AccountID       AccountID
	Reason          string
	PreviousBalance Amount
	RepairedBalance Amount
	CreatedUnixUTC  int64
}

// Store is the persistence contract used by Service. Implementations must
// make AddToBalance an atomic delta at the storage layer, never a
// read-modify-write at the application layer.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	FindOwnerAccount(ctx context.Context, tenantID TenantID, ownerType OwnerType, ownerID string) (Account, error)
	EnsurePlatformAccount(ctx context.Context, tenantID TenantID, currency CurrencyCode, nowUnixUTC int64) (Account, error)
	CreateTransaction(ctx context.Context, transaction Transaction) error
	InsertEntries(ctx context.Context, entries []Entry) error
	AddToBalance(ctx context.Context, accountID AccountID, delta Amount, nowUnixUTC int64) error
	SetBalance(ctx context.Context, accountID AccountID, balance Amount, nowUnixUTC int64) error
	RecordBalanceRepair(ctx context.Context, repair BalanceRepair) error
	ListRecentEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error)
	SumEntries(ctx context.Context, accountID AccountID) (Amount, error)
	ListTenantAccounts(ctx context.Context, tenantID TenantID) ([]Account, error)
}
