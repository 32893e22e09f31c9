package wallet

import "github.com/shopspring/decimal"

const (
	amountScale           = 4
	minCurrencyCodeLength = 3

	// DefaultUnitCurrency is the ledger's native unit of account: a token
	// pegged 1:1 to USD.
	DefaultUnitCurrency = "TOK"

	// DefaultRecentEntryLimit bounds the entry history returned by
	// AccountSummary.
	DefaultRecentEntryLimit = 20

	operationTransfer       = "transfer"
	operationSubscribe      = "subscribe"
	operationProvision      = "ensure_platform_account"
	operationReconcile      = "reconcile"
	operationRepair         = "repair_balance"
	operationStatusOK       = "ok"
	operationStatusError    = "error"
	categoryTransferDefault = "transfer"
	categorySubscription    = "subscription"
)

// planBalanceTolerance is the defensive zero-sum check threshold (0.0001).
// A correct plan builder balances exactly; the tolerance only bounds the
// invariant check itself.
var planBalanceTolerance = decimal.New(1, -amountScale)
