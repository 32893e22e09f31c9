package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CommissionSpec describes an optional third-party cut of a transfer,
// diverted from the destination's net credit into a separate account.
type CommissionSpec struct {
	AccountID AccountID
	Rate      decimal.Decimal
	FlatFee   Amount
}

// NewCommissionSpec validates a commission specification: rate in [0,1] and a
// non-negative flat fee.
func NewCommissionSpec(accountID AccountID, rate decimal.Decimal, flatFee Amount) (CommissionSpec, error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.New(1, 0)) {
		return CommissionSpec{}, fmt.Errorf("%w: rate must be in [0,1]", ErrInvalidCommissionSpec)
	}
	if flatFee.IsNegative() {
		return CommissionSpec{}, fmt.Errorf("%w: flat fee must not be negative", ErrInvalidCommissionSpec)
	}
	return CommissionSpec{AccountID: accountID, Rate: rate, FlatFee: flatFee}, nil
}

// PlanEntry is one entry-shaped record of a transfer plan.
type PlanEntry struct {
	AccountID AccountID
	Direction EntryDirection
	Amount    Amount
}

// TransferPlan is the computed, balanced set of postings for one transfer.
// It is never persisted: it exists so entry construction stays testable in
// isolation from storage.
type TransferPlan struct {
	Entries    []PlanEntry
	Commission Amount
}

// BuildTransferPlan computes the balanced debit/credit postings for a
// transfer, including the optional commission split. Pure: no side effects,
// no storage access.
func BuildTransferPlan(amount Amount, source AccountID, destination AccountID, commission *CommissionSpec) (TransferPlan, error) {
	if !amount.IsPositive() {
		return TransferPlan{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if source.String() == destination.String() {
		return TransferPlan{}, ErrSameAccount
	}

	commissionAmount := ZeroAmount()
	if commission != nil {
		commissionAmount = amount.MulRound(commission.Rate).Add(commission.FlatFee)
	}
	if commissionAmount.Cmp(amount) > 0 {
		return TransferPlan{}, ErrCommissionExceedsAmount
	}
	destinationNet := amount.Sub(commissionAmount)

	entries := []PlanEntry{
		{AccountID: source, Direction: DirectionDebit, Amount: amount},
		{AccountID: destination, Direction: DirectionCredit, Amount: destinationNet},
	}
	if commissionAmount.IsPositive() {
		if commission == nil || commission.AccountID.String() == "" {
			return TransferPlan{}, ErrCommissionAccountMissing
		}
		entries = append(entries, PlanEntry{
			AccountID: commission.AccountID,
			Direction: DirectionCredit,
			Amount:    commissionAmount,
		})
	}

	if err := validatePlanBalance(entries); err != nil {
		return TransferPlan{}, err
	}
	return TransferPlan{Entries: entries, Commission: commissionAmount}, nil
}

// validatePlanBalance enforces sum(debits) == sum(credits). The check never
// fires for plans produced above; it guards against future regressions in
// the construction steps.
func validatePlanBalance(entries []PlanEntry) error {
	net := decimal.Zero
	for _, entry := range entries {
		switch entry.Direction {
		case DirectionDebit:
			net = net.Sub(entry.Amount.Decimal())
		case DirectionCredit:
			net = net.Add(entry.Amount.Decimal())
		default:
			return fmt.Errorf("%w: %q", ErrInvalidEntryDirection, entry.Direction)
		}
	}
	if net.Abs().GreaterThan(planBalanceTolerance) {
		return fmt.Errorf("%w: net %s", ErrUnbalancedPlan, net.String())
	}
	return nil
}
