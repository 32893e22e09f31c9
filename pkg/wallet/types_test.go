package wallet

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewAmountFromString(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "integer", input: "10", wantVal: "10"},
		{name: "two places", input: "10.25", wantVal: "10.25"},
		{name: "four places", input: "0.0001", wantVal: "0.0001"},
		{name: "negative", input: "-3.5", wantVal: "-3.5"},
		{name: "five places", input: "1.00001", wantErr: ErrInvalidAmount},
		{name: "not a number", input: "ten", wantErr: ErrInvalidAmount},
		{name: "empty", input: "  ", wantErr: ErrInvalidAmount},
	}
	for _, tc := range cases {
		tc := tc
		test.Run(tc.name, func(test *testing.T) {
			test.Parallel()
			amount, err := NewAmountFromString(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					test.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if amount.String() != tc.wantVal {
				test.Fatalf("expected %q, got %q", tc.wantVal, amount.String())
			}
		})
	}
}

func TestAmountE4RoundTrip(test *testing.T) {
	test.Parallel()
	amount := mustAmount(test, "12.3456")
	if amount.E4() != 123456 {
		test.Fatalf("expected 123456 e4 units, got %d", amount.E4())
	}
	restored := AmountFromE4(amount.E4())
	if restored.Cmp(amount) != 0 {
		test.Fatalf("expected %s after round trip, got %s", amount, restored)
	}
}

func TestAmountArithmeticStaysExact(test *testing.T) {
	test.Parallel()
	// The classic float trap: 0.1 + 0.2 must equal 0.3 exactly.
	sum := mustAmount(test, "0.1").Add(mustAmount(test, "0.2"))
	if sum.Cmp(mustAmount(test, "0.3")) != 0 {
		test.Fatalf("expected 0.3, got %s", sum)
	}

	total := ZeroAmount()
	for i := 0; i < 10000; i++ {
		total = total.Add(mustAmount(test, "0.0001"))
	}
	if total.Cmp(mustAmount(test, "1")) != 0 {
		test.Fatalf("expected 1 after 10000 additions of 0.0001, got %s", total)
	}
}

func TestAmountMulRound(test *testing.T) {
	test.Parallel()
	result := mustAmount(test, "10.00").MulRound(decimal.NewFromFloat(0.0333))
	if result.Cmp(mustAmount(test, "0.333")) != 0 {
		test.Fatalf("expected 0.333, got %s", result)
	}
}

func TestNewCurrencyCode(test *testing.T) {
	test.Parallel()
	code, err := NewCurrencyCode(" usd ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if code.String() != "USD" {
		test.Fatalf("expected USD, got %q", code.String())
	}
	if _, err := NewCurrencyCode("us"); !errors.Is(err, ErrInvalidCurrencyCode) {
		test.Fatalf("expected ErrInvalidCurrencyCode, got %v", err)
	}
}

func TestNewTenantID(test *testing.T) {
	test.Parallel()
	tenantID, err := NewTenantID(" tenant-1 ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if tenantID.String() != "tenant-1" {
		test.Fatalf("expected trimmed id, got %q", tenantID.String())
	}
	if _, err := NewTenantID("   "); !errors.Is(err, ErrInvalidTenantID) {
		test.Fatalf("expected ErrInvalidTenantID, got %v", err)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected default metadata '{}', got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("not-json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseOwnerType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"platform", "vendor", "user", "commission"} {
		if _, err := ParseOwnerType(raw); err != nil {
			test.Fatalf("owner type %q: unexpected error %v", raw, err)
		}
	}
	if _, err := ParseOwnerType("robot"); !errors.Is(err, ErrInvalidOwnerType) {
		test.Fatalf("expected ErrInvalidOwnerType, got %v", err)
	}
}

func TestEntrySignedAmount(test *testing.T) {
	test.Parallel()
	amount := mustAmount(test, "5.00")
	debit := Entry{Direction: DirectionDebit, Amount: amount}
	if debit.SignedAmount().Cmp(amount.Negated()) != 0 {
		test.Fatalf("expected debit signed amount %s, got %s", amount.Negated(), debit.SignedAmount())
	}
	credit := Entry{Direction: DirectionCredit, Amount: amount}
	if credit.SignedAmount().Cmp(amount) != 0 {
		test.Fatalf("expected credit signed amount %s, got %s", amount, credit.SignedAmount())
	}
}
