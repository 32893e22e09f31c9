// Package fxrate converts external-currency amounts into the ledger's unit
// of account (tokens pegged 1:1 to USD). Advisory only: quotes are for
// display, never for posting ledger entries directly.
package fxrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultLookupTimeout = 5 * time.Second
	displayScale         = 2
)

// ErrInvalidQuoteInput rejects non-positive amounts and malformed currency
// codes.
var ErrInvalidQuoteInput = errors.New("invalid quote input")

// RateSource supplies USD rates for external currencies. Implementations are
// expected to be remote and slow; lookups are bounded by a short timeout and
// fail soft to the static table.
type RateSource interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// fallbackRates are rough approximations for known high-volume currencies,
// used when no rate source is configured or the lookup fails. Marked
// non-authoritative to callers; anything absent is assumed at parity.
var fallbackRates = map[string]decimal.Decimal{
	"USD": decimal.NewFromFloat(1.0),
	"EUR": decimal.NewFromFloat(1.08),
	"GBP": decimal.NewFromFloat(1.27),
	"CAD": decimal.NewFromFloat(0.73),
	"AUD": decimal.NewFromFloat(0.65),
	"JPY": decimal.NewFromFloat(0.0067),
	"INR": decimal.NewFromFloat(0.012),
	"NGN": decimal.NewFromFloat(0.00065),
	"KES": decimal.NewFromFloat(0.0077),
	"BRL": decimal.NewFromFloat(0.18),
}

// Option configures a Converter.
type Option func(*Converter)

// WithRateSource wires an external rate source.
func WithRateSource(source RateSource) Option {
	return func(converter *Converter) {
		converter.source = source
	}
}

// WithLookupTimeout bounds external rate lookups.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(converter *Converter) {
		if timeout > 0 {
			converter.timeout = timeout
		}
	}
}

// WithLogger wires a zap logger for fallback warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(converter *Converter) {
		if logger != nil {
			converter.logger = logger
		}
	}
}

// Converter quotes external amounts in the unit of account.
type Converter struct {
	unitCurrency string
	source       RateSource
	timeout      time.Duration
	logger       *zap.Logger
}

// New builds a Converter for the given unit-of-account currency code.
func New(unitCurrency string, options ...Option) *Converter {
	converter := &Converter{
		unitCurrency: strings.ToUpper(strings.TrimSpace(unitCurrency)),
		timeout:      defaultLookupTimeout,
		logger:       zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(converter)
		}
	}
	return converter
}

// Quote is an advisory conversion result. Tokens equal USD because the unit
// of account is pegged 1:1.
type Quote struct {
	Amount   decimal.Decimal
	Currency string
	Tokens   decimal.Decimal
	USD      decimal.Decimal
}

// ConvertToUnitOfAccount converts an external-currency amount into tokens,
// rounded to two decimal places. The unit-of-account currency itself passes
// through unchanged.
func (converter *Converter) ConvertToUnitOfAccount(ctx context.Context, amount decimal.Decimal, currency string) (Quote, error) {
	normalized := strings.ToUpper(strings.TrimSpace(currency))
	if len(normalized) < 3 {
		return Quote{}, fmt.Errorf("%w: currency %q", ErrInvalidQuoteInput, currency)
	}
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidQuoteInput)
	}
	if normalized == converter.unitCurrency {
		tokens := amount.Round(displayScale)
		return Quote{Amount: amount, Currency: normalized, Tokens: tokens, USD: tokens}, nil
	}
	rate := converter.lookupRate(ctx, normalized)
	tokens := amount.Mul(rate).Round(displayScale)
	return Quote{Amount: amount, Currency: normalized, Tokens: tokens, USD: tokens}, nil
}

func (converter *Converter) lookupRate(ctx context.Context, currency string) decimal.Decimal {
	if converter.source != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, converter.timeout)
		defer cancel()
		rate, err := converter.source.Rate(lookupCtx, currency)
		if err == nil && rate.IsPositive() {
			return rate
		}
		converter.logger.Warn("fx rate lookup failed, using static fallback",
			zap.String("currency", currency),
			zap.Error(err),
		)
	}
	if rate, found := fallbackRates[currency]; found {
		return rate
	}
	// Unknown currency: assume parity. Documentedly non-authoritative.
	return decimal.NewFromInt(1)
}
