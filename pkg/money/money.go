// Package money provides integer minor-unit monetary arithmetic.
// All amounts in the system are Money values; floating point is never
// used for currency amounts.
package money

import (
	"fmt"
)

// Money represents a monetary value in a specific currency.
// AmountMinor is the amount in the currency's minor unit
// (cents for KES, satoshi for BTC).
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code or crypto ticker
	Scale       int    `json:"scale"`    // 2 for KES/USD, 8 for BTC
}

// ScaleFor returns the minor-unit scale for a currency code.
func ScaleFor(currency string) int {
	switch currency {
	case "BTC", "ETH":
		return 8
	default:
		return 2
	}
}

// New creates a Money in the given currency with the default scale.
func New(amountMinor int64, currency string) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
		Scale:       ScaleFor(currency),
	}
}

// Add adds two Money amounts. Returns an error on currency or scale mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Sub subtracts other from m. Returns an error on currency or scale mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// PercentBps returns (m * bps / 10000), rounded toward zero.
// Used for basis-point fee calculations.
func (m Money) PercentBps(bps int64) Money {
	return Money{
		AmountMinor: m.AmountMinor * bps / 10000,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// LessThan compares two amounts. Comparing different currencies is a
// programming error and returns false.
func (m Money) LessThan(other Money) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.AmountMinor < other.AmountMinor
}

// GreaterThan compares two amounts in the same currency.
func (m Money) GreaterThan(other Money) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.AmountMinor > other.AmountMinor
}

// String renders the amount with its minor-unit scale, e.g. "KES 5000.00".
func (m Money) String() string {
	div := int64(1)
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	whole := m.AmountMinor / div
	frac := m.AmountMinor % div
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%s %d.%0*d", m.Currency, whole, m.Scale, frac)
}
