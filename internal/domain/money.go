package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	// ErrInvalidCurrency reports a currency code that is not a recognised ISO 4217 unit.
	ErrInvalidCurrency = errors.New("money: invalid currency")
	// ErrCurrencyMismatch reports arithmetic between two different currencies.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrInvalidAmount reports an amount string that cannot be parsed as a decimal.
	ErrInvalidAmount = errors.New("money: invalid amount")
)

// Money is a decimal amount tagged with an ISO 4217 currency code.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney validates the currency and returns the amount in that currency.
func NewMoney(amount decimal.Decimal, code string) (Money, error) {
	normalized, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: normalized}, nil
}

// ParseMoney parses a decimal string such as "10.00" in the given currency.
func ParseMoney(amount, code string) (Money, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return NewMoney(value, code)
}

// MustMoney is ParseMoney for literals known to be valid.
func MustMoney(amount, code string) Money {
	m, err := ParseMoney(amount, code)
	if err != nil {
		panic(err)
	}
	return m
}

// NormalizeCurrency upper-cases the code and checks it against the ISO 4217 table.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return "", ErrInvalidCurrency
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// Zero returns a zero amount in the same currency.
func (m Money) Zero() Money {
	return Money{Amount: decimal.Zero, Currency: m.Currency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// SameCurrency reports whether both values share a currency.
func (m Money) SameCurrency(other Money) bool {
	return strings.EqualFold(m.Currency, other.Currency)
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Cmp compares the amounts, returning -1, 0 or +1. Currencies must match.
func (m Money) Cmp(other Money) (int, error) {
	if !m.SameCurrency(other) {
		return 0, ErrCurrencyMismatch
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Currency: m.Currency}
}

// Format renders the amount with two decimals and a dot separator, as the NVP API expects.
func (m Money) Format() string {
	return m.Amount.StringFixed(2)
}

func (m Money) String() string {
	return m.Format() + " " + m.Currency
}
