// Package finance holds monetary amounts and windowed spend tracking.
package finance

import (
	"fmt"
	"strings"
)

// Money is an amount in integer minor units of a currency or token.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Scale       int    `json:"scale"`
}

var scales = map[string]int{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"JPY":  0,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
}

// ScaleOf returns the minor-unit exponent for currency (2 when unknown).
func ScaleOf(currency string) int {
	if s, ok := scales[strings.ToUpper(currency)]; ok {
		return s
	}
	return 2
}

// NewMoney creates a Money with the currency's scale.
func NewMoney(amount int64, currency string) Money {
	currency = strings.ToUpper(currency)
	return Money{AmountMinor: amount, Currency: currency, Scale: ScaleOf(currency)}
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Sub subtracts other from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// String renders the amount in major units, e.g. "12.50 USD".
func (m Money) String() string {
	if m.Scale == 0 {
		return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
	}
	sign := ""
	a := m.AmountMinor
	if a < 0 {
		sign = "-"
		a = -a
	}
	div := int64(1)
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, a/div, m.Scale, a%div, m.Currency)
}
