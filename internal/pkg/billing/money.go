package billing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Money is an amount in micro-dollars (1e-6 USD). Token prices are far below
// one cent, so all arithmetic stays in integers at this resolution and only
// converts to decimal for parsing and display.
type Money int64

const (
	Microdollar Money = 1
	Cent        Money = 10_000
	Dollar      Money = 1_000_000
	// Credit is the unit shown to users: 100 credits per dollar.
	Credit = Cent
)

var microsPerDollar = decimal.NewFromInt(int64(Dollar))

// ParseMoney parses a dollar amount such as "45.00" or "0.000125".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d), nil
}

// MustParseMoney is ParseMoney for static tables.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromDecimal rounds a dollar decimal half away from zero to micro-dollars.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Mul(microsPerDollar).Round(0).IntPart())
}

// MoneyFromCents converts a provider amount in cents.
func MoneyFromCents(cents int64) Money {
	return Money(cents) * Cent
}

// Credits converts a credit count to money.
func Credits(n int64) Money {
	return Money(n) * Credit
}

// Cents rounds to whole cents, half away from zero.
func (m Money) Cents() int64 {
	return decimal.NewFromInt(int64(m)).Div(decimal.NewFromInt(int64(Cent))).Round(0).IntPart()
}

// Decimal returns the amount in dollars.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).Div(microsPerDollar)
}

// Credits returns the amount in credits, truncated.
func (m Money) Credits() int64 {
	return int64(m / Credit)
}

// String formats as dollars with two decimals, e.g. "$45.00".
func (m Money) String() string {
	return "$" + m.Decimal().StringFixed(2)
}

// MulBasisPoints scales by bps/10000, rounding half up. Used for markup.
func (m Money) MulBasisPoints(bps int64) Money {
	return saturate(decimal.NewFromInt(int64(m)).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).Round(0))
}

var (
	maxMoney = decimal.NewFromInt(math.MaxInt64)
	minMoney = decimal.NewFromInt(math.MinInt64)
)

// saturate converts a whole micro-dollar decimal, pinning it to the int64 range.
func saturate(d decimal.Decimal) Money {
	switch {
	case d.GreaterThan(maxMoney):
		return Money(math.MaxInt64)
	case d.LessThan(minMoney):
		return Money(math.MinInt64)
	}
	return Money(d.IntPart())
}

// MarshalJSON emits the dollar amount as a JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal().String()), nil
}

// UnmarshalJSON accepts a JSON number or string of dollars.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = MoneyFromDecimal(d)
	return nil
}

// MinMoney returns the smaller amount.
func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}
