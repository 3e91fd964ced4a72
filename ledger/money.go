/*
money.go - Non-negative decimal money value

PURPOSE:
  Every amount that moves through the settlement engine is a Money.
  It wraps decimal.Decimal and refuses to become negative: constructors
  reject negative input and Sub fails instead of going below zero.

INVARIANTS:
  1. A Money built with NewMoney/ParseMoney is never negative and has at
     most two decimal places (storage is NUMERIC(20,2))
  2. Arithmetic never clamps silently; an underflow is an error
  3. Zero() is the only way to explicitly zero a value (fully paid debt)

STORAGE:
  Values read back from a database go through MoneyFromStorage. Legacy rows
  can hold a negative debt amount; those are kept as-is so the allocator
  can auto-clear them rather than failing the whole settlement.

SEE ALSO:
  - types.go: Debt, Deposit, UserAccount use Money
  - allocator.go: Waterfall arithmetic
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a decimal amount that is checked to be non-negative.
type Money struct {
	value decimal.Decimal
}

// ZeroMoney is the zero amount.
var ZeroMoney = Money{value: decimal.Zero}

// Scale is the number of decimal places a Money may carry.
const Scale = 2

// NewMoney builds a Money from a decimal. Negative values and values finer
// than a cent are rejected.
func NewMoney(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s", ErrNegativeAmount, d.String())
	}
	if !d.Equal(d.Truncate(Scale)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d.String(), Scale)
	}
	return Money{value: d}, nil
}

// ParseMoney parses a decimal string such as "120.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return NewMoney(d)
}

// MustMoney parses s or panics. Use in tests and constants only.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromStorage wraps a persisted value without the sign check.
func MoneyFromStorage(d decimal.Decimal) Money {
	return Money{value: d}
}

func (m Money) Decimal() decimal.Decimal { return m.value }
func (m Money) String() string           { return m.value.StringFixed(2) }
func (m Money) IsZero() bool             { return m.value.IsZero() }
func (m Money) IsPositive() bool         { return m.value.IsPositive() }
func (m Money) IsNegative() bool         { return m.value.IsNegative() }
func (m Money) Equal(o Money) bool       { return m.value.Equal(o.value) }
func (m Money) GreaterThan(o Money) bool { return m.value.GreaterThan(o.value) }
func (m Money) LessThan(o Money) bool    { return m.value.LessThan(o.value) }
func (m Money) Cmp(o Money) int          { return m.value.Cmp(o.value) }

// Zero returns the zero amount. Used when a debt is fully paid.
func (m Money) Zero() Money { return ZeroMoney }

// Add returns m + o.
func (m Money) Add(o Money) Money {
	return Money{value: m.value.Add(o.value)}
}

// Sub returns m - o, failing if the result would be negative.
func (m Money) Sub(o Money) (Money, error) {
	r := m.value.Sub(o.value)
	if r.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrNegativeAmount, m.value, o.value)
	}
	return Money{value: r}, nil
}

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// MarshalJSON encodes Money as a JSON string ("120.50").
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON string or number and applies the NewMoney
// checks.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	parsed, err := NewMoney(d)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
