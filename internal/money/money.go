// Package money provides a fixed-point monetary value with a scale of two
// fractional digits.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for malformed amounts, negative unit prices
// and non-positive quantities.
var ErrInvalidAmount = errors.New("invalid amount")

const scale = 2

// Bounds match the storage columns: amounts are DECIMAL(15,2) and quantities
// DECIMAL(18,6).
const (
	// QuantityScale is the number of fractional digits a quantity may carry.
	QuantityScale = 6

	maxCents = 999_999_999_999_999
)

var (
	// MaxAmount is the largest amount a Money value can hold.
	MaxAmount = Money{cents: maxCents}

	maxQuantity = decimal.RequireFromString("999999999999.999999")
)

// Money is an exact amount in cents. The zero value is 0.00.
type Money struct {
	cents int64
}

// FromCents creates a Money value from an integer number of cents.
func FromCents(cents int64) (Money, error) {
	if cents > maxCents || cents < -maxCents {
		return Money{}, fmt.Errorf("%w: %d cents out of range", ErrInvalidAmount, cents)
	}
	return Money{cents: cents}, nil
}

// Parse reads a decimal string such as "123.45". More than two fractional
// digits are rejected rather than rounded.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromExact(d)
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func fromExact(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Truncate(scale)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, d.String(), scale)
	}
	return inRange(d)
}

// inRange converts a value that is already whole cents.
func inRange(d decimal.Decimal) (Money, error) {
	if d.Abs().GreaterThan(MaxAmount.Decimal()) {
		return Money{}, fmt.Errorf("%w: %s exceeds %s", ErrInvalidAmount, d.String(), MaxAmount)
	}
	return Money{cents: d.Shift(scale).IntPart()}, nil
}

// Round is the only rounding operation on money: it rounds d to cents,
// half away from zero (ROUND_HALF_UP for the positive amounts invoices carry).
// Results beyond MaxAmount fail with ErrInvalidAmount.
func Round(d decimal.Decimal) (Money, error) {
	return inRange(d.Round(scale))
}

// CheckQuantity rejects quantities that are not positive, carry more than
// QuantityScale fractional digits or do not fit the quantity column.
func CheckQuantity(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be greater than zero, got %s", ErrInvalidAmount, quantity.String())
	}
	if !quantity.Equal(quantity.Truncate(QuantityScale)) {
		return fmt.Errorf("%w: quantity %s has more than %d fractional digits", ErrInvalidAmount, quantity.String(), QuantityScale)
	}
	if quantity.GreaterThan(maxQuantity) {
		return fmt.Errorf("%w: quantity %s out of range", ErrInvalidAmount, quantity.String())
	}
	return nil
}

// LineTotal returns quantity × unitPrice rounded to cents.
func LineTotal(quantity decimal.Decimal, unitPrice Money) (Money, error) {
	if err := CheckQuantity(quantity); err != nil {
		return Money{}, err
	}
	if unitPrice.IsNegative() {
		return Money{}, fmt.Errorf("%w: unit price must not be negative, got %s", ErrInvalidAmount, unitPrice)
	}
	total, err := Round(unitPrice.Mul(quantity))
	if err != nil {
		return Money{}, fmt.Errorf("line total: %w", err)
	}
	return total, nil
}

// Decimal returns the exact decimal value.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.cents, -scale)
}

// Cents returns the amount in cents.
func (m Money) Cents() int64 { return m.cents }

// Add returns m + other. Addition of cents is exact and needs no rounding;
// a sum beyond MaxAmount fails with ErrInvalidAmount. Both operands are
// bounded, so the int64 addition itself cannot wrap.
func (m Money) Add(other Money) (Money, error) {
	sum := m.cents + other.cents
	if sum > maxCents || sum < -maxCents {
		return Money{}, fmt.Errorf("%w: %s + %s exceeds %s", ErrInvalidAmount, m, other, MaxAmount)
	}
	return Money{cents: sum}, nil
}

// Mul returns the exact, unrounded product of m and factor. Pass the result
// to Round once it is final.
func (m Money) Mul(factor decimal.Decimal) decimal.Decimal {
	return m.Decimal().Mul(factor)
}

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(other Money) int {
	switch {
	case m.cents < other.cents:
		return -1
	case m.cents > other.cents:
		return 1
	}
	return 0
}

func (m Money) Equal(other Money) bool { return m.cents == other.cents }
func (m Money) IsZero() bool           { return m.cents == 0 }
func (m Money) IsNegative() bool       { return m.cents < 0 }

// String formats with exactly two fractional digits, e.g. "679.78".
func (m Money) String() string {
	return m.Decimal().StringFixed(scale)
}

// Sum adds values without any intermediate rounding.
func Sum(values ...Money) (Money, error) {
	var total Money
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// MarshalJSON encodes as a fixed-point string so no JSON consumer ever sees a
// binary float.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts "12.50" or 12.50.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*m = Money{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner. Drivers that hand back floats for DECIMAL
// columns are accepted as long as the value is a whole number of cents.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scanning money: %w", err)
	}
	parsed, err := fromExact(d)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
