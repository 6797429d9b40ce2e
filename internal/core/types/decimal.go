// Package types provides the quantity and money value types used by the ledger.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Used for cost and selling prices; never for ledger arithmetic.
type Money = decimal.Decimal

// NewMoneyFromString creates a Money value from a string.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// Quantity counts whole dispensing units (boxes, blisters, vials).
// Pharmacy stock is never split below the unit it was received in.
type Quantity int64

func (q Quantity) Int64() int64 { return int64(q) }

func (q Quantity) IsZero() bool { return q == 0 }

func (q Quantity) IsPositive() bool { return q > 0 }

func (q Quantity) IsNegative() bool { return q < 0 }

func (q Quantity) Neg() Quantity { return -q }

func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

// MinQuantity returns the smaller of a and b.
func MinQuantity(a, b Quantity) Quantity {
	if a < b {
		return a
	}
	return b
}

func (q Quantity) String() string {
	return strconv.FormatInt(int64(q), 10)
}

// MarshalJSON encodes Quantity as a JSON integer.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalJSON accepts a JSON integer or a quoted integer.
// Fractions and exponents are rejected: a unit is indivisible.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}

	raw := string(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}

	parsed, err := ParseQuantity(raw)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

var (
	maxQuantity = decimal.NewFromInt(math.MaxInt64)
	minQuantity = decimal.NewFromInt(math.MinInt64)
)

// ParseQuantity parses a signed integer unit count.
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if strings.ContainsAny(s, "eE") {
		return 0, fmt.Errorf("quantity must not use an exponent: %s", s)
	}
	if strings.Contains(s, ".") {
		// Accept "12.0" but not "12.5".
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, fmt.Errorf("parse quantity: %w", err)
		}
		if !d.Equal(d.Truncate(0)) {
			return 0, fmt.Errorf("quantity must be a whole number of units: %s", s)
		}
		if d.GreaterThan(maxQuantity) || d.LessThan(minQuantity) {
			return 0, fmt.Errorf("quantity out of range: %s", s)
		}
		return Quantity(d.IntPart()), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantity: %w", err)
	}
	return Quantity(n), nil
}

// StockValue returns qty * unitCost.
func StockValue(qty Quantity, unitCost Money) Money {
	return unitCost.Mul(decimal.NewFromInt(int64(qty)))
}
