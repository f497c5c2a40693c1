// Package money normalizes monetary amounts and quantities before they are persisted
// or compared.
package money

import (
	"github.com/shopspring/decimal"
)

const (
	// AmountPlaces is the scale of every persisted monetary value.
	AmountPlaces = 2
	// QtyPlaces is the scale of every persisted quantity.
	QtyPlaces = 3
)

// Round rounds an amount to two decimal places, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// Qty converts a quantity to its canonical three-place form.
func Qty(d decimal.Decimal) decimal.Decimal {
	return d.Round(QtyPlaces)
}

// LineTotal is Round(qty × unitPrice).
func LineTotal(qty decimal.Decimal, unitPrice decimal.Decimal) decimal.Decimal {
	return Round(qty.Mul(unitPrice))
}

// Clamp bounds an amount to [lo, hi] after rounding. A negative hi is treated as zero.
func Clamp(d decimal.Decimal, lo decimal.Decimal, hi decimal.Decimal) decimal.Decimal {
	d = Round(d)
	if hi.LessThan(lo) {
		hi = lo
	}
	if d.LessThan(lo) {
		return Round(lo)
	}
	if d.GreaterThan(hi) {
		return Round(hi)
	}
	return d
}

// ClampPaid bounds a payment collected now to [0, total].
func ClampPaid(paid decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	return Clamp(paid, decimal.Zero, total)
}

// NonNegative returns zero for negative amounts.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return Round(d)
}

// Min returns the smaller of two amounts.
func Min(a decimal.Decimal, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Equal compares two amounts after rounding both.
func Equal(a decimal.Decimal, b decimal.Decimal) bool {
	return Round(a).Equal(Round(b))
}

// Parse reads a decimal string as an amount. Empty input is zero.
func Parse(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return Round(d), nil
}

// Format renders an amount with exactly two decimals.
func Format(d decimal.Decimal) string {
	return Round(d).StringFixed(AmountPlaces)
}
