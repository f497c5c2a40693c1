package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRound(t *testing.T) {
	cases := map[string]string{
		"1.005":   "1.01",
		"1.004":   "1",
		"-1.005":  "-1.01",
		"130":     "130",
		"0.1":     "0.1",
		"99.9999": "100",
	}
	for in, want := range cases {
		assert.True(t, Round(d(in)).Equal(d(want)), "Round(%s) = %s, want %s", in, Round(d(in)), want)
	}
}

func TestLineTotal(t *testing.T) {
	assert.True(t, LineTotal(d("3"), d("33.333")).Equal(d("100")))
	assert.True(t, LineTotal(d("0.5"), d("10.01")).Equal(d("5.01")))
}

func TestQty(t *testing.T) {
	assert.True(t, Qty(d("1.23456")).Equal(d("1.235")))
	assert.True(t, Qty(d("2")).Equal(d("2")))
}

func TestClampPaid(t *testing.T) {
	total := d("200")
	assert.True(t, ClampPaid(d("50"), total).Equal(d("50")))
	assert.True(t, ClampPaid(d("-5"), total).Equal(decimal.Zero))
	assert.True(t, ClampPaid(d("250"), total).Equal(total))
	assert.True(t, ClampPaid(d("10"), d("-1")).Equal(decimal.Zero))
}

func TestNonNegativeAndMin(t *testing.T) {
	assert.True(t, NonNegative(d("-0.01")).IsZero())
	assert.True(t, NonNegative(d("4.444")).Equal(d("4.44")))
	assert.True(t, Min(d("1"), d("2")).Equal(d("1")))
	assert.True(t, Min(d("3"), d("2")).Equal(d("2")))
}

func TestParseAndFormat(t *testing.T) {
	v, err := Parse("12.345")
	require.NoError(t, err)
	assert.Equal(t, "12.35", Format(v))

	v, err = Parse("")
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	_, err = Parse("abc")
	assert.Error(t, err)

	assert.True(t, Equal(d("1.001"), d("1.004")))
}
