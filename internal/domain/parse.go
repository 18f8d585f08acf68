package domain

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// ParseFinite parses s as a finite float64. A field that fails to parse is
// treated as absent (ok == false), never as an error.
func ParseFinite(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseFinitePtr is ParseFinite returning nil for absent fields.
func ParseFinitePtr(s string) *float64 {
	v, ok := ParseFinite(s)
	if !ok {
		return nil
	}
	return &v
}

// ParseDecimal parses s as a decimal, with the same absent-on-failure policy.
func ParseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
