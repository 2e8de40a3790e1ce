package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reference rule set: lowest interest rate wins, rates are percentages in
// [0, 18], and nothing strictly between 0 and 5 may be bid.
var (
	MinRate          = decimal.Zero
	MaxRate          = decimal.NewFromInt(18)
	MinNonZeroRate   = decimal.NewFromInt(5)
	ratePrecision    = int32(4)
	faceValueDecimal = int32(2)
)

// RatePrecisionValid reports whether r has at most four decimal places.
func RatePrecisionValid(r decimal.Decimal) bool {
	return r.Equal(r.Truncate(ratePrecision))
}

// RateInBounds reports whether 0 <= r <= 18.
func RateInBounds(r decimal.Decimal) bool {
	return r.GreaterThanOrEqual(MinRate) && r.LessThanOrEqual(MaxRate)
}

// RateIncrementValid reports whether r is zero or at least 5.
func RateIncrementValid(r decimal.Decimal) bool {
	return r.IsZero() || r.GreaterThanOrEqual(MinNonZeroRate)
}

// ParseFaceValue parses a non-negative dollar amount with at most two
// decimal places.
func ParseFaceValue(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("amount must be >= 0")
	}
	if !d.Equal(d.Truncate(faceValueDecimal)) {
		return decimal.Decimal{}, fmt.Errorf("amount must have at most 2 decimal places")
	}
	return d, nil
}
