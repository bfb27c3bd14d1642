package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// UnitScale is the number of decimal places the ledger keeps. Amounts are
// persisted as integer base units so that SUM aggregation is exact.
const UnitScale = 8

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ToUnits converts amount to base units. Amounts with more than UnitScale
// decimal places, or too large for int64, are rejected with ErrInvalidAmount.
func ToUnits(amount decimal.Decimal) (int64, error) {
	scaled := amount.Shift(UnitScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, UnitScale)
	}
	if scaled.Abs().GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, amount)
	}
	return scaled.IntPart(), nil
}

// FromUnits converts base units back to a decimal amount
func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -UnitScale)
}
