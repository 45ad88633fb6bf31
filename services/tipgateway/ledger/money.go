package ledger

import (
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	// MaxAmount bounds a single tip so it fits the decimal(12,2) column.
	MaxAmount = decimal.RequireFromString("999999.99")
)

// MinorUnits converts a major-unit amount into processor minor units,
// rounding half away from zero ($7.405 becomes 741).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// ImpactUnits is the whole-unit floor of the amount. Fractions are dropped
// without carryover, so $0.50 yields zero.
func ImpactUnits(amount decimal.Decimal) int64 {
	if amount.IsNegative() {
		return 0
	}
	return amount.Floor().IntPart()
}

// PlatformFee returns percent of amountMinor, rounded to the nearest minor unit.
func PlatformFee(amountMinor int64, percent decimal.Decimal) int64 {
	if amountMinor <= 0 || !percent.IsPositive() {
		return 0
	}
	fee := decimal.NewFromInt(amountMinor).Mul(percent).Div(hundred).Round(0).IntPart()
	if fee > amountMinor {
		return amountMinor
	}
	return fee
}
