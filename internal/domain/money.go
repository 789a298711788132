package domain

import "github.com/shopspring/decimal"

// All monetary amounts in the core are NUMERIC(20,2) in storage and are
// normalized through this single rounding rule before they are combined or
// persisted. Two decimal places, half-up.
const MoneyScale = 2

// NormalizeAmount rounds an amount to the platform money scale.
func NormalizeAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// IsNormalized reports whether an amount already sits on the money scale.
// Inputs with more precision are rejected at the edge rather than silently
// rounded, so a retry with the same payload hashes and computes identically.
func IsNormalized(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}
