// Package tokenunits scales between a token's native fixed-point raw
// units and its human-readable amount, using exact decimal arithmetic
// (github.com/shopspring/decimal) rather than float64 so the balance
// comparisons in the evaluator's break check (spec.md §4.D step 5) are
// exact rather than approximate.
package tokenunits

import "github.com/shopspring/decimal"

// ToHuman converts a raw fixed-point amount to its human-readable value
// given the mint's declared decimals.
func ToHuman(raw int64, decimals int32) float64 {
	scale := decimal.New(1, decimals)
	human := decimal.NewFromInt(raw).DivRound(scale, decimals+8)
	f, _ := human.Float64()
	return f
}

// ToRaw converts a human-readable amount to the raw fixed-point units for
// the given decimals, rounding down (never over-reports a balance).
func ToRaw(human float64, decimals int32) int64 {
	scale := decimal.New(1, decimals)
	raw := decimal.NewFromFloat(human).Mul(scale).Floor()
	return raw.IntPart()
}

// HasEnough reports whether actualRaw (in native units) meets or exceeds
// requiredHuman (in human units), scaled by decimals, using exact
// fixed-point integer comparison rather than a float64 comparison.
func HasEnough(actualRaw int64, requiredHuman float64, decimals int32) bool {
	required := ToRaw(requiredHuman, decimals)
	return actualRaw >= required
}

// Less reports whether actualRaw is strictly less than requiredHuman once
// scaled — the exact comparison the evaluator's break check needs (strict
// "<", spec.md §4.D step 5).
func Less(actualRaw int64, requiredHuman float64, decimals int32) bool {
	required := ToRaw(requiredHuman, decimals)
	return actualRaw < required
}
