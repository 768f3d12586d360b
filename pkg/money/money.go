package money

import (
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept for every amount. Amounts are
// stored as integer micro-units so SQL increments stay exact.
const Scale = 6

var unit = decimal.New(1, Scale)

// ToMicros truncates d to Scale places and returns it in micro-units.
func ToMicros(d decimal.Decimal) int64 {
	return d.Truncate(Scale).Mul(unit).IntPart()
}

func FromMicros(m int64) decimal.Decimal {
	return decimal.New(m, -Scale)
}

// Parse reads a decimal string, returning fallback when s is empty or
// malformed.
func Parse(s string, fallback decimal.Decimal) decimal.Decimal {
	if s == "" {
		return fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}

// Sum adds amounts exactly.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
