// Package reputation folds a car's claims into a bounded integrity score.
package reputation

import (
	"github.com/autotrust/autotrust/pkg/claim"
)

const (
	Baseline = 70
	Min      = 30
	Max      = 95

	unknownPenalty = 2
)

var penalties = map[claim.Category]int{
	claim.CategoryReliability:   6,
	claim.CategorySafety:        5,
	claim.CategoryOwnershipCost: 4,
	claim.CategoryEfficiency:    3,
	claim.CategoryComfort:       2,
}

// Penalty returns a claim's deduction in tenths of a point. Attachments and
// a confirmed anchor each add 20% to the category weight.
func Penalty(c claim.Claim) int {
	base, ok := penalties[c.Category]
	if !ok {
		base = unknownPenalty
	}
	mult := 10
	if len(c.Attachments) > 0 {
		mult += 2
	}
	if c.Anchored() {
		mult += 2
	}
	return base * mult
}

// Score is Baseline minus the summed penalties, rounded half up and clamped
// to [Min, Max]. Penalties are integers in tenths, so the result does not
// depend on claim order.
func Score(claims []claim.Claim) int {
	tenths := Baseline * 10
	for _, c := range claims {
		tenths -= Penalty(c)
	}
	return clamp(floorDiv(tenths+5, 10), Min, Max)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
