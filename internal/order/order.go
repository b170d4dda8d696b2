// Package order computes fractional sort keys for ordered siblings.
//
// Sibling order is a dense float64 used only for relative comparison. A new
// sibling gets a key between its neighbors so nothing else needs renumbering.
// Repeated inserts at the same boundary halve the gap each time, so callers
// check NeedsRebalancing before inserting and rewrite the parent's keys with
// Rebalance when precision is running out.
package order

import "math"

// MinGap is the smallest adjacent gap tolerated before a rebalance is required.
const MinGap = 1e-4

// First is the key assigned to the first child of an empty parent.
const First = 1.0

// Step is the distance used when appending or prepending.
const Step = 1.0

// Calculate returns a key strictly between prev and next.
//
// A nil prev means "insert before next", a nil next means "insert after prev",
// and both nil means the parent is empty.
func Calculate(prev, next *float64) float64 {
	switch {
	case prev == nil && next == nil:
		return First
	case prev == nil:
		return *next - Step
	case next == nil:
		return *prev + Step
	default:
		return (*prev + *next) / 2.0
	}
}

// Between is Calculate for callers holding optional neighbors as (value, ok) pairs.
func Between(prev float64, hasPrev bool, next float64, hasNext bool) float64 {
	var p, n *float64
	if hasPrev {
		p = &prev
	}
	if hasNext {
		n = &next
	}
	return Calculate(p, n)
}

// NeedsRebalancing reports whether any adjacent gap in the ascending sequence
// is below MinGap.
func NeedsRebalancing(orders []float64) bool {
	return NeedsRebalancingWithin(orders, MinGap)
}

// NeedsRebalancingWithin is NeedsRebalancing with a caller-supplied threshold.
// A non-positive threshold falls back to MinGap.
func NeedsRebalancingWithin(orders []float64, threshold float64) bool {
	if threshold <= 0 {
		threshold = MinGap
	}
	for i := 1; i < len(orders); i++ {
		if orders[i]-orders[i-1] < threshold {
			return true
		}
	}
	return false
}

// Rebalance returns the evenly spaced keys 1, 2, ..., count.
func Rebalance(count int) []float64 {
	if count <= 0 {
		return nil
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

// Valid reports whether o can be stored as a sort key.
func Valid(o float64) bool {
	return !math.IsNaN(o) && !math.IsInf(o, 0)
}
