// Package allocate splits feed-level totals across campaigns in proportion
// to their weights, without losing units to rounding.
package allocate

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

var (
	// ErrMalformedWeights is returned for empty, negative, NaN or infinite weights.
	ErrMalformedWeights = eris.New("allocate: malformed weights")

	// ErrAllocationInvariant is returned when an allocation does not sum to its total.
	ErrAllocationInvariant = eris.New("allocate: allocation does not sum to total")
)

// Quota distributes total across weights using the largest remainder
// (Hare quota) method. The result always sums to total; ties on the
// fractional remainder go to the lowest index, so identical inputs always
// yield identical output.
//
// When every weight is zero the result is all zeros and total is dropped.
// Callers that can reach that case should log it as a data loss.
func Quota(total int64, weights []float64) ([]int64, error) {
	if total < 0 {
		return nil, eris.Wrapf(ErrMalformedWeights, "negative total %d", total)
	}
	sum, err := weightSum(weights)
	if err != nil {
		return nil, err
	}

	out := make([]int64, len(weights))
	if sum == 0 {
		return out, nil
	}

	fracs := make([]float64, len(weights))
	var assigned int64
	for i, w := range weights {
		exact := float64(total) * (w / sum)
		base := math.Floor(exact)
		out[i] = int64(base)
		fracs[i] = exact - base
		assigned += out[i]
	}

	remainder := total - assigned
	if remainder < 0 || remainder > int64(len(weights)) {
		return nil, eris.Wrapf(ErrAllocationInvariant, "remainder %d out of range for %d weights", remainder, len(weights))
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	// Stable on the identity order, so equal fractions keep ascending index.
	sort.SliceStable(order, func(a, b int) bool {
		return fracs[order[a]] > fracs[order[b]]
	})
	for _, idx := range order[:remainder] {
		out[idx]++
	}

	if got := Sum(out); got != total {
		return nil, eris.Wrapf(ErrAllocationInvariant, "allocated %d of %d", got, total)
	}
	return out, nil
}

// Sum adds up an allocation.
func Sum(parts []int64) int64 {
	var s int64
	for _, p := range parts {
		s += p
	}
	return s
}

func weightSum(weights []float64) (float64, error) {
	if len(weights) == 0 {
		return 0, eris.Wrap(ErrMalformedWeights, "empty weight vector")
	}
	var sum float64
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return 0, eris.Wrapf(ErrMalformedWeights, "weight %d is %v", i, w)
		}
		sum += w
	}
	if math.IsInf(sum, 0) {
		return 0, eris.Wrap(ErrMalformedWeights, "weight sum overflows")
	}
	return sum, nil
}
