package classify

import "sort"

// ScoreQuantile reduces the correlations between one cell and every
// reference profile of a label to a single score: the quantile-th value of
// the collection under linear interpolation between order statistics.
// quantile must lie in [0, 1]; 1 returns the maximum. The slice is sorted
// in place, so callers pass scratch they own.
//
// ScoreQuantile panics on an empty slice. Every trained label carries at
// least one profile, so an empty collection is a caller bug, not a data
// condition.
func ScoreQuantile(correlations []float64, quantile float64) float64 {
	n := len(correlations)
	if n == 0 {
		panic("classify: ScoreQuantile called with no correlations")
	}
	if n == 1 {
		return correlations[0]
	}
	if quantile == 1 {
		best := correlations[0]
		for _, c := range correlations[1:] {
			if c > best {
				best = c
			}
		}
		return best
	}

	sort.Float64s(correlations)
	h := float64(n-1) * quantile
	lo := int(h)
	return correlations[lo] + (h-float64(lo))*(correlations[lo+1]-correlations[lo])
}
