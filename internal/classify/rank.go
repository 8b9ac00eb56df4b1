package classify

import (
	"cmp"
	"math"
	"sort"
)

// RankedEntry pairs an expression value with the row it came from.
type RankedEntry[V cmp.Ordered] struct {
	Value V
	Index int
}

// RankedVector is a sequence of (value, index) entries ordered by value,
// with ties broken by ascending index so that equal values always rank in
// the same order.
type RankedVector[V cmp.Ordered] []RankedEntry[V]

// Sort orders the vector by value, breaking ties by index.
func (rv RankedVector[V]) Sort() {
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Value != rv[j].Value {
			return rv[i].Value < rv[j].Value
		}
		return rv[i].Index < rv[j].Index
	})
}

// NewRanked ranks values, pairing each with its position in the slice.
func NewRanked[V cmp.Ordered](values []V) RankedVector[V] {
	rv := make(RankedVector[V], len(values))
	for i, v := range values {
		rv[i] = RankedEntry[V]{Value: v, Index: i}
	}
	rv.Sort()
	return rv
}

// ScaledRanks converts a ranked vector into a zero-mean vector scaled to
// unit Euclidean norm, writing the value for each entry at out[Index].
// Tied values receive their average rank. A vector with no two distinct
// values (including n <= 1) comes out all zero. len(out) must equal
// len(ranked) and the entry indices must form a permutation of
// 0..len(out)-1.
func ScaledRanks[V cmp.Ordered](ranked RankedVector[V], out []float64) {
	n := len(ranked)
	if n == 0 {
		return
	}

	i := 0
	for i < n {
		j := i
		for j < n && ranked[j].Value == ranked[i].Value {
			j++
		}
		avgRank := float64(i+j-1) / 2.0
		for k := i; k < j; k++ {
			out[ranked[k].Index] = avgRank
		}
		i = j
	}

	center := float64(n-1) / 2.0
	sumSquares := 0.0
	for k := range out {
		out[k] -= center
		sumSquares += out[k] * out[k]
	}

	if sumSquares > 0 {
		norm := math.Sqrt(sumSquares)
		for k := range out {
			out[k] /= norm
		}
	}
}

// DistanceToCorrelation converts the squared Euclidean distance between
// two scaled rank vectors into the corresponding Spearman-style
// correlation: for zero-mean unit-norm vectors, corr = 1 - d²/2.
func DistanceToCorrelation(d2 float64) float64 {
	return 1 - d2/2
}

// CorrelateScaled returns the correlation between two scaled rank vectors
// of equal length via the distance identity. Two empty vectors correlate
// at 1.
func CorrelateScaled(x, y []float64) float64 {
	d2 := 0.0
	for i := range x {
		d := x[i] - y[i]
		d2 += d * d
	}
	return DistanceToCorrelation(d2)
}
