package classify

import "sort"

// Pair matches one gene across two feature spaces by row index.
type Pair struct {
	Test int
	Ref  int
}

// Intersection lists the genes shared by a test and a reference dataset,
// ordered by ascending test row.
type Intersection []Pair

// TestRows returns the test-side row of every pair, in order.
func (in Intersection) TestRows() []int {
	rows := make([]int, len(in))
	for i, p := range in {
		rows[i] = p.Test
	}
	return rows
}

// RefRows returns the reference-side row of every pair, in order.
func (in Intersection) RefRows() []int {
	rows := make([]int, len(in))
	for i, p := range in {
		rows[i] = p.Ref
	}
	return rows
}

// IntersectGenes matches gene identifiers between a test and a reference
// dataset, pairing the row indices of each shared identifier. Only the
// first occurrence of a duplicated identifier participates, on either
// side. Disjoint identifier sets produce an empty intersection.
func IntersectGenes[K comparable](testIDs, refIDs []K) Intersection {
	refFound := make(map[K]int, len(refIDs))
	for i, id := range refIDs {
		if _, ok := refFound[id]; !ok {
			refFound[id] = i
		}
	}

	out := make(Intersection, 0, min(len(testIDs), len(refIDs)))
	for i, id := range testIDs {
		if j, ok := refFound[id]; ok {
			out = append(out, Pair{Test: i, Ref: j})
			// A later duplicate of this identifier must stay unmatched.
			delete(refFound, id)
		}
	}
	return out
}

// UnionIndices merges any number of row-index lists into one sorted,
// deduplicated list.
func UnionIndices(lists ...[]int) []int {
	seen := make(map[int]struct{})
	for _, list := range lists {
		for _, idx := range list {
			seen[idx] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
