package classify

import "cmp"

// Remapper projects row indices from one feature space onto a compact
// 0-based space, assigning sequential ids in the order indices are added.
// A zero Remapper is not usable; construct with NewRemapper. Remappers are
// not safe for concurrent mutation, so each worker owns its own.
type Remapper struct {
	mapping map[int]int
}

// NewRemapper returns an empty remapper with room for n indices.
func NewRemapper(n int) *Remapper {
	return &Remapper{mapping: make(map[int]int, n)}
}

// Reset drops all assignments but keeps the allocated table.
func (r *Remapper) Reset() {
	clear(r.mapping)
}

// Add assigns the next compact id to idx. Adding an index twice keeps its
// first id.
func (r *Remapper) Add(idx int) {
	if _, ok := r.mapping[idx]; !ok {
		r.mapping[idx] = len(r.mapping)
	}
}

// Len returns the number of assigned ids.
func (r *Remapper) Len() int { return len(r.mapping) }

// Remap filters in down to entries whose index has a compact id, rewrites
// each kept index, and appends the result to *out after truncating it.
// Entries keep their relative order, so a value-sorted input stays
// value-sorted.
func Remap[V cmp.Ordered](r *Remapper, in RankedVector[V], out *RankedVector[V]) {
	*out = (*out)[:0]
	for _, e := range in {
		if id, ok := r.mapping[e.Index]; ok {
			*out = append(*out, RankedEntry[V]{Value: e.Value, Index: id})
		}
	}
}
