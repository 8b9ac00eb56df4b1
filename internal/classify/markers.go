package classify

import "sort"

// Markers holds one gene list per ordered label pair. Markers[i][j] lists
// the rows that mark label i against label j, strongest first. Diagonal
// entries are never consulted.
type Markers [][][]int

// NumLabels returns the number of labels the collection covers.
func (m Markers) NumLabels() int { return len(m) }

// SubsetMarkersIntersected restricts markers to genes that survive the
// intersection and compacts both onto a fresh 0-based gene space. For each
// ordered label pair the marker list is walked in order, keeping only
// genes whose reference row appears in the intersection, until top genes
// have been kept (a filtered top-k, not a truncate-then-filter; top < 0
// keeps every surviving gene). The returned intersection holds only pairs
// whose reference row was kept by some list, in the original pair order,
// and the returned markers are rewritten to positions in that compacted
// intersection. Neither input is modified.
func SubsetMarkersIntersected(inter Intersection, markers Markers, top int) (Intersection, Markers) {
	available := make(map[int]struct{}, len(inter))
	for _, p := range inter {
		available[p.Ref] = struct{}{}
	}

	kept := make(map[int]struct{}, len(inter))
	filtered := filterTopAvailable(markers, top, func(g int) bool {
		_, ok := available[g]
		return ok
	}, kept)

	// Compact the intersection in its own order; surviving reference rows
	// take their position in the compacted result as their new index.
	remap := make(map[int]int, len(kept))
	compact := make(Intersection, 0, len(kept))
	for _, p := range inter {
		if _, ok := kept[p.Ref]; ok {
			remap[p.Ref] = len(compact)
			compact = append(compact, p)
		}
	}

	reindexMarkers(filtered, remap)
	return compact, filtered
}

// SubsetMarkers is the single-feature-space variant: no intersection is
// involved, so each marker list is truncated to its first top genes (top <
// 0 keeps all), and the union of kept genes, sorted ascending, becomes the
// new gene space. It returns that sorted subset alongside markers
// rewritten to subset positions. The input is not modified.
func SubsetMarkers(markers Markers, top int) ([]int, Markers) {
	kept := make(map[int]struct{})
	filtered := filterTopAvailable(markers, top, func(int) bool { return true }, kept)

	subset := make([]int, 0, len(kept))
	for g := range kept {
		subset = append(subset, g)
	}
	sort.Ints(subset)

	remap := make(map[int]int, len(subset))
	for i, g := range subset {
		remap[g] = i
	}

	reindexMarkers(filtered, remap)
	return subset, filtered
}

// filterTopAvailable copies the marker cube, keeping per off-diagonal list
// the first top genes passing ok (top < 0 keeps all) and recording every
// kept gene. Diagonal lists come back empty.
func filterTopAvailable(markers Markers, top int, ok func(int) bool, kept map[int]struct{}) Markers {
	out := make(Markers, len(markers))
	for i := range markers {
		out[i] = make([][]int, len(markers[i]))
		for j, list := range markers[i] {
			if i == j {
				continue
			}
			var replacement []int
			if top >= 0 {
				replacement = make([]int, 0, min(top, len(list)))
			} else {
				replacement = make([]int, 0, len(list))
			}
			for _, g := range list {
				if top >= 0 && len(replacement) >= top {
					break
				}
				if ok(g) {
					replacement = append(replacement, g)
					kept[g] = struct{}{}
				}
			}
			out[i][j] = replacement
		}
	}
	return out
}

func reindexMarkers(markers Markers, remap map[int]int) {
	for i := range markers {
		for j := range markers[i] {
			list := markers[i][j]
			for k, g := range list {
				list[k] = remap[g]
			}
		}
	}
}
