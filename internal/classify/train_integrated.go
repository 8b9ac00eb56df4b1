package classify

import (
	"context"
	"fmt"
	"sort"

	"github.com/annomap-sc/server/internal/parallel"
)

// IntegratedRefInput bundles one singly-trained reference for integration.
type IntegratedRefInput struct {
	// Ref is the reference expression matrix the single model was trained
	// on, genes by samples.
	Ref Matrix
	// Labels assigns each reference sample the label code used in
	// training.
	Labels []int
	// Trained is the model built by TrainSingle or TrainSingleIntersected.
	Trained *TrainedSingle
	// Intersection is the full test/reference gene intersection for
	// references trained with TrainSingleIntersected; nil means the
	// reference shares the test feature space. The full intersection is
	// needed here, not the trained subset: a reference ranks every shared
	// gene that another reference's markers may ask for.
	Intersection Intersection
}

// TrainIntegratedOptions configures TrainIntegrated.
type TrainIntegratedOptions struct {
	// NumThreads caps the worker count used to rank reference samples;
	// values below 1 mean one worker.
	NumThreads int
}

// integratedRef is one reference inside a TrainedIntegrated model.
type integratedRef struct {
	// checkAvailability marks a reference that does not cover the whole
	// universe; available then holds the universe positions it does cover.
	checkAvailability bool
	available         map[int]struct{}
	// markers[label] is the union of the label's marker lists, as sorted
	// universe positions.
	markers [][]int
	// ranked[label] holds one value-sorted profile per sample carrying
	// the label. Entry indices are universe positions.
	ranked     [][]RankedVector[float64]
	labelNames []string
}

// TrainedIntegrated holds several references projected onto one shared
// gene universe, ready for ClassifyIntegrated to arbitrate between their
// per-cell label calls. Built once, then read concurrently.
type TrainedIntegrated struct {
	// universe is the sorted union of every reference's marker subset, as
	// test-space rows.
	universe []int
	refs     []integratedRef
}

// NumReferences returns the number of integrated references.
func (t *TrainedIntegrated) NumReferences() int { return len(t.refs) }

// NumLabels returns the number of labels reference ref distinguishes.
func (t *TrainedIntegrated) NumLabels(ref int) int { return len(t.refs[ref].markers) }

// UniverseSize returns the number of genes in the shared universe.
func (t *TrainedIntegrated) UniverseSize() int { return len(t.universe) }

// LabelName returns the display name of a label code in reference ref.
func (t *TrainedIntegrated) LabelName(ref, label int) string {
	names := t.refs[ref].labelNames
	if label >= 0 && label < len(names) {
		return names[label]
	}
	return fmt.Sprintf("label %d", label)
}

// TrainIntegrated builds the integrated model over one or more singly
// trained references. All marker subsets are merged into a shared sorted
// universe of test rows; each reference records which universe genes it
// covers, its per-label marker unions as universe positions, and one
// value-sorted rank profile per reference sample over its covered genes.
func TrainIntegrated(ctx context.Context, inputs []IntegratedRefInput, opts TrainIntegratedOptions) (*TrainedIntegrated, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no references to integrate")
	}
	for r, in := range inputs {
		if in.Trained == nil {
			return nil, fmt.Errorf("reference %d: missing trained model", r)
		}
		if in.Ref == nil {
			return nil, fmt.Errorf("reference %d: missing expression matrix", r)
		}
	}

	subsets := make([][]int, len(inputs))
	for r, in := range inputs {
		subsets[r] = in.Trained.testSubset
	}
	universe := UnionIndices(subsets...)
	posOf := make(map[int]int, len(universe))
	for pos, row := range universe {
		posOf[row] = pos
	}

	trained := &TrainedIntegrated{
		universe: universe,
		refs:     make([]integratedRef, len(inputs)),
	}
	for r := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref, err := buildIntegratedRef(ctx, inputs[r], universe, posOf, opts.NumThreads)
		if err != nil {
			return nil, fmt.Errorf("reference %d: %w", r, err)
		}
		trained.refs[r] = ref
	}
	return trained, nil
}

func buildIntegratedRef(ctx context.Context, in IntegratedRefInput, universe []int, posOf map[int]int, threads int) (integratedRef, error) {
	ts := in.Trained
	numLabels := ts.NumLabels()
	out := integratedRef{labelNames: ts.LabelNames()}

	if len(in.Labels) != in.Ref.Cols() {
		return out, fmt.Errorf("got %d labels for %d samples", len(in.Labels), in.Ref.Cols())
	}
	for col, label := range in.Labels {
		if label < 0 || label >= numLabels {
			return out, fmt.Errorf("sample %d has unknown label code %d", col, label)
		}
	}

	// Per-label marker unions: subset positions back to test rows, then to
	// universe positions, sorted for a stable miniverse later.
	out.markers = make([][]int, numLabels)
	for label := 0; label < numLabels; label++ {
		set := make(map[int]struct{})
		for other, list := range ts.markers[label] {
			if other == label {
				continue
			}
			for _, subsetPos := range list {
				set[posOf[ts.testSubset[subsetPos]]] = struct{}{}
			}
		}
		union := make([]int, 0, len(set))
		for pos := range set {
			union = append(union, pos)
		}
		sort.Ints(union)
		out.markers[label] = union
	}

	// Which universe genes this reference can rank, and the reference rows
	// to extract them from. positions[i] is the universe position stored
	// at extractRows[i].
	var extractRows, positions []int
	if in.Intersection != nil {
		out.checkAvailability = true
		out.available = make(map[int]struct{})
		refRowOf := make(map[int]int, len(in.Intersection))
		for _, p := range in.Intersection {
			refRowOf[p.Test] = p.Ref
		}
		for pos, row := range universe {
			if refRow, ok := refRowOf[row]; ok {
				out.available[pos] = struct{}{}
				positions = append(positions, pos)
				extractRows = append(extractRows, refRow)
			}
		}
	} else {
		positions = make([]int, len(universe))
		for pos := range positions {
			positions[pos] = pos
		}
		extractRows = universe
	}
	for _, row := range extractRows {
		if row < 0 || row >= in.Ref.Rows() {
			return out, fmt.Errorf("universe row %d outside reference with %d rows", row, in.Ref.Rows())
		}
	}

	slots, counts := labelSlots(in.Labels, numLabels)
	for label, n := range counts {
		if n == 0 {
			return out, fmt.Errorf("label %d has no reference samples", label)
		}
	}
	out.ranked = make([][]RankedVector[float64], numLabels)
	for label, n := range counts {
		out.ranked[label] = make([]RankedVector[float64], n)
	}

	k := len(extractRows)
	err := parallel.ForEachRange(ctx, len(slots), threads, func(lo, hi int) error {
		values := make([]float64, k)
		for i := lo; i < hi; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := slots[i]
			if err := in.Ref.ColumnRows(s.col, extractRows, values); err != nil {
				return fmt.Errorf("extracting reference sample %d: %w", s.col, err)
			}
			profile := make(RankedVector[float64], k)
			for idx, v := range values {
				profile[idx] = RankedEntry[float64]{Value: v, Index: positions[idx]}
			}
			profile.Sort()
			out.ranked[s.label][s.pos] = profile
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
