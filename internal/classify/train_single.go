package classify

import (
	"context"
	"fmt"

	"github.com/annomap-sc/server/internal/parallel"
)

// TrainSingleOptions configures single-reference training.
type TrainSingleOptions struct {
	// Top caps the number of markers kept per ordered label pair; a
	// negative value keeps every marker that survives the feature space.
	Top int
	// NumThreads caps the worker count used to rank reference samples;
	// values below 1 mean one worker.
	NumThreads int
}

// DefaultTrainSingleOptions returns the options used when callers have no
// opinion: keep all markers, rank on one worker.
func DefaultTrainSingleOptions() TrainSingleOptions {
	return TrainSingleOptions{Top: -1, NumThreads: 1}
}

// TrainedSingle is a single reference prepared for classification: the
// marker gene subset, the per-pair marker lists rewritten to subset
// positions, and one pre-scaled rank profile per reference sample, grouped
// by label. Profiles are scaled at training time because the subset, and
// with it the compact gene space, never changes per cell.
type TrainedSingle struct {
	testSubset []int
	refSubset  []int
	markers    Markers
	labelNames []string
	scaled     [][][]float64
}

// NumLabels returns the number of labels the reference distinguishes.
func (t *TrainedSingle) NumLabels() int { return len(t.scaled) }

// NumProfiles returns the number of reference samples carrying the label.
func (t *TrainedSingle) NumProfiles(label int) int { return len(t.scaled[label]) }

// NumMarkers returns the size of the marker gene subset.
func (t *TrainedSingle) NumMarkers() int { return len(t.testSubset) }

// TestSubset returns the marker subset as test-space rows. Callers must
// not modify the returned slice.
func (t *TrainedSingle) TestSubset() []int { return t.testSubset }

// RefSubset returns the marker subset as reference-space rows, parallel to
// TestSubset. Callers must not modify the returned slice.
func (t *TrainedSingle) RefSubset() []int { return t.refSubset }

// LabelName returns the display name for a label code, falling back to
// the code itself when no names were supplied.
func (t *TrainedSingle) LabelName(label int) string {
	if label >= 0 && label < len(t.labelNames) {
		return t.labelNames[label]
	}
	return fmt.Sprintf("label %d", label)
}

// LabelNames returns the display names for all label codes.
func (t *TrainedSingle) LabelNames() []string {
	names := make([]string, t.NumLabels())
	for i := range names {
		names[i] = t.LabelName(i)
	}
	return names
}

// TrainSingle prepares a reference whose feature space is identical to the
// test dataset's. Markers are truncated to opts.Top per label pair and the
// union of kept genes becomes the compact marker subset; every reference
// sample is then ranked over that subset and scaled.
//
// labels assigns each reference column a code in [0, markers.NumLabels());
// every label must have at least one sample. labelNames may be nil.
func TrainSingle(ctx context.Context, ref Matrix, labels []int, labelNames []string, markers Markers, opts TrainSingleOptions) (*TrainedSingle, error) {
	if err := validateTrainInputs(ref, labels, labelNames, markers); err != nil {
		return nil, err
	}

	subset, remapped := SubsetMarkers(markers, opts.Top)
	trained := &TrainedSingle{
		testSubset: subset,
		refSubset:  subset,
		markers:    remapped,
		labelNames: labelNames,
	}
	if err := trained.rankProfiles(ctx, ref, labels, markers.NumLabels(), opts.NumThreads); err != nil {
		return nil, err
	}
	return trained, nil
}

// TrainSingleIntersected prepares a reference whose feature space differs
// from the test dataset's, using the intersection of the two. Markers are
// filtered to intersected genes (keeping at most opts.Top per pair) and
// the surviving pairs define parallel test/reference row subsets.
func TrainSingleIntersected(ctx context.Context, inter Intersection, ref Matrix, labels []int, labelNames []string, markers Markers, opts TrainSingleOptions) (*TrainedSingle, error) {
	if err := validateTrainInputs(ref, labels, labelNames, markers); err != nil {
		return nil, err
	}

	compact, remapped := SubsetMarkersIntersected(inter, markers, opts.Top)
	trained := &TrainedSingle{
		testSubset: compact.TestRows(),
		refSubset:  compact.RefRows(),
		markers:    remapped,
		labelNames: labelNames,
	}
	if err := trained.rankProfiles(ctx, ref, labels, markers.NumLabels(), opts.NumThreads); err != nil {
		return nil, err
	}
	return trained, nil
}

// sampleSlot locates one reference sample: its label, its position among
// that label's samples, and its matrix column.
type sampleSlot struct {
	label int
	pos   int
	col   int
}

// labelSlots flattens samples into slots and returns per-label counts.
// Label codes must already be validated.
func labelSlots(labels []int, numLabels int) ([]sampleSlot, []int) {
	counts := make([]int, numLabels)
	slots := make([]sampleSlot, len(labels))
	for col, label := range labels {
		slots[col] = sampleSlot{label: label, pos: counts[label], col: col}
		counts[label]++
	}
	return slots, counts
}

// rankProfiles extracts every reference sample at the marker subset rows,
// ranks it, and stores the scaled profile in its label's slot.
func (t *TrainedSingle) rankProfiles(ctx context.Context, ref Matrix, labels []int, numLabels, threads int) error {
	for _, row := range t.refSubset {
		if row < 0 || row >= ref.Rows() {
			return fmt.Errorf("marker row %d outside reference with %d rows", row, ref.Rows())
		}
	}

	slots, counts := labelSlots(labels, numLabels)
	t.scaled = make([][][]float64, numLabels)
	for label, n := range counts {
		t.scaled[label] = make([][]float64, n)
	}

	k := len(t.refSubset)
	return parallel.ForEachRange(ctx, len(slots), threads, func(lo, hi int) error {
		values := make([]float64, k)
		ranked := make(RankedVector[float64], 0, k)
		for i := lo; i < hi; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := slots[i]
			if err := ref.ColumnRows(s.col, t.refSubset, values); err != nil {
				return fmt.Errorf("extracting reference sample %d: %w", s.col, err)
			}
			ranked = ranked[:0]
			for pos, v := range values {
				ranked = append(ranked, RankedEntry[float64]{Value: v, Index: pos})
			}
			ranked.Sort()
			scaled := make([]float64, k)
			ScaledRanks(ranked, scaled)
			t.scaled[s.label][s.pos] = scaled
		}
		return nil
	})
}

// validateTrainInputs rejects shape problems before any extraction work.
func validateTrainInputs(ref Matrix, labels []int, labelNames []string, markers Markers) error {
	n := markers.NumLabels()
	if n == 0 {
		return fmt.Errorf("markers cover no labels")
	}
	for i := range markers {
		if len(markers[i]) != n {
			return fmt.Errorf("markers row %d covers %d labels, want %d", i, len(markers[i]), n)
		}
	}
	if len(labels) != ref.Cols() {
		return fmt.Errorf("got %d labels for %d reference samples", len(labels), ref.Cols())
	}
	if labelNames != nil && len(labelNames) != n {
		return fmt.Errorf("got %d label names for %d labels", len(labelNames), n)
	}
	seen := make([]bool, n)
	for col, label := range labels {
		if label < 0 || label >= n {
			return fmt.Errorf("sample %d has unknown label code %d", col, label)
		}
		seen[label] = true
	}
	for label, ok := range seen {
		if !ok {
			return fmt.Errorf("label %d has no reference samples", label)
		}
	}
	return nil
}
