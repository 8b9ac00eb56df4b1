package classify

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/annomap-sc/server/internal/parallel"
)

// IntegratedOptions configures ClassifyIntegrated.
type IntegratedOptions struct {
	// Quantile of the per-profile correlation distribution reported as a
	// reference's score, in [0, 1].
	Quantile float64
	// NumThreads caps the worker count; values below 1 mean one worker.
	NumThreads int
}

// DefaultIntegratedOptions returns the stock configuration: the 0.8
// quantile on one worker.
func DefaultIntegratedOptions() IntegratedOptions {
	return IntegratedOptions{Quantile: DefaultQuantile, NumThreads: 1}
}

// IntegratedBuffers is caller-allocated output storage for
// ClassifyIntegrated. Lengths are checked before any work starts.
type IntegratedBuffers struct {
	// Best receives, per cell, the index of the winning reference.
	// Required, one slot per cell.
	Best []int
	// Scores receives per-reference scores. Leave empty to skip recording,
	// or supply one entry per reference; individual entries may be nil to
	// skip just that reference. Non-nil entries need one slot per cell.
	Scores [][]float64
	// Delta receives the winning score minus the runner-up score per
	// cell; nil skips recording. With a single reference the delta is NaN.
	Delta []float64
}

// IntegratedResults owns the outputs of RunClassifyIntegrated.
type IntegratedResults struct {
	Best   []int
	Scores [][]float64
	Delta  []float64
}

// integratedScratch is the per-worker state reused across a worker's
// cells. Nothing in here is shared between workers.
type integratedScratch struct {
	values       []float64
	miniSet      map[int]struct{}
	miniverse    []int
	fullRanked   RankedVector[float64]
	testRanked   RankedVector[float64]
	refRanked    RankedVector[float64]
	scaledTest   []float64
	scaledRef    []float64
	correlations []float64
	restricted   *Remapper
	direct       *Remapper
}

func newIntegratedScratch(universeSize int) *integratedScratch {
	return &integratedScratch{
		values:       make([]float64, universeSize),
		miniSet:      make(map[int]struct{}, universeSize),
		miniverse:    make([]int, 0, universeSize),
		fullRanked:   make(RankedVector[float64], 0, universeSize),
		testRanked:   make(RankedVector[float64], 0, universeSize),
		refRanked:    make(RankedVector[float64], 0, universeSize),
		scaledTest:   make([]float64, 0, universeSize),
		scaledRef:    make([]float64, 0, universeSize),
		correlations: make([]float64, 0, 16),
		restricted:   NewRemapper(universeSize),
		direct:       NewRemapper(universeSize),
	}
}

func resizeFloats(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}

// ClassifyIntegrated decides, for every column of test, which reference
// knows it best. assigned[r][cell] is the label reference r gave the cell
// (typically ClassifySingle's Best output). Per cell, the assigned labels'
// marker unions form a miniverse of universe genes; the cell and each
// reference's profiles for its assigned label are ranked over the part of
// that miniverse the reference covers, and the quantile of their
// correlations becomes the reference's score. The best-scoring reference
// wins, with ties keeping the earlier reference.
//
// Cells are split into contiguous ranges across opts.NumThreads workers.
// Each worker owns its scratch and writes only its own cells' output
// slots, so results are identical for any worker count.
func ClassifyIntegrated(ctx context.Context, test Matrix, assigned [][]int, trained *TrainedIntegrated, opts IntegratedOptions, buffers IntegratedBuffers) error {
	if opts.Quantile < 0 || opts.Quantile > 1 || math.IsNaN(opts.Quantile) {
		return fmt.Errorf("quantile %v outside [0, 1]", opts.Quantile)
	}
	numCells := test.Cols()
	numRefs := trained.NumReferences()
	if len(assigned) != numRefs {
		return fmt.Errorf("got assignments for %d references, want %d", len(assigned), numRefs)
	}
	for r, a := range assigned {
		if len(a) != numCells {
			return fmt.Errorf("assignments for reference %d hold %d entries, want %d", r, len(a), numCells)
		}
		n := trained.NumLabels(r)
		for cell, label := range a {
			if label < 0 || label >= n {
				return fmt.Errorf("cell %d has unknown label code %d for reference %d", cell, label, r)
			}
		}
	}
	if len(buffers.Best) != numCells {
		return fmt.Errorf("best buffer holds %d entries, want %d", len(buffers.Best), numCells)
	}
	if len(buffers.Scores) != 0 && len(buffers.Scores) != numRefs {
		return fmt.Errorf("scores buffer holds %d references, want %d", len(buffers.Scores), numRefs)
	}
	for r, s := range buffers.Scores {
		if s != nil && len(s) != numCells {
			return fmt.Errorf("scores buffer for reference %d holds %d entries, want %d", r, len(s), numCells)
		}
	}
	if buffers.Delta != nil && len(buffers.Delta) != numCells {
		return fmt.Errorf("delta buffer holds %d entries, want %d", len(buffers.Delta), numCells)
	}
	for _, row := range trained.universe {
		if row < 0 || row >= test.Rows() {
			return fmt.Errorf("universe row %d outside test matrix with %d rows", row, test.Rows())
		}
	}

	return parallel.ForEachRange(ctx, numCells, opts.NumThreads, func(lo, hi int) error {
		scratch := newIntegratedScratch(len(trained.universe))
		for cell := lo; cell < hi; cell++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := classifyIntegratedCell(test, assigned, trained, opts.Quantile, buffers, cell, scratch); err != nil {
				return err
			}
		}
		return nil
	})
}

func classifyIntegratedCell(test Matrix, assigned [][]int, trained *TrainedIntegrated, quantile float64, buffers IntegratedBuffers, cell int, sc *integratedScratch) error {
	// The miniverse for this cell: every marker of every reference's
	// assigned label, sorted so compact ids never depend on map order.
	clear(sc.miniSet)
	for r := range trained.refs {
		label := assigned[r][cell]
		for _, pos := range trained.refs[r].markers[label] {
			sc.miniSet[pos] = struct{}{}
		}
	}
	sc.miniverse = sc.miniverse[:0]
	for pos := range sc.miniSet {
		sc.miniverse = append(sc.miniverse, pos)
	}
	sort.Ints(sc.miniverse)

	if err := test.ColumnRows(cell, trained.universe, sc.values); err != nil {
		return fmt.Errorf("extracting test cell %d: %w", cell, err)
	}
	sc.fullRanked = sc.fullRanked[:0]
	for _, pos := range sc.miniverse {
		sc.fullRanked = append(sc.fullRanked, RankedEntry[float64]{Value: sc.values[pos], Index: pos})
	}
	sc.fullRanked.Sort()

	// References that cover the whole universe share one mapping per
	// cell; restricted references rebuild theirs from their availability.
	directBuilt := false
	bestRef := 0
	bestScore := math.Inf(-1)
	nextBest := math.Inf(-1)

	for r := range trained.refs {
		ref := &trained.refs[r]
		var mapping *Remapper
		if ref.checkAvailability {
			sc.restricted.Reset()
			for _, pos := range sc.miniverse {
				if _, ok := ref.available[pos]; ok {
					sc.restricted.Add(pos)
				}
			}
			mapping = sc.restricted
		} else {
			if !directBuilt {
				sc.direct.Reset()
				for _, pos := range sc.miniverse {
					sc.direct.Add(pos)
				}
				directBuilt = true
			}
			mapping = sc.direct
		}

		Remap(mapping, sc.fullRanked, &sc.testRanked)
		sc.scaledTest = resizeFloats(sc.scaledTest, len(sc.testRanked))
		ScaledRanks(sc.testRanked, sc.scaledTest)

		label := assigned[r][cell]
		sc.correlations = sc.correlations[:0]
		for _, profile := range ref.ranked[label] {
			Remap(mapping, profile, &sc.refRanked)
			sc.scaledRef = resizeFloats(sc.scaledRef, len(sc.refRanked))
			ScaledRanks(sc.refRanked, sc.scaledRef)
			sc.correlations = append(sc.correlations, CorrelateScaled(sc.scaledTest, sc.scaledRef))
		}

		score := ScoreQuantile(sc.correlations, quantile)
		if len(buffers.Scores) > 0 && buffers.Scores[r] != nil {
			buffers.Scores[r][cell] = score
		}
		if score > bestScore {
			nextBest = bestScore
			bestScore = score
			bestRef = r
		} else if score > nextBest {
			nextBest = score
		}
	}

	buffers.Best[cell] = bestRef
	if buffers.Delta != nil {
		if len(trained.refs) > 1 {
			buffers.Delta[cell] = bestScore - nextBest
		} else {
			buffers.Delta[cell] = math.NaN()
		}
	}
	return nil
}

// RunClassifyIntegrated allocates full result storage and classifies into
// it: best reference, every reference's score, and the per-cell delta.
func RunClassifyIntegrated(ctx context.Context, test Matrix, assigned [][]int, trained *TrainedIntegrated, opts IntegratedOptions) (*IntegratedResults, error) {
	numCells := test.Cols()
	res := &IntegratedResults{
		Best:   make([]int, numCells),
		Scores: make([][]float64, trained.NumReferences()),
		Delta:  make([]float64, numCells),
	}
	for r := range res.Scores {
		res.Scores[r] = make([]float64, numCells)
	}
	buffers := IntegratedBuffers{Best: res.Best, Scores: res.Scores, Delta: res.Delta}
	if err := ClassifyIntegrated(ctx, test, assigned, trained, opts, buffers); err != nil {
		return nil, err
	}
	return res, nil
}
