package classify

import (
	"context"
	"fmt"
	"math"

	"github.com/annomap-sc/server/internal/parallel"
)

// SingleOptions configures ClassifySingle.
type SingleOptions struct {
	// Quantile of the per-profile correlation distribution reported as a
	// label's score, in [0, 1].
	Quantile float64
	// NumThreads caps the worker count; values below 1 mean one worker.
	NumThreads int
}

// DefaultSingleOptions returns the stock configuration: the 0.8 quantile
// on one worker.
func DefaultSingleOptions() SingleOptions {
	return SingleOptions{Quantile: DefaultQuantile, NumThreads: 1}
}

// SingleBuffers is caller-allocated output storage for ClassifySingle.
type SingleBuffers struct {
	// Best receives, per cell, the winning label code. Required, one slot
	// per cell.
	Best []int
	// Scores receives per-label scores. Leave empty to skip recording, or
	// supply one entry per label; individual entries may be nil to skip
	// just that label. Non-nil entries need one slot per cell.
	Scores [][]float64
	// Delta receives the winning score minus the runner-up score per
	// cell; nil skips recording. With a single label the delta is NaN.
	Delta []float64
}

// SingleResults owns the outputs of RunClassifySingle.
type SingleResults struct {
	Best   []int
	Scores [][]float64
	Delta  []float64
}

// ClassifySingle scores every column of test against each label of a
// trained reference and records the best label per cell. Scores are the
// quantile of the correlations between the cell and the label's profiles,
// computed over the trained marker subset. Ties keep the earlier label.
func ClassifySingle(ctx context.Context, test Matrix, trained *TrainedSingle, opts SingleOptions, buffers SingleBuffers) error {
	if opts.Quantile < 0 || opts.Quantile > 1 || math.IsNaN(opts.Quantile) {
		return fmt.Errorf("quantile %v outside [0, 1]", opts.Quantile)
	}
	numCells := test.Cols()
	numLabels := trained.NumLabels()
	if len(buffers.Best) != numCells {
		return fmt.Errorf("best buffer holds %d entries, want %d", len(buffers.Best), numCells)
	}
	if len(buffers.Scores) != 0 && len(buffers.Scores) != numLabels {
		return fmt.Errorf("scores buffer holds %d labels, want %d", len(buffers.Scores), numLabels)
	}
	for label, s := range buffers.Scores {
		if s != nil && len(s) != numCells {
			return fmt.Errorf("scores buffer for label %d holds %d entries, want %d", label, len(s), numCells)
		}
	}
	if buffers.Delta != nil && len(buffers.Delta) != numCells {
		return fmt.Errorf("delta buffer holds %d entries, want %d", len(buffers.Delta), numCells)
	}
	for _, row := range trained.testSubset {
		if row < 0 || row >= test.Rows() {
			return fmt.Errorf("marker row %d outside test matrix with %d rows", row, test.Rows())
		}
	}

	k := trained.NumMarkers()
	return parallel.ForEachRange(ctx, numCells, opts.NumThreads, func(lo, hi int) error {
		values := make([]float64, k)
		ranked := make(RankedVector[float64], 0, k)
		scaled := make([]float64, k)
		correlations := make([]float64, 0, 16)

		for cell := lo; cell < hi; cell++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := test.ColumnRows(cell, trained.testSubset, values); err != nil {
				return fmt.Errorf("extracting test cell %d: %w", cell, err)
			}
			ranked = ranked[:0]
			for pos, v := range values {
				ranked = append(ranked, RankedEntry[float64]{Value: v, Index: pos})
			}
			ranked.Sort()
			ScaledRanks(ranked, scaled)

			bestLabel := 0
			bestScore := math.Inf(-1)
			nextBest := math.Inf(-1)
			for label := 0; label < numLabels; label++ {
				correlations = correlations[:0]
				for _, profile := range trained.scaled[label] {
					correlations = append(correlations, CorrelateScaled(scaled, profile))
				}
				score := ScoreQuantile(correlations, opts.Quantile)
				if len(buffers.Scores) > 0 && buffers.Scores[label] != nil {
					buffers.Scores[label][cell] = score
				}
				if score > bestScore {
					nextBest = bestScore
					bestScore = score
					bestLabel = label
				} else if score > nextBest {
					nextBest = score
				}
			}

			buffers.Best[cell] = bestLabel
			if buffers.Delta != nil {
				if numLabels > 1 {
					buffers.Delta[cell] = bestScore - nextBest
				} else {
					buffers.Delta[cell] = math.NaN()
				}
			}
		}
		return nil
	})
}

// RunClassifySingle allocates full result storage and classifies into it.
func RunClassifySingle(ctx context.Context, test Matrix, trained *TrainedSingle, opts SingleOptions) (*SingleResults, error) {
	numCells := test.Cols()
	res := &SingleResults{
		Best:   make([]int, numCells),
		Scores: make([][]float64, trained.NumLabels()),
		Delta:  make([]float64, numCells),
	}
	for label := range res.Scores {
		res.Scores[label] = make([]float64, numCells)
	}
	buffers := SingleBuffers{Best: res.Best, Scores: res.Scores, Delta: res.Delta}
	if err := ClassifySingle(ctx, test, trained, opts, buffers); err != nil {
		return nil, err
	}
	return res, nil
}
