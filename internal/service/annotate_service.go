// Package service provides business logic for the annotation server.
package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/annomap-sc/server/internal/classify"
	"github.com/annomap-sc/server/internal/jobstore"
	"github.com/annomap-sc/server/internal/metrics"
	"github.com/annomap-sc/server/internal/refstore"
)

// Registry is the view of the bundle registry the annotation service needs.
type Registry interface {
	Dataset(id string) *refstore.Dataset
	Reference(name string) *refstore.Reference
	ReferenceNames() []string
}

// Options configures the annotation service.
type Options struct {
	// Quantile used when a job does not set one.
	Quantile float64
	// Top is the per-pair marker truncation used when a job does not set
	// one; -1 keeps full lists.
	Top int
	// Workers caps the classification worker count; 0 uses all CPUs.
	Workers int
}

// AnnotationService trains references against query datasets and runs
// annotation jobs.
type AnnotationService struct {
	registry Registry
	quantile float64
	top      int
	workers  int

	mu      sync.Mutex
	trained map[string]*trainedRef
}

// trainedRef is a reference trained against one dataset's gene space.
type trainedRef struct {
	model *classify.TrainedSingle
	// inter is nil when the reference shares the dataset's feature space.
	inter classify.Intersection
}

// NewAnnotationService creates a new annotation service.
func NewAnnotationService(registry Registry, opts Options) *AnnotationService {
	return &AnnotationService{
		registry: registry,
		quantile: opts.Quantile,
		top:      opts.Top,
		workers:  opts.Workers,
		trained:  make(map[string]*trainedRef),
	}
}

// ExecuteAnnotationJob runs the annotation for a job (called by JobManager
// worker).
func (s *AnnotationService) ExecuteAnnotationJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	// Load job from store
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	ds := s.registry.Dataset(job.Params.DatasetID)
	if ds == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	refNames := job.Params.References
	if len(refNames) == 0 {
		refNames = s.registry.ReferenceNames()
	}
	if len(refNames) == 0 {
		return fmt.Errorf("no references available")
	}
	refs := make([]*refstore.Reference, len(refNames))
	for i, name := range refNames {
		refs[i] = s.registry.Reference(name)
		if refs[i] == nil {
			return fmt.Errorf("reference not found: %s", name)
		}
	}

	quantile := job.Params.Quantile
	if quantile == 0 {
		quantile = s.quantile
	}
	top := job.Params.Top
	if top == 0 {
		top = s.top
	}
	workers := s.workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	numCells := ds.Matrix.Cols()
	store.UpdateJobCounts(jobID, numCells, len(refs))

	// Phase 1: Train each reference against the dataset's gene space
	store.UpdateJobProgress(jobID, "training", 0, len(refs))

	phaseStart := time.Now()
	models := make([]*trainedRef, len(refs))
	for i, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		models[i], err = s.trainFor(ctx, ds, ref, top)
		if err != nil {
			return err
		}
		store.UpdateJobProgress(jobID, "training", i+1, len(refs))
	}
	observePhase("train_single", phaseStart)

	// Phase 2: Per-reference classification
	store.UpdateJobProgress(jobID, "classify_single", 0, len(refs))

	phaseStart = time.Now()
	opts := classify.SingleOptions{Quantile: quantile, NumThreads: workers}
	singles := make([]*classify.SingleResults, len(refs))
	assigned := make([][]int, len(refs))
	for i := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		singles[i], err = classify.RunClassifySingle(ctx, ds.Matrix, models[i].model, opts)
		if err != nil {
			return fmt.Errorf("failed to classify against %s: %w", refs[i].Name, err)
		}
		assigned[i] = singles[i].Best
		store.UpdateJobProgress(jobID, "classify_single", i+1, len(refs))
	}
	observePhase("classify_single", phaseStart)

	// Phase 3: Cross-reference arbitration (skipped for a lone reference)
	var integrated *classify.IntegratedResults
	if len(refs) > 1 {
		store.UpdateJobProgress(jobID, "train_integrated", 0, 1)

		phaseStart = time.Now()
		inputs := make([]classify.IntegratedRefInput, len(refs))
		for i, ref := range refs {
			inputs[i] = classify.IntegratedRefInput{
				Ref:          ref.Matrix,
				Labels:       ref.Labels,
				Trained:      models[i].model,
				Intersection: models[i].inter,
			}
		}
		trainedIntegrated, err := classify.TrainIntegrated(ctx, inputs, classify.TrainIntegratedOptions{NumThreads: workers})
		if err != nil {
			return fmt.Errorf("failed to train integrated model: %w", err)
		}
		observePhase("train_integrated", phaseStart)

		store.UpdateJobProgress(jobID, "classify_integrated", 0, numCells)

		phaseStart = time.Now()
		integrated, err = classify.RunClassifyIntegrated(ctx, ds.Matrix, assigned, trainedIntegrated, classify.IntegratedOptions{
			Quantile:   quantile,
			NumThreads: workers,
		})
		if err != nil {
			return fmt.Errorf("failed to classify integrated: %w", err)
		}
		observePhase("classify_integrated", phaseStart)
		store.UpdateJobProgress(jobID, "classify_integrated", numCells, numCells)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.CellsClassified.Add(float64(numCells))

	// Phase 4: Assemble per-cell results
	results := make([]*jobstore.CellResult, numCells)
	for cell := 0; cell < numCells; cell++ {
		r := &jobstore.CellResult{Cell: cell}
		if integrated != nil {
			best := integrated.Best[cell]
			r.BestRef = refs[best].Name
			r.BestLabel = models[best].model.LabelName(assigned[best][cell])
			r.Score = integrated.Scores[best][cell]
			r.Delta = finiteOrNil(integrated.Delta[cell])
			r.Calls = make([]jobstore.RefCall, len(refs))
			for i := range refs {
				r.Calls[i] = jobstore.RefCall{
					Reference: refs[i].Name,
					Label:     models[i].model.LabelName(assigned[i][cell]),
					Score:     integrated.Scores[i][cell],
				}
			}
		} else {
			best := singles[0].Best[cell]
			r.BestRef = refs[0].Name
			r.BestLabel = models[0].model.LabelName(best)
			r.Score = singles[0].Scores[best][cell]
			r.Delta = finiteOrNil(singles[0].Delta[cell])
			r.Calls = []jobstore.RefCall{{
				Reference: refs[0].Name,
				Label:     r.BestLabel,
				Score:     r.Score,
			}}
		}
		results[cell] = r
	}

	logJobSummary(jobID, results, len(refs))

	// Phase 5: Write results to DB
	store.UpdateJobProgress(jobID, "saving_results", 0, len(results))

	if err := store.InsertResults(jobID, results); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	return nil
}

// trainFor returns the reference trained against the dataset's gene space,
// reusing an earlier run when one exists. A reference sharing the dataset's
// exact gene list trains directly; anything else goes through the gene
// intersection.
func (s *AnnotationService) trainFor(ctx context.Context, ds *refstore.Dataset, ref *refstore.Reference, top int) (*trainedRef, error) {
	key := fmt.Sprintf("%s|%s|%d", ds.Name, ref.Name, top)
	s.mu.Lock()
	if tr, ok := s.trained[key]; ok {
		s.mu.Unlock()
		return tr, nil
	}
	s.mu.Unlock()

	workers := s.workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	opts := classify.TrainSingleOptions{Top: top, NumThreads: workers}

	tr := &trainedRef{}
	var err error
	if slices.Equal(ds.Genes, ref.Genes) {
		tr.model, err = classify.TrainSingle(ctx, ref.Matrix, ref.Labels, ref.LabelNames, ref.Markers, opts)
	} else {
		tr.inter = classify.IntersectGenes(ds.Genes, ref.Genes)
		if len(tr.inter) == 0 {
			return nil, fmt.Errorf("dataset %s and reference %s share no genes", ds.Name, ref.Name)
		}
		tr.model, err = classify.TrainSingleIntersected(ctx, tr.inter, ref.Matrix, ref.Labels, ref.LabelNames, ref.Markers, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to train reference %s: %w", ref.Name, err)
	}

	s.mu.Lock()
	s.trained[key] = tr
	s.mu.Unlock()
	return tr, nil
}

func observePhase(phase string, start time.Time) {
	metrics.ClassifyDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func logJobSummary(jobID string, results []*jobstore.CellResult, numRefs int) {
	if len(results) == 0 {
		log.Printf("[Annotate] Job %s: no cells to classify", jobID)
		return
	}

	scores := make([]float64, len(results))
	deltas := make([]float64, 0, len(results))
	for i, r := range results {
		scores[i] = r.Score
		if r.Delta != nil {
			deltas = append(deltas, *r.Delta)
		}
	}
	sort.Float64s(scores)
	medianScore := stat.Quantile(0.5, stat.Empirical, scores, nil)

	meanDelta := math.NaN()
	if len(deltas) > 0 {
		meanDelta = stat.Mean(deltas, nil)
	}

	log.Printf("[Annotate] Job %s: %d cells across %d reference(s), median score %.4f, mean delta %.4f",
		jobID, len(results), numRefs, medianScore, meanDelta)
}
