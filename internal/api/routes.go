// Package api provides HTTP handlers for the AnnoMap server.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/annomap-sc/server/internal/cache"
	"github.com/annomap-sc/server/internal/jobstore"
	"github.com/annomap-sc/server/internal/metrics"
	"github.com/annomap-sc/server/internal/render"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *Registry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
	Renderer    *render.HeatmapRenderer
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics
	r.Handle("/metrics", metrics.Handler())

	// Catalog endpoints
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/references", referencesHandler(cfg.Registry))
	r.Get("/api/references/{name}", referenceInfoHandler(cfg.Registry))

	// Annotation job endpoints
	r.Route("/api/annotate/jobs", func(r chi.Router) {
		r.Post("/", jobSubmitHandler(cfg.Registry, cfg.JobManager))
		r.Get("/", jobListHandler(cfg.JobManager))
		r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/results", jobResultsHandler(cfg.JobManager, cfg.Cache))
		r.Get("/{job_id}/summary", jobSummaryHandler(cfg.JobManager))
		r.Get("/{job_id}/heatmap.png", jobHeatmapHandler(cfg.JobManager, cfg.Cache, cfg.Renderer))
		r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
	})

	return r
}

// requestMetrics counts requests by method, matched route pattern, and status.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			var route string
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}()
		next.ServeHTTP(ww, r)
	})
}

// datasetsHandler returns the list of query datasets loaded for annotation.
func datasetsHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"title":    registry.Title(),
			"datasets": registry.Datasets(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// referencesHandler returns the reference catalog.
func referencesHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refs := registry.References()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"references": refs,
			"total":      len(refs),
		})
	}
}

// referenceInfoHandler returns a single reference with per-label detail.
func referenceInfoHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		ref := registry.Reference(name)
		if ref == nil {
			http.Error(w, "reference not found: "+name, http.StatusNotFound)
			return
		}

		samples := make([]int, len(ref.LabelNames))
		for _, code := range ref.Labels {
			if code >= 0 && code < len(samples) {
				samples[code]++
			}
		}

		labels := make([]map[string]interface{}, len(ref.LabelNames))
		for i, labelName := range ref.LabelNames {
			// Count the distinct marker genes this label contributes
			// across all its pairwise comparisons.
			genes := make(map[int]struct{})
			for _, list := range ref.Markers[i] {
				for _, row := range list {
					genes[row] = struct{}{}
				}
			}
			labels[i] = map[string]interface{}{
				"name":         labelName,
				"samples":      samples[i],
				"marker_genes": len(genes),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name":        ref.Name,
			"description": ref.Description,
			"genes":       len(ref.Genes),
			"samples":     len(ref.Labels),
			"labels":      labels,
		})
	}
}

// Annotation job handlers

type annotateJobSubmitRequest struct {
	DatasetID  string   `json:"dataset_id"`
	References []string `json:"references"`
	Quantile   float64  `json:"quantile"`
	Top        int      `json:"top"`
}

func jobSubmitHandler(registry *Registry, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req annotateJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		if req.DatasetID == "" {
			http.Error(w, "dataset_id is required", http.StatusBadRequest)
			return
		}
		if registry.Dataset(req.DatasetID) == nil {
			http.Error(w, "dataset not found: "+req.DatasetID, http.StatusNotFound)
			return
		}
		// An empty references list means "use every loaded reference".
		for _, name := range req.References {
			if registry.Reference(name) == nil {
				http.Error(w, "reference not found: "+name, http.StatusNotFound)
				return
			}
		}
		if req.Quantile != 0 && (req.Quantile < 0 || req.Quantile > 1) {
			http.Error(w, "quantile must be between 0 and 1", http.StatusBadRequest)
			return
		}
		if req.Top < -1 {
			http.Error(w, "top must be -1 (all markers), 0 (server default), or positive", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.JobParams{
			DatasetID:  req.DatasetID,
			References: req.References,
			Quantile:   req.Quantile,
			Top:        req.Top,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var (
			jobs []*jobstore.Job
			err  error
		)
		if datasetID := r.URL.Query().Get("dataset"); datasetID != "" {
			jobs, err = jm.Store().ListJobsByDataset(datasetID)
		} else {
			jobs, err = jm.Store().ListJobs()
		}
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"dataset_id":  job.DatasetID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n_cells":     job.NumCells,
			"n_refs":      job.NumRefs,
			"error":       job.Error,
		})
	}
}

func jobResultsHandler(jm *JobManager, cacheMgr *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		// Parse pagination and order params
		offset := 0
		limit := 100
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "cell"
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 500 {
					limit = 500
				}
			}
		}

		// The job lookup above keeps pages of deleted jobs from being
		// served out of the cache.
		cacheKey := cache.ResultsKey(jobID, orderBy, offset, limit)
		if cacheMgr != nil {
			if data, ok := cacheMgr.GetResults(cacheKey); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		items, total, err := jm.Store().QueryResults(jobID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		data, err := json.Marshal(map[string]interface{}{
			"job_id":   job.ID,
			"params":   job.Params,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
		if err != nil {
			http.Error(w, "failed to encode results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cacheMgr != nil {
			cacheMgr.SetResults(cacheKey, data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func jobSummaryHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		counts, err := jm.Store().Summary(jobID)
		if err != nil {
			http.Error(w, "failed to summarize results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if counts == nil {
			counts = []*jobstore.LabelCount{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":  job.ID,
			"n_cells": job.NumCells,
			"counts":  counts,
		})
	}
}

func jobHeatmapHandler(jm *JobManager, cacheMgr *cache.Manager, renderer *render.HeatmapRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		if renderer == nil {
			http.Error(w, "renderer not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		colormapName := r.URL.Query().Get("colormap")
		if colormapName == "" {
			colormapName = "viridis"
		}
		maxRows := parseMaxRows(r.URL.Query())

		cacheKey := cache.HeatmapKey(jobID, colormapName, maxRows)
		if cacheMgr != nil {
			if data, ok := cacheMgr.GetHeatmap(cacheKey); ok {
				writePNG(w, data)
				return
			}
		}

		_, scores, err := jm.Store().ScoreMatrix(jobID)
		if err != nil {
			http.Error(w, "failed to load scores: "+err.Error(), http.StatusInternalServerError)
			return
		}
		deltas, err := jm.Store().Deltas(jobID)
		if err != nil {
			http.Error(w, "failed to load deltas: "+err.Error(), http.StatusInternalServerError)
			return
		}

		data, err := renderer.RenderScoreHeatmap(scores, deltas, maxRows, colormapName)
		if err != nil {
			http.Error(w, "failed to render heatmap: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cacheMgr != nil {
			cacheMgr.SetHeatmap(cacheKey, data)
		}

		writePNG(w, data)
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Queued and running jobs get cancelled; finished jobs are removed
		// along with their stored results.
		if jm.Cancel(jobID) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"job_id":    jobID,
				"cancelled": true,
			})
			return
		}

		if err := jm.Delete(jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}

func parseMaxRows(query url.Values) int {
	const defaultMaxRows = 512
	raw := strings.TrimSpace(query.Get("max_rows"))
	if raw == "" {
		return defaultMaxRows
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultMaxRows
	}
	// Clamp to a sane range.
	if v < 16 {
		v = 16
	}
	if v > 4096 {
		v = 4096
	}
	return v
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
