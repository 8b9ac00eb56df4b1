// Package main is the entry point for the AnnoMap server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/annomap-sc/server/internal/api"
	"github.com/annomap-sc/server/internal/cache"
	"github.com/annomap-sc/server/internal/config"
	"github.com/annomap-sc/server/internal/data/soma"
	"github.com/annomap-sc/server/internal/refstore"
	"github.com/annomap-sc/server/internal/render"
	"github.com/annomap-sc/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting AnnoMap server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all jobs)
	cacheManager, err := cache.NewManager(cache.Config{
		HeatmapCacheSizeMB: cfg.Cache.HeatmapSizeMB,
		HeatmapTTL:         time.Duration(cfg.Cache.HeatmapTTLMinutes) * time.Minute,
		ResultCacheSize:    cfg.Cache.ResultEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize heatmap renderer
	heatmapRenderer := render.NewHeatmapRenderer(render.Config{
		Width:           cfg.Render.HeatmapWidth,
		Height:          cfg.Render.HeatmapHeight,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	registry := api.NewRegistry(cfg.Server.Title)

	// Load reference bundles
	refNames, err := refstore.List(cfg.Data.ReferencesDir)
	if err != nil {
		log.Fatalf("Failed to scan references dir %s: %v", cfg.Data.ReferencesDir, err)
	}
	if len(refNames) == 0 {
		log.Fatalf("No reference bundles found under %s", cfg.Data.ReferencesDir)
	}
	log.Printf("Initializing %d reference(s) from %s", len(refNames), cfg.Data.ReferencesDir)
	for _, name := range refNames {
		ref, err := refstore.OpenReference(filepath.Join(cfg.Data.ReferencesDir, name))
		if err != nil {
			log.Fatalf("Failed to open reference %q: %v", name, err)
		}
		defer ref.Close()
		registry.RegisterReference(ref)
		log.Printf("  [%s] Loaded reference: %d labels, %d samples, %d genes",
			ref.Name, len(ref.LabelNames), len(ref.Labels), len(ref.Genes))
	}

	// Load query dataset bundles
	dsNames, err := refstore.List(cfg.Data.DatasetsDir)
	if err != nil {
		if len(cfg.Data.SomaDatasets) == 0 {
			log.Fatalf("Failed to scan datasets dir %s: %v", cfg.Data.DatasetsDir, err)
		}
		log.Printf("Datasets dir not usable (%v); continuing with SOMA datasets only", err)
		dsNames = nil
	}
	for _, name := range dsNames {
		ds, err := refstore.OpenDataset(filepath.Join(cfg.Data.DatasetsDir, name))
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", name, err)
		}
		defer ds.Close()
		registry.RegisterDataset(name, ds)
		log.Printf("  [%s] Loaded dataset: %d cells, %d genes", name, ds.Matrix.Cols(), len(ds.Genes))
	}

	// Register TileDB-SOMA experiments as query datasets
	for _, sd := range cfg.Data.SomaDatasets {
		reader, err := soma.NewReader(sd.Path)
		if err != nil {
			log.Fatalf("Failed to open SOMA experiment for dataset %q: %v", sd.ID, err)
		}
		if !reader.Supported() {
			log.Printf("  [%s] SOMA experiment at %s skipped: %v", sd.ID, reader.ExperimentURI(), soma.ErrUnsupported)
			reader.Close()
			continue
		}
		genes, err := reader.Genes()
		if err != nil {
			log.Fatalf("Failed to read SOMA genes for dataset %q: %v", sd.ID, err)
		}
		m, err := reader.Matrix()
		if err != nil {
			log.Fatalf("Failed to open SOMA matrix for dataset %q: %v", sd.ID, err)
		}
		ds := &refstore.Dataset{
			Name:   sd.ID,
			Genes:  genes,
			Matrix: m,
		}
		defer ds.Close()
		registry.RegisterDataset(sd.ID, ds)
		log.Printf("  [%s] SOMA experiment: %s (%d cells, %d genes)",
			sd.ID, reader.ExperimentURI(), m.Cols(), len(genes))
	}
	if len(registry.DatasetIDs()) == 0 {
		log.Printf("Warning: no query datasets registered; job submissions will be rejected")
	}

	// Wire up annotation service as job executor
	annotateService := service.NewAnnotationService(registry, service.Options{
		Quantile: cfg.Annotate.Quantile,
		Top:      cfg.Annotate.Top,
		Workers:  cfg.Annotate.Workers,
	})

	// Initialize job manager for annotation jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Annotation job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = annotateService.ExecuteAnnotationJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
		Renderer:    heatmapRenderer,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
