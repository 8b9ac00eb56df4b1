// Package config handles configuration loading for the AnnoMap server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Annotate AnnotateConfig `yaml:"annotate"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig locates the on-disk bundles.
type DataConfig struct {
	ReferencesDir string        `yaml:"references_dir"`
	DatasetsDir   string        `yaml:"datasets_dir"`
	SomaDatasets  []SomaDataset `yaml:"soma_datasets,omitempty"`
}

// SomaDataset registers a TileDB-SOMA experiment as a query dataset. Reads
// require a binary built with "-tags soma".
type SomaDataset struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// AnnotateConfig contains classification settings. Top is the per-pair
// marker truncation; -1 keeps full lists. Workers 0 uses all CPUs.
type AnnotateConfig struct {
	Quantile float64 `yaml:"quantile"`
	Top      int     `yaml:"top"`
	Workers  int     `yaml:"workers"`
}

// JobsConfig contains annotation job manager settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	HeatmapSizeMB     int `yaml:"heatmap_size_mb"`
	HeatmapTTLMinutes int `yaml:"heatmap_ttl_minutes"`
	ResultEntries     int `yaml:"result_entries"`
}

// RenderConfig contains heatmap rendering settings.
type RenderConfig struct {
	HeatmapWidth    int    `yaml:"heatmap_width"`
	HeatmapHeight   int    `yaml:"heatmap_height"`
	DefaultColormap string `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Title:       "AnnoMap",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			ReferencesDir: "./data/references",
			DatasetsDir:   "./data/datasets",
		},
		Annotate: AnnotateConfig{
			Quantile: 0.8,
			Top:      20,
			Workers:  0,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/annotate_jobs.sqlite",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			HeatmapSizeMB:     256,
			HeatmapTTLMinutes: 10,
			ResultEntries:     1000,
		},
		Render: RenderConfig{
			HeatmapWidth:    800,
			HeatmapHeight:   600,
			DefaultColormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.ReferencesDir == "" {
		cfg.Data.ReferencesDir = defaults.Data.ReferencesDir
	}
	if cfg.Data.DatasetsDir == "" {
		cfg.Data.DatasetsDir = defaults.Data.DatasetsDir
	}
	if cfg.Annotate.Quantile == 0 {
		cfg.Annotate.Quantile = defaults.Annotate.Quantile
	}
	if cfg.Annotate.Top == 0 {
		cfg.Annotate.Top = defaults.Annotate.Top
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Cache.HeatmapSizeMB == 0 {
		cfg.Cache.HeatmapSizeMB = defaults.Cache.HeatmapSizeMB
	}
	if cfg.Cache.HeatmapTTLMinutes == 0 {
		cfg.Cache.HeatmapTTLMinutes = defaults.Cache.HeatmapTTLMinutes
	}
	if cfg.Cache.ResultEntries == 0 {
		cfg.Cache.ResultEntries = defaults.Cache.ResultEntries
	}
	if cfg.Render.HeatmapWidth == 0 {
		cfg.Render.HeatmapWidth = defaults.Render.HeatmapWidth
	}
	if cfg.Render.HeatmapHeight == 0 {
		cfg.Render.HeatmapHeight = defaults.Render.HeatmapHeight
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

// Validate rejects settings the classifier cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Annotate.Quantile < 0 || c.Annotate.Quantile > 1 {
		return fmt.Errorf("annotate quantile %v outside [0, 1]", c.Annotate.Quantile)
	}
	if c.Annotate.Top < -1 {
		return fmt.Errorf("annotate top must be -1 (keep all) or positive, got %d", c.Annotate.Top)
	}
	if c.Annotate.Workers < 0 {
		return fmt.Errorf("annotate workers must be non-negative, got %d", c.Annotate.Workers)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs max_concurrent must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	for i, sd := range c.Data.SomaDatasets {
		if sd.ID == "" || sd.Path == "" {
			return fmt.Errorf("soma_datasets[%d] needs both id and path", i)
		}
	}
	return nil
}
