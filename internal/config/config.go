// Package config handles configuration loading for the FieldMap server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fieldmap/server/internal/render"
	"github.com/fieldmap/server/pkg/colormap"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Source   SourceConfig   `yaml:"source"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig locates the forecast store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FrameSizeMB     int `yaml:"frame_size_mb"`
	FrameTTLMinutes int `yaml:"frame_ttl_minutes"`
	MaxFrameSizeKB  int `yaml:"max_frame_size_kb"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string  `yaml:"default_colormap"`
	PixelStride     int     `yaml:"pixel_stride"`
	InfluenceRadius float64 `yaml:"influence_radius"`
	Smoothing       string  `yaml:"smoothing"`
	RetryDelayMS    int     `yaml:"retry_delay_ms"`
	MaxRetries      int     `yaml:"max_retries"`
	MaxWidth        int     `yaml:"max_width"`
	MaxHeight       int     `yaml:"max_height"`
	LegendWidth     int     `yaml:"legend_width"`
	LegendHeight    int     `yaml:"legend_height"`
}

// IngestConfig controls the loader jobs and the inbox scanner.
type IngestConfig struct {
	InboxDir            string `yaml:"inbox_dir"`
	DefaultModel        string `yaml:"default_model"`
	ScanIntervalMinutes int    `yaml:"scan_interval_minutes"`
	Workers             int    `yaml:"workers"`
	BatchSize           int    `yaml:"batch_size"`
	JobRetentionHours   int    `yaml:"job_retention_hours"`
}

// SourceConfig points a client at a remote FieldMap API.
type SourceConfig struct {
	BaseURL         string `yaml:"base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
	BreakerFailures int    `yaml:"breaker_failures"`
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. FIELDMAP_* environment variables override both.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// not an error.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[Config] no .env file found, using process environment")
			return nil
		}
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{
			Path: "./data/forecast.db",
		},
		Cache: CacheConfig{
			FrameSizeMB:     256,
			FrameTTLMinutes: 10,
			MaxFrameSizeKB:  512,
			QueryCacheSize:  256,
		},
		Render: RenderConfig{
			DefaultColormap: colormap.DefaultName,
			PixelStride:     4,
			InfluenceRadius: 40,
			Smoothing:       string(render.BiLinear),
			RetryDelayMS:    100,
			MaxRetries:      20,
			MaxWidth:        2048,
			MaxHeight:       2048,
			LegendWidth:     256,
			LegendHeight:    48,
		},
		Ingest: IngestConfig{
			InboxDir:            "./data/inbox",
			DefaultModel:        "AIFS",
			ScanIntervalMinutes: 5,
			Workers:             2,
			BatchSize:           1000,
			JobRetentionHours:   24,
		},
		Source: SourceConfig{
			BaseURL:         "http://localhost:8080",
			TimeoutSeconds:  10,
			MaxRetries:      3,
			BreakerFailures: 5,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaults.Database.Path
	}
	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Cache.MaxFrameSizeKB == 0 {
		cfg.Cache.MaxFrameSizeKB = defaults.Cache.MaxFrameSizeKB
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}

	r, dr := &cfg.Render, defaults.Render
	if r.DefaultColormap == "" {
		r.DefaultColormap = dr.DefaultColormap
	}
	if r.PixelStride == 0 {
		r.PixelStride = dr.PixelStride
	}
	if r.InfluenceRadius == 0 {
		r.InfluenceRadius = dr.InfluenceRadius
	}
	if r.Smoothing == "" {
		r.Smoothing = dr.Smoothing
	}
	if r.RetryDelayMS == 0 {
		r.RetryDelayMS = dr.RetryDelayMS
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = dr.MaxRetries
	}
	if r.MaxWidth == 0 {
		r.MaxWidth = dr.MaxWidth
	}
	if r.MaxHeight == 0 {
		r.MaxHeight = dr.MaxHeight
	}
	if r.LegendWidth == 0 {
		r.LegendWidth = dr.LegendWidth
	}
	if r.LegendHeight == 0 {
		r.LegendHeight = dr.LegendHeight
	}

	in, di := &cfg.Ingest, defaults.Ingest
	if in.InboxDir == "" {
		in.InboxDir = di.InboxDir
	}
	if in.DefaultModel == "" {
		in.DefaultModel = di.DefaultModel
	}
	if in.ScanIntervalMinutes == 0 {
		in.ScanIntervalMinutes = di.ScanIntervalMinutes
	}
	if in.Workers == 0 {
		in.Workers = di.Workers
	}
	if in.BatchSize == 0 {
		in.BatchSize = di.BatchSize
	}
	if in.JobRetentionHours == 0 {
		in.JobRetentionHours = di.JobRetentionHours
	}

	s, ds := &cfg.Source, defaults.Source
	if s.BaseURL == "" {
		s.BaseURL = ds.BaseURL
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = ds.TimeoutSeconds
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = ds.MaxRetries
	}
	if s.BreakerFailures == 0 {
		s.BreakerFailures = ds.BreakerFailures
	}
}

func applyEnv(cfg *Config) {
	if v := getenvInt("FIELDMAP_PORT", 0); v > 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("FIELDMAP_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FIELDMAP_SOURCE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("FIELDMAP_INBOX_DIR"); v != "" {
		cfg.Ingest.InboxDir = v
	}
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		log.Printf("[Config] ignoring %s=%q: %v", key, v, err)
	}
	return def
}

// Validate checks the settings that would otherwise fail at render time.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if _, err := c.RenderOptions().Validate(); err != nil {
		return fmt.Errorf("invalid render config: %w", err)
	}
	if c.Render.MaxWidth < 1 || c.Render.MaxHeight < 1 {
		return fmt.Errorf("invalid render size limit %dx%d", c.Render.MaxWidth, c.Render.MaxHeight)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be positive, got %d", c.Ingest.Workers)
	}
	return nil
}

// RenderOptions converts the render section into renderer options.
func (c *Config) RenderOptions() render.Options {
	return render.Options{
		Colormap:        c.Render.DefaultColormap,
		PixelStride:     c.Render.PixelStride,
		InfluenceRadius: c.Render.InfluenceRadius,
		Smoothing:       render.Smoothing(c.Render.Smoothing),
		RetryDelay:      time.Duration(c.Render.RetryDelayMS) * time.Millisecond,
		MaxRetries:      c.Render.MaxRetries,
	}
}

// FrameTTL returns the frame cache lifetime.
func (c *Config) FrameTTL() time.Duration {
	return time.Duration(c.Cache.FrameTTLMinutes) * time.Minute
}

// ScanInterval returns the inbox scan period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Ingest.ScanIntervalMinutes) * time.Minute
}

// SourceTimeout returns the HTTP source request timeout.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}
