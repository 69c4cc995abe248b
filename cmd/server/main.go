// Package main is the entry point for the FieldMap server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldmap/server/internal/api"
	"github.com/fieldmap/server/internal/cache"
	"github.com/fieldmap/server/internal/config"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/ingest"
	"github.com/fieldmap/server/internal/render"
	"github.com/fieldmap/server/internal/service"
	"github.com/fieldmap/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting FieldMap server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Forecast store
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Seed(); err != nil {
		log.Fatalf("Failed to seed store: %v", err)
	}

	counts, err := st.CountForecastPoints(ctx)
	if err != nil {
		log.Fatalf("Failed to read store: %v", err)
	}
	log.Printf("Store: %s (%d forecast points, %d statistic points)",
		cfg.Database.Path, counts.ForecastPoints, counts.StatisticPoints)

	// Cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: cfg.Cache.FrameSizeMB,
		FrameTTL:         cfg.FrameTTL(),
		MaxFrameSizeKB:   cfg.Cache.MaxFrameSizeKB,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	forecastService := forecast.NewService(st, cacheManager)
	frameService := service.NewFrameService(service.FrameServiceConfig{
		Forecast: forecastService,
		Cache:    cacheManager,
		Legend: render.NewLegendRenderer(render.LegendConfig{
			Width:  cfg.Render.LegendWidth,
			Height: cfg.Render.LegendHeight,
		}),
		Defaults:  cfg.RenderOptions(),
		MaxWidth:  cfg.Render.MaxWidth,
		MaxHeight: cfg.Render.MaxHeight,
	})

	// Ingest jobs (SQLite persistence)
	loader, err := ingest.NewLoader(st, cfg.Ingest.BatchSize)
	if err != nil {
		log.Fatalf("Failed to initialize loader: %v", err)
	}
	defer loader.Close()

	jobManager := ingest.NewJobManager(ingest.JobManagerConfig{
		Workers:       cfg.Ingest.Workers,
		Retention:     time.Duration(cfg.Ingest.JobRetentionHours) * time.Hour,
		CleanupPeriod: 1 * time.Hour,
	}, st, loader)
	jobManager.OnComplete = func(job *store.IngestJob) {
		if err := cacheManager.Invalidate(); err != nil {
			log.Printf("Failed to invalidate cache after job %s: %v", job.ID, err)
			return
		}
		log.Printf("Job %s loaded %d points; caches invalidated", job.ID, job.Points)
	}
	jobManager.Start()
	defer jobManager.Stop()
	log.Printf("Ingest job manager: workers=%d, retention=%dh", cfg.Ingest.Workers, cfg.Ingest.JobRetentionHours)

	scanner := ingest.NewScanner(cfg.Ingest.InboxDir, cfg.ScanInterval(), jobManager, st)
	if err := scanner.Start(); err != nil {
		log.Fatalf("Failed to start inbox scanner: %v", err)
	}
	defer scanner.Stop()
	log.Printf("Inbox scanner: %s every %s", cfg.Ingest.InboxDir, cfg.ScanInterval())

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Store:       st,
		Forecast:    forecastService,
		Frames:      frameService,
		Cache:       cacheManager,
		Jobs:        jobManager,
		CORSOrigins: cfg.Server.CORSOrigins,
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
