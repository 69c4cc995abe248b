// Package main loads a directory of forecast JSON files and Zarr stores
// into the store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldmap/server/internal/config"
	"github.com/fieldmap/server/internal/ingest"
	"github.com/fieldmap/server/internal/store"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	dbPath := flag.String("db", "", "SQLite path (overrides config)")
	dir := flag.String("dir", "", "Directory of forecast JSON files and .zarr stores")
	model := flag.String("model", "", "Model name (default from config)")
	initStr := flag.String("init", "", "Run initialization time, YYYYMMDDHH or RFC 3339")
	variable := flag.String("variable", "", "Variable for files whose name has none")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *model == "" {
		*model = cfg.Ingest.DefaultModel
	}
	if *dir == "" || *initStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	initTime, err := time.Parse(ingest.InitTimeLayout, *initStr)
	if err != nil {
		if initTime, err = time.Parse(time.RFC3339, *initStr); err != nil {
			log.Fatalf("Invalid -init %q: want YYYYMMDDHH or RFC 3339", *initStr)
		}
	}

	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Seed(); err != nil {
		log.Fatalf("Failed to seed store: %v", err)
	}

	loader, err := ingest.NewLoader(st, cfg.Ingest.BatchSize)
	if err != nil {
		log.Fatalf("Failed to create loader: %v", err)
	}
	defer loader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Loading %s run %s from %s", *model, initTime.Format(time.RFC3339), *dir)
	summary, err := loader.LoadDir(ctx, *dir, ingest.Target{
		Model:    *model,
		InitTime: initTime,
		Variable: *variable,
	}, nil)
	if err != nil {
		log.Fatalf("Load failed: %v", err)
	}
	log.Printf("%s: %d/%d files, %d points, %d failed",
		*model, summary.FilesLoaded, summary.Files, summary.Points, summary.FilesFailed)

	counts, err := st.CountForecastPoints(ctx)
	if err != nil {
		log.Fatalf("Failed to read statistics: %v", err)
	}
	log.Printf("Total forecast_data rows: %d", counts.ForecastPoints)
	log.Printf("Total ensemble_statistics rows: %d", counts.StatisticPoints)
}
