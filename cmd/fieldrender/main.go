// Package main renders one forecast selection from a running FieldMap API
// to a PNG file.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fieldmap/server/internal/config"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/render"
	"github.com/fieldmap/server/internal/service"
	"github.com/fieldmap/server/internal/source"
	"github.com/fieldmap/server/internal/viewport"
	"github.com/fieldmap/server/pkg/colormap"
)

func main() {
	def := forecast.DefaultSelection()

	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	baseURL := flag.String("url", "", "API base URL (overrides config)")
	model := flag.String("model", def.Model, "Forecast model")
	variable := flag.String("variable", def.Variable, "Variable, or wind")
	hour := flag.Int("hour", def.Hour, "Forecast hour")
	member := flag.String("member", def.Member, "mean, std, deterministic or a member number")
	lat := flag.Float64("lat", 39.5, "Viewport centre latitude")
	lon := flag.Float64("lon", -98.35, "Viewport centre longitude")
	zoom := flag.Float64("zoom", 4, "Web Mercator zoom")
	width := flag.Int("width", 1024, "Image width")
	height := flag.Int("height", 768, "Image height")
	cmap := flag.String("colormap", "", "Colormap (default from config)")
	out := flag.String("out", "field.png", "Output PNG")
	legendOut := flag.String("legend", "", "Optional legend PNG output")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *baseURL != "" {
		cfg.Source.BaseURL = *baseURL
	}

	src, err := source.NewHTTP(source.HTTPConfig{
		BaseURL: cfg.Source.BaseURL,
		Client:  &http.Client{Timeout: cfg.SourceTimeout()},
		Backoff: source.BackoffConfig{
			MaxRetries:      cfg.Source.MaxRetries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		BreakerFailures: uint32(cfg.Source.BreakerFailures),
	})
	if err != nil {
		log.Fatalf("Failed to create source: %v", err)
	}

	opts := cfg.RenderOptions()
	if *cmap != "" {
		opts.Colormap = *cmap
	}
	vp := viewport.NewMercator(*lat, *lon, *zoom, *width, *height)
	r, err := render.NewRenderer(vp, opts)
	if err != nil {
		log.Fatalf("Invalid render options: %v", err)
	}
	sess := service.NewSession(src, r)
	defer sess.Close()

	sel := forecast.Selection{Model: *model, Variable: *variable, Hour: *hour, Member: *member}
	if err := sel.Validate(); err != nil {
		log.Fatalf("Invalid selection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.SourceTimeout())
	defer cancel()
	if err := sess.Select(ctx, sel); err != nil {
		log.Fatalf("Failed to load %s: %v", sel, err)
	}

	surface := r.Surface()
	if surface == nil {
		log.Fatalf("Nothing rendered: %s", r.Stats().LastError)
	}
	data, err := surface.PNG()
	if err != nil {
		log.Fatalf("Failed to encode PNG: %v", err)
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		log.Fatalf("Failed to write %s: %v", *out, err)
	}

	stats := r.Stats()
	log.Printf("Wrote %s: %s, %d samples, range %.3g..%.3g (%s)",
		*out, sel, stats.SampleCount, stats.Range.Min, stats.Range.Max, stats.Colormap)

	if *legendOut != "" {
		cm, err := colormap.Get(opts.Colormap)
		if err != nil {
			log.Fatalf("Unknown colormap: %v", err)
		}
		legend := render.NewLegendRenderer(render.LegendConfig{
			Width:  cfg.Render.LegendWidth,
			Height: cfg.Render.LegendHeight,
		})
		data, err := legend.Render(cm, *stats.Range, "")
		if err != nil {
			log.Fatalf("Failed to render legend: %v", err)
		}
		if err := os.WriteFile(*legendOut, data, 0644); err != nil {
			log.Fatalf("Failed to write %s: %v", *legendOut, err)
		}
		log.Printf("Wrote %s", *legendOut)
	}
}
