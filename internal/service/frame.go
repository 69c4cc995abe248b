package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/fieldmap/server/internal/cache"
	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/render"
	"github.com/fieldmap/server/internal/source"
	"github.com/fieldmap/server/internal/viewport"
	"github.com/fieldmap/server/pkg/colormap"
)

// ErrFrameTooLarge is returned for viewports above the configured limit.
var ErrFrameTooLarge = errors.New("requested frame exceeds the size limit")

// FrameServiceConfig contains frame service configuration.
type FrameServiceConfig struct {
	Forecast  *forecast.Service
	Cache     *cache.Manager
	Legend    *render.LegendRenderer
	Defaults  render.Options
	MaxWidth  int
	MaxHeight int
}

// FrameService renders forecast selections for headless viewports.
type FrameService struct {
	forecast  *forecast.Service
	source    source.Source
	cache     *cache.Manager
	legend    *render.LegendRenderer
	defaults  render.Options
	maxWidth  int
	maxHeight int
}

// NewFrameService creates a new frame service.
func NewFrameService(cfg FrameServiceConfig) *FrameService {
	maxW, maxH := cfg.MaxWidth, cfg.MaxHeight
	if maxW <= 0 {
		maxW = 2048
	}
	if maxH <= 0 {
		maxH = 2048
	}
	defaults := cfg.Defaults
	if defaults.PixelStride == 0 {
		defaults = render.DefaultOptions()
	}
	legend := cfg.Legend
	if legend == nil {
		legend = render.NewLegendRenderer(render.DefaultLegendConfig())
	}
	return &FrameService{
		forecast:  cfg.Forecast,
		source:    source.NewLocal(cfg.Forecast),
		cache:     cfg.Cache,
		legend:    legend,
		defaults:  defaults,
		maxWidth:  maxW,
		maxHeight: maxH,
	}
}

// FrameRequest is a selection seen through a Mercator viewport. Zero style
// fields fall back to the service defaults.
type FrameRequest struct {
	Selection forecast.Selection
	Lat       float64
	Lon       float64
	Zoom      float64
	Width     int
	Height    int
	Colormap  string
	Stride    int
	Radius    float64
	Smoothing string
}

// Frame is a rendered PNG and the legend data of its field.
type Frame struct {
	PNG    []byte
	Cached bool
	// Stats is zero when Cached is set; use Stats on FrameService for the
	// legend data of a cached frame.
	Stats render.Stats
}

func (s *FrameService) options(req FrameRequest) render.Options {
	opts := s.defaults
	if req.Colormap != "" {
		opts.Colormap = req.Colormap
	}
	if req.Stride > 0 {
		opts.PixelStride = req.Stride
	}
	if req.Radius > 0 {
		opts.InfluenceRadius = req.Radius
	}
	if req.Smoothing != "" {
		opts.Smoothing = render.Smoothing(req.Smoothing)
	}
	return opts
}

// Render returns the PNG of req, from the frame cache when possible.
func (s *FrameService) Render(ctx context.Context, req FrameRequest) (*Frame, error) {
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("%w: %w", forecast.ErrInvalidSelection, render.ErrDegenerateViewport)
	}
	if req.Width > s.maxWidth || req.Height > s.maxHeight {
		return nil, fmt.Errorf("%w: %dx%d (max %dx%d)", ErrFrameTooLarge, req.Width, req.Height, s.maxWidth, s.maxHeight)
	}
	for _, v := range [3]float64{req.Lat, req.Lon, req.Zoom} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: viewport lat=%v lon=%v zoom=%v", forecast.ErrInvalidSelection, req.Lat, req.Lon, req.Zoom)
		}
	}
	opts := s.options(req)
	if _, err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", forecast.ErrInvalidSelection, err)
	}

	res, err := s.forecast.Lookup(ctx, req.Selection)
	if err != nil {
		return nil, err
	}

	cacheKey := cache.FrameKey(cache.FrameSpec{
		Query:     res.Key,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Zoom:      req.Zoom,
		Width:     req.Width,
		Height:    req.Height,
		Colormap:  opts.Colormap,
		Stride:    opts.PixelStride,
		Radius:    opts.InfluenceRadius,
		Smoothing: string(opts.Smoothing),
	})
	if data, ok := s.cache.GetFrame(cacheKey); ok {
		return &Frame{PNG: data, Cached: true}, nil
	}

	vp := viewport.NewMercator(req.Lat, req.Lon, req.Zoom, req.Width, req.Height)
	r, err := render.NewRenderer(vp, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", forecast.ErrInvalidSelection, err)
	}
	sess := NewSession(s.source, r)
	defer sess.Close()

	if err := sess.Select(ctx, req.Selection); err != nil {
		return nil, err
	}

	surface := r.Surface()
	if surface == nil {
		return nil, fmt.Errorf("failed to render frame: %s", r.Stats().LastError)
	}
	data, err := surface.PNG()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	if err := s.cache.SetFrame(cacheKey, data); err != nil {
		log.Printf("[Frame] not cached: %v", err)
	}
	return &Frame{PNG: data, Stats: r.Stats()}, nil
}

// FieldStats is the legend data of one selection.
type FieldStats struct {
	Model       string           `json:"model"`
	Variable    string           `json:"variable"`
	Hour        int              `json:"hour"`
	Member      string           `json:"member"`
	RunID       int64            `json:"run_id"`
	SampleCount int              `json:"sample_count"`
	Range       field.ValueRange `json:"range"`
}

// Stats builds the field of sel and reports its range.
func (s *FrameService) Stats(ctx context.Context, sel forecast.Selection) (*FieldStats, error) {
	res, err := s.forecast.Lookup(ctx, sel)
	if err != nil {
		return nil, err
	}
	f, err := field.Build(res.Records, field.SelectorFor(sel.Variable))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", forecast.ErrNotFound, err)
	}
	return &FieldStats{
		Model:       sel.Model,
		Variable:    sel.Variable,
		Hour:        sel.Hour,
		Member:      sel.Member,
		RunID:       res.RunID,
		SampleCount: f.Len(),
		Range:       f.Range(),
	}, nil
}

// Legend returns the colour bar of name labelled with rng.
func (s *FrameService) Legend(name string, rng field.ValueRange, unit string) ([]byte, error) {
	cm, err := colormap.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", forecast.ErrInvalidSelection, err)
	}
	if rng.Min <= 0 {
		rng.Min = field.MinEpsilon
	}
	if rng.Max < rng.Min {
		rng.Max = math.Max(field.DefaultCeiling, rng.Min)
	}

	w, h := s.legend.Size()
	cacheKey := cache.LegendKey(name, rng, unit, w, h)
	if data, ok := s.cache.GetFrame(cacheKey); ok {
		return data, nil
	}
	data, err := s.legend.Render(cm, rng, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to render legend: %w", err)
	}
	if err := s.cache.SetFrame(cacheKey, data); err != nil {
		log.Printf("[Frame] legend not cached: %v", err)
	}
	return data, nil
}

// EmptyFrame returns a transparent PNG of the given size.
func (s *FrameService) EmptyFrame(w, h int) ([]byte, error) {
	return render.EmptyPNG(w, h)
}
