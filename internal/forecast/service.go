package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/fieldmap/server/internal/cache"
	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/store"
)

// Store is the subset of the forecast store the service reads.
type Store interface {
	LatestRunID(ctx context.Context, model string) (int64, error)
	ScalarPoints(ctx context.Context, runID int64, variable string, hour int, member store.Member) ([]store.ScalarRow, error)
	WindPoints(ctx context.Context, runID int64, hour int, member store.Member) ([]store.WindRow, error)
}

// QueryCache caches sample lists by query key.
type QueryCache interface {
	GetQuery(key string) ([]field.Record, bool)
	SetQuery(key string, records []field.Record)
}

// Result is the samples of one selection in one run.
type Result struct {
	Selection Selection
	RunID     int64
	Key       string
	Records   []field.Record
	Cached    bool
}

// Service loads samples for selections.
type Service struct {
	store Store
	cache QueryCache
}

// NewService creates a forecast service. qc may be nil.
func NewService(st Store, qc QueryCache) *Service {
	return &Service{store: st, cache: qc}
}

// Lookup resolves the latest run of sel.Model and returns its samples.
func (s *Service) Lookup(ctx context.Context, sel Selection) (*Result, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	member, err := ParseMember(sel.Member)
	if err != nil {
		return nil, err
	}

	runID, err := s.store.LatestRunID(ctx, sel.Model)
	if errors.Is(err, store.ErrNoRun) {
		return nil, fmt.Errorf("%w for model %s", ErrNotFound, sel.Model)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run: %w", err)
	}

	key := cache.QueryKey(sel.Model, sel.Variable, sel.Hour, sel.Member, runID)
	res := &Result{Selection: sel, RunID: runID, Key: key}
	if s.cache != nil {
		if recs, ok := s.cache.GetQuery(key); ok {
			res.Records = recs
			res.Cached = true
			return res, nil
		}
	}

	if sel.IsWind() {
		rows, err := s.store.WindPoints(ctx, runID, sel.Hour, member)
		if err != nil {
			return nil, fmt.Errorf("failed to query wind: %w", err)
		}
		res.Records = windRecords(rows)
	} else {
		rows, err := s.store.ScalarPoints(ctx, runID, sel.Variable, sel.Hour, member)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", sel.Variable, err)
		}
		res.Records = scalarRecords(rows)
	}

	log.Printf("[Forecast] %d points for %s (run %d)", len(res.Records), sel, runID)
	if s.cache != nil {
		s.cache.SetQuery(key, res.Records)
	}
	return res, nil
}

// Points returns the samples of sel.
func (s *Service) Points(ctx context.Context, sel Selection) ([]field.Record, error) {
	res, err := s.Lookup(ctx, sel)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Field builds the scalar field of sel. Wind is rendered as speed.
func (s *Service) Field(ctx context.Context, sel Selection) (*field.ScalarField, error) {
	recs, err := s.Points(ctx, sel)
	if err != nil {
		return nil, err
	}
	return field.Build(recs, field.SelectorFor(sel.Variable))
}

func scalarRecords(rows []store.ScalarRow) []field.Record {
	out := make([]field.Record, 0, len(rows))
	for _, r := range rows {
		v := 0.0
		if r.Value != nil {
			v = *r.Value
		}
		out = append(out, field.Record{Lat: r.Lat, Lon: r.Lon, Value: field.Float(v)})
	}
	return out
}

func windRecords(rows []store.WindRow) []field.Record {
	out := make([]field.Record, 0, len(rows))
	for _, r := range rows {
		var u, v float64
		if r.U != nil {
			u = *r.U
		}
		if r.V != nil {
			v = *r.V
		}
		speed, dir := Wind(u, v)
		out = append(out, field.Record{
			Lat:       r.Lat,
			Lon:       r.Lon,
			U:         field.Float(round(u, 3)),
			V:         field.Float(round(v, 3)),
			Speed:     field.Float(round(speed, 2)),
			Direction: field.Float(round(dir, 1)),
		})
	}
	return out
}

// Wind returns the speed and the meteorological direction (degrees the wind
// blows from, clockwise from north) of the u/v components.
func Wind(u, v float64) (speed, direction float64) {
	speed = math.Hypot(u, v)
	direction = math.Mod(math.Atan2(u, v)*180/math.Pi+180, 360)
	return speed, direction
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
