// Package field holds the geo-referenced samples consumed by one render pass.
package field

import (
	"errors"
	"math"

	geo "github.com/paulmach/go.geo"
)

const (
	// MinEpsilon is the range minimum used when no sample is positive.
	MinEpsilon = 1e-3
	// DefaultCeiling is the range maximum used when the field is all zero.
	DefaultCeiling = 1.0
)

// ErrEmptyData is returned when a data source yields no usable samples.
var ErrEmptyData = errors.New("no forecast samples available")

// LatLon is a geographic position in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Sample is one immutable measurement. Value is finite and non-negative.
type Sample struct {
	Position LatLon
	Value    float64
}

// ValueRange is the normalization range of a field. Min > 0 and Max >= Min.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ScalarField is the immutable set of samples for one selection.
type ScalarField struct {
	samples []Sample
	rng     ValueRange
	bounds  *geo.Bound
}

// Samples returns the samples in source order. Callers must not modify it.
func (f *ScalarField) Samples() []Sample { return f.samples }

// Len returns the number of samples.
func (f *ScalarField) Len() int { return len(f.samples) }

// Range returns the normalization range.
func (f *ScalarField) Range() ValueRange { return f.rng }

// Bounds returns a copy of the lon/lat extent of the samples.
func (f *ScalarField) Bounds() *geo.Bound { return f.bounds.Clone() }

// Normalize rescales v against Range().Max and clamps the result to [0, 1].
func (f *ScalarField) Normalize(v float64) float64 {
	n := v / f.rng.Max
	if n > 1 {
		return 1
	}
	if n < 0 || math.IsNaN(n) {
		return 0
	}
	return n
}

// Build creates a field from raw records using sel to pick each record's value.
// Records without a finite value are dropped; negative values are clamped to zero.
func Build(records []Record, sel ValueSelector) (*ScalarField, error) {
	if len(records) == 0 {
		return nil, ErrEmptyData
	}
	if sel == nil {
		sel = ValueOf
	}

	samples := make([]Sample, 0, len(records))
	var bounds *geo.Bound
	for _, r := range records {
		v, ok := sel(r)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !finite(r.Lat) || !finite(r.Lon) {
			continue
		}
		if v < 0 {
			v = 0
		}
		samples = append(samples, Sample{Position: LatLon{Lat: r.Lat, Lon: r.Lon}, Value: v})

		p := geo.NewPointFromLatLng(r.Lat, r.Lon)
		if bounds == nil {
			bounds = geo.NewBoundFromPoints(p, p)
		} else {
			bounds.Extend(p)
		}
	}
	if len(samples) == 0 {
		return nil, ErrEmptyData
	}

	return &ScalarField{
		samples: samples,
		rng:     rangeOf(samples),
		bounds:  bounds,
	}, nil
}

func rangeOf(samples []Sample) ValueRange {
	minPos := math.Inf(1)
	maxV := 0.0
	for _, s := range samples {
		if s.Value > 0 && s.Value < minPos {
			minPos = s.Value
		}
		if s.Value > maxV {
			maxV = s.Value
		}
	}

	r := ValueRange{Min: minPos, Max: maxV}
	if math.IsInf(r.Min, 1) {
		r.Min = MinEpsilon
	}
	if r.Max <= 0 {
		r.Max = DefaultCeiling
	}
	if r.Max < r.Min {
		r.Max = r.Min
	}
	return r
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
