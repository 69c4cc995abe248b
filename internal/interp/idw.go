// Package interp estimates field values at screen locations using inverse
// distance weighting with a hard influence radius.
package interp

import (
	"math"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/viewport"
)

// Point is a screen-space location in pixels.
type Point struct {
	X, Y float64
}

// Projected is a sample placed in screen space.
type Projected struct {
	Point
	Value float64
}

// Estimate is the result of one query. Weight is zero when no sample lies
// within the influence radius, in which case Value is zero.
type Estimate struct {
	Value  float64
	Weight float64
}

// IDW holds samples projected for one viewport state.
type IDW struct {
	radius  float64
	samples []Projected
}

// Project places every sample of f in screen space through proj.
func Project(f *field.ScalarField, proj viewport.Projector) []Projected {
	src := f.Samples()
	out := make([]Projected, len(src))
	for i, s := range src {
		x, y := proj.ScreenPoint(s.Position.Lat, s.Position.Lon)
		out[i] = Projected{Point: Point{X: x, Y: y}, Value: s.Value}
	}
	return out
}

// New builds an interpolator over pre-projected samples.
func New(samples []Projected, radius float64) *IDW {
	return &IDW{radius: radius, samples: samples}
}

// Radius returns the influence radius in pixels.
func (w *IDW) Radius() float64 { return w.radius }

// Estimate returns the weighted value at p.
//
// Samples at distance >= radius, or at no finite distance, are ignored. Weight is 1 inside one pixel and
// 1/d² beyond it. The result is never negative.
func (w *IDW) Estimate(p Point) Estimate {
	var sum, total float64
	for _, s := range w.samples {
		dx := p.X - s.X
		dy := p.Y - s.Y
		d := math.Sqrt(dx*dx + dy*dy)
		if !(d < w.radius) {
			continue
		}
		weight := 1.0
		if d >= 1 {
			weight = 1 / (d * d)
		}
		sum += s.Value * weight
		total += weight
	}
	if total == 0 {
		return Estimate{}
	}
	v := sum / total
	if v < 0 {
		v = 0
	}
	return Estimate{Value: v, Weight: total}
}

// ValueAt is the single-query form: it projects f through proj and returns
// the interpolated value at p, or 0 when no sample is within radius.
func ValueAt(p Point, f *field.ScalarField, proj viewport.Projector, radius float64) float64 {
	return New(Project(f, proj), radius).Estimate(p).Value
}
