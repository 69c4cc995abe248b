// Package render turns a scalar field into pixels for a viewport.
package render

import (
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/interp"
	"github.com/fieldmap/server/internal/viewport"
	"github.com/fieldmap/server/pkg/colormap"
)

// NoSignalAlpha is the fixed opacity of cells inside the field footprint that
// no sample reaches. It deliberately differs from the colormap's alpha ramp.
const NoSignalAlpha = 0.1

var (
	// ErrDegenerateViewport is returned when the raster would have no pixels.
	ErrDegenerateViewport = errors.New("viewport has no drawable area")
	// ErrNotReady is recorded when the viewport stayed unready past the retry budget.
	ErrNotReady = errors.New("viewport not ready")
	// ErrStalePass is returned by a pass superseded by a newer trigger.
	ErrStalePass = errors.New("render pass superseded")
)

// RasterOptions controls grid resolution and interpolation locality.
type RasterOptions struct {
	PixelStride     int
	InfluenceRadius float64
}

// GridSize returns the low-resolution raster size for a w x h viewport.
func GridSize(w, h, stride int) (int, int) {
	if stride < 1 {
		stride = 1
	}
	return ceilDiv(w, stride), ceilDiv(h, stride)
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Rasterize computes one cell per PixelStride x PixelStride block of the
// viewport. Cells outside the field's screen footprint stay transparent.
func Rasterize(f *field.ScalarField, cm *colormap.Colormap, vp viewport.Provider, opts RasterOptions) (*image.NRGBA, error) {
	w, h := vp.Size()
	stride := opts.PixelStride
	if stride < 1 {
		stride = 1
	}
	gw, gh := GridSize(w, h, stride)
	if gw <= 0 || gh <= 0 {
		return nil, ErrDegenerateViewport
	}

	img := image.NewNRGBA(image.Rect(0, 0, gw, gh))
	if f == nil || f.Len() == 0 {
		return img, nil
	}

	fp := footprint(f, vp)
	if !fp.finite() {
		return img, nil
	}
	idw := interp.New(interp.Project(f, vp), opts.InfluenceRadius)

	noSignal := cm.Base()
	noSignal.A = uint8(math.Round(NoSignalAlpha * 255))

	half := float64(stride) / 2
	for gy := 0; gy < gh; gy++ {
		y0 := float64(gy * stride)
		if y0+float64(stride) < fp.Min.Y || y0 > fp.Max.Y {
			continue
		}
		for gx := 0; gx < gw; gx++ {
			x0 := float64(gx * stride)
			if x0+float64(stride) < fp.Min.X || x0 > fp.Max.X {
				continue
			}

			est := idw.Estimate(interp.Point{X: x0 + half, Y: y0 + half})
			var c color.NRGBA
			if est.Weight == 0 {
				c = noSignal
			} else {
				c = cm.At(f.Normalize(est.Value))
			}
			img.SetNRGBA(gx, gy, c)
		}
	}
	return img, nil
}

type screenRect struct {
	Min, Max interp.Point
}

// footprint projects the corners of the field's lat/lon extent.
func (r screenRect) finite() bool {
	for _, v := range [4]float64{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func footprint(f *field.ScalarField, proj viewport.Projector) screenRect {
	b := f.Bounds()
	corners := [4][2]float64{
		{b.South(), b.West()},
		{b.South(), b.East()},
		{b.North(), b.West()},
		{b.North(), b.East()},
	}

	r := screenRect{
		Min: interp.Point{X: math.Inf(1), Y: math.Inf(1)},
		Max: interp.Point{X: math.Inf(-1), Y: math.Inf(-1)},
	}
	for _, c := range corners {
		x, y := proj.ScreenPoint(c[0], c[1])
		r.Min.X = math.Min(r.Min.X, x)
		r.Min.Y = math.Min(r.Min.Y, y)
		r.Max.X = math.Max(r.Max.X, x)
		r.Max.Y = math.Max(r.Max.Y, y)
	}
	return r
}
