package render

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/viewport"
	"github.com/fieldmap/server/pkg/colormap"
)

func buildField(t *testing.T, records ...field.Record) *field.ScalarField {
	t.Helper()
	f, err := field.Build(records, field.ValueOf)
	if err != nil {
		t.Fatalf("field.Build: %v", err)
	}
	return f
}

func TestGridSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		w, h, stride int
		gw, gh       int
	}{
		{800, 600, 4, 200, 150},
		{801, 600, 4, 201, 150},
		{3, 3, 4, 1, 1},
		{10, 10, 0, 10, 10},
		{0, 600, 4, 0, 150},
	}
	for _, tc := range cases {
		gw, gh := GridSize(tc.w, tc.h, tc.stride)
		if gw != tc.gw || gh != tc.gh {
			t.Errorf("GridSize(%d, %d, %d) = %dx%d, want %dx%d", tc.w, tc.h, tc.stride, gw, gh, tc.gw, tc.gh)
		}
	}
}

func TestRasterize_DegenerateViewport(t *testing.T) {
	t.Parallel()

	f := buildField(t, field.Record{Lat: 40, Lon: -80, Value: field.Float(1)})
	vp := viewport.NewLinear(41, -81, 100, 0, 400)

	_, err := Rasterize(f, colormap.Precipitation, vp, RasterOptions{PixelStride: 4, InfluenceRadius: 40})
	if !errors.Is(err, ErrDegenerateViewport) {
		t.Fatalf("err = %v, want ErrDegenerateViewport", err)
	}
}

func TestRasterize_SingleSample(t *testing.T) {
	t.Parallel()

	// The sample lands on screen pixel (100, 100).
	f := buildField(t, field.Record{Lat: 40, Lon: -80, Value: field.Float(10)})
	vp := viewport.NewLinear(41, -81, 100, 400, 400)

	img, err := Rasterize(f, colormap.Viridis, vp, RasterOptions{PixelStride: 4, InfluenceRadius: 40})
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Fatalf("grid = %v, want 100x100", b)
	}

	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{}) {
		t.Errorf("cell outside footprint = %v, want transparent", got)
	}
	want := colormap.Viridis.At(1)
	if got := img.NRGBAAt(25, 25); got != want {
		t.Errorf("cell on sample = %v, want %v", got, want)
	}
}

func TestRasterize_NoSignalInsideFootprint(t *testing.T) {
	t.Parallel()

	// Samples project to (100, 100) and (300, 300); the middle of the
	// footprint is far outside the influence radius of both.
	f := buildField(t,
		field.Record{Lat: 40, Lon: -80, Value: field.Float(2)},
		field.Record{Lat: 38, Lon: -78, Value: field.Float(4)},
	)
	vp := viewport.NewLinear(41, -81, 100, 400, 400)

	img, err := Rasterize(f, colormap.Precipitation, vp, RasterOptions{PixelStride: 4, InfluenceRadius: 20})
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}

	got := img.NRGBAAt(50, 50)
	base := colormap.Precipitation.Base()
	if got.A != 26 {
		t.Errorf("no-signal alpha = %d, want 26", got.A)
	}
	if got.R != base.R || got.G != base.G || got.B != base.B {
		t.Errorf("no-signal colour = %v, want base %v", got, base)
	}

	if got := img.NRGBAAt(90, 10); got.A != 0 {
		t.Errorf("cell outside footprint alpha = %d, want 0", got.A)
	}
}

func TestRasterize_NilField(t *testing.T) {
	t.Parallel()

	vp := viewport.NewLinear(41, -81, 100, 40, 40)
	img, err := Rasterize(nil, colormap.Precipitation, vp, RasterOptions{PixelStride: 4, InfluenceRadius: 20})
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatal("empty field produced non-transparent pixels")
		}
	}
}

func TestRasterize_NonFiniteViewport(t *testing.T) {
	t.Parallel()

	f := buildField(t,
		field.Record{Lat: 40, Lon: -80, Value: field.Float(2)},
		field.Record{Lat: 41, Lon: -79, Value: field.Float(4)},
	)
	for _, vp := range []viewport.Provider{
		viewport.NewMercator(40, -80, math.NaN(), 64, 64),
		viewport.NewMercator(math.NaN(), -80, 6, 64, 64),
	} {
		img, err := Rasterize(f, colormap.Precipitation, vp, RasterOptions{PixelStride: 4, InfluenceRadius: 40})
		if err != nil {
			t.Fatalf("Rasterize: %v", err)
		}
		painted := 0
		for i := 3; i < len(img.Pix); i += 4 {
			if img.Pix[i] != 0 {
				painted++
			}
		}
		if painted != 0 {
			t.Errorf("%d of %d cells painted, want 0", painted, len(img.Pix)/4)
		}
	}
}

func TestUpsample(t *testing.T) {
	t.Parallel()

	red := color.NRGBA{R: 255, A: 255}
	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.SetNRGBA(0, 0, red)

	dst, err := Upsample(src, 3, 3, 4, BiLinear)
	if err != nil {
		t.Fatalf("Upsample: %v", err)
	}
	if b := dst.Bounds(); b.Dx() != 3 || b.Dy() != 3 {
		t.Fatalf("size = %v, want 3x3", b)
	}
	if got := dst.NRGBAAt(1, 1); got != red {
		t.Errorf("pixel = %v, want %v", got, red)
	}

	if _, err := Upsample(src, 3, 3, 4, Smoothing("nearest")); !errors.Is(err, ErrNearestNeighbor) {
		t.Errorf("nearest err = %v, want ErrNearestNeighbor", err)
	}
	if _, err := Upsample(src, 0, 3, 4, BiLinear); !errors.Is(err, ErrDegenerateViewport) {
		t.Errorf("zero width err = %v, want ErrDegenerateViewport", err)
	}
}

func TestSmoothingInterpolator(t *testing.T) {
	t.Parallel()

	for _, s := range []Smoothing{"", BiLinear, CatmullRom} {
		if _, err := s.Interpolator(); err != nil {
			t.Errorf("%q: %v", s, err)
		}
	}
	if _, err := Smoothing("lanczos").Interpolator(); err == nil {
		t.Error("unknown smoothing accepted")
	}
}

func TestLegendRenderer(t *testing.T) {
	t.Parallel()

	l := NewLegendRenderer(LegendConfig{Width: 128, Height: 32})
	data, err := l.Render(colormap.Wind, field.ValueRange{Min: 0.5, Max: 12}, "m/s")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Fatalf("legend is not a PNG")
	}
	if w, h := l.Size(); w != 128 || h != 32 {
		t.Errorf("size = %dx%d", w, h)
	}
}

func TestEmptyPNG(t *testing.T) {
	t.Parallel()

	if _, err := EmptyPNG(0, 10); !errors.Is(err, ErrDegenerateViewport) {
		t.Errorf("err = %v, want ErrDegenerateViewport", err)
	}
	data, err := EmptyPNG(4, 4)
	if err != nil || len(data) == 0 {
		t.Fatalf("EmptyPNG: %v", err)
	}
}
