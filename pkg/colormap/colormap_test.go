package colormap

import (
	"errors"
	"image/color"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0 := Viridis.At(HaloThreshold)
	if c0.R != 68 || c0.G < 1 || c0.G > 5 || c0.B < 84 || c0.B > 88 {
		t.Fatalf("unexpected Viridis.At(ε): %#v", c0)
	}

	c1 := Viridis.At(1)
	if c1 != (color.NRGBA{R: 253, G: 231, B: 37, A: 204}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c1)
	}
}

func TestAtIsDeterministic(t *testing.T) {
	t.Parallel()

	for _, cm := range All() {
		for _, v := range []float64{0, 0.005, 0.01, 0.123, 0.5, 0.77, 1} {
			first := cm.At(v)
			for i := 0; i < 10; i++ {
				if got := cm.At(v); got != first {
					t.Fatalf("%s.At(%v) changed between calls: %#v vs %#v", cm.Name, v, first, got)
				}
			}
		}
	}
}

func TestHaloIsTransparent(t *testing.T) {
	t.Parallel()

	for _, cm := range All() {
		for _, v := range []float64{-1, 0, 0.001, 0.0099} {
			if got := cm.At(v); got.A != 0 {
				t.Errorf("%s.At(%v) alpha = %d, want 0", cm.Name, v, got.A)
			}
		}
	}
}

func TestEndpointsMatchAnchors(t *testing.T) {
	t.Parallel()

	const tolerance = 10
	near := func(a, b uint8) bool {
		d := int(a) - int(b)
		return d >= -tolerance && d <= tolerance
	}

	for _, cm := range All() {
		first := cm.Base()
		lo := cm.At(HaloThreshold)
		if !near(lo.R, first.R) || !near(lo.G, first.G) || !near(lo.B, first.B) {
			t.Errorf("%s: At(ε)=%v not close to first anchor %v", cm.Name, lo, first)
		}

		anchors := cm.Anchors()
		last, err := New("last", Sequential, anchors[len(anchors)-1], anchors[len(anchors)-1])
		if err != nil {
			t.Fatal(err)
		}
		want := last.Base()
		hi := cm.At(1)
		if hi.R != want.R || hi.G != want.G || hi.B != want.B {
			t.Errorf("%s: At(1)=%v, want last anchor %v", cm.Name, hi, want)
		}
	}
}

func TestAlphaRamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v    float64
		want uint8
	}{
		{0.01, 128},
		{0.5, 166},
		{1, 204},
		{3, 204},
	}
	for _, tt := range tests {
		if got := Precipitation.At(tt.v).A; got != tt.want {
			t.Errorf("At(%v).A = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestSegmentBlend(t *testing.T) {
	t.Parallel()

	cm, err := New("bw", Diverging, "#000000", "#ffffff", "#000000")
	if err != nil {
		t.Fatal(err)
	}

	mid := cm.At(0.5)
	if mid.R != 255 || mid.G != 255 || mid.B != 255 {
		t.Fatalf("At(0.5) = %v, want white", mid)
	}
	quarter := cm.At(0.25)
	if quarter.R < 126 || quarter.R > 129 {
		t.Fatalf("At(0.25).R = %d, want ~128", quarter.R)
	}
}

func TestNewRejectsShortPalette(t *testing.T) {
	t.Parallel()

	if _, err := New("one", Sequential, "#ffffff"); !errors.Is(err, ErrTooFewAnchors) {
		t.Fatalf("expected ErrTooFewAnchors, got %v", err)
	}
	if _, err := New("bad", Sequential, "#ffffff", "nothex"); err == nil {
		t.Fatal("expected error for invalid hex anchor")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	if _, err := Get("viridis"); err != nil {
		t.Fatalf("viridis not registered: %v", err)
	}
	if _, err := Get("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if RdBu.Kind != Diverging {
		t.Fatalf("rdbu kind = %q", RdBu.Kind)
	}
}
