package field

import (
	"errors"
	"math"
	"testing"
)

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	if _, err := Build(nil, ValueOf); !errors.Is(err, ErrEmptyData) {
		t.Fatalf("nil records: expected ErrEmptyData, got %v", err)
	}
	if _, err := Build([]Record{}, ValueOf); !errors.Is(err, ErrEmptyData) {
		t.Fatalf("empty records: expected ErrEmptyData, got %v", err)
	}

	// Records exist but none carries the selected value.
	onlySpeed := []Record{{Lat: 1, Lon: 2, Speed: Float(3)}}
	if _, err := Build(onlySpeed, ValueOf); !errors.Is(err, ErrEmptyData) {
		t.Fatalf("no values: expected ErrEmptyData, got %v", err)
	}
}

func TestBuild_SingleSample(t *testing.T) {
	t.Parallel()

	f, err := Build([]Record{{Lat: 40, Lon: -80, Value: Float(5)}}, ValueOf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := f.Range(); got != (ValueRange{Min: 5, Max: 5}) {
		t.Fatalf("range = %+v, want {5 5}", got)
	}
	if f.Len() != 1 {
		t.Fatalf("len = %d", f.Len())
	}
}

func TestBuild_Range(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		want   ValueRange
	}{
		{"mixed", []float64{0, 2, 7, 0.5}, ValueRange{Min: 0.5, Max: 7}},
		{"allZero", []float64{0, 0}, ValueRange{Min: MinEpsilon, Max: DefaultCeiling}},
		{"negativeClamped", []float64{-4, 3}, ValueRange{Min: 3, Max: 3}},
		{"tiny", []float64{1e-5}, ValueRange{Min: 1e-5, Max: 1e-5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			records := make([]Record, len(tt.values))
			for i, v := range tt.values {
				records[i] = Record{Lat: float64(i), Lon: float64(i), Value: Float(v)}
			}
			f, err := Build(records, ValueOf)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if got := f.Range(); got != tt.want {
				t.Fatalf("range = %+v, want %+v", got, tt.want)
			}
			if f.Range().Min <= 0 || f.Range().Max < f.Range().Min {
				t.Fatalf("range not positive and ordered: %+v", f.Range())
			}
		})
	}
}

func TestBuild_DropsNonFinite(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Lat: 1, Lon: 1, Value: Float(math.NaN())},
		{Lat: 2, Lon: 2, Value: Float(math.Inf(1))},
		{Lat: math.NaN(), Lon: 2, Value: Float(5)},
		{Lat: math.Inf(1), Lon: 2, Value: Float(6)},
		{Lat: 2, Lon: math.Inf(-1), Value: Float(7)},
		{Lat: 3, Lon: 3, Value: Float(4)},
	}
	f, err := Build(records, ValueOf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if f.Len() != 1 || f.Samples()[0].Value != 4 {
		t.Fatalf("unexpected samples: %+v", f.Samples())
	}
	if b := f.Bounds(); b.North() != 3 || b.West() != 3 {
		t.Fatalf("bounds include a dropped sample: %v", b)
	}
}

func TestBuild_NegativeClampedToZero(t *testing.T) {
	t.Parallel()

	f, err := Build([]Record{{Lat: 0, Lon: 0, Value: Float(-2)}}, ValueOf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if v := f.Samples()[0].Value; v != 0 {
		t.Fatalf("value = %v, want 0", v)
	}
}

func TestBuild_Bounds(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Lat: 40, Lon: -80, Value: Float(10)},
		{Lat: 41, Lon: -79, Value: Float(30)},
		{Lat: 39.5, Lon: -81, Value: Float(1)},
	}
	f, err := Build(records, ValueOf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b := f.Bounds()
	if b.South() != 39.5 || b.North() != 41 || b.West() != -81 || b.East() != -79 {
		t.Fatalf("unexpected bounds: S=%v N=%v W=%v E=%v", b.South(), b.North(), b.West(), b.East())
	}
}

func TestSelectorFor(t *testing.T) {
	t.Parallel()

	r := Record{Value: Float(1), Speed: Float(9)}
	if v, _ := SelectorFor("wind")(r); v != 9 {
		t.Fatalf("wind selector = %v, want 9", v)
	}
	if v, _ := SelectorFor("precipitation")(r); v != 1 {
		t.Fatalf("precipitation selector = %v, want 1", v)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	f, err := Build([]Record{{Value: Float(10)}}, ValueOf)
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct{ in, want float64 }{{5, 0.5}, {20, 1}, {-1, 0}, {0, 0}} {
		if got := f.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
