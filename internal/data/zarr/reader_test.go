package zarr_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fieldmap/server/internal/data/zarr"
	"github.com/fieldmap/server/internal/data/zarr/zarrtest"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func newStore(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run.zarr")
	zarrtest.WriteGroup(t, dir)
	return dir
}

func openReader(t *testing.T, dir string) *zarr.Reader {
	t.Helper()
	r, err := zarr.NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRead_Chunked(t *testing.T) {
	cases := []struct {
		name  string
		array zarrtest.Array
	}{
		{"zstd single chunk", zarrtest.Array{Shape: []int{3, 4}}},
		{"zstd edge chunks", zarrtest.Array{Shape: []int{5, 7}, ChunkShape: []int{2, 3}}},
		{"gzip float64", zarrtest.Array{Shape: []int{4, 4}, ChunkShape: []int{3, 3}, Codec: "gzip", DataType: "float64"}},
		{"uncompressed int32 dotted keys", zarrtest.Array{Shape: []int{2, 3, 4}, ChunkShape: []int{1, 2, 4}, Codec: "none", DataType: "int32", Separator: "."}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := newStore(t)
			n := 1
			for _, d := range tc.array.Shape {
				n *= d
			}
			tc.array.Values = seq(n)
			zarrtest.WriteArray(t, dir, "values", tc.array)

			arr, err := openReader(t, dir).Read("values")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(arr.Values) != n {
				t.Fatalf("got %d values, want %d", len(arr.Values), n)
			}
			for i, v := range arr.Values {
				if v != float64(i) {
					t.Fatalf("value[%d] = %v, want %d", i, v, i)
				}
			}
		})
	}
}

func TestRead_At(t *testing.T) {
	dir := newStore(t)
	zarrtest.WriteArray(t, dir, "grid", zarrtest.Array{Shape: []int{2, 3, 4}, ChunkShape: []int{1, 2, 2}, Values: seq(24)})

	arr, err := openReader(t, dir).Read("grid")
	if err != nil {
		t.Fatal(err)
	}
	if got := arr.At(1, 2, 3); got != 23 {
		t.Errorf("At(1,2,3) = %v, want 23", got)
	}
	if got := arr.At(0, 1, 2); got != 6 {
		t.Errorf("At(0,1,2) = %v, want 6", got)
	}
}

func TestRead_FillValues(t *testing.T) {
	dir := newStore(t)
	values := seq(16)
	values[5] = -9999
	zarrtest.WriteArray(t, dir, "sentinel", zarrtest.Array{
		Shape:      []int{4, 4},
		ChunkShape: []int{2, 2},
		FillValue:  -9999.0,
		Values:     values,
		Omit:       [][]int{{1, 1}},
	})
	zarrtest.WriteArray(t, dir, "nan", zarrtest.Array{
		Shape:      []int{2, 2},
		ChunkShape: []int{1, 2},
		FillValue:  "NaN",
		Values:     seq(4),
		Omit:       [][]int{{1, 0}},
	})

	r := openReader(t, dir)

	arr, err := r.Read("sentinel")
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(arr.At(1, 1)) {
		t.Errorf("sentinel value = %v, want NaN", arr.At(1, 1))
	}
	for _, idx := range [][2]int{{2, 2}, {2, 3}, {3, 2}, {3, 3}} {
		if v := arr.At(idx[0], idx[1]); !math.IsNaN(v) {
			t.Errorf("missing chunk value at %v = %v, want NaN", idx, v)
		}
	}
	if arr.At(0, 0) != 0 || arr.At(3, 1) != 13 {
		t.Errorf("present values corrupted: %v", arr.Values)
	}

	arr, err = r.Read("nan")
	if err != nil {
		t.Fatal(err)
	}
	if arr.At(0, 1) != 1 || !math.IsNaN(arr.At(1, 0)) || !math.IsNaN(arr.At(1, 1)) {
		t.Errorf("nan array = %v", arr.Values)
	}
}

func TestArrays(t *testing.T) {
	dir := newStore(t)
	zarrtest.WriteArray(t, dir, "longitude", zarrtest.Array{Shape: []int{2}, Values: seq(2)})
	zarrtest.WriteArray(t, dir, "latitude", zarrtest.Array{Shape: []int{2}, Values: seq(2)})
	if err := os.MkdirAll(filepath.Join(dir, "notes"), 0755); err != nil {
		t.Fatal(err)
	}

	names, err := openReader(t, dir).Arrays()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "latitude" || names[1] != "longitude" {
		t.Errorf("Arrays() = %v", names)
	}
	if !zarr.IsStore(dir) || zarr.IsStore(filepath.Join(dir, "notes")) {
		t.Error("IsStore misidentified a directory")
	}
}

func TestErrors(t *testing.T) {
	if _, err := zarr.NewReader(t.TempDir()); err == nil {
		t.Error("NewReader accepted a directory without metadata")
	}

	dir := newStore(t)
	r := openReader(t, dir)
	if _, err := r.Read("missing"); err == nil {
		t.Error("Read of a missing array succeeded")
	}

	zarrtest.WriteArray(t, dir, "wide", zarrtest.Array{Shape: []int{2}, Values: seq(2)})
	path := filepath.Join(dir, "wide", "zarr.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data = []byte(strings.Replace(string(data), `"float32"`, `"complex64"`, 1))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read("wide"); !errors.Is(err, zarr.ErrUnsupported) {
		t.Errorf("Read of complex64 = %v, want ErrUnsupported", err)
	}
}

