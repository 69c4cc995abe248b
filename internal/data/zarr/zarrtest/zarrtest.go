// Package zarrtest writes small Zarr v3 stores for tests.
package zarrtest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Array describes an array to write. Values are in C order.
type Array struct {
	Shape      []int
	ChunkShape []int  // defaults to Shape
	DataType   string // float32 (default), float64 or int32
	FillValue  interface{}
	Codec      string // zstd (default), gzip or none
	Separator  string // chunk key separator, default "/"
	Attributes map[string]interface{}
	Values     []float64
	// Omit lists chunks left off disk; readers treat them as all fill.
	Omit [][]int
}

// WriteGroup writes group metadata at dir.
func WriteGroup(t testing.TB, dir string) {
	t.Helper()
	writeJSON(t, filepath.Join(dir, "zarr.json"), map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "group",
		"attributes":  map[string]interface{}{},
	})
}

// WriteArray writes array a as dir/name.
func WriteArray(t testing.TB, dir, name string, a Array) {
	t.Helper()
	if a.DataType == "" {
		a.DataType = "float32"
	}
	if a.ChunkShape == nil {
		a.ChunkShape = a.Shape
	}
	if a.Codec == "" {
		a.Codec = "zstd"
	}
	if a.Separator == "" {
		a.Separator = "/"
	}

	codecs := []map[string]interface{}{
		{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
	}
	switch a.Codec {
	case "zstd":
		codecs = append(codecs, map[string]interface{}{"name": "zstd", "configuration": map[string]interface{}{"level": 3}})
	case "gzip":
		codecs = append(codecs, map[string]interface{}{"name": "gzip", "configuration": map[string]interface{}{"level": 5}})
	}

	arrayDir := filepath.Join(dir, name)
	writeJSON(t, filepath.Join(arrayDir, "zarr.json"), map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       a.Shape,
		"data_type":   a.DataType,
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": a.ChunkShape},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": a.Separator},
		},
		"fill_value": a.FillValue,
		"codecs":     codecs,
		"attributes": a.Attributes,
	})

	nChunks := make([]int, len(a.Shape))
	for d := range a.Shape {
		nChunks[d] = (a.Shape[d] + a.ChunkShape[d] - 1) / a.ChunkShape[d]
	}
	idx := make([]int, len(a.Shape))
	for {
		if !omitted(a.Omit, idx) {
			writeChunk(t, arrayDir, a, idx)
		}
		if !next(idx, nChunks) {
			return
		}
	}
}

func writeChunk(t testing.TB, arrayDir string, a Array, idx []int) {
	t.Helper()

	var buf bytes.Buffer
	local := make([]int, len(a.ChunkShape))
	for {
		off, inside := 0, true
		for d := range local {
			g := idx[d]*a.ChunkShape[d] + local[d]
			if g >= a.Shape[d] {
				inside = false
			}
			off = off*a.Shape[d] + g
		}
		v := fill(a.FillValue)
		if inside {
			v = a.Values[off]
		}
		switch a.DataType {
		case "float64":
			binary.Write(&buf, binary.LittleEndian, v)
		case "int32":
			binary.Write(&buf, binary.LittleEndian, int32(v))
		default:
			binary.Write(&buf, binary.LittleEndian, float32(v))
		}
		if !next(local, a.ChunkShape) {
			break
		}
	}

	data := buf.Bytes()
	switch a.Codec {
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatal(err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	case "gzip":
		var out bytes.Buffer
		zw := gzip.NewWriter(&out)
		zw.Write(data)
		zw.Close()
		data = out.Bytes()
	}

	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	path := filepath.Join(arrayDir, "c", filepath.FromSlash(strings.Join(parts, a.Separator)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func fill(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case string:
		if f == "NaN" {
			return math.NaN()
		}
	}
	return 0
}

func omitted(omit [][]int, idx []int) bool {
	for _, o := range omit {
		match := len(o) == len(idx)
		for d := 0; match && d < len(o); d++ {
			match = o[d] == idx[d]
		}
		if match {
			return true
		}
	}
	return false
}

func next(idx, bounds []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < bounds[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

func writeJSON(t testing.TB, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}
