// Package zarr provides a reader for gridded forecast arrays in Zarr v3
// stores on local disk.
package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNotArray is returned when a path holds no Zarr v3 array.
	ErrNotArray = errors.New("not a zarr v3 array")
	// ErrUnsupported is returned for data types and codecs the reader cannot decode.
	ErrUnsupported = errors.New("unsupported zarr encoding")
)

// Reader reads arrays below one Zarr v3 group.
type Reader struct {
	basePath string
	decoder  *zstd.Decoder
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	DimensionNames []string               `json:"dimension_names,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	ZarrFormat     int                    `json:"zarr_format"`
	NodeType       string                 `json:"node_type"`
}

// Array is a decoded array flattened in C order.
type Array struct {
	Shape  []int
	Values []float64
}

// At returns the element at the given indices.
func (a *Array) At(idx ...int) float64 {
	off := 0
	for d, i := range idx {
		off = off*a.Shape[d] + i
	}
	return a.Values[off]
}

// NewReader opens the group at basePath.
func NewReader(basePath string) (*Reader, error) {
	data, err := os.ReadFile(filepath.Join(basePath, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read group metadata: %w", err)
	}
	var group struct {
		ZarrFormat int    `json:"zarr_format"`
		NodeType   string `json:"node_type"`
	}
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, fmt.Errorf("failed to parse group metadata: %w", err)
	}
	if group.ZarrFormat != 3 || group.NodeType != "group" {
		return nil, fmt.Errorf("%s: not a zarr v3 group", basePath)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{basePath: basePath, decoder: decoder}, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

// IsStore reports whether path is a directory holding Zarr metadata.
func IsStore(path string) bool {
	info, err := os.Stat(filepath.Join(path, "zarr.json"))
	return err == nil && !info.IsDir()
}

// Arrays lists the names of the arrays directly below the group.
func (r *Reader) Arrays() ([]string, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if meta, err := r.Meta(e.Name()); err == nil && meta.NodeType == "array" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Meta loads the metadata of the named array.
func (r *Reader) Meta(name string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(r.basePath, name, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.ZarrFormat != 3 || meta.NodeType != "array" {
		return nil, fmt.Errorf("%w: %s", ErrNotArray, name)
	}
	return &meta, nil
}

// Read decodes the whole named array as float64. Fill-valued elements of
// floating point arrays decode as NaN.
func (r *Reader) Read(name string) (*Array, error) {
	meta, err := r.Meta(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata for %s: shape %v chunk_shape %v",
			name, meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	}
	order, err := byteOrder(meta)
	if err != nil {
		return nil, err
	}

	arrayPath := filepath.Join(r.basePath, name)
	out := &Array{Shape: append([]int(nil), meta.Shape...), Values: make([]float64, product(meta.Shape))}
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	nChunks := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		nChunks[d] = ceilDiv(meta.Shape[d], chunkShape[d])
	}

	idx := make([]int, len(meta.Shape))
	for {
		data, err := r.readChunkAt(arrayPath, meta, idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %v: %w", name, idx, err)
		}
		actual, err := chunkShapeAt(meta, idx)
		if err != nil {
			return nil, err
		}
		// Edge chunks are normally padded to the full chunk shape; some
		// writers store them truncated.
		stored := chunkShape
		if len(data) == product(actual)*size {
			stored = actual
		} else if len(data) < product(chunkShape)*size {
			return nil, fmt.Errorf("%s chunk %v too short: got %d bytes", name, idx, len(data))
		}
		scatter(out, meta, idx, actual, stored, data, size, order)

		if !next(idx, nChunks) {
			break
		}
	}

	if isFloat(meta.DataType) {
		if fill, ok := fillFloat(meta.FillValue); ok && !math.IsNaN(fill) {
			if meta.DataType == "float32" {
				fill = float64(float32(fill))
			}
			for i, v := range out.Values {
				if v == fill {
					out.Values[i] = math.NaN()
				}
			}
		}
	}
	return out, nil
}

// scatter copies one decoded chunk into its place in out.
func scatter(out *Array, meta *ArrayMeta, chunkIdx, actual, stored []int, data []byte, size int, order binary.ByteOrder) {
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	local := make([]int, len(actual))
	for {
		src, dst := 0, 0
		for d := range local {
			src = src*stored[d] + local[d]
			dst = dst*meta.Shape[d] + chunkIdx[d]*chunkShape[d] + local[d]
		}
		out.Values[dst] = decode(data[src*size:(src+1)*size], meta.DataType, order)
		if !next(local, actual) {
			return
		}
	}
}

// next advances idx in C order within bounds and reports false after the last index.
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

func decode(b []byte, dataType string, order binary.ByteOrder) float64 {
	switch dataType {
	case "float32":
		return float64(math.Float32frombits(order.Uint32(b)))
	case "float64":
		return math.Float64frombits(order.Uint64(b))
	case "int16":
		return float64(int16(order.Uint16(b)))
	case "int32":
		return float64(int32(order.Uint32(b)))
	case "uint32":
		return float64(order.Uint32(b))
	case "int64":
		return float64(int64(order.Uint64(b)))
	default:
		return math.NaN()
	}
}

// readChunk reads and decodes a chunk through the array's codec chain.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	data, err := os.ReadFile(filepath.Join(arrayPath, "c", filepath.FromSlash(chunkKey)))
	if err != nil {
		return nil, err
	}

	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "bytes":
		case "crc32c":
			if len(data) < 4 {
				return nil, fmt.Errorf("chunk %s shorter than its checksum", chunkKey)
			}
			data = data[:len(data)-4]
		case "zstd":
			if data, err = r.decoder.DecodeAll(data, nil); err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip open failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		default:
			return nil, fmt.Errorf("%w: codec %s", ErrUnsupported, meta.Codecs[i].Name)
		}
	}
	return data, nil
}

func byteOrder(meta *ArrayMeta) (binary.ByteOrder, error) {
	for _, c := range meta.Codecs {
		if c.Name != "bytes" {
			continue
		}
		switch c.Configuration["endian"] {
		case nil, "little":
			return binary.LittleEndian, nil
		case "big":
			return binary.BigEndian, nil
		default:
			return nil, fmt.Errorf("%w: endian %v", ErrUnsupported, c.Configuration["endian"])
		}
	}
	return binary.LittleEndian, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}
	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64":
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: data_type %s", ErrUnsupported, dataType)
	}
}

func isFloat(dataType string) bool {
	return dataType == "float32" || dataType == "float64"
}

// fillFloat reads a fill_value, including the NaN and Infinity strings.
func fillFloat(fill interface{}) (float64, bool) {
	switch t := fill.(type) {
	case float64:
		return t, true
	case string:
		switch t {
		case "NaN":
			return math.NaN(), true
		case "Infinity":
			return math.Inf(1), true
		case "-Infinity":
			return math.Inf(-1), true
		}
	}
	return 0, false
}

// fillChunk encodes a missing chunk: every element is the fill value.
func fillChunk(meta *ArrayMeta, n int, order binary.ByteOrder) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size*n)
	v, ok := fillFloat(meta.FillValue)
	if !ok || v == 0 {
		return out, nil
	}

	elem := make([]byte, size)
	switch meta.DataType {
	case "float32":
		order.PutUint32(elem, math.Float32bits(float32(v)))
	case "float64":
		order.PutUint64(elem, math.Float64bits(v))
	case "int16":
		order.PutUint16(elem, uint16(int16(v)))
	case "int32", "uint32":
		order.PutUint32(elem, uint32(int32(v)))
	case "int64":
		order.PutUint64(elem, uint64(int64(v)))
	}
	for i := 0; i < n; i++ {
		copy(out[i*size:], elem)
	}
	return out, nil
}

func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	data, err := r.readChunk(arrayPath, meta, encodeChunkKey(meta, chunkIndices))
	if err == nil {
		return data, nil
	}

	// If the chunk is not present on disk, it represents an all-fill-value chunk.
	if os.IsNotExist(err) {
		order, orderErr := byteOrder(meta)
		if orderErr != nil {
			return nil, orderErr
		}
		return fillChunk(meta, product(meta.ChunkGrid.Configuration.ChunkShape), order)
	}
	return nil, err
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
