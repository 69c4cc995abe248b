package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fieldmap/server/internal/data/zarr"
	"github.com/fieldmap/server/internal/store"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Loader writes forecast files to the store.
type Loader struct {
	store     *store.Store
	batchSize int
	decoder   *zstd.Decoder
}

// NewLoader creates a loader. batchSize bounds the rows per transaction.
func NewLoader(st *store.Store, batchSize int) (*Loader, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Loader{store: st, batchSize: batchSize, decoder: decoder}, nil
}

// Close releases the decoder.
func (l *Loader) Close() {
	l.decoder.Close()
}

// Target is the run files are loaded into.
type Target struct {
	Model    string
	InitTime time.Time
	Variable string
}

// LoadFile loads one file, or one Zarr store directory, and returns the
// number of points written.
func (l *Loader) LoadFile(path string, t Target) (int, error) {
	if IsZarrStore(path) {
		return l.loadZarr(path, t)
	}

	variable := t.Variable
	if variable == "" {
		variable = store.VariablePrecipitation
	}
	info := ParseFilename(path, variable)

	points, err := l.readPoints(path)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	if _, err := l.store.EnsureModel(t.Model); err != nil {
		return 0, err
	}
	runID, err := l.store.CreateRun(t.Model, t.InitTime)
	if err != nil {
		return 0, err
	}
	variableID, err := l.store.EnsureVariable(info.Variable, "")
	if err != nil {
		return 0, err
	}

	if n, err := l.writePoints(runID, variableID, info, points); err != nil {
		return n, err
	}

	if err := l.store.MarkFileIngested(path, t.Model, runID, len(points)); err != nil {
		log.Printf("[Ingest] failed to record %s: %v", path, err)
	}
	return len(points), nil
}

// writePoints writes points in batches and returns the rows written.
func (l *Loader) writePoints(runID, variableID int64, info FileInfo, points []store.PointValue) (int, error) {
	for start := 0; start < len(points); start += l.batchSize {
		end := start + l.batchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]

		var err error
		switch info.Kind {
		case KindMember, KindDeterministic:
			err = l.store.InsertMemberValues(runID, variableID, info.Hour, info.Member, batch)
		case KindMean:
			err = l.store.InsertMeanValues(runID, variableID, info.Hour, batch)
		case KindStd:
			err = l.store.UpdateStdValues(runID, variableID, info.Hour, batch)
		}
		if err != nil {
			return start, fmt.Errorf("failed to write %s rows: %w", info.Kind, err)
		}
	}
	return len(points), nil
}

func (l *Loader) readPoints(path string) ([]store.PointValue, error) {
	raw, err := l.readFile(path)
	if err != nil {
		return nil, err
	}
	var points []store.PointValue
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return points, nil
}

func (l *Loader) readFile(path string) ([]byte, error) {
	switch {
	case strings.HasSuffix(path, ".zst"):
		compressed, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data, err := l.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
		return data, nil

	case strings.HasSuffix(path, ".gz"):
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip open failed: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return os.ReadFile(path)
}

// Summary totals a directory or file-list load.
type Summary struct {
	Files       int `json:"files"`
	FilesLoaded int `json:"files_loaded"`
	FilesFailed int `json:"files_failed"`
	Points      int `json:"points"`
}

// Progress is called after each file.
type Progress func(done, total int, s Summary)

// ListDir returns the forecast files and Zarr stores of dir sorted by
// name, so a run's mean file loads before its std file.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir() && IsZarrStore(e.Name()):
			// Stores still being written have no group metadata yet.
			if zarr.IsStore(path) {
				files = append(files, path)
			}
		case !e.IsDir() && IsForecastFile(e.Name()):
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadDir loads every forecast file in dir.
func (l *Loader) LoadDir(ctx context.Context, dir string, t Target, progress Progress) (Summary, error) {
	files, err := ListDir(dir)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(files) == 0 {
		log.Printf("[Ingest] no forecast files found in %s", dir)
	}
	return l.LoadFiles(ctx, files, t, progress)
}

// LoadFiles loads files in order. A file that fails is logged and skipped;
// only cancellation stops the load early.
func (l *Loader) LoadFiles(ctx context.Context, files []string, t Target, progress Progress) (Summary, error) {
	s := Summary{Files: len(files)}
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		n, err := l.LoadFile(path, t)
		if err != nil {
			s.FilesFailed++
			log.Printf("[Ingest] %s: %v", filepath.Base(path), err)
		} else {
			s.FilesLoaded++
			s.Points += n
		}

		if (i+1)%100 == 0 {
			log.Printf("[Ingest] %s: %d/%d files, %d points", t.Model, i+1, len(files), s.Points)
		}
		if progress != nil {
			progress(i+1, len(files), s)
		}
	}
	log.Printf("[Ingest] %s: %d files, %d points, %d failed", t.Model, s.FilesLoaded, s.Points, s.FilesFailed)
	return s, nil
}
