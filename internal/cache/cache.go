// Package cache holds rendered frames and sample query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/fieldmap/server/internal/field"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	FrameCacheSizeMB int
	FrameTTL         time.Duration
	MaxFrameSizeKB   int
	QueryCacheSize   int
}

// Manager manages frame and query caches.
type Manager struct {
	frameCache *bigcache.BigCache
	queryCache *lru.Cache[string, []field.Record]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	maxEntry := cfg.MaxFrameSizeKB * 1024
	if maxEntry <= 0 {
		maxEntry = 512 * 1024
	}

	frameCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.FrameTTL,
		CleanWindow:        cfg.FrameTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       maxEntry,
		HardMaxCacheSize:   cfg.FrameCacheSizeMB,
		Verbose:            false,
	}

	frameCache, err := bigcache.New(context.Background(), frameCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	queryCache, err := lru.New[string, []field.Record](cfg.QueryCacheSize)
	if err != nil {
		frameCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		frameCache: frameCache,
		queryCache: queryCache,
	}, nil
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	data, err := m.frameCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) error {
	return m.frameCache.Set(key, data)
}

// GetQuery retrieves sample records from cache. Callers must not modify
// the returned slice.
func (m *Manager) GetQuery(key string) ([]field.Record, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores sample records in cache.
func (m *Manager) SetQuery(key string, records []field.Record) {
	m.queryCache.Add(key, records)
}

// Invalidate drops everything. Ingest calls it after writing new data.
func (m *Manager) Invalidate() error {
	m.queryCache.Purge()
	return m.frameCache.Reset()
}

// QueryKey identifies the samples of one selection in one forecast run.
func QueryKey(model, variable string, hour int, member string, runID int64) string {
	return fmt.Sprintf("query:%s/%s/%d/%s@%d", model, variable, hour, member, runID)
}

// FrameSpec is everything that changes the pixels of a rendered frame.
type FrameSpec struct {
	Query     string
	Lat, Lon  float64
	Zoom      float64
	Width     int
	Height    int
	Colormap  string
	Stride    int
	Radius    float64
	Smoothing string
}

// FrameKey generates a cache key for a rendered frame.
func FrameKey(s FrameSpec) string {
	view := fmt.Sprintf("%.6f,%.6f,%.3f,%dx%d", s.Lat, s.Lon, s.Zoom, s.Width, s.Height)
	style := fmt.Sprintf("%s,%d,%.2f,%s", s.Colormap, s.Stride, s.Radius, s.Smoothing)

	h := sha256.New()
	h.Write([]byte(view))
	h.Write([]byte{0})
	h.Write([]byte(style))
	return "frame:" + s.Query + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// LegendKey generates a cache key for a legend image.
func LegendKey(colormap string, rng field.ValueRange, unit string, w, h int) string {
	return fmt.Sprintf("legend:%s:%g-%g:%s:%dx%d", colormap, rng.Min, rng.Max, unit, w, h)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frame_cache_len":  m.frameCache.Len(),
		"frame_cache_cap":  m.frameCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
		"frame_cache_hits": m.frameCache.Stats().Hits,
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.frameCache.Close()
}
