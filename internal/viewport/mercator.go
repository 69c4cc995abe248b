package viewport

import (
	"math"
	"sync"

	geo "github.com/paulmach/go.geo"
)

const (
	// TileSize is the pixel width of one web map tile at integer zoom.
	TileSize = 256

	// half of the EPSG:3857 world width, in metres
	mercatorPole = 20037508.342789244

	maxZoom = 22
)

// Mercator is a Web-Mercator (EPSG:3857) viewport centred on a lat/lon at a
// fractional zoom level, in the slippy-map pixel convention (y grows south).
type Mercator struct {
	notifier

	mu     sync.RWMutex
	center *geo.Point // projected metres
	zoom   float64
	width  int
	height int
	ready  bool
}

// NewMercator returns a ready viewport.
func NewMercator(lat, lon, zoom float64, width, height int) *Mercator {
	return &Mercator{
		center: project(lat, lon),
		zoom:   clampZoom(zoom),
		width:  width,
		height: height,
		ready:  true,
	}
}

func project(lat, lon float64) *geo.Point {
	return geo.NewPointFromLatLng(lat, lon).Transform(geo.Mercator.Project)
}

func clampZoom(z float64) float64 {
	return math.Max(0, math.Min(maxZoom, z))
}

// pixels per projected metre at zoom z
func scaleAt(z float64) float64 {
	return TileSize * math.Exp2(z) / (2 * mercatorPole)
}

// ScreenPoint implements Projector.
func (m *Mercator) ScreenPoint(lat, lon float64) (x, y float64) {
	p := project(lat, lon)

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := scaleAt(m.zoom)
	x = (p.X()-m.center.X())*s + float64(m.width)/2
	y = float64(m.height)/2 - (p.Y()-m.center.Y())*s
	return x, y
}

// LatLonAt is the inverse of ScreenPoint.
func (m *Mercator) LatLonAt(x, y float64) (lat, lon float64) {
	m.mu.RLock()
	s := scaleAt(m.zoom)
	px := m.center.X() + (x-float64(m.width)/2)/s
	py := m.center.Y() - (y-float64(m.height)/2)/s
	m.mu.RUnlock()

	p := geo.NewPoint(px, py).Transform(geo.Mercator.Inverse)
	return p.Lat(), p.Lng()
}

// Size implements Provider.
func (m *Mercator) Size() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.width, m.height
}

// Ready implements Provider.
func (m *Mercator) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Zoom returns the current zoom level.
func (m *Mercator) Zoom() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.zoom
}

// Center returns the current centre as lat/lon.
func (m *Mercator) Center() (lat, lon float64) {
	m.mu.RLock()
	p := m.center.Clone()
	m.mu.RUnlock()
	p.Transform(geo.Mercator.Inverse)
	return p.Lat(), p.Lng()
}

// SetReady marks the viewport as (not) ready. Becoming ready emits a Ready event.
func (m *Mercator) SetReady(ready bool) {
	m.mu.Lock()
	changed := ready && !m.ready
	m.ready = ready
	m.mu.Unlock()
	if changed {
		m.emit(Ready)
	}
}

// PanBy moves the viewport by dx, dy screen pixels.
func (m *Mercator) PanBy(dx, dy float64) {
	m.mu.Lock()
	s := scaleAt(m.zoom)
	m.center = geo.NewPoint(m.center.X()+dx/s, m.center.Y()-dy/s)
	m.mu.Unlock()
	m.emit(Pan)
}

// PanTo recentres the viewport.
func (m *Mercator) PanTo(lat, lon float64) {
	m.mu.Lock()
	m.center = project(lat, lon)
	m.mu.Unlock()
	m.emit(Pan)
}

// ZoomTo changes the zoom level, keeping the centre.
func (m *Mercator) ZoomTo(z float64) {
	m.mu.Lock()
	m.zoom = clampZoom(z)
	m.mu.Unlock()
	m.emit(Zoom)
}

// Resize changes the screen size.
func (m *Mercator) Resize(width, height int) {
	m.mu.Lock()
	m.width, m.height = width, height
	m.mu.Unlock()
	m.emit(Resize)
}
