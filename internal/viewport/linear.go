package viewport

import "sync"

// Linear is an equirectangular viewport: screen pixels are a fixed number of
// pixels per degree away from an origin at the top-left corner.
type Linear struct {
	notifier

	mu        sync.RWMutex
	originLat float64
	originLon float64
	pxPerDeg  float64
	width     int
	height    int
	ready     bool
}

// NewLinear returns a ready equirectangular viewport whose top-left pixel is
// at (originLat, originLon).
func NewLinear(originLat, originLon, pxPerDeg float64, width, height int) *Linear {
	return &Linear{
		originLat: originLat,
		originLon: originLon,
		pxPerDeg:  pxPerDeg,
		width:     width,
		height:    height,
		ready:     true,
	}
}

// ScreenPoint implements Projector.
func (l *Linear) ScreenPoint(lat, lon float64) (x, y float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return (lon - l.originLon) * l.pxPerDeg, (l.originLat - lat) * l.pxPerDeg
}

// Size implements Provider.
func (l *Linear) Size() (int, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.width, l.height
}

// Ready implements Provider.
func (l *Linear) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// SetReady marks the viewport as (not) ready.
func (l *Linear) SetReady(ready bool) {
	l.mu.Lock()
	changed := ready && !l.ready
	l.ready = ready
	l.mu.Unlock()
	if changed {
		l.emit(Ready)
	}
}

// PanBy shifts the origin by dx, dy screen pixels.
func (l *Linear) PanBy(dx, dy float64) {
	l.mu.Lock()
	l.originLon += dx / l.pxPerDeg
	l.originLat -= dy / l.pxPerDeg
	l.mu.Unlock()
	l.emit(Pan)
}

// Scale sets the pixels-per-degree factor.
func (l *Linear) Scale(pxPerDeg float64) {
	l.mu.Lock()
	l.pxPerDeg = pxPerDeg
	l.mu.Unlock()
	l.emit(Zoom)
}

// Resize changes the screen size.
func (l *Linear) Resize(width, height int) {
	l.mu.Lock()
	l.width, l.height = width, height
	l.mu.Unlock()
	l.emit(Resize)
}
