package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

// Surface is the display-resolution output of one pass.
type Surface struct {
	dc         *gg.Context
	generation uint64
	released   bool
	pool       *surfacePool
	mu         sync.Mutex
}

// Size returns the surface size in pixels.
func (s *Surface) Size() (int, int) {
	return s.dc.Width(), s.dc.Height()
}

// Generation returns the pass sequence number that produced the surface.
func (s *Surface) Generation() uint64 { return s.generation }

// Released reports whether the surface has been removed from display.
func (s *Surface) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Image returns the surface pixels.
func (s *Surface) Image() image.Image { return s.dc.Image() }

// PNG encodes the surface.
func (s *Surface) PNG() ([]byte, error) {
	return encodePNG(s.dc.Image())
}

// Release clears the surface and hands its context back to the pool.
// Releasing twice is a no-op.
func (s *Surface) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.dc.SetColor(color.Transparent)
	s.dc.Clear()
	if s.pool != nil {
		s.pool.put(s.dc)
	}
}

func (s *Surface) composite(img image.Image) {
	s.dc.DrawImage(img, 0, 0)
}

// surfacePool reuses gg contexts of one size. A size change drops the pool
// so surfaces are recreated rather than resized.
type surfacePool struct {
	mu            sync.Mutex
	width, height int
	free          []*gg.Context
}

const maxPooledSurfaces = 2

func (p *surfacePool) get(w, h int, generation uint64) *Surface {
	p.mu.Lock()
	var dc *gg.Context
	if w != p.width || h != p.height {
		p.width, p.height = w, h
		p.free = nil
	}
	if n := len(p.free); n > 0 {
		dc = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if dc == nil {
		dc = gg.NewContext(w, h)
	}
	return &Surface{dc: dc, generation: generation, pool: p}
}

func (p *surfacePool) put(dc *gg.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dc.Width() != p.width || dc.Height() != p.height || len(p.free) >= maxPooledSurfaces {
		return
	}
	p.free = append(p.free, dc)
}

// surfaceSlot holds the single presented surface. Installing a surface
// releases the previous one first.
type surfaceSlot struct {
	current *Surface
}

func (s *surfaceSlot) set(next *Surface) {
	s.release()
	s.current = next
}

func (s *surfaceSlot) release() {
	if s.current != nil {
		s.current.Release()
		s.current = nil
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyPNG returns a fully transparent w x h image.
func EmptyPNG(w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, ErrDegenerateViewport
	}
	return encodePNG(image.NewNRGBA(image.Rect(0, 0, w, h)))
}
