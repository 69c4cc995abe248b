// Package viewport provides the pixel/geographic transforms the renderer reads
// at the start of every pass.
package viewport

import "sync"

// EventKind identifies what changed in a viewport.
type EventKind int

const (
	Pan EventKind = iota
	Zoom
	Resize
	Ready
)

func (k EventKind) String() string {
	switch k {
	case Pan:
		return "pan"
	case Zoom:
		return "zoom"
	case Resize:
		return "resize"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Event is delivered to subscribers after the viewport state changed.
type Event struct {
	Kind EventKind
}

// Projector maps a geographic position to screen pixels.
type Projector interface {
	ScreenPoint(lat, lon float64) (x, y float64)
}

// Provider is the viewport contract consumed by the renderer.
type Provider interface {
	Projector
	Size() (width, height int)
	Ready() bool
	// Subscribe registers fn for change notifications. The returned function
	// detaches it.
	Subscribe(fn func(Event)) (cancel func())
}

// notifier fans events out to subscribers. Listeners run on the goroutine
// that changed the viewport, after the viewport lock is released.
type notifier struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Event)
}

func (n *notifier) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]func(Event))
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) emit(kind EventKind) {
	n.mu.Lock()
	fns := make([]func(Event), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Kind: kind})
	}
}

// Subscribers returns the number of attached listeners.
func (n *notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}
