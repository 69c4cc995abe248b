package render

import (
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/viewport"
	"github.com/fieldmap/server/pkg/colormap"
)

// State is the renderer lifecycle state.
type State int

const (
	Idle State = iota
	Rasterizing
	Presented
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Rasterizing:
		return "rasterizing"
	case Presented:
		return "presented"
	}
	return "unknown"
}

// Options are the user-facing render settings.
type Options struct {
	Colormap        string
	PixelStride     int
	InfluenceRadius float64
	Smoothing       Smoothing
	RetryDelay      time.Duration
	MaxRetries      int
}

// DefaultOptions returns the default render settings.
func DefaultOptions() Options {
	return Options{
		Colormap:        colormap.DefaultName,
		PixelStride:     4,
		InfluenceRadius: 40,
		Smoothing:       BiLinear,
		RetryDelay:      100 * time.Millisecond,
		MaxRetries:      20,
	}
}

// Validate checks the options and resolves the colormap.
func (o Options) Validate() (*colormap.Colormap, error) {
	if o.PixelStride < 1 {
		return nil, fmt.Errorf("pixel stride must be positive, got %d", o.PixelStride)
	}
	if o.InfluenceRadius <= 0 {
		return nil, fmt.Errorf("influence radius must be positive, got %v", o.InfluenceRadius)
	}
	if _, err := o.Smoothing.Interpolator(); err != nil {
		return nil, err
	}
	return colormap.Get(o.Colormap)
}

// Task is a scheduled callback that can be cancelled.
type Task interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// Stats is what a legend or statistics panel needs.
type Stats struct {
	State       string            `json:"state"`
	Colormap    string            `json:"colormap"`
	SampleCount int               `json:"sample_count"`
	Range       *field.ValueRange `json:"range,omitempty"`
	Generation  uint64            `json:"generation"`
	LastError   string            `json:"last_error,omitempty"`
}

// Renderer keeps one raster in sync with a viewport. Every trigger (new
// field, colormap or option change, viewport event) starts a full pass
// tagged with a new generation; passes from older generations are dropped.
type Renderer struct {
	vp    viewport.Provider
	sched Scheduler
	pool  surfacePool

	mu          sync.Mutex
	opts        Options
	cmap        *colormap.Colormap
	field       *field.ScalarField
	gen         uint64
	state       State
	retry       Task
	slot        surfaceSlot
	unsubscribe func()
	detached    bool
	lastErr     error
	onPresent   func(*Surface)
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithScheduler replaces the timer-based retry scheduler.
func WithScheduler(s Scheduler) Option {
	return func(r *Renderer) { r.sched = s }
}

// WithPresentHook registers fn to run after each presented pass.
func WithPresentHook(fn func(*Surface)) Option {
	return func(r *Renderer) { r.onPresent = fn }
}

// NewRenderer creates a renderer attached to vp.
func NewRenderer(vp viewport.Provider, opts Options, options ...Option) (*Renderer, error) {
	cm, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		vp:    vp,
		sched: timerScheduler{},
		opts:  opts,
		cmap:  cm,
	}
	for _, o := range options {
		o(r)
	}
	r.unsubscribe = vp.Subscribe(r.handleEvent)
	return r, nil
}

func (r *Renderer) handleEvent(e viewport.Event) {
	r.trigger("viewport " + e.Kind.String())
}

// SetField installs a new field and redraws.
func (r *Renderer) SetField(f *field.ScalarField) {
	r.mu.Lock()
	r.field = f
	r.lastErr = nil
	r.mu.Unlock()
	r.trigger("field")
}

// ClearField drops the field and removes the presented surface. It is used
// when a data fetch fails so no stale raster stays on screen.
func (r *Renderer) ClearField(reason error) {
	r.mu.Lock()
	r.field = nil
	r.lastErr = reason
	r.bump()
	r.slot.release()
	r.state = Idle
	r.mu.Unlock()
}

// SetColormap switches the palette and redraws.
func (r *Renderer) SetColormap(name string) error {
	cm, err := colormap.Get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cmap = cm
	r.opts.Colormap = name
	r.mu.Unlock()
	r.trigger("colormap")
	return nil
}

// SetOptions replaces all render settings and redraws.
func (r *Renderer) SetOptions(opts Options) error {
	cm, err := opts.Validate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.opts = opts
	r.cmap = cm
	r.mu.Unlock()
	r.trigger("options")
	return nil
}

// Redraw forces a full pass.
func (r *Renderer) Redraw() {
	r.trigger("redraw")
}

// Detach stops listening to the viewport, cancels pending retries and
// releases the surface. The renderer is unusable afterwards.
func (r *Renderer) Detach() {
	r.mu.Lock()
	r.detached = true
	r.bump()
	r.slot.release()
	r.state = Idle
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Surface returns the presented surface, or nil. The surface is valid only
// until the next pass presents: it is then released and its context reused,
// so callers copy or encode it rather than holding it.
func (r *Renderer) Surface() *Surface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot.current
}

// State returns the lifecycle state.
func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns the legend data for the current field.
func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		State:      r.state.String(),
		Colormap:   r.cmap.Name,
		Generation: r.gen,
	}
	if r.field != nil {
		rng := r.field.Range()
		st.Range = &rng
		st.SampleCount = r.field.Len()
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// bump starts a new generation and cancels any pending retry.
// Caller holds r.mu.
func (r *Renderer) bump() uint64 {
	r.gen++
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	return r.gen
}

func (r *Renderer) trigger(reason string) {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	gen := r.bump()
	r.mu.Unlock()

	if err := r.pass(gen, 0); err != nil && err != ErrStalePass {
		log.Printf("[Renderer] pass %d (%s): %v", gen, reason, err)
	}
}

type passInput struct {
	field *field.ScalarField
	cmap  *colormap.Colormap
	opts  Options
}

// snapshot returns the inputs for generation gen, or false if gen is stale.
func (r *Renderer) snapshot(gen uint64) (passInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.detached {
		return passInput{}, false
	}
	r.retry = nil
	return passInput{field: r.field, cmap: r.cmap, opts: r.opts}, true
}

func (r *Renderer) pass(gen uint64, attempt int) error {
	in, ok := r.snapshot(gen)
	if !ok {
		return ErrStalePass
	}
	if in.field == nil {
		return nil
	}

	if !r.vp.Ready() {
		return r.scheduleRetry(gen, attempt, in.opts)
	}

	w, h := r.vp.Size()
	if gw, gh := GridSize(w, h, in.opts.PixelStride); gw <= 0 || gh <= 0 {
		// Keep whatever is on screen; the next trigger tries again.
		log.Printf("[Renderer] pass %d skipped: %dx%d viewport", gen, w, h)
		return nil
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return ErrStalePass
	}
	r.slot.release()
	r.state = Rasterizing
	r.mu.Unlock()

	low, err := Rasterize(in.field, in.cmap, r.vp, RasterOptions{
		PixelStride:     in.opts.PixelStride,
		InfluenceRadius: in.opts.InfluenceRadius,
	})
	if err == nil {
		var full *Surface
		full, err = r.compose(low, w, h, in.opts, gen)
		if err == nil {
			return r.present(gen, full)
		}
	}

	r.mu.Lock()
	if gen == r.gen {
		r.state = Idle
		r.lastErr = err
	}
	r.mu.Unlock()
	return err
}

func (r *Renderer) compose(low *image.NRGBA, w, h int, opts Options, gen uint64) (*Surface, error) {
	up, err := Upsample(low, w, h, opts.PixelStride, opts.Smoothing)
	if err != nil {
		return nil, err
	}
	s := r.pool.get(w, h, gen)
	s.composite(up)
	return s, nil
}

// present installs s unless a newer trigger has started since gen.
func (r *Renderer) present(gen uint64, s *Surface) error {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		s.Release()
		return ErrStalePass
	}
	r.slot.set(s)
	r.state = Presented
	r.lastErr = nil
	hook := r.onPresent
	r.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

func (r *Renderer) scheduleRetry(gen uint64, attempt int, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return ErrStalePass
	}
	if attempt >= opts.MaxRetries {
		log.Printf("[Renderer] viewport not ready after %d retries; waiting for next trigger", attempt)
		r.state = Idle
		r.lastErr = ErrNotReady
		return nil
	}
	if attempt > 0 && attempt%5 == 0 {
		log.Printf("[Renderer] viewport still not ready (attempt %d/%d)", attempt, opts.MaxRetries)
	}
	r.retry = r.sched.AfterFunc(opts.RetryDelay, func() {
		if err := r.pass(gen, attempt+1); err != nil && err != ErrStalePass {
			log.Printf("[Renderer] retry of pass %d: %v", gen, err)
		}
	})
	return nil
}
