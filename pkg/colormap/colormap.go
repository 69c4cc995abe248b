// Package colormap provides color schemes for field rendering.
package colormap

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sort"
	"sync"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Kind tags a palette as sequential or diverging. It is informational only:
// both kinds blend identically across the ordered anchors.
type Kind string

const (
	Sequential Kind = "sequential"
	Diverging  Kind = "diverging"
)

// DefaultName is the palette used when none is selected.
const DefaultName = "precipitation"

const (
	// HaloThreshold is the normalized value below which At returns a fully
	// transparent color so the base map shows through near-zero regions.
	HaloThreshold = 0.01

	minAlpha   = 0.5
	alphaRange = 0.3
)

var (
	// ErrTooFewAnchors is returned when a palette has fewer than two anchors.
	ErrTooFewAnchors = errors.New("colormap needs at least two anchor colors")
	// ErrUnknown is returned when a colormap name is not registered.
	ErrUnknown = errors.New("unknown colormap")
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap struct {
	Name    string
	Kind    Kind
	anchors []colorful.Color
}

// New builds a colormap from hex anchors ("#rrggbb").
func New(name string, kind Kind, hexes ...string) (*Colormap, error) {
	if len(hexes) < 2 {
		return nil, fmt.Errorf("%s: %w", name, ErrTooFewAnchors)
	}
	anchors := make([]colorful.Color, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, fmt.Errorf("%s: anchor %d: %w", name, i, err)
		}
		anchors[i] = c
	}
	return &Colormap{Name: name, Kind: kind, anchors: anchors}, nil
}

func mustNew(name string, kind Kind, hexes ...string) *Colormap {
	c, err := New(name, kind, hexes...)
	if err != nil {
		panic("colormap: " + err.Error())
	}
	return c
}

// At returns the color at position t (0-1).
//
// Values below HaloThreshold are transparent. Otherwise the anchors are split
// into len-1 equal segments and the segment endpoints are blended linearly in
// RGB. Opacity grows from 0.5 to 0.8 with t.
func (c *Colormap) At(t float64) color.NRGBA {
	if math.IsNaN(t) || t < HaloThreshold {
		return color.NRGBA{}
	}
	if t > 1 {
		t = 1
	}

	segments := len(c.anchors) - 1
	pos := t * float64(segments)
	lower := int(pos)
	if lower >= segments {
		lower = segments - 1
	}
	frac := pos - float64(lower)

	r, g, b := c.anchors[lower].BlendRgb(c.anchors[lower+1], frac).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: alphaAt(t)}
}

// Base returns the first anchor as an opaque color.
func (c *Colormap) Base() color.NRGBA {
	r, g, b := c.anchors[0].RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// Anchors returns the palette anchors as hex strings.
func (c *Colormap) Anchors() []string {
	out := make([]string, len(c.anchors))
	for i, a := range c.anchors {
		out[i] = a.Hex()
	}
	return out
}

func alphaAt(t float64) uint8 {
	return uint8(math.Round((minAlpha + t*alphaRange) * 255))
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*Colormap{}
)

// Register adds or replaces a colormap in the process-wide registry.
func Register(c *Colormap) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name] = c
}

// Lookup returns the registered colormap with the given name.
func Lookup(name string) (*Colormap, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Get is Lookup with an error suitable for returning to callers.
func Get(name string) (*Colormap, error) {
	if c, ok := Lookup(name); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Names returns the registered names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the registered colormaps sorted by name.
func All() []*Colormap {
	names := Names()
	out := make([]*Colormap, 0, len(names))
	for _, n := range names {
		c, _ := Lookup(n)
		out = append(out, c)
	}
	return out
}

// Built-in palettes.
var (
	Precipitation = mustNew("precipitation", Sequential,
		"#c6dbef", "#9ecae1", "#6baed6", "#3182bd", "#08519c", "#54278f", "#e31a1c")

	Wind = mustNew("wind", Sequential,
		"#e0f3f8", "#abd9e9", "#74add1", "#4575b4", "#fee090", "#f46d43", "#d73027", "#a50026")

	// Viridis colormap (matplotlib viridis)
	Viridis = mustNew("viridis", Sequential,
		"#440154", "#482374", "#404387", "#345e8d", "#29788e", "#20908c",
		"#22a784", "#44be70", "#79d151", "#bdde26", "#fde725")

	Plasma = mustNew("plasma", Sequential,
		"#0d0887", "#4b03a1", "#7d03a8", "#a82296", "#cb4679",
		"#e56b5d", "#f89441", "#fdc328", "#f0f921")

	Inferno = mustNew("inferno", Sequential,
		"#000004", "#280b54", "#65156e", "#9f2a63",
		"#d44842", "#f57d15", "#fac127", "#fcffa4")

	Magma = mustNew("magma", Sequential,
		"#000004", "#1c1044", "#4f127b", "#812581", "#b5367a",
		"#e55064", "#fb8761", "#fec287", "#fcfdbf")

	// RdBu and Spectral follow ColorBrewer's 11-class schemes.
	RdBu = mustNew("rdbu", Diverging,
		"#67001f", "#b2182b", "#d6604d", "#f4a582", "#fddbc7", "#f7f7f7",
		"#d1e5f0", "#92c5de", "#4393c3", "#2166ac", "#053061")

	Spectral = mustNew("spectral", Diverging,
		"#9e0142", "#d53e4f", "#f46d43", "#fdae61", "#fee08b", "#ffffbf",
		"#e6f598", "#abdda4", "#66c2a5", "#3288bd", "#5e4fa2")
)

func init() {
	for _, c := range []*Colormap{Precipitation, Wind, Viridis, Plasma, Inferno, Magma, RdBu, Spectral} {
		Register(c)
	}
}
