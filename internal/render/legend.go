package render

import (
	"fmt"
	"image/color"
	"sync"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/pkg/colormap"
	"github.com/fogleman/gg"
)

// LegendConfig sizes the legend image.
type LegendConfig struct {
	Width  int
	Height int
}

// DefaultLegendConfig returns a 256x48 legend.
func DefaultLegendConfig() LegendConfig {
	return LegendConfig{Width: 256, Height: 48}
}

// LegendRenderer draws colour bars with range labels.
type LegendRenderer struct {
	config      LegendConfig
	contextPool sync.Pool
}

// NewLegendRenderer creates a legend renderer.
func NewLegendRenderer(cfg LegendConfig) *LegendRenderer {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg = DefaultLegendConfig()
	}
	return &LegendRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
	}
}

// Size returns the legend image size.
func (l *LegendRenderer) Size() (int, int) {
	return l.config.Width, l.config.Height
}

// Render draws cm across the top half and the range labels underneath.
// The bar starts at the halo threshold so it matches what the map shows.
func (l *LegendRenderer) Render(cm *colormap.Colormap, rng field.ValueRange, unit string) ([]byte, error) {
	dc := l.contextPool.Get().(*gg.Context)
	defer l.contextPool.Put(dc)

	dc.SetColor(color.Transparent)
	dc.Clear()

	w := float64(l.config.Width)
	h := float64(l.config.Height)
	barH := h / 2

	for x := 0; x < l.config.Width; x++ {
		t := colormap.HaloThreshold + (1-colormap.HaloThreshold)*float64(x)/(w-1)
		c := cm.At(t)
		c.A = 255
		dc.SetColor(c)
		dc.DrawRectangle(float64(x), 0, 1, barH)
		dc.Fill()
	}

	dc.SetColor(color.Black)
	lo := formatLabel(rng.Min, unit)
	hi := formatLabel(rng.Max, unit)
	dc.DrawStringAnchored(lo, 2, barH+(h-barH)/2, 0, 0.5)
	dc.DrawStringAnchored(hi, w-2, barH+(h-barH)/2, 1, 0.5)

	return encodePNG(dc.Image())
}

func formatLabel(v float64, unit string) string {
	s := fmt.Sprintf("%.2f", v)
	if unit != "" {
		s += " " + unit
	}
	return s
}
