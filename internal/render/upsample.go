package render

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Smoothing names the kernel used to upsample the coarse raster.
type Smoothing string

const (
	BiLinear   Smoothing = "bilinear"
	CatmullRom Smoothing = "catmullrom"
)

// ErrNearestNeighbor is returned for blocky upsampling kernels.
var ErrNearestNeighbor = errors.New("nearest-neighbour upsampling is not supported")

// Interpolator returns the x/image kernel for s.
func (s Smoothing) Interpolator() (draw.Interpolator, error) {
	switch s {
	case "", BiLinear:
		return draw.BiLinear, nil
	case CatmullRom:
		return draw.CatmullRom, nil
	case "nearest", "nearestneighbor":
		return nil, ErrNearestNeighbor
	}
	return nil, fmt.Errorf("unknown smoothing %q", string(s))
}

// Upsample scales the low-resolution raster to a w x h image. Each source
// cell covers stride x stride display pixels, so the last row and column may
// extend past the display edge and get clipped.
func Upsample(src *image.NRGBA, w, h, stride int, s Smoothing) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, ErrDegenerateViewport
	}
	kernel, err := s.Interpolator()
	if err != nil {
		return nil, err
	}
	if stride < 1 {
		stride = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	dr := image.Rect(0, 0, sb.Dx()*stride, sb.Dy()*stride)
	kernel.Scale(dst, dr, src, sb, draw.Src, nil)
	return dst, nil
}
