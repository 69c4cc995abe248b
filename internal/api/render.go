package api

import (
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/service"
	"github.com/fieldmap/server/pkg/colormap"
)

// Default view for render requests without lat/lon/zoom.
const (
	defaultLat    = 39.5
	defaultLon    = -98.35
	defaultZoom   = 4
	defaultWidth  = 512
	defaultHeight = 512
)

type colormapInfo struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Anchors []string `json:"anchors"`
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	all := colormap.All()
	out := make([]colormapInfo, 0, len(all))
	for _, c := range all {
		out = append(out, colormapInfo{Name: c.Name, Kind: string(c.Kind), Anchors: c.Anchors()})
	}
	writeJSON(w, http.StatusOK, out)
}

func fieldStatsHandler(svc *service.FrameService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sel, err := parseSelection(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		stats, err := svc.Stats(r.Context(), sel)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func renderHandler(svc *service.FrameService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseFrameRequest(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		frame, err := svc.Render(r.Context(), req)
		if errors.Is(err, field.ErrEmptyData) && r.URL.Query().Get("empty") == "transparent" {
			// Map overlays would rather draw nothing than handle a 404.
			data, perr := svc.EmptyFrame(req.Width, req.Height)
			if perr != nil {
				writeServiceError(w, r, perr)
				return
			}
			w.Header().Set("X-Field", "empty")
			w.Header().Set("Content-Type", "image/png")
			w.Write(data)
			return
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		if frame.Cached {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(frame.PNG)
	}
}

func legendHandler(svc *service.FrameService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		name := q.Get("colormap")
		if name == "" {
			name = colormap.DefaultName
		}

		// An explicit range wins; otherwise label the legend with the range
		// of the selected field.
		var rng field.ValueRange
		if q.Has("min") || q.Has("max") {
			var err error
			if rng.Min, err = floatParam(q, "min", 0); err == nil {
				rng.Max, err = floatParam(q, "max", 0)
			}
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
		} else {
			sel, err := parseSelection(r)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			stats, err := svc.Stats(r.Context(), sel)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			rng = stats.Range
		}

		data, err := svc.Legend(name, rng, q.Get("unit"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func parseFrameRequest(r *http.Request) (service.FrameRequest, error) {
	sel, err := parseSelection(r)
	if err != nil {
		return service.FrameRequest{}, err
	}
	q := r.URL.Query()
	req := service.FrameRequest{
		Selection: sel,
		Colormap:  q.Get("colormap"),
		Smoothing: q.Get("smoothing"),
	}

	if req.Lat, err = floatParam(q, "lat", defaultLat); err != nil {
		return req, err
	}
	if req.Lon, err = floatParam(q, "lon", defaultLon); err != nil {
		return req, err
	}
	if req.Zoom, err = floatParam(q, "zoom", defaultZoom); err != nil {
		return req, err
	}
	if req.Radius, err = floatParam(q, "radius", 0); err != nil {
		return req, err
	}
	if req.Width, err = intParam(q, "width", defaultWidth); err != nil {
		return req, err
	}
	if req.Height, err = intParam(q, "height", defaultHeight); err != nil {
		return req, err
	}
	if req.Stride, err = intParam(q, "stride", 0); err != nil {
		return req, err
	}
	return req, nil
}

func floatParam(q url.Values, key string, def float64) (float64, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Join(forecast.ErrInvalidSelection, errors.New("invalid "+key+": "+s))
	}
	return v, nil
}

func intParam(q url.Values, key string, def int) (int, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Join(forecast.ErrInvalidSelection, errors.New("invalid "+key+": "+s))
	}
	return v, nil
}
