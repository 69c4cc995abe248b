// Package api provides HTTP handlers for the forecast field server.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/fieldmap/server/internal/cache"
	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/ingest"
	"github.com/fieldmap/server/internal/service"
	"github.com/fieldmap/server/internal/source"
	"github.com/fieldmap/server/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Store       *store.Store
	Forecast    *forecast.Service
	Frames      *service.FrameService
	Cache       *cache.Manager
	Jobs        *ingest.JobManager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Cache"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Liveness
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler(cfg.Store, cfg.Cache))
		r.Get("/models", modelsHandler(cfg.Store))
		r.Get("/variables", variablesHandler(cfg.Store))

		r.Get("/forecast-data", forecastDataHandler(cfg.Forecast))
		r.Get("/wind-data", windDataHandler(cfg.Forecast))

		r.Get("/colormaps", colormapsHandler)
		r.Get("/field/stats", fieldStatsHandler(cfg.Frames))
		r.Get("/render.png", renderHandler(cfg.Frames))
		r.Get("/legend.png", legendHandler(cfg.Frames))

		r.Route("/ingest/jobs", func(r chi.Router) {
			r.Post("/", ingestJobSubmitHandler(cfg.Jobs))
			r.Get("/", ingestJobListHandler(cfg.Jobs))
			r.Get("/{job_id}", ingestJobStatusHandler(cfg.Jobs))
			r.Delete("/{job_id}", ingestJobCancelHandler(cfg.Jobs))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes. Empty data is checked
// before ErrFetch because the local source wraps it in both.
func statusFor(err error) int {
	switch {
	case errors.Is(err, forecast.ErrInvalidSelection), errors.Is(err, service.ErrFrameTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, forecast.ErrNotFound), errors.Is(err, field.ErrEmptyData):
		return http.StatusNotFound
	case errors.Is(err, source.ErrFetch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, err.Error())
}

// parseSelection reads model, variable, hour and member, falling back to
// the defaults for absent parameters.
func parseSelection(r *http.Request) (forecast.Selection, error) {
	q := r.URL.Query()
	sel := forecast.DefaultSelection()
	if v := q.Get("model"); v != "" {
		sel.Model = v
	}
	if v := q.Get("variable"); v != "" {
		sel.Variable = v
	}
	if v := q.Get("member"); v != "" {
		sel.Member = v
	}
	if v := q.Get("hour"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			return sel, errors.Join(forecast.ErrInvalidSelection, errors.New("invalid hour: "+v))
		}
		sel.Hour = h
	}
	return sel, sel.Validate()
}

func healthHandler(st *store.Store, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := st.CountForecastPoints(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		resp := map[string]interface{}{
			"status":                 "healthy",
			"database":               "connected",
			"total_forecast_points":  counts.ForecastPoints,
			"total_statistic_points": counts.StatisticPoints,
		}
		if cm != nil {
			resp["cache"] = cm.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func modelsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := st.Models(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, models)
	}
}

func variablesHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars, err := st.Variables(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		names := make([]string, 0, len(vars))
		for _, v := range vars {
			names = append(names, v.Name)
		}
		writeJSON(w, http.StatusOK, names)
	}
}

func forecastDataHandler(svc *forecast.Service) http.HandlerFunc {
	wind := windDataHandler(svc)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("variable") == forecast.VariableWind {
			wind(w, r)
			return
		}
		sel, err := parseSelection(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writePoints(w, r, svc, sel)
	}
}

func windDataHandler(svc *forecast.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sel, err := parseSelection(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		sel.Variable = forecast.VariableWind
		writePoints(w, r, svc, sel)
	}
}

func writePoints(w http.ResponseWriter, r *http.Request, svc *forecast.Service, sel forecast.Selection) {
	res, err := svc.Lookup(r.Context(), sel)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	recs := res.Records
	if recs == nil {
		recs = []field.Record{}
	}
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, recs)
}
