package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldmap/server/internal/ingest"
	"github.com/fieldmap/server/internal/store"
	"github.com/go-chi/chi/v5"
)

type ingestJobSubmitRequest struct {
	Dir      string   `json:"dir"`
	Files    []string `json:"files"`
	Model    string   `json:"model"`
	InitTime string   `json:"init_time"`
	Variable string   `json:"variable"`
}

// parseInitTime accepts RFC 3339 or the inbox run directory layout.
func parseInitTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(ingest.InitTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("init_time must be RFC 3339 or YYYYMMDDHH, got " + strconv.Quote(s))
}

func ingestJobSubmitHandler(jm *ingest.JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		var req ingestJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.InitTime == "" {
			writeError(w, http.StatusBadRequest, "init_time is required")
			return
		}
		initTime, err := parseInitTime(req.InitTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		job, err := jm.Submit(store.IngestParams{
			Dir:      req.Dir,
			Files:    req.Files,
			Model:    req.Model,
			InitTime: initTime,
			Variable: req.Variable,
		})
		switch {
		case errors.Is(err, ingest.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, "failed to submit job: "+err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func ingestJobListHandler(jm *ingest.JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				limit = v
				if limit > 500 {
					limit = 500
				}
			}
		}

		jobs, err := jm.List(limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*store.IngestJob{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func ingestJobStatusHandler(jm *ingest.JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func ingestJobCancelHandler(jm *ingest.JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}
