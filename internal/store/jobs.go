package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of an ingest job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IngestParams describes what an ingest job loads.
type IngestParams struct {
	Dir      string    `json:"dir,omitempty"`
	Files    []string  `json:"files,omitempty"`
	Model    string    `json:"model"`
	InitTime time.Time `json:"init_time"`
	Variable string    `json:"variable,omitempty"`
}

// JobProgress represents the progress of an ingest job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// IngestJob is one load of forecast files.
type IngestJob struct {
	ID          string       `json:"job_id"`
	Status      JobStatus    `json:"status"`
	Params      IngestParams `json:"params"`
	Progress    JobProgress  `json:"progress"`
	Points      int          `json:"points"`
	FilesFailed int          `json:"files_failed"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

const jobColumns = `job_id, status, params_json, phase, done, total, points, files_failed, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *IngestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO ingest_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Points,
		job.FilesFailed,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns nil, nil.
func (s *Store) GetJob(jobID string) (*IngestJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM ingest_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE ingest_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields and running totals.
func (s *Store) UpdateJobProgress(jobID string, p JobProgress, points, filesFailed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE ingest_jobs SET phase = ?, done = ?, total = ?, points = ?, files_failed = ?
		WHERE job_id = ?
	`, p.Phase, p.Done, p.Total, points, filesFailed, jobID)
	return err
}

// UpdateJobStatus updates the job status; terminal states record the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE ingest_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// ListJobs returns the most recent jobs first.
func (s *Store) ListJobs(limit int) ([]*IngestJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM ingest_jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*IngestJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM ingest_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE ingest_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retention.
func (s *Store) DeleteExpiredJobs(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Format(time.RFC3339)
	result, err := s.db.Exec(`
		DELETE FROM ingest_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanJobs(rows *sql.Rows) ([]*IngestJob, error) {
	var jobs []*IngestJob
	for rows.Next() {
		var job IngestJob
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.Points,
			&job.FilesFailed,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// IsFileIngested reports whether path was loaded before.
func (s *Store) IsFileIngested(path string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ingested_files WHERE path = ?`, path).Scan(&n)
	return n > 0, err
}

// MarkFileIngested records a successfully loaded file.
func (s *Store) MarkFileIngested(path, model string, runID int64, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO ingested_files (path, model_name, run_id, points, loaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			model_name = excluded.model_name,
			run_id = excluded.run_id,
			points = excluded.points,
			loaded_at = excluded.loaded_at
	`, path, model, runID, points, time.Now().Format(time.RFC3339))
	return err
}
