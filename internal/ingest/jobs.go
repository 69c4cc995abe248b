package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fieldmap/server/internal/store"
	"github.com/google/uuid"
)

// ErrQueueFull is returned when a job cannot be queued.
var ErrQueueFull = errors.New("ingest queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	Workers       int           // concurrent ingest jobs (default 1)
	QueueSize     int           // pending jobs (default 100)
	Retention     time.Duration // how long finished jobs are kept (default 24h)
	CleanupPeriod time.Duration
}

// JobManager runs ingest jobs on worker goroutines and persists their state.
type JobManager struct {
	cfg      JobManagerConfig
	store    *store.Store
	loader   *Loader
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// OnComplete runs after a job that loaded at least one point, before
	// its final status is recorded.
	OnComplete func(job *store.IngestJob)
}

// NewJobManager creates a job manager.
func NewJobManager(cfg JobManagerConfig, st *store.Store, loader *Loader) *JobManager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	return &JobManager{
		cfg:     cfg,
		store:   st,
		loader:  loader,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[Ingest] failed to mark running jobs as failed: %v", err)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[Ingest] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[Ingest] re-queued job %s", job.ID)
			default:
				log.Printf("[Ingest] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.Workers; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued stay queued and are picked up on the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.stopCh:
			return
		case jobID := <-jm.queue:
			jm.runJob(jobID)
		}
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[Ingest] job %s vanished: %v", jobID, err)
		return
	}
	if job.Status != store.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[Ingest] failed to update job %s as started: %v", jobID, err)
		return
	}

	summary, execErr := jm.execute(ctx, job)

	if summary.Points > 0 && jm.OnComplete != nil {
		if done, err := jm.store.GetJob(jobID); err == nil && done != nil {
			jm.OnComplete(done)
		}
	}

	switch {
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, store.JobStatusCancelled, "cancelled")
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, store.JobStatusFailed, execErr.Error())
	case summary.Files > 0 && summary.FilesLoaded == 0:
		jm.store.UpdateJobStatus(jobID, store.JobStatusFailed, fmt.Sprintf("all %d files failed", summary.Files))
	default:
		jm.store.UpdateJobStatus(jobID, store.JobStatusCompleted, "")
	}
}

func (jm *JobManager) execute(ctx context.Context, job *store.IngestJob) (Summary, error) {
	p := job.Params
	target := Target{Model: p.Model, InitTime: p.InitTime, Variable: p.Variable}
	progress := func(done, total int, s Summary) {
		err := jm.store.UpdateJobProgress(job.ID, store.JobProgress{Phase: "loading", Done: done, Total: total}, s.Points, s.FilesFailed)
		if err != nil {
			log.Printf("[Ingest] failed to update progress of %s: %v", job.ID, err)
		}
	}

	if len(p.Files) > 0 {
		return jm.loader.LoadFiles(ctx, p.Files, target, progress)
	}
	return jm.loader.LoadDir(ctx, p.Dir, target, progress)
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.Retention)
	if err != nil {
		log.Printf("[Ingest] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[Ingest] cleaned up %d expired jobs", deleted)
	}
}

// Submit validates params, records a queued job and enqueues it.
func (jm *JobManager) Submit(params store.IngestParams) (*store.IngestJob, error) {
	if params.Model == "" {
		return nil, errors.New("model is required")
	}
	if params.Dir == "" && len(params.Files) == 0 {
		return nil, errors.New("dir or files is required")
	}
	if params.InitTime.IsZero() {
		return nil, errors.New("init_time is required")
	}

	job := &store.IngestJob{
		ID:        uuid.NewString(),
		Status:    store.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	select {
	case jm.queue <- job.ID:
	default:
		jm.store.UpdateJobStatus(job.ID, store.JobStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}

	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *store.IngestJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[Ingest] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns recent jobs.
func (jm *JobManager) List(limit int) ([]*store.IngestJob, error) {
	return jm.store.ListJobs(limit)
}

// Cancel attempts to cancel a job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == store.JobStatusQueued {
		jm.store.UpdateJobStatus(id, store.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Pending reports whether a queued or running job already covers path.
func (jm *JobManager) Pending(path string) bool {
	jobs, err := jm.store.ListJobs(200)
	if err != nil {
		return false
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		for _, f := range j.Params.Files {
			if f == path {
				return true
			}
		}
	}
	return false
}
