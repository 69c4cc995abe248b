package ingest

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldmap/server/internal/store"
	"github.com/go-co-op/gocron"
)

// InitTimeLayout names run directories in the inbox.
const InitTimeLayout = "2006010215"

// Scanner periodically submits new inbox files as ingest jobs. The inbox is
// laid out as <dir>/<MODEL>/<YYYYMMDDHH>/<file>.json[.gz|.zst], with
// gridded runs as <name>.zarr stores in the same run directory.
type Scanner struct {
	scheduler *gocron.Scheduler
	jobs      *JobManager
	store     *store.Store
	dir       string
	interval  time.Duration
}

// NewScanner creates a scanner of dir.
func NewScanner(dir string, interval time.Duration, jobs *JobManager, st *store.Store) *Scanner {
	return &Scanner{
		scheduler: gocron.NewScheduler(time.UTC),
		jobs:      jobs,
		store:     st,
		dir:       dir,
		interval:  interval,
	}
}

// Start schedules the scan and starts the underlying scheduler.
func (s *Scanner) Start() error {
	if s.dir == "" {
		log.Println("[Ingest] no inbox configured; scanner disabled")
		return nil
	}

	minutes := int(s.interval.Minutes())
	if minutes <= 0 {
		minutes = 5
	}

	_, err := s.scheduler.Every(minutes).Minutes().Do(func() {
		if n := s.Scan(); n > 0 {
			log.Printf("[Ingest] inbox scan submitted %d jobs", n)
		}
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler.
func (s *Scanner) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Scan submits one job per run directory that has files not yet ingested
// and returns the number of jobs submitted.
func (s *Scanner) Scan() int {
	models, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Ingest] failed to read inbox %s: %v", s.dir, err)
		}
		return 0
	}

	submitted := 0
	for _, m := range models {
		if !m.IsDir() {
			continue
		}
		runs, err := os.ReadDir(filepath.Join(s.dir, m.Name()))
		if err != nil {
			log.Printf("[Ingest] failed to read %s: %v", m.Name(), err)
			continue
		}
		for _, r := range runs {
			if !r.IsDir() {
				continue
			}
			initTime, err := time.Parse(InitTimeLayout, r.Name())
			if err != nil {
				log.Printf("[Ingest] skipping %s/%s: not a %s run directory", m.Name(), r.Name(), InitTimeLayout)
				continue
			}
			if s.submitRun(m.Name(), initTime, filepath.Join(s.dir, m.Name(), r.Name())) {
				submitted++
			}
		}
	}
	return submitted
}

func (s *Scanner) submitRun(model string, initTime time.Time, dir string) bool {
	files, err := ListDir(dir)
	if err != nil {
		log.Printf("[Ingest] failed to list %s: %v", dir, err)
		return false
	}

	var fresh []string
	for _, f := range files {
		done, err := s.store.IsFileIngested(f)
		if err != nil {
			log.Printf("[Ingest] failed to check %s: %v", f, err)
			continue
		}
		if !done && !s.jobs.Pending(f) {
			fresh = append(fresh, f)
		}
	}
	if len(fresh) == 0 {
		return false
	}

	job, err := s.jobs.Submit(store.IngestParams{
		Files:    fresh,
		Model:    model,
		InitTime: initTime,
	})
	if err != nil {
		log.Printf("[Ingest] failed to submit %s: %v", dir, err)
		return false
	}
	log.Printf("[Ingest] queued job %s: %d files for %s %s", job.ID, len(fresh), model, initTime.Format(InitTimeLayout))
	return true
}
