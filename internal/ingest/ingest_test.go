package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldmap/server/internal/store"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var initTime = time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC)

const samplePoints = `[{"lat":40,"lon":-80,"value":1.5},{"lat":41,"lon":-80,"value":null},{"lat":42,"lon":-80,"value":0.2}]`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "forecast.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Seed(); err != nil {
		t.Fatal(err)
	}
	return st
}

func newTestLoader(t *testing.T, st *store.Store) *Loader {
	t.Helper()
	l, err := NewLoader(st, 2)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFilename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		hour     int
		member   int // -1 for none
		kind     FileKind
		variable string
	}{
		{"aifs-6h-precip_member_12.json", 6, 12, KindMember, "precipitation"},
		{"aifs-120h-precip_mean.json", 120, -1, KindMean, "precipitation"},
		{"aifs-24h-precip_std.json.zst", 24, -1, KindStd, "precipitation"},
		{"ukmo-12h-wind_u_10m.json.gz", 12, -1, KindDeterministic, "wind_u_10m"},
		{"gefs-0h-wind_v_10m_member_3.json", 0, 3, KindMember, "wind_v_10m"},
		{"latest.json", 0, -1, KindDeterministic, "precipitation"},
	}
	for _, tc := range cases {
		info := ParseFilename(tc.name, "precipitation")
		if info.Hour != tc.hour || info.Kind != tc.kind || info.Variable != tc.variable {
			t.Errorf("%s: got %+v", tc.name, info)
		}
		switch {
		case tc.member < 0 && info.Member != nil:
			t.Errorf("%s: unexpected member %d", tc.name, *info.Member)
		case tc.member >= 0 && (info.Member == nil || *info.Member != tc.member):
			t.Errorf("%s: member = %v, want %d", tc.name, info.Member, tc.member)
		}
	}

	if !IsForecastFile("x.json.zst") || IsForecastFile("notes.txt") {
		t.Error("IsForecastFile misclassified")
	}
}

func TestLoadFile_Compressed(t *testing.T) {
	st := newTestStore(t)
	l := newTestLoader(t, st)
	dir := t.TempDir()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(samplePoints))
	zw.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	zst := enc.EncodeAll([]byte(samplePoints), nil)
	enc.Close()

	files := []string{
		writeFile(t, dir, "aifs-6h-precip_member_0.json", []byte(samplePoints)),
		writeFile(t, dir, "aifs-6h-precip_member_1.json.gz", gz.Bytes()),
		writeFile(t, dir, "aifs-6h-precip_member_2.json.zst", zst),
	}

	for _, f := range files {
		n, err := l.LoadFile(f, Target{Model: "AIFS", InitTime: initTime})
		if err != nil {
			t.Fatalf("LoadFile(%s): %v", filepath.Base(f), err)
		}
		if n != 3 {
			t.Fatalf("LoadFile(%s) = %d points, want 3", filepath.Base(f), n)
		}
		if ok, _ := st.IsFileIngested(f); !ok {
			t.Errorf("%s not recorded as ingested", filepath.Base(f))
		}
	}

	c, err := st.CountForecastPoints(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.ForecastPoints != 9 {
		t.Fatalf("forecast points = %d, want 9", c.ForecastPoints)
	}
}

func TestLoadDir_MeanThenStd(t *testing.T) {
	st := newTestStore(t)
	l := newTestLoader(t, st)
	dir := t.TempDir()

	writeFile(t, dir, "gefs-12h-precip_std.json", []byte(`[{"lat":40,"lon":-80,"value":0.4}]`))
	writeFile(t, dir, "gefs-12h-precip_mean.json", []byte(`[{"lat":40,"lon":-80,"value":2.0}]`))
	writeFile(t, dir, "gefs-12h-precip_member_5.json", []byte(`{broken`))
	writeFile(t, dir, "README.md", []byte("ignored"))

	var calls int
	s, err := l.LoadDir(context.Background(), dir, Target{Model: "GEFS", InitTime: initTime}, func(done, total int, _ Summary) {
		calls++
		if total != 3 {
			t.Errorf("total = %d, want 3", total)
		}
	})
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if s.Files != 3 || s.FilesLoaded != 2 || s.FilesFailed != 1 || s.Points != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if calls != 3 {
		t.Errorf("progress called %d times, want 3", calls)
	}

	run, err := st.LatestRunID(context.Background(), "GEFS")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := st.ScalarPoints(context.Background(), run, store.VariablePrecipitation, 12, store.Member{Kind: store.MemberStd})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || *rows[0].Value != 0.4 {
		t.Fatalf("std rows = %+v", rows)
	}
}

func TestLoadFiles_Cancelled(t *testing.T) {
	st := newTestStore(t)
	l := newTestLoader(t, st)
	dir := t.TempDir()
	f := writeFile(t, dir, "a-6h-x_mean.json", []byte(samplePoints))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.LoadFiles(ctx, []string{f}, Target{Model: "AIFS", InitTime: initTime}, nil); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func waitForJob(t *testing.T, jm *JobManager, id string) *store.IngestJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := jm.Get(id); job != nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestJobManager_RunsJob(t *testing.T) {
	st := newTestStore(t)
	l := newTestLoader(t, st)
	dir := t.TempDir()
	writeFile(t, dir, "ukmo-6h-precip.json", []byte(samplePoints))

	jm := NewJobManager(JobManagerConfig{Workers: 1}, st, l)
	completed := make(chan string, 1)
	jm.OnComplete = func(j *store.IngestJob) { completed <- j.ID }
	jm.Start()
	defer jm.Stop()

	job, err := jm.Submit(store.IngestParams{Dir: dir, Model: "UKMO", InitTime: initTime})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForJob(t, jm, job.ID)
	if done.Status != store.JobStatusCompleted || done.Points != 3 {
		t.Fatalf("job = %+v", done)
	}
	if done.Progress.Done != 1 || done.Progress.Total != 1 {
		t.Errorf("progress = %+v", done.Progress)
	}
	select {
	case id := <-completed:
		if id != job.ID {
			t.Errorf("OnComplete got %s, want %s", id, job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Error("OnComplete not called")
	}
}

func TestJobManager_SubmitValidation(t *testing.T) {
	st := newTestStore(t)
	jm := NewJobManager(JobManagerConfig{}, st, newTestLoader(t, st))

	bad := []store.IngestParams{
		{Dir: "/x", InitTime: initTime},
		{Model: "AIFS", InitTime: initTime},
		{Model: "AIFS", Dir: "/x"},
	}
	for i, p := range bad {
		if _, err := jm.Submit(p); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}

func TestJobManager_CancelQueued(t *testing.T) {
	st := newTestStore(t)
	jm := NewJobManager(JobManagerConfig{}, st, newTestLoader(t, st))

	job, err := jm.Submit(store.IngestParams{Dir: t.TempDir(), Model: "AIFS", InitTime: initTime})
	if err != nil {
		t.Fatal(err)
	}
	if !jm.Cancel(job.ID) {
		t.Fatal("Cancel returned false for a queued job")
	}
	if got := jm.Get(job.ID); got.Status != store.JobStatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if jm.Cancel("missing") {
		t.Error("Cancel of unknown job returned true")
	}
}

func TestScanner_Scan(t *testing.T) {
	st := newTestStore(t)
	l := newTestLoader(t, st)
	inbox := t.TempDir()

	runDir := filepath.Join(inbox, "AIFS", "2025090800")
	if err := os.MkdirAll(runDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(inbox, "AIFS", "latest"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, runDir, "aifs-6h-precip_mean.json", []byte(samplePoints))

	jm := NewJobManager(JobManagerConfig{}, st, l)
	sc := NewScanner(inbox, time.Minute, jm, st)

	if n := sc.Scan(); n != 1 {
		t.Fatalf("first scan submitted %d jobs, want 1", n)
	}
	if n := sc.Scan(); n != 0 {
		t.Fatalf("second scan resubmitted %d pending jobs", n)
	}

	jobs, err := jm.List(10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("List = %d, %v", len(jobs), err)
	}
	j := jobs[0]
	if j.Params.Model != "AIFS" || !j.Params.InitTime.Equal(initTime) || len(j.Params.Files) != 1 {
		t.Fatalf("params = %+v", j.Params)
	}

	jm.Start()
	defer jm.Stop()
	waitForJob(t, jm, j.ID)
	if n := sc.Scan(); n != 0 {
		t.Fatalf("scan after ingest submitted %d jobs", n)
	}
}
