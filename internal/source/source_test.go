package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/store"
)

func newTestHTTP(t *testing.T, h http.Handler) *HTTP {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	src, err := NewHTTP(HTTPConfig{
		BaseURL: srv.URL,
		Backoff: BackoffConfig{MaxRetries: 2, InitialInterval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return src
}

func TestHTTP_FetchScalar(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery string
	src := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		json.NewEncoder(w).Encode([]field.Record{
			{Lat: 40, Lon: -80, Value: field.Float(1.2)},
		})
	}))

	recs, err := src.Fetch(context.Background(), forecast.DefaultSelection())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 || *recs[0].Value != 1.2 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if gotPath != "/api/forecast-data" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "hour=6&member=mean&model=AIFS&variable=precipitation" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestHTTP_FetchWindUsesWindEndpoint(t *testing.T) {
	t.Parallel()

	src := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/wind-data" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"lat":1,"lon":2,"u":3,"v":4,"speed":5,"direction":216.9}]`))
	}))

	sel := forecast.Selection{Model: "GEFS", Variable: forecast.VariableWind, Hour: 12, Member: "0"}
	recs, err := src.Fetch(context.Background(), sel)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if *recs[0].Speed != 5 {
		t.Fatalf("speed = %v", *recs[0].Speed)
	}
}

func TestHTTP_EmptyIsFetchError(t *testing.T) {
	t.Parallel()

	src := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	_, err := src.Fetch(context.Background(), forecast.DefaultSelection())
	if !errors.Is(err, ErrFetch) || !errors.Is(err, field.ErrEmptyData) {
		t.Fatalf("err = %v, want ErrFetch wrapping ErrEmptyData", err)
	}
}

func TestHTTP_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	src := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"No data found for model ICON"}`))
	}))

	_, err := src.Fetch(context.Background(), forecast.DefaultSelection())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestHTTP_ServerErrorRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	src := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"lat":1,"lon":2,"value":3}]`))
	}))

	recs, err := src.Fetch(context.Background(), forecast.DefaultSelection())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n := atomic.LoadInt32(&calls); len(recs) != 1 || n != 3 {
		t.Fatalf("records=%d calls=%d", len(recs), n)
	}
}

func TestHTTP_BreakerOpens(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src, err := NewHTTP(HTTPConfig{
		BaseURL:         srv.URL,
		Backoff:         BackoffConfig{MaxRetries: 0, InitialInterval: time.Millisecond},
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if _, err := src.Fetch(context.Background(), forecast.DefaultSelection()); !errors.Is(err, ErrFetch) {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("server saw %d calls, want 2 before the breaker opened", n)
	}
}

func TestNewHTTP_InvalidURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTP(HTTPConfig{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLocal(t *testing.T) {
	t.Parallel()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "forecast.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Seed(); err != nil {
		t.Fatal(err)
	}
	run, err := st.CreateRun("AIFS", time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	precip, _ := st.VariableID(store.VariablePrecipitation)
	v := 2.0
	if err := st.InsertMeanValues(run, precip, 6, []store.PointValue{{Lat: 40, Lon: -80, Value: &v}}); err != nil {
		t.Fatal(err)
	}

	src := NewLocal(forecast.NewService(st, nil))
	recs, err := src.Fetch(context.Background(), forecast.DefaultSelection())
	if err != nil || len(recs) != 1 {
		t.Fatalf("Fetch = %d records, %v", len(recs), err)
	}

	empty := forecast.DefaultSelection()
	empty.Hour = 12
	if _, err := src.Fetch(context.Background(), empty); !errors.Is(err, ErrFetch) || !errors.Is(err, field.ErrEmptyData) {
		t.Errorf("empty hour: %v", err)
	}

	unknown := forecast.DefaultSelection()
	unknown.Model = "GEFS"
	if _, err := src.Fetch(context.Background(), unknown); !errors.Is(err, ErrFetch) || !errors.Is(err, forecast.ErrNotFound) {
		t.Errorf("model without runs: %v", err)
	}
}
