package forecast

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/store"
)

type fakeStore struct {
	runs       map[string]int64
	scalar     []store.ScalarRow
	wind       []store.WindRow
	queries    int
	lastMember store.Member
}

func (f *fakeStore) LatestRunID(_ context.Context, model string) (int64, error) {
	id, ok := f.runs[model]
	if !ok {
		return 0, store.ErrNoRun
	}
	return id, nil
}

func (f *fakeStore) ScalarPoints(_ context.Context, _ int64, _ string, _ int, m store.Member) ([]store.ScalarRow, error) {
	f.queries++
	f.lastMember = m
	return f.scalar, nil
}

func (f *fakeStore) WindPoints(_ context.Context, _ int64, _ int, m store.Member) ([]store.WindRow, error) {
	f.queries++
	f.lastMember = m
	return f.wind, nil
}

type mapCache map[string][]field.Record

func (c mapCache) GetQuery(k string) ([]field.Record, bool) {
	r, ok := c[k]
	return r, ok
}

func (c mapCache) SetQuery(k string, r []field.Record) { c[k] = r }

func fp(v float64) *float64 { return &v }

func TestSelectionValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		sel  Selection
		ok   bool
	}{
		{"defaults", DefaultSelection(), true},
		{"member number", Selection{Model: "GEFS", Variable: "wind", Hour: 12, Member: "0"}, true},
		{"deterministic", Selection{Model: "UKMO", Variable: "precipitation", Hour: 0, Member: "deterministic"}, true},
		{"negative hour", Selection{Model: "AIFS", Variable: "precipitation", Hour: -6, Member: "mean"}, false},
		{"bad member", Selection{Model: "AIFS", Variable: "precipitation", Hour: 6, Member: "median"}, false},
		{"negative member", Selection{Model: "AIFS", Variable: "precipitation", Hour: 6, Member: "-1"}, false},
		{"missing model", Selection{Variable: "precipitation", Hour: 6, Member: "mean"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.sel.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidSelection) {
				t.Fatalf("expected ErrInvalidSelection, got %v", err)
			}
		})
	}
}

func TestNewValidator_MemberTag(t *testing.T) {
	t.Parallel()

	v := newValidator()
	for _, m := range []string{"mean", "std", "deterministic", "3"} {
		if err := v.Var(m, "member"); err != nil {
			t.Errorf("member %q rejected: %v", m, err)
		}
	}
	if err := v.Var("max", "member"); err == nil {
		t.Error("member \"max\" accepted")
	}
}

func TestWind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		u, v       float64
		speed, dir float64
	}{
		{0, -5, 5, 0},  // blowing south, from the north
		{-5, 0, 5, 90}, // blowing west, from the east
		{0, 5, 5, 180}, // blowing north, from the south
		{5, 0, 5, 270}, // blowing east, from the west
		{3, 4, 5, 216.86989764584402},
	}
	for _, tc := range cases {
		speed, dir := Wind(tc.u, tc.v)
		if math.Abs(speed-tc.speed) > 1e-9 || math.Abs(dir-tc.dir) > 1e-9 {
			t.Errorf("Wind(%v, %v) = %v, %v; want %v, %v", tc.u, tc.v, speed, dir, tc.speed, tc.dir)
		}
	}
}

func TestLookup_Scalar(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		runs: map[string]int64{"AIFS": 7},
		scalar: []store.ScalarRow{
			{Lat: 40, Lon: -80, Value: fp(2.5)},
			{Lat: 41, Lon: -80, Value: nil},
		},
	}
	c := mapCache{}
	svc := NewService(st, c)

	res, err := svc.Lookup(context.Background(), DefaultSelection())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.RunID != 7 || len(res.Records) != 2 || res.Cached {
		t.Fatalf("unexpected result: %+v", res)
	}
	if *res.Records[1].Value != 0 {
		t.Errorf("null value = %v, want 0", *res.Records[1].Value)
	}
	if st.lastMember.Kind != store.MemberMean {
		t.Errorf("member kind = %v, want mean", st.lastMember.Kind)
	}

	again, err := svc.Lookup(context.Background(), DefaultSelection())
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || st.queries != 1 {
		t.Errorf("second lookup hit the store (queries=%d)", st.queries)
	}
}

func TestLookup_Wind(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		runs: map[string]int64{"GEFS": 1},
		wind: []store.WindRow{{Lat: 10, Lon: 20, U: fp(3.14159), V: fp(4)}},
	}
	svc := NewService(st, nil)

	sel := Selection{Model: "GEFS", Variable: VariableWind, Hour: 12, Member: "2"}
	recs, err := svc.Points(context.Background(), sel)
	if err != nil {
		t.Fatalf("Points: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[0]
	if *r.U != 3.142 || *r.V != 4 {
		t.Errorf("u/v = %v/%v, want rounded to 3 places", *r.U, *r.V)
	}
	if *r.Speed != 5.09 {
		t.Errorf("speed = %v, want 5.09", *r.Speed)
	}
	if *r.Direction != 218.1 {
		t.Errorf("direction = %v, want 218.1", *r.Direction)
	}
	if r.Value != nil {
		t.Error("wind record carries a scalar value")
	}
	if st.lastMember.Kind != store.MemberNumber || st.lastMember.Number != 2 {
		t.Errorf("member = %+v, want number 2", st.lastMember)
	}

	f, err := svc.Field(context.Background(), sel)
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if rng := f.Range(); rng.Max != 5.09 {
		t.Errorf("field range = %+v, want max 5.09 from speed", rng)
	}
}

func TestLookup_Errors(t *testing.T) {
	t.Parallel()

	svc := NewService(&fakeStore{runs: map[string]int64{"AIFS": 1}}, nil)

	if _, err := svc.Lookup(context.Background(), Selection{Model: "ICON", Variable: "precipitation", Hour: 6, Member: "mean"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown model: %v, want ErrNotFound", err)
	}
	if _, err := svc.Lookup(context.Background(), Selection{Model: "AIFS", Variable: "precipitation", Hour: 6, Member: "x"}); !errors.Is(err, ErrInvalidSelection) {
		t.Errorf("bad member: %v, want ErrInvalidSelection", err)
	}
	if _, err := svc.Field(context.Background(), DefaultSelection()); !errors.Is(err, field.ErrEmptyData) {
		t.Errorf("empty run: %v, want ErrEmptyData", err)
	}
}
