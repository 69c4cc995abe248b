// Package store provides persistent storage for forecast samples and ingest
// job state using SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnknownModel is returned for a model name with no row in models.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnknownVariable is returned for a variable name with no row in variables.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrNoRun is returned when a model has no forecast run yet.
	ErrNoRun = errors.New("no forecast run for model")
)

// Variable names with special meaning.
const (
	VariablePrecipitation = "precipitation"
	VariableWindU         = "wind_u_10m"
	VariableWindV         = "wind_v_10m"
)

// DefaultVariables are seeded by Seed.
var DefaultVariables = []Variable{
	{Name: VariablePrecipitation, Unit: "mm/h"},
	{Name: VariableWindU, Unit: "m/s"},
	{Name: VariableWindV, Unit: "m/s"},
}

// DefaultModels are seeded by Seed.
var DefaultModels = []string{"AIFS", "GEFS", "UKMO"}

// Model is a forecast model that has at least one run.
type Model struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Variable is a forecast variable.
type Variable struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// PointValue is one input sample. A nil Value is stored as NULL.
type PointValue struct {
	Lat   float64  `json:"lat"`
	Lon   float64  `json:"lon"`
	Value *float64 `json:"value"`
}

// ScalarRow is one stored scalar sample.
type ScalarRow struct {
	Lat   float64
	Lon   float64
	Value *float64
}

// WindRow is one u/v pair joined on position.
type WindRow struct {
	Lat float64
	Lon float64
	U   *float64
	V   *float64
}

// Member selects which values of a run a query returns.
type Member struct {
	Kind   MemberKind
	Number int
}

// MemberKind distinguishes ensemble statistics from raw members.
type MemberKind int

const (
	MemberMean MemberKind = iota
	MemberStd
	MemberNumber
	MemberDeterministic
)

// Store provides persistent storage using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based forecast store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS models (
		model_id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS variables (
		variable_id INTEGER PRIMARY KEY AUTOINCREMENT,
		variable_name TEXT NOT NULL UNIQUE,
		unit TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS forecast_runs (
		run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id INTEGER NOT NULL REFERENCES models(model_id),
		initialization_time TEXT NOT NULL,
		UNIQUE (model_id, initialization_time)
	);

	CREATE TABLE IF NOT EXISTS forecast_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES forecast_runs(run_id) ON DELETE CASCADE,
		variable_id INTEGER NOT NULL REFERENCES variables(variable_id),
		forecast_hour INTEGER NOT NULL,
		ensemble_member INTEGER,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		value REAL
	);

	CREATE INDEX IF NOT EXISTS idx_forecast_data_lookup
		ON forecast_data(run_id, variable_id, forecast_hour, ensemble_member);

	CREATE TABLE IF NOT EXISTS ensemble_statistics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES forecast_runs(run_id) ON DELETE CASCADE,
		variable_id INTEGER NOT NULL REFERENCES variables(variable_id),
		forecast_hour INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		mean_value REAL,
		std_dev REAL
	);

	CREATE INDEX IF NOT EXISTS idx_ensemble_statistics_lookup
		ON ensemble_statistics(run_id, variable_id, forecast_hour, latitude, longitude);

	CREATE TABLE IF NOT EXISTS ingest_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		points INTEGER DEFAULT 0,
		files_failed INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_ingest_jobs_finished ON ingest_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS ingested_files (
		path TEXT PRIMARY KEY,
		model_name TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		points INTEGER NOT NULL,
		loaded_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Seed inserts the default models and variables.
func (s *Store) Seed() error {
	for _, m := range DefaultModels {
		if _, err := s.EnsureModel(m); err != nil {
			return err
		}
	}
	for _, v := range DefaultVariables {
		if _, err := s.EnsureVariable(v.Name, v.Unit); err != nil {
			return err
		}
	}
	return nil
}

// EnsureModel returns the id of name, inserting it if needed.
func (s *Store) EnsureModel(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO models (model_name) VALUES (?)`, name); err != nil {
		return 0, fmt.Errorf("failed to insert model %s: %w", name, err)
	}
	var id int64
	err := s.db.QueryRow(`SELECT model_id FROM models WHERE model_name = ?`, name).Scan(&id)
	return id, err
}

// EnsureVariable returns the id of name, inserting it if needed.
func (s *Store) EnsureVariable(name, unit string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO variables (variable_name, unit) VALUES (?, ?)`, name, unit); err != nil {
		return 0, fmt.Errorf("failed to insert variable %s: %w", name, err)
	}
	var id int64
	err := s.db.QueryRow(`SELECT variable_id FROM variables WHERE variable_name = ?`, name).Scan(&id)
	return id, err
}

// VariableID looks up a variable without creating it.
func (s *Store) VariableID(name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT variable_id FROM variables WHERE variable_name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	return id, err
}

// CreateRun returns the run id for (model, initTime), creating the run if
// needed. The model must exist.
func (s *Store) CreateRun(model string, initTime time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var modelID int64
	err := s.db.QueryRow(`SELECT model_id FROM models WHERE model_name = ?`, model).Scan(&modelID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if err != nil {
		return 0, err
	}

	var runID int64
	err = s.db.QueryRow(`
		INSERT INTO forecast_runs (model_id, initialization_time)
		VALUES (?, ?)
		ON CONFLICT (model_id, initialization_time)
		DO UPDATE SET model_id = excluded.model_id
		RETURNING run_id
	`, modelID, initTime.UTC().Format(time.RFC3339)).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert run: %w", err)
	}
	return runID, nil
}

// InsertMemberValues writes raw member values. A nil member stores a
// deterministic forecast.
func (s *Store) InsertMemberValues(runID, variableID int64, hour int, member *int, points []PointValue) error {
	var m interface{}
	if member != nil {
		m = *member
	}
	return s.batch(`
		INSERT INTO forecast_data
		(run_id, variable_id, forecast_hour, ensemble_member, latitude, longitude, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, points, func(p PointValue) []interface{} {
		return []interface{}{runID, variableID, hour, m, p.Lat, p.Lon, nullable(p.Value)}
	})
}

// InsertMeanValues writes ensemble means.
func (s *Store) InsertMeanValues(runID, variableID int64, hour int, points []PointValue) error {
	return s.batch(`
		INSERT INTO ensemble_statistics
		(run_id, variable_id, forecast_hour, latitude, longitude, mean_value)
		VALUES (?, ?, ?, ?, ?, ?)
	`, points, func(p PointValue) []interface{} {
		return []interface{}{runID, variableID, hour, p.Lat, p.Lon, nullable(p.Value)}
	})
}

// UpdateStdValues attaches standard deviations to existing mean rows.
// Points without a matching mean row are ignored.
func (s *Store) UpdateStdValues(runID, variableID int64, hour int, points []PointValue) error {
	return s.batch(`
		UPDATE ensemble_statistics
		SET std_dev = ?
		WHERE run_id = ? AND variable_id = ? AND forecast_hour = ?
		  AND latitude = ? AND longitude = ?
	`, points, func(p PointValue) []interface{} {
		return []interface{}{nullable(p.Value), runID, variableID, hour, p.Lat, p.Lon}
	})
}

// batch runs one prepared statement per point in a single transaction.
func (s *Store) batch(query string, points []PointValue, args func(PointValue) []interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(args(p)...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullable(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// LatestRunID returns the most recently initialized run of model.
func (s *Store) LatestRunID(ctx context.Context, model string) (int64, error) {
	var runID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT fr.run_id
		FROM forecast_runs fr
		JOIN models m ON fr.model_id = m.model_id
		WHERE m.model_name = ?
		ORDER BY fr.initialization_time DESC
		LIMIT 1
	`, model).Scan(&runID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w %s", ErrNoRun, model)
	}
	return runID, err
}

// ScalarPoints returns the values of one variable for one hour and member.
func (s *Store) ScalarPoints(ctx context.Context, runID int64, variable string, hour int, member Member) ([]ScalarRow, error) {
	var (
		query string
		args  = []interface{}{runID, variable, hour}
	)
	switch member.Kind {
	case MemberMean:
		query = `
			SELECT latitude, longitude, mean_value
			FROM ensemble_statistics
			WHERE run_id = ?
			  AND variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
			  AND forecast_hour = ?`
	case MemberStd:
		query = `
			SELECT latitude, longitude, std_dev
			FROM ensemble_statistics
			WHERE run_id = ?
			  AND variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
			  AND forecast_hour = ?
			  AND std_dev IS NOT NULL`
	case MemberNumber:
		query = `
			SELECT latitude, longitude, value
			FROM forecast_data
			WHERE run_id = ?
			  AND variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
			  AND forecast_hour = ?
			  AND ensemble_member = ?`
		args = append(args, member.Number)
	case MemberDeterministic:
		query = `
			SELECT latitude, longitude, value
			FROM forecast_data
			WHERE run_id = ?
			  AND variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
			  AND forecast_hour = ?
			  AND ensemble_member IS NULL`
	default:
		return nil, fmt.Errorf("unsupported member kind %d", member.Kind)
	}

	rows, err := s.db.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScalarRow
	for rows.Next() {
		var r ScalarRow
		var v sql.NullFloat64
		if err := rows.Scan(&r.Lat, &r.Lon, &v); err != nil {
			return nil, err
		}
		if v.Valid {
			r.Value = &v.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WindPoints joins the u and v components on position.
func (s *Store) WindPoints(ctx context.Context, runID int64, hour int, member Member) ([]WindRow, error) {
	const statsJoin = `
		FROM ensemble_statistics u
		JOIN ensemble_statistics v
			ON u.run_id = v.run_id
			AND u.forecast_hour = v.forecast_hour
			AND u.latitude = v.latitude
			AND u.longitude = v.longitude
		WHERE u.run_id = ?
		  AND u.variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
		  AND v.variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
		  AND u.forecast_hour = ?`
	const dataJoin = `
		FROM forecast_data u
		JOIN forecast_data v
			ON u.run_id = v.run_id
			AND u.forecast_hour = v.forecast_hour
			AND u.ensemble_member IS v.ensemble_member
			AND u.latitude = v.latitude
			AND u.longitude = v.longitude
		WHERE u.run_id = ?
		  AND u.variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
		  AND v.variable_id = (SELECT variable_id FROM variables WHERE variable_name = ?)
		  AND u.forecast_hour = ?`

	var (
		query string
		args  = []interface{}{runID, VariableWindU, VariableWindV, hour}
	)
	switch member.Kind {
	case MemberMean:
		query = `SELECT u.latitude, u.longitude, u.mean_value, v.mean_value` + statsJoin
	case MemberStd:
		query = `SELECT u.latitude, u.longitude, u.std_dev, v.std_dev` + statsJoin + `
		  AND u.std_dev IS NOT NULL`
	case MemberNumber:
		query = `SELECT u.latitude, u.longitude, u.value, v.value` + dataJoin + `
		  AND u.ensemble_member = ?`
		args = append(args, member.Number)
	case MemberDeterministic:
		query = `SELECT u.latitude, u.longitude, u.value, v.value` + dataJoin + `
		  AND u.ensemble_member IS NULL`
	default:
		return nil, fmt.Errorf("unsupported member kind %d", member.Kind)
	}

	rows, err := s.db.QueryContext(ctx, query+" ORDER BY u.id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WindRow
	for rows.Next() {
		var r WindRow
		var u, v sql.NullFloat64
		if err := rows.Scan(&r.Lat, &r.Lon, &u, &v); err != nil {
			return nil, err
		}
		if u.Valid {
			r.U = &u.Float64
		}
		if v.Valid {
			r.V = &v.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Models returns the models that have at least one run.
func (s *Store) Models(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.model_id, m.model_name
		FROM models m
		JOIN forecast_runs fr ON m.model_id = fr.model_id
		ORDER BY m.model_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := []Model{}
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Variables returns all variables ordered by name.
func (s *Store) Variables(ctx context.Context) ([]Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variable_id, variable_name, unit FROM variables ORDER BY variable_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := []Variable{}
	for rows.Next() {
		var v Variable
		if err := rows.Scan(&v.ID, &v.Name, &v.Unit); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// Counts holds row totals for the health check and loader report.
type Counts struct {
	ForecastPoints  int64 `json:"total_forecast_points"`
	StatisticPoints int64 `json:"total_statistic_points"`
}

// CountForecastPoints returns row totals of the sample tables.
func (s *Store) CountForecastPoints(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM forecast_data").Scan(&c.ForecastPoints); err != nil {
		return c, err
	}
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ensemble_statistics").Scan(&c.StatisticPoints)
	return c, err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
