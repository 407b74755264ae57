// Package store persists final run reports to a SQLite file so runs can be
// compared after the fact. Persistence is optional and write-only during a
// run: scheduler state never touches the database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Dicklesworthstone/qstress/internal/report"
)

// Store writes run summaries to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the report database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create report db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init report schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		generated INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		leftover_active INTEGER NOT NULL,
		total_errors INTEGER NOT NULL,
		oracle_fatal INTEGER NOT NULL,
		oracle_warnings INTEGER NOT NULL,
		fatal_error TEXT
	);

	CREATE TABLE IF NOT EXISTS op_stats (
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		operation TEXT NOT NULL,
		total INTEGER NOT NULL,
		success INTEGER NOT NULL,
		success_rate REAL NOT NULL,
		p50_ms REAL NOT NULL,
		p90_ms REAL NOT NULL,
		p95_ms REAL NOT NULL,
		p99_ms REAL NOT NULL,
		max_ms REAL NOT NULL,
		PRIMARY KEY (run_id, operation)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSummary writes one run's summary. A re-run with the same id is
// rejected by the primary key, which is deliberate: run ids are unique.
func (s *Store) SaveSummary(startedAt time.Time, sum report.Summary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	oracleFatal, oracleWarn := 0, 0
	if sum.Oracle != nil {
		oracleFatal = sum.Oracle.FatalCount
		oracleWarn = sum.Oracle.WarningCount
	}

	_, err = tx.Exec(`
		INSERT INTO runs (
			run_id, started_at, duration_ms, generated, completed,
			leftover_active, total_errors, oracle_fatal, oracle_warnings, fatal_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID,
		startedAt.UTC().Format(time.RFC3339Nano),
		sum.DurationMs,
		sum.Generated,
		sum.Completed,
		sum.LeftoverActive,
		sum.Errors.Total(),
		oracleFatal,
		oracleWarn,
		sum.FatalError,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for op, st := range sum.Ops {
		_, err = tx.Exec(`
			INSERT INTO op_stats (
				run_id, operation, total, success, success_rate,
				p50_ms, p90_ms, p95_ms, p99_ms, max_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, string(op), st.TotalRequests, st.SuccessCount, st.SuccessRate,
			st.P50Ms, st.P90Ms, st.P95Ms, st.P99Ms, st.MaxMs,
		)
		if err != nil {
			return fmt.Errorf("insert op stats for %s: %w", op, err)
		}
	}

	return tx.Commit()
}

// RunRow is one persisted run, as read back by ListRuns.
type RunRow struct {
	RunID          string
	StartedAt      time.Time
	DurationMs     int64
	Generated      int64
	Completed      int64
	LeftoverActive int
	TotalErrors    int64
	OracleFatal    int
	OracleWarnings int
	FatalError     string
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, started_at, duration_ms, generated, completed,
		       leftover_active, total_errors, oracle_fatal, oracle_warnings,
		       COALESCE(fatal_error, '')
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var ts string
		if err := rows.Scan(&r.RunID, &ts, &r.DurationMs, &r.Generated, &r.Completed,
			&r.LeftoverActive, &r.TotalErrors, &r.OracleFatal, &r.OracleWarnings,
			&r.FatalError); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpStats reads back the per-operation rows for one run.
func (s *Store) OpStats(runID string) (map[string][2]int64, error) {
	rows, err := s.db.Query(`SELECT operation, total, success FROM op_stats WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query op stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string][2]int64)
	for rows.Next() {
		var op string
		var total, success int64
		if err := rows.Scan(&op, &total, &success); err != nil {
			return nil, fmt.Errorf("scan op stats: %w", err)
		}
		out[op] = [2]int64{total, success}
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
