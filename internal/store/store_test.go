package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/qstress/internal/metrics"
	"github.com/Dicklesworthstone/qstress/internal/oracle"
	"github.com/Dicklesworthstone/qstress/internal/report"
)

func testSummary(runID string) report.Summary {
	return report.Summary{
		RunID:      runID,
		DurationMs: 60000,
		Generated:  500,
		Completed:  480,
		Ops: map[metrics.Operation]metrics.Stats{
			metrics.OpPush: {Operation: metrics.OpPush, TotalRequests: 100, SuccessCount: 98, SuccessRate: 0.98, P50Ms: 12, P90Ms: 40, P95Ms: 55, P99Ms: 80, MaxMs: 120},
			metrics.OpPop:  {Operation: metrics.OpPop, TotalRequests: 50, SuccessCount: 50, SuccessRate: 1, P50Ms: 8, P90Ms: 20, P95Ms: 25, P99Ms: 30, MaxMs: 40},
		},
		Errors: metrics.ErrorBreakdown{HTTP5xx: 2},
		Oracle: &oracle.Report{WarningCount: 1},
	}
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "qstress.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListRuns(t *testing.T) {
	s := openTemp(t)
	started := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if err := s.SaveSummary(started, testSummary("run-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSummary(started.Add(time.Hour), testSummary("run-2")); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-2" {
		t.Errorf("runs must come back newest first, got %s", runs[0].RunID)
	}
	got := runs[1]
	if got.Generated != 500 || got.Completed != 480 || got.TotalErrors != 2 || got.OracleWarnings != 1 {
		t.Errorf("persisted run: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started at: %v", got.StartedAt)
	}
}

func TestOpStatsRoundTrip(t *testing.T) {
	s := openTemp(t)
	if err := s.SaveSummary(time.Now(), testSummary("run-1")); err != nil {
		t.Fatal(err)
	}

	ops, err := s.OpStats("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 op rows, got %d", len(ops))
	}
	if ops["push"] != [2]int64{100, 98} {
		t.Errorf("push stats: %v", ops["push"])
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	s := openTemp(t)
	if err := s.SaveSummary(time.Now(), testSummary("run-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSummary(time.Now(), testSummary("run-1")); err == nil {
		t.Fatal("duplicate run id must be rejected")
	}
	// The failed insert must not leave partial rows behind.
	ops, err := s.OpStats("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Errorf("expected the original 2 op rows, got %d", len(ops))
	}
}

func TestSaveWithFatalError(t *testing.T) {
	s := openTemp(t)
	sum := testSummary("run-1")
	sum.FatalError = "invariant violation"
	sum.Oracle = nil

	if err := s.SaveSummary(time.Now(), sum); err != nil {
		t.Fatal(err)
	}
	runs, err := s.ListRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].FatalError != "invariant violation" || runs[0].OracleFatal != 0 {
		t.Errorf("run row: %+v", runs[0])
	}
}
