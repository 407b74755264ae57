package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/qstress/internal/metrics"
	"github.com/Dicklesworthstone/qstress/internal/oracle"
	"github.com/Dicklesworthstone/qstress/internal/scheduler"
)

func sampleSummary() Summary {
	col := metrics.NewCollector(100)
	col.Record(metrics.OpPush, 12*time.Millisecond, true, 200, "", "")
	col.Record(metrics.OpPush, 80*time.Millisecond, false, 500, "", `{"error":"boom"}`)
	col.Record(metrics.OpPop, 5*time.Millisecond, true, 200, "", "")

	o := oracle.New()
	o.RecordPush("j1", "team-a", 10, "")
	o.ConfirmPush("j1")
	rep := o.RunEndOfTestVerification()

	snap := scheduler.Snapshot{ElapsedMs: 2500, Generated: 40, Completed: 38, Active: 0}
	return Build("run-x", snap, col, &rep, nil)
}

func TestBuildCollectsEverything(t *testing.T) {
	s := sampleSummary()
	if s.RunID != "run-x" || s.Generated != 40 || s.Completed != 38 {
		t.Fatalf("summary counters: %+v", s)
	}
	if s.Ops[metrics.OpPush].TotalRequests != 2 {
		t.Errorf("push stats: %+v", s.Ops[metrics.OpPush])
	}
	if s.Errors.HTTP5xx != 1 {
		t.Errorf("error breakdown: %+v", s.Errors)
	}
	if len(s.RecentErrors) != 1 {
		t.Errorf("recent errors: %+v", s.RecentErrors)
	}
	if s.Oracle == nil || s.Oracle.PushesConfirmed != 1 {
		t.Errorf("oracle report: %+v", s.Oracle)
	}
}

func TestWritePlainText(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Write(sampleSummary())

	out := buf.String()
	for _, want := range []string{"run-x", "push", "pop", "errors (1 total)", "5xx=1", "never claimed=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	// Not a terminal, so no escape codes.
	if strings.Contains(out, "\x1b[") {
		t.Error("plain writer must not emit ANSI sequences")
	}
}

func TestWriteJSONRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	if err := r.WriteJSON(sampleSummary()); err != nil {
		t.Fatal(err)
	}

	var got Summary
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json output must parse: %v", err)
	}
	if got.RunID != "run-x" || got.Ops[metrics.OpPush].TotalRequests != 2 {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestProgressLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Progress(scheduler.Snapshot{
		ElapsedMs: 12000, Generated: 100, Completed: 80,
		Active: 5, QueuedRemote: 3, Draining: true,
	}, 2)

	out := buf.String()
	for _, want := range []string{"generated=100", "completed=80", "active=5", "queued=3", "errors=2", "draining"} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q: %s", want, out)
		}
	}
}

func TestFatalErrorSurfaces(t *testing.T) {
	s := sampleSummary()
	s.FatalError = "invariant violation: over capacity"

	var buf bytes.Buffer
	New(&buf).Write(s)
	if !strings.Contains(buf.String(), "FATAL: invariant violation") {
		t.Error("fatal error must appear in the report")
	}
}
