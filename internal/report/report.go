// Package report renders the harness's progress lines and final summary.
// Output is styled with lipgloss when stdout is a terminal and plain text
// otherwise; --json switches the final report to a machine-readable document.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/Dicklesworthstone/qstress/internal/metrics"
	"github.com/Dicklesworthstone/qstress/internal/oracle"
	"github.com/Dicklesworthstone/qstress/internal/scheduler"
)

// recentErrorCount is how many trailing errors the final report shows.
const recentErrorCount = 10

// Summary is the complete end-of-run document.
type Summary struct {
	RunID          string                              `json:"run_id"`
	DurationMs     int64                               `json:"duration_ms"`
	Generated      int64                               `json:"generated"`
	Completed      int64                               `json:"completed"`
	LeftoverActive int                                 `json:"leftover_active"`
	Ops            map[metrics.Operation]metrics.Stats `json:"ops"`
	Errors         metrics.ErrorBreakdown              `json:"errors"`
	RecentErrors   []metrics.Record                    `json:"recent_errors,omitempty"`
	Oracle         *oracle.Report                      `json:"oracle,omitempty"`
	FatalError     string                              `json:"fatal_error,omitempty"`
}

// Reporter writes progress and summary output.
type Reporter struct {
	w     io.Writer
	color bool

	header lipgloss.Style
	ok     lipgloss.Style
	bad    lipgloss.Style
	warn   lipgloss.Style
	dim    lipgloss.Style
}

// New creates a reporter for w. Styling is enabled only when w is os.Stdout
// on a terminal.
func New(w io.Writer) *Reporter {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	r := &Reporter{w: w, color: color}
	if color {
		r.header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
		r.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
		r.bad = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
		r.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
		r.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	}
	return r
}

func (r *Reporter) style(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

// Progress writes one progress line from a scheduler snapshot.
func (r *Reporter) Progress(snap scheduler.Snapshot, totalErrors int64) {
	elapsed := (time.Duration(snap.ElapsedMs) * time.Millisecond).Round(time.Second)
	line := fmt.Sprintf("[%s] generated=%d completed=%d active=%d queued=%d mainq=%d overflow=%d errors=%d",
		elapsed, snap.Generated, snap.Completed, snap.Active, snap.QueuedRemote,
		snap.MainQueue, snap.Overflow, totalErrors)
	if snap.Draining {
		line += " " + r.style(r.warn, "(draining)")
	}
	fmt.Fprintln(r.w, line)
}

// WriteJSON emits the summary as one JSON document.
func (r *Reporter) WriteJSON(s Summary) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Write renders the human-readable final report.
func (r *Reporter) Write(s Summary) {
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, r.style(r.header, fmt.Sprintf("=== qstress run %s ===", s.RunID)))
	fmt.Fprintf(r.w, "duration %s   generated %d   completed %d\n",
		(time.Duration(s.DurationMs) * time.Millisecond).Round(time.Millisecond),
		s.Generated, s.Completed)
	if s.LeftoverActive > 0 {
		fmt.Fprintln(r.w, r.style(r.warn, fmt.Sprintf("leftover active jobs: %d (drain did not finish)", s.LeftoverActive)))
	}
	if s.FatalError != "" {
		fmt.Fprintln(r.w, r.style(r.bad, "FATAL: "+s.FatalError))
	}

	r.writeOps(s)
	r.writeErrors(s)
	r.writeOracle(s.Oracle)
}

func (r *Reporter) writeOps(s Summary) {
	if len(s.Ops) == 0 {
		return
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, r.style(r.header, "operations"))

	ops := make([]metrics.Operation, 0, len(s.Ops))
	for op := range s.Ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })

	fmt.Fprintf(r.w, "  %-16s %8s %8s %9s %9s %9s %9s %9s\n",
		"op", "total", "ok%", "p50", "p90", "p95", "p99", "max")
	for _, op := range ops {
		st := s.Ops[op]
		rate := fmt.Sprintf("%.1f", st.SuccessRate*100)
		line := fmt.Sprintf("  %-16s %8d %7s%% %8.1fms %8.1fms %8.1fms %8.1fms %8.1fms",
			op, st.TotalRequests, rate, st.P50Ms, st.P90Ms, st.P95Ms, st.P99Ms, st.MaxMs)
		if st.SuccessRate < 1 && st.TotalRequests > 0 {
			line = r.style(r.warn, line)
		}
		fmt.Fprintln(r.w, line)
	}
}

func (r *Reporter) writeErrors(s Summary) {
	if s.Errors.Total() == 0 {
		fmt.Fprintln(r.w)
		fmt.Fprintln(r.w, r.style(r.ok, "no errors"))
		return
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, r.style(r.header, fmt.Sprintf("errors (%d total)", s.Errors.Total())))
	fmt.Fprintf(r.w, "  4xx=%d 5xx=%d network=%d timeout=%d other=%d\n",
		s.Errors.HTTP4xx, s.Errors.HTTP5xx, s.Errors.Network, s.Errors.Timeout, s.Errors.Other)

	if len(s.RecentErrors) > 0 {
		fmt.Fprintln(r.w, r.style(r.dim, "  most recent:"))
		for _, rec := range s.RecentErrors {
			msg := rec.ErrorMessage
			if msg == "" {
				msg = rec.ResponseBody
			}
			msg = strings.ReplaceAll(msg, "\n", " ")
			fmt.Fprintf(r.w, "  %s %-14s status=%d %s\n",
				rec.At.Format("15:04:05.000"), rec.Operation, rec.HTTPStatus, msg)
		}
	}
}

func (r *Reporter) writeOracle(rep *oracle.Report) {
	if rep == nil {
		return
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, r.style(r.header, "correctness"))
	fmt.Fprintf(r.w, "  pushes recorded=%d confirmed=%d   claims=%d   completions=%d\n",
		rep.PushesRecorded, rep.PushesConfirmed, rep.ClaimsSeen, rep.CompletionsSeen)
	fmt.Fprintf(r.w, "  never claimed=%d   never completed=%d\n",
		len(rep.NeverClaimed), len(rep.NeverCompleted))

	switch {
	case rep.FatalCount > 0:
		fmt.Fprintln(r.w, r.style(r.bad, fmt.Sprintf("  VIOLATIONS: %d", rep.FatalCount)))
		for kind, n := range rep.ViolationCounts {
			fmt.Fprintf(r.w, "    %s: %d\n", kind, n)
		}
	case rep.WarningCount > 0:
		fmt.Fprintln(r.w, r.style(r.warn, fmt.Sprintf("  warnings: %d (priority inversions)", rep.WarningCount)))
	default:
		fmt.Fprintln(r.w, r.style(r.ok, "  all invariants held"))
	}
}

// Build assembles a Summary from the run's components. oracleRep may be nil
// when correctness checking is disabled.
func Build(runID string, snap scheduler.Snapshot, col *metrics.Collector, oracleRep *oracle.Report, fatal error) Summary {
	s := Summary{
		RunID:          runID,
		DurationMs:     snap.ElapsedMs,
		Generated:      snap.Generated,
		Completed:      snap.Completed,
		LeftoverActive: snap.Active,
		Ops:            col.AllStats(),
		Errors:         col.GetErrorBreakdown(),
		RecentErrors:   col.RecentErrors(recentErrorCount),
		Oracle:         oracleRep,
	}
	if fatal != nil {
		s.FatalError = fatal.Error()
	}
	return s
}
