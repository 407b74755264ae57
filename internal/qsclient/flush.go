package qsclient

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Flush timeouts. Pops get the longer budget since the service may do real
// work to serve them; active-tracking deletions are cheap.
const (
	flushPopTimeout    = 10 * time.Second
	flushActiveTimeout = 5 * time.Second
)

// emptyPopsToStop is how many consecutive empty pops declare a queue drained.
const emptyPopsToStop = 3

// FlushResult summarizes one team's flush.
type FlushResult struct {
	TeamID        string `json:"team_id"`
	QueuedDrained int    `json:"queued_drained"`
	ActiveRemoved int    `json:"active_removed"`
}

// FlushTeam drains a team's remote queue and its active-job tracking. Flush
// traffic records no metrics and never touches the oracle; pops use a worker
// id with a distinct prefix so the oracle could not be confused even if it
// were wired up.
func (c *Client) FlushTeam(ctx context.Context, teamID, flushWorkerID string) FlushResult {
	out := FlushResult{TeamID: teamID}

	flusher := &Client{
		baseURL: c.baseURL,
		http:    c.http,
		verbose: c.verbose,
	}

	empties := 0
	for empties < emptyPopsToStop {
		popCtx, cancel := context.WithTimeout(ctx, flushPopTimeout)
		res := flusher.pop(popCtx, teamID, flushWorkerID, nil, "", false)
		cancel()
		if !res.Success {
			slog.Warn("flush pop failed", "team", teamID, "err", res.Err)
			break
		}
		if res.Data == nil {
			empties++
			continue
		}
		empties = 0
		out.QueuedDrained++
		if res.Data.QueueKey != "" {
			ackCtx, cancel := context.WithTimeout(ctx, flushActiveTimeout)
			flusher.do(ackCtx, http.MethodPost, "/queue/complete", completeRequest{QueueKey: res.Data.QueueKey}, "")
			cancel()
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, flushActiveTimeout)
	active := flusher.ActiveJobs(listCtx, teamID)
	cancel()
	if !active.Success {
		slog.Warn("flush active listing failed", "team", teamID, "err", active.Err)
		return out
	}
	for _, jobID := range active.Data {
		rmCtx, cancel := context.WithTimeout(ctx, flushActiveTimeout)
		res := flusher.do(rmCtx, http.MethodDelete, "/active/remove", activeRemoveRequest{TeamID: teamID, JobID: jobID}, "")
		cancel()
		if res.ok {
			out.ActiveRemoved++
		}
	}
	return out
}
