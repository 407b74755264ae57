// Package qsclient is the typed HTTP client for the per-tenant concurrency
// queue service. Every operation is timed against the monotonic clock and
// recorded in the metrics collector; push and pop additionally notify the
// correctness oracle at the point where ground truth first becomes known.
package qsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/qstress/internal/metrics"
)

// Observer receives lifecycle callbacks for oracle verification. A nil
// observer disables observation.
type Observer interface {
	RecordPush(jobID, teamID string, priority int, crawlID string)
	ConfirmPush(jobID string)
	RecordClaim(jobID, teamID string, priority int, crawlID string)
}

// Client wraps the queue-service REST API.
type Client struct {
	baseURL  string
	http     *http.Client
	metrics  *metrics.Collector
	observer Observer
	workerID string
	verbose  bool
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Metrics  *metrics.Collector
	Observer Observer
	WorkerID string
	Verbose  bool
}

// New creates a client. Metrics may be nil for unmetered use (flush paths
// construct their own unmetered client).
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: timeout},
		metrics:  cfg.Metrics,
		observer: cfg.Observer,
		workerID: cfg.WorkerID,
		verbose:  cfg.Verbose,
	}
}

// callResult is the raw outcome of one HTTP exchange.
type callResult struct {
	ok     bool
	status int
	body   []byte
	errMsg string
}

// do issues one JSON call and, when op is non-empty and the client carries a
// collector, records exactly one metrics sample for it.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, op metrics.Operation) callResult {
	var buf io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return c.finish(op, 0, callResult{errMsg: fmt.Sprintf("marshal request: %v", err)}, 0)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return c.finish(op, 0, callResult{errMsg: fmt.Sprintf("build request: %v", err)}, 0)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return c.finish(op, elapsed, callResult{errMsg: err.Error()}, 0)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return c.finish(op, elapsed, callResult{status: resp.StatusCode, errMsg: fmt.Sprintf("read response: %v", readErr)}, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.finish(op, elapsed, callResult{
			status: resp.StatusCode,
			body:   body,
			errMsg: fmt.Sprintf("http %d", resp.StatusCode),
		}, resp.StatusCode)
	}

	return c.finish(op, elapsed, callResult{ok: true, status: resp.StatusCode, body: body}, resp.StatusCode)
}

func (c *Client) finish(op metrics.Operation, elapsed time.Duration, res callResult, status int) callResult {
	if c.metrics != nil && op != "" {
		body := ""
		if !res.ok {
			body = string(res.body)
		}
		c.metrics.Record(op, elapsed, res.ok, status, res.errMsg, body)
	}
	if !res.ok && c.verbose {
		slog.Error("queue service call failed", "op", string(op), "status", status, "err", res.errMsg)
	}
	return res
}

// Push enqueues a job into a team's remote concurrency queue. The oracle is
// told about the attempt before the request goes out and gets confirmation
// only on a 2xx response.
func (c *Client) Push(ctx context.Context, teamID string, job PushJob, timeoutMs int64, crawlID string) Result[struct{}] {
	if c.observer != nil {
		c.observer.RecordPush(job.ID, teamID, job.Priority, crawlID)
	}

	res := c.do(ctx, http.MethodPost, "/queue/push", pushRequest{
		TeamID:  teamID,
		Job:     job,
		Timeout: timeoutMs,
		CrawlID: crawlID,
	}, metrics.OpPush)

	if res.ok && c.observer != nil {
		c.observer.ConfirmPush(job.ID)
	}
	return Result[struct{}]{Success: res.ok, Status: res.status, Err: res.errMsg}
}

// Pop claims the highest-priority job for a team, or returns a nil claim when
// the team's queue is empty.
func (c *Client) Pop(ctx context.Context, teamID string, blockedCrawlIDs []string) Result[*ClaimedJob] {
	return c.pop(ctx, teamID, c.workerID, blockedCrawlIDs, metrics.OpPop, true)
}

func (c *Client) pop(ctx context.Context, teamID, workerID string, blockedCrawlIDs []string, op metrics.Operation, observe bool) Result[*ClaimedJob] {
	if blockedCrawlIDs == nil {
		blockedCrawlIDs = []string{}
	}
	res := c.do(ctx, http.MethodPost, "/queue/pop/"+teamID, popRequest{
		WorkerID:        workerID,
		BlockedCrawlIDs: blockedCrawlIDs,
	}, op)
	if !res.ok {
		return Result[*ClaimedJob]{Status: res.status, Err: res.errMsg}
	}

	var claim *ClaimedJob
	if len(res.body) > 0 {
		if err := json.Unmarshal(res.body, &claim); err != nil {
			return Result[*ClaimedJob]{Status: res.status, Err: fmt.Sprintf("parse claim: %v", err)}
		}
	}
	if claim != nil && claim.Job.ID == "" {
		// The service answered with an empty object rather than null.
		claim = nil
	}

	if claim != nil && observe && c.observer != nil {
		c.observer.RecordClaim(claim.Job.ID, teamID, claim.Job.Priority, claim.Job.CrawlID)
	}
	return Result[*ClaimedJob]{Success: true, Data: claim, Status: res.status}
}

// Complete acknowledges a claimed job by its queue key.
func (c *Client) Complete(ctx context.Context, queueKey string) Result[bool] {
	res := c.do(ctx, http.MethodPost, "/queue/complete", completeRequest{QueueKey: queueKey}, metrics.OpComplete)
	if !res.ok {
		return Result[bool]{Status: res.status, Err: res.errMsg}
	}
	var parsed completeResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return Result[bool]{Status: res.status, Err: fmt.Sprintf("parse complete: %v", err)}
	}
	return Result[bool]{Success: true, Data: parsed.Success, Status: res.status}
}

// Release returns a claimed-but-unstartable job to the remote queue.
func (c *Client) Release(ctx context.Context, jobID string) Result[struct{}] {
	res := c.do(ctx, http.MethodPost, "/queue/release", releaseRequest{JobID: jobID}, metrics.OpRelease)
	return Result[struct{}]{Success: res.ok, Status: res.status, Err: res.errMsg}
}

// ActivePush registers a started job in the service's advisory active-job
// tracking.
func (c *Client) ActivePush(ctx context.Context, teamID, jobID string, timeoutMs int64) Result[struct{}] {
	res := c.do(ctx, http.MethodPost, "/active/push", activePushRequest{
		TeamID:  teamID,
		JobID:   jobID,
		Timeout: timeoutMs,
	}, metrics.OpActivePush)
	return Result[struct{}]{Success: res.ok, Status: res.status, Err: res.errMsg}
}

// ActiveRemove deregisters a job from active tracking.
func (c *Client) ActiveRemove(ctx context.Context, teamID, jobID string) Result[struct{}] {
	res := c.do(ctx, http.MethodDelete, "/active/remove", activeRemoveRequest{
		TeamID: teamID,
		JobID:  jobID,
	}, metrics.OpActiveRemove)
	return Result[struct{}]{Success: res.ok, Status: res.status, Err: res.errMsg}
}

// ActiveCount returns the service-side count of active jobs for a team.
func (c *Client) ActiveCount(ctx context.Context, teamID string) Result[int] {
	res := c.do(ctx, http.MethodGet, "/active/count/"+teamID, nil, metrics.OpActiveCount)
	if !res.ok {
		return Result[int]{Status: res.status, Err: res.errMsg}
	}
	var parsed countResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return Result[int]{Status: res.status, Err: fmt.Sprintf("parse count: %v", err)}
	}
	return Result[int]{Success: true, Data: parsed.Count, Status: res.status}
}

// ActiveJobs lists the job ids currently tracked as active for a team. Not
// metered: it exists for the flush path and end-of-test reconciliation.
func (c *Client) ActiveJobs(ctx context.Context, teamID string) Result[[]string] {
	res := c.do(ctx, http.MethodGet, "/active/jobs/"+teamID, nil, "")
	if !res.ok {
		return Result[[]string]{Status: res.status, Err: res.errMsg}
	}
	var ids []string
	if err := json.Unmarshal(res.body, &ids); err != nil {
		return Result[[]string]{Status: res.status, Err: fmt.Sprintf("parse job ids: %v", err)}
	}
	return Result[[]string]{Success: true, Data: ids, Status: res.status}
}

// TeamQueueCount returns how many jobs a team has queued remotely.
func (c *Client) TeamQueueCount(ctx context.Context, teamID string) Result[int] {
	res := c.do(ctx, http.MethodGet, "/queue/count/team/"+teamID, nil, metrics.OpTeamQueueCount)
	if !res.ok {
		return Result[int]{Status: res.status, Err: res.errMsg}
	}
	var parsed countResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return Result[int]{Status: res.status, Err: fmt.Sprintf("parse count: %v", err)}
	}
	return Result[int]{Success: true, Data: parsed.Count, Status: res.status}
}

// Health probes the service. 2xx means healthy.
func (c *Client) Health(ctx context.Context) Result[struct{}] {
	res := c.do(ctx, http.MethodGet, "/health", nil, metrics.OpHealth)
	return Result[struct{}]{Success: res.ok, Status: res.status, Err: res.errMsg}
}
