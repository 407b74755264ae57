// Package scheduler drives the load simulation: it generates synthetic jobs
// into a process-local priority queue, dispatches them to per-tenant slots
// bounded by each tier's concurrency limit, overflows to the remote
// concurrency queue when a tenant is saturated, and promotes one remote job
// back into a slot whenever a completion frees one.
package scheduler

import (
	"cmp"
	"slices"
)

// Tier describes a class of tenants.
type Tier struct {
	Name             string  `json:"name"`
	TeamCount        int     `json:"team_count"`
	ConcurrencyLimit int     `json:"concurrency_limit"`
	JobsPerSecond    float64 `json:"jobs_per_second"`
}

// MainQueueJob is a generated job waiting in the process-local queue. Lower
// priority numbers are more urgent.
type MainQueueJob struct {
	JobID     string
	TeamID    string
	Priority  int
	CreatedAt int64 // wall-clock ms, carried in payloads
	CrawlID   string
}

// ActiveJob is a job occupying one of a tenant's concurrency slots.
type ActiveJob struct {
	JobID     string
	QueueKey  string // opaque; empty unless the job came from a remote pop
	StartTime int64  // monotonic ms
	// FromPromotion marks jobs obtained by popping the remote overflow queue
	// rather than directly from the main queue.
	FromPromotion bool
}

// tenant is the per-team simulation state. All fields are guarded by the
// scheduler's mutex.
type tenant struct {
	teamID string
	tier   Tier

	// activeJobs never exceeds tier.ConcurrencyLimit entries.
	activeJobs map[string]*ActiveJob

	// queuedJobs counts push successes minus pop successes against the
	// remote queue for this tenant.
	queuedJobs int

	// reserved holds slots claimed by an in-flight promotion pop so the
	// claim can always be started.
	reserved int

	completedJobs int64
	jobCounter    int64
	lastPushTime  int64 // monotonic ms

	// nextGenInterval is the jittered wait before the next generated job.
	nextGenInterval float64

	// completing is set while a worker task is processing this tenant's
	// completions, keeping per-tenant completion order sequential.
	completing bool
}

func (t *tenant) atCapacity() bool {
	return len(t.activeJobs) >= t.tier.ConcurrencyLimit
}

// atCapacityWithReserved also counts slots held for in-flight promotions.
func (t *tenant) atCapacityWithReserved() bool {
	return len(t.activeJobs)+t.reserved >= t.tier.ConcurrencyLimit
}

// completable returns active jobs whose simulated processing time has
// elapsed, oldest start first so promotions follow completions in FIFO order.
func (t *tenant) completable(nowMs, processingDelayMs int64) []*ActiveJob {
	var out []*ActiveJob
	for _, a := range t.activeJobs {
		if nowMs-a.StartTime >= processingDelayMs {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b *ActiveJob) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})
	return out
}
