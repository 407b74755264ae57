// Package ident provides the identifier and clock sources shared by the
// scheduler, the queue-service client, and the correctness oracle.
//
// All identifiers are plain strings so they survive a round trip through the
// queue service unchanged. Wall-clock milliseconds go into data payloads;
// scheduling decisions use the monotonic clock.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Clock supplies monotonic milliseconds. The zero point is arbitrary; only
// differences are meaningful.
type Clock struct {
	start time.Time
}

// NewClock creates a clock anchored at the current instant.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// NowMs returns monotonic milliseconds since the clock was created.
func (c *Clock) NowMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// WallMs returns wall-clock milliseconds since the Unix epoch, for payloads.
func WallMs() int64 {
	return time.Now().UnixMilli()
}

// NewRunID returns a run identifier combining 8 random hex characters with the
// current timestamp, e.g. "a3f91c02-1712345678901".
func NewRunID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%d", hex.EncodeToString(b), time.Now().UnixMilli())
}

// JobID builds a job identifier from a run id, team id, and the team's job
// counter.
func JobID(runID, teamID string, counter int64) string {
	return fmt.Sprintf("%s-%s-%d", runID, teamID, counter)
}

// TeamID builds a team identifier from a tier name and index.
func TeamID(tierName string, index int) string {
	return fmt.Sprintf("%s-team-%d", tierName, index)
}

// CrawlID derives a crawl identifier deterministically from the team's job
// counter. Jobs whose counters fall in the same decade share a crawl.
func CrawlID(teamID string, counter int64) string {
	return fmt.Sprintf("%s-crawl-%d", teamID, counter/10)
}

// WorkerID builds the worker identifier used for remote pops.
func WorkerID(runID string) string {
	return fmt.Sprintf("%s-worker", runID)
}

// FlushWorkerID builds the worker identifier used by flush pops. The prefix
// keeps flush traffic distinguishable from load-test claims.
func FlushWorkerID(runID string) string {
	return fmt.Sprintf("flush-%s", runID)
}
