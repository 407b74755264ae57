// Package metrics collects per-operation latency samples and error records for
// remote queue-service calls. Each operation type keeps a fixed-capacity ring
// of recent samples; percentiles are computed on demand by sorting the current
// buffer rather than maintaining a running digest.
package metrics

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Operation identifies a remote call type.
type Operation string

const (
	OpPush           Operation = "push"
	OpPop            Operation = "pop"
	OpComplete       Operation = "complete"
	OpRelease        Operation = "release"
	OpActivePush     Operation = "activePush"
	OpActiveRemove   Operation = "activeRemove"
	OpActiveCount    Operation = "activeCount"
	OpTeamQueueCount Operation = "teamQueueCount"
	OpHealth         Operation = "health"
)

// maxBodyBytes caps the response body text retained on error records.
const maxBodyBytes = 500

// Record is a single observed remote call.
type Record struct {
	Operation    Operation `json:"operation"`
	LatencyMs    float64   `json:"latency_ms"`
	Success      bool      `json:"success"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	At           time.Time `json:"at"`
}

// Stats is the on-demand summary for one operation type.
type Stats struct {
	Operation     Operation `json:"operation"`
	TotalRequests int64     `json:"total_requests"`
	SuccessCount  int64     `json:"success_count"`
	SuccessRate   float64   `json:"success_rate"`
	P50Ms         float64   `json:"p50_ms"`
	P90Ms         float64   `json:"p90_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	MaxMs         float64   `json:"max_ms"`
}

// ErrorBreakdown buckets failures by cause.
type ErrorBreakdown struct {
	HTTP4xx int64 `json:"http_4xx"`
	HTTP5xx int64 `json:"http_5xx"`
	Network int64 `json:"network"`
	Timeout int64 `json:"timeout"`
	Other   int64 `json:"other"`
}

// Total returns the sum across all buckets.
func (b ErrorBreakdown) Total() int64 {
	return b.HTTP4xx + b.HTTP5xx + b.Network + b.Timeout + b.Other
}

// ring is a fixed-capacity sample buffer that drops the oldest on overflow.
type ring struct {
	buf  []Record
	next int
	full bool

	// running totals survive buffer eviction
	total   int64
	success int64
}

func (r *ring) add(rec Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	if rec.Success {
		r.success++
	}
}

// samples returns the buffered records oldest-first.
func (r *ring) samples() []Record {
	if !r.full {
		return r.buf[:r.next]
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Collector aggregates records across all operation types.
type Collector struct {
	mu         sync.Mutex
	bufferSize int
	rings      map[Operation]*ring
	errors     *ring // failed records, oldest evicted at bufferSize
	breakdown  ErrorBreakdown
}

// NewCollector creates a collector whose per-operation rings hold bufferSize
// samples each.
func NewCollector(bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Collector{
		bufferSize: bufferSize,
		rings:      make(map[Operation]*ring),
		errors:     &ring{buf: make([]Record, bufferSize)},
	}
}

// Record appends one observation. httpStatus of 0 means no response was
// received (network or parse failure). body is truncated before retention.
func (c *Collector) Record(op Operation, latency time.Duration, success bool, httpStatus int, errMsg, body string) {
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}
	rec := Record{
		Operation:    op,
		LatencyMs:    float64(latency.Microseconds()) / 1000.0,
		Success:      success,
		HTTPStatus:   httpStatus,
		ErrorMessage: errMsg,
		ResponseBody: body,
		At:           time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rings[op]
	if !ok {
		r = &ring{buf: make([]Record, c.bufferSize)}
		c.rings[op] = r
	}
	r.add(rec)

	if !success {
		c.errors.add(rec)
		switch {
		case containsAny(errMsg, "timeout", "deadline exceeded"):
			c.breakdown.Timeout++
		case httpStatus >= 500:
			c.breakdown.HTTP5xx++
		case httpStatus >= 400:
			c.breakdown.HTTP4xx++
		case httpStatus == 0:
			c.breakdown.Network++
		default:
			c.breakdown.Other++
		}
	}
}

// StatsFor summarizes one operation type from its current buffer.
func (c *Collector) StatsFor(op Operation) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Operation: op}
	r, ok := c.rings[op]
	if !ok {
		return s
	}
	s.TotalRequests = r.total
	s.SuccessCount = r.success
	if r.total > 0 {
		s.SuccessRate = float64(r.success) / float64(r.total)
	}

	samples := r.samples()
	if len(samples) == 0 {
		return s
	}
	lat := make([]float64, len(samples))
	for i, rec := range samples {
		lat[i] = rec.LatencyMs
	}
	slices.Sort(lat)
	s.P50Ms = percentile(lat, 50)
	s.P90Ms = percentile(lat, 90)
	s.P95Ms = percentile(lat, 95)
	s.P99Ms = percentile(lat, 99)
	s.MaxMs = lat[len(lat)-1]
	return s
}

// AllStats returns summaries for every operation type that has recorded at
// least one sample.
func (c *Collector) AllStats() map[Operation]Stats {
	c.mu.Lock()
	ops := make([]Operation, 0, len(c.rings))
	for op := range c.rings {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	out := make(map[Operation]Stats, len(ops))
	for _, op := range ops {
		out[op] = c.StatsFor(op)
	}
	return out
}

// TotalErrors returns the number of failed records across all operations,
// including ones the error buffer has since evicted.
func (c *Collector) TotalErrors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors.total
}

// GetErrorBreakdown returns failure counts bucketed by cause.
func (c *Collector) GetErrorBreakdown() ErrorBreakdown {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakdown
}

// RecentErrors returns up to n of the retained failed records, newest first.
func (c *Collector) RecentErrors(n int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	retained := c.errors.samples()
	if n <= 0 || n > len(retained) {
		n = len(retained)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = retained[len(retained)-1-i]
	}
	return out
}

// percentile returns the p-th percentile (nearest-rank) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p / 100.0 * float64(len(sorted)))
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if sub != "" && strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
