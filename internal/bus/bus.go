// Package bus announces job completions on an external websocket bus. The
// announcer is optional: when no bus URL is configured the harness never
// constructs one. Delivery is best effort; a dropped message is logged, never
// retried, and the run's correctness accounting does not depend on it.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 2 * time.Second

	// reconnect backoff bounds
	backoffInitial = 250 * time.Millisecond
	backoffMax     = 15 * time.Second

	sendBuffer = 256
)

// Completion is the message published for every finished job.
type Completion struct {
	RunID       string `json:"runId"`
	JobID       string `json:"jobId"`
	TeamID      string `json:"teamId"`
	CompletedAt int64  `json:"completedAt"`
}

// Announcer maintains one websocket connection and publishes completions on
// it, reconnecting with exponential backoff when the connection drops.
type Announcer struct {
	url   string
	runID string

	mu       sync.RWMutex // guards ch close vs concurrent Announce
	ch       chan Completion
	shutdown atomic.Bool
	done     chan struct{}
	once     sync.Once

	dropped atomic.Int64
	sent    atomic.Int64
}

// New starts an announcer publishing to url.
func New(ctx context.Context, url, runID string) *Announcer {
	a := &Announcer{
		url:   url,
		runID: runID,
		ch:    make(chan Completion, sendBuffer),
		done:  make(chan struct{}),
	}
	go a.loop(ctx)
	return a
}

// Announce queues one completion. Never blocks: when the buffer is full the
// message is dropped and counted.
func (a *Announcer) Announce(jobID, teamID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.shutdown.Load() {
		return
	}
	msg := Completion{
		RunID:       a.runID,
		JobID:       jobID,
		TeamID:      teamID,
		CompletedAt: time.Now().UnixMilli(),
	}
	select {
	case a.ch <- msg:
	default:
		a.dropped.Add(1)
	}
}

// Close stops the announcer. Reconnection attempts cease immediately; queued
// messages are discarded.
func (a *Announcer) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.shutdown.Store(true)
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}

// Sent reports successfully written messages.
func (a *Announcer) Sent() int64 { return a.sent.Load() }

// Dropped reports messages discarded due to a full buffer or closed bus.
func (a *Announcer) Dropped() int64 { return a.dropped.Load() }

func (a *Announcer) loop(ctx context.Context) {
	defer close(a.done)

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	backoff := backoffInitial
	for msg := range a.ch {
		for conn == nil {
			if a.shutdown.Load() || ctx.Err() != nil {
				a.dropped.Add(1)
				return
			}
			c, err := a.dial(ctx)
			if err != nil {
				slog.Warn("bus connect failed", "url", a.url, "retry_in", backoff, "error", err)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff = min(backoff*2, backoffMax)
				continue
			}
			conn = c
			backoff = backoffInitial
			slog.Debug("bus connected", "url", a.url)
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			slog.Warn("bus write failed, dropping message", "job", msg.JobID, "error", err)
			a.dropped.Add(1)
			conn.Close()
			conn = nil
			continue
		}
		a.sent.Add(1)
	}
}

func (a *Announcer) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, a.url, nil)
	return conn, err
}
