package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsSink accepts websocket connections and collects every Completion written
// to them.
type wsSink struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []Completion
	conns    []*websocket.Conn
}

func (s *wsSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var msg Completion
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
	}
}

func (s *wsSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *wsSink) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func startSink(t *testing.T) (*wsSink, string) {
	t.Helper()
	sink := &wsSink{}
	srv := httptest.NewServer(sink)
	t.Cleanup(srv.Close)
	return sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnnounceDelivers(t *testing.T) {
	sink, url := startSink(t)
	a := New(context.Background(), url, "run-1")
	defer a.Close()

	a.Announce("j1", "team-a")
	a.Announce("j2", "team-b")

	waitFor(t, func() bool { return sink.count() == 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.received[0].RunID != "run-1" || sink.received[0].JobID != "j1" {
		t.Errorf("first message: %+v", sink.received[0])
	}
	if sink.received[1].TeamID != "team-b" {
		t.Errorf("second message: %+v", sink.received[1])
	}
	if a.Sent() != 2 {
		t.Errorf("sent counter: %d", a.Sent())
	}
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	sink, url := startSink(t)
	a := New(context.Background(), url, "run-1")
	defer a.Close()

	a.Announce("before", "team-a")
	waitFor(t, func() bool { return sink.count() == 1 })

	sink.dropConns()
	// The write after the drop may be lost; the one after the redial lands.
	waitFor(t, func() bool {
		a.Announce("after", "team-a")
		return sink.count() >= 2
	})
}

func TestCloseStopsAnnouncer(t *testing.T) {
	_, url := startSink(t)
	a := New(context.Background(), url, "run-1")

	a.Announce("j1", "team-a")
	a.Close()

	// Announce after close is a silent no-op.
	a.Announce("j2", "team-a")
	if a.Sent() > 1 {
		t.Errorf("no sends after close, got %d", a.Sent())
	}
}

func TestUnreachableBusNeverBlocksAnnounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New(ctx, "ws://127.0.0.1:1/bus", "run-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			a.Announce("j", "team-a")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("announce must never block on a dead bus")
	}
	cancel()
	a.Close()
}
