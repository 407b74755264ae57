package ident

import (
	"strings"
	"testing"
	"time"
)

func TestNewRunID_Format(t *testing.T) {
	id := NewRunID()
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		t.Fatalf("expected two dash-separated parts, got %q", id)
	}
	if len(parts[0]) != 8 {
		t.Errorf("expected 8 random chars, got %q", parts[0])
	}
	if len(parts[1]) < 13 {
		t.Errorf("expected millisecond timestamp, got %q", parts[1])
	}
}

func TestNewRunID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("duplicate run id %q", id)
		}
		seen[id] = true
	}
}

func TestJobID_Composition(t *testing.T) {
	id := JobID("run-1", "small-team-3", 42)
	if id != "run-1-small-team-3-42" {
		t.Errorf("unexpected job id %q", id)
	}
}

func TestCrawlID_SharedPerDecade(t *testing.T) {
	a := CrawlID("t1", 10)
	b := CrawlID("t1", 19)
	c := CrawlID("t1", 20)
	if a != b {
		t.Errorf("counters 10 and 19 should share a crawl: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("counters 10 and 20 should not share a crawl: %q", a)
	}
}

func TestFlushWorkerID_Prefix(t *testing.T) {
	if !strings.HasPrefix(FlushWorkerID("run-1"), "flush-") {
		t.Error("flush worker id must carry the flush- prefix")
	}
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	a := c.NowMs()
	time.Sleep(5 * time.Millisecond)
	b := c.NowMs()
	if b < a {
		t.Errorf("clock went backwards: %d then %d", a, b)
	}
	if b-a < 3 {
		t.Errorf("expected at least ~5ms to elapse, got %dms", b-a)
	}
}
