package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreCapacity(t *testing.T) {
	s := NewSemaphore(2)
	if s.Available() != 2 {
		t.Fatalf("expected 2 permits, got %d", s.Available())
	}
	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatal("expected both permits available")
	}
	if s.TryAcquire() {
		t.Fatal("third acquire must fail")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatal("released permit should be reusable")
	}
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	s := NewSemaphore(1)
	if !s.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("acquire should block while no permit is free")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire after release failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire never woke up")
	}
}

func TestSemaphoreAcquireCancellable(t *testing.T) {
	s := NewSemaphore(1)
	s.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSemaphoreWaitingCount(t *testing.T) {
	s := NewSemaphore(1)
	s.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		go func() { _ = s.Acquire(ctx) }()
	}

	deadline := time.Now().Add(time.Second)
	for s.Waiting() != 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := s.Waiting(); got != 3 {
		t.Fatalf("expected 3 waiters, got %d", got)
	}

	cancel()
	deadline = time.Now().Add(time.Second)
	for s.Waiting() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := s.Waiting(); got != 0 {
		t.Errorf("expected waiters to drain on cancel, got %d", got)
	}
}
