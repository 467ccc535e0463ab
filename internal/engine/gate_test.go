package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateWaitBlocksUntilResume(t *testing.T) {
	g := NewGate()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("open gate should not block: %v", err)
	}
	if err := g.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()
	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	if err := g.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestGateWaitHonoursContext(t *testing.T) {
	g := NewGate()
	_ = g.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestGateHookFailureKeepsState(t *testing.T) {
	g := NewGate()
	calls := 0
	g.OnChange(func(paused bool) error {
		calls++
		if paused {
			return errors.New("signal failed")
		}
		return nil
	})
	if err := g.Pause(); err == nil {
		t.Fatal("expected hook error")
	}
	if g.Paused() {
		t.Fatal("gate paused despite hook failure")
	}
	if err := g.Resume(); err != nil || calls != 1 {
		t.Fatalf("resume of open gate should be a no-op: err=%v calls=%d", err, calls)
	}
}
