package engine

import (
	"context"
	"sync"
)

// Gate coordinates pause and resume between the worker runtime and a
// running engine. The zero value is not usable; call NewGate.
type Gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
	hooks   []func(paused bool) error
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{resumed: ch}
}

// OnChange registers fn to run on each pause/resume. Hooks run in
// registration order while the gate's lock is held.
func (g *Gate) OnChange(fn func(paused bool) error) {
	g.mu.Lock()
	g.hooks = append(g.hooks, fn)
	g.mu.Unlock()
}

// Pause closes the gate. Pausing a paused gate is a no-op.
func (g *Gate) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return nil
	}
	for _, fn := range g.hooks {
		if err := fn(true); err != nil {
			return err
		}
	}
	g.paused = true
	g.resumed = make(chan struct{})
	return nil
}

// Resume reopens the gate and releases waiters.
func (g *Gate) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return nil
	}
	for _, fn := range g.hooks {
		if err := fn(false); err != nil {
			return err
		}
	}
	g.paused = false
	close(g.resumed)
	return nil
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is closed or until ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resumed
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
