package client

import "sync"

// GestureGate holds work that may only run after the user interacted.
// Callbacks registered before the gesture run once, on the gesture;
// callbacks registered after it run immediately.
type GestureGate struct {
	mu       sync.Mutex
	occurred bool
	pending  []func()
}

func NewGestureGate() *GestureGate {
	return &GestureGate{}
}

func (g *GestureGate) Occurred() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.occurred
}

// Once runs fn on the next gesture.
func (g *GestureGate) Once(fn func()) {
	g.mu.Lock()
	if g.occurred {
		g.mu.Unlock()
		fn()
		return
	}
	g.pending = append(g.pending, fn)
	g.mu.Unlock()
}

// Gesture records a user interaction and flushes pending callbacks.
func (g *GestureGate) Gesture() int {
	g.mu.Lock()
	g.occurred = true
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

func (g *GestureGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
