package channel

import "sync"

// Group collects disposers returned by Subscribe, OnOpen and friends so one
// call releases them all.
type Group struct {
	mu        sync.Mutex
	disposed  bool
	disposers []func()
}

// Track adds dispose to the group. If the group was already disposed,
// dispose runs immediately.
func (g *Group) Track(dispose func()) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		dispose()
		return
	}
	g.disposers = append(g.disposers, dispose)
	g.mu.Unlock()
}

// Dispose runs every tracked disposer once, in reverse order.
func (g *Group) Dispose() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	ds := g.disposers
	g.disposers = nil
	g.mu.Unlock()

	for i := len(ds) - 1; i >= 0; i-- {
		ds[i]()
	}
}
