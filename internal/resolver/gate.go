package resolver

import (
	"context"
	"sync"
)

// fifoGate bounds concurrent resolutions while admitting waiters in
// arrival order. A plain channel semaphore does not guarantee ordering
// under contention; queued hosts would otherwise starve.
type fifoGate struct {
	mu      sync.Mutex
	cap     int
	active  int
	waiters []chan struct{}
}

func newFIFOGate(capacity int) *fifoGate {
	if capacity < 1 {
		capacity = 1
	}
	return &fifoGate{cap: capacity}
}

// acquire blocks until a slot is free or ctx is done.
func (g *fifoGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.cap {
		g.active++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The slot was handed over between Done and the lock; pass it on.
		g.release()
		return ctx.Err()
	}
}

// release frees a slot, handing it to the oldest waiter if any.
func (g *fifoGate) release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		close(ready)
		return
	}
	g.active--
	g.mu.Unlock()
}
