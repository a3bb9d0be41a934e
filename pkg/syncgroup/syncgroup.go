package syncgroup

import (
	"sync"
)

// Group tracks background goroutines so shutdown can wait for them.
// After Close, Go refuses new work.
type Group struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running int
}

func New() *Group {
	return &Group{}
}

// Go runs fn in a new goroutine. It returns false, without running fn, once
// the group is closed.
func (g *Group) Go(fn func()) bool {
	if fn == nil {
		return false
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.running++
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
	return true
}

// Running returns the number of goroutines that have not returned yet.
func (g *Group) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Close stops accepting new work. Goroutines already started keep running.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Wait blocks until every started goroutine has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
