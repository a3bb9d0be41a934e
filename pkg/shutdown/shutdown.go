package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/botfleet/pkg/logger"
)

// Handler releases one resource. It must return once ctx is done.
type Handler func(ctx context.Context)

type stage struct {
	name     string
	handlers []Handler
}

// Manager runs shutdown handlers in registration order of stages. Handlers in
// the same stage run concurrently; a stage starts when the previous one ends.
type Manager struct {
	mu     sync.Mutex
	stages []*stage
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown registers a handler under the named stage, creating it if needed.
func (m *Manager) OnShutdown(stageName string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stages {
		if s.name == stageName {
			s.handlers = append(s.handlers, handler)
			return
		}
	}
	m.stages = append(m.stages, &stage{name: stageName, handlers: []Handler{handler}})
}

// Shutdown blocks until every stage has finished or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	stages := m.stages
	m.mu.Unlock()

	if len(stages) == 0 {
		logger.Info("shutdown: nothing registered")
		return
	}
	for _, s := range stages {
		logger.Infof("shutdown: stage %s (%d handlers)", s.name, len(s.handlers))

		var wg sync.WaitGroup
		wg.Add(len(s.handlers))
		for _, h := range s.handlers {
			go func(h Handler) {
				defer wg.Done()
				h(ctx)
			}(h)
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warnf("shutdown: stage %s timed out: %v", s.name, ctx.Err())
			return
		}
	}
	logger.Info("shutdown: complete")
}
