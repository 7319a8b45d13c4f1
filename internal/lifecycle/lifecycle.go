// Package lifecycle coordinates graceful shutdown of app resources.
package lifecycle

import (
	"context"
	"sync"

	"github.com/qrisgate/server/internal/logger"
)

// Closer is one resource to release at shutdown.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// Manager collects closers and releases them in LIFO order, mirroring the
// order resources depend on each other at startup.
type Manager struct {
	mu      sync.Mutex
	closers []Closer
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a named closer. Safe for concurrent use.
func (m *Manager) Register(name string, close func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, Closer{Name: name, Close: close})
}

// Shutdown releases everything in reverse registration order. Failures are
// logged and do not stop the remaining closers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	closers := make([]Closer, len(m.closers))
	copy(closers, m.closers)
	m.closers = nil
	m.mu.Unlock()

	log := logger.FromContext(ctx)
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.Close(ctx); err != nil {
			log.Error().Err(err).Str("resource", c.Name).Msg("shutdown close failed")
			continue
		}
		log.Debug().Str("resource", c.Name).Msg("resource closed")
	}
}
