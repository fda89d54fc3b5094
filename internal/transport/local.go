package transport

import (
	"context"
	"sync"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/service"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// Local is an in-process transport. Requests go straight to the registry
// and session; arrays are copied at the boundary so neither side aliases
// the other's memory.
type Local struct {
	router *router
	att    *attachments
	logger *logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewLocal creates a local transport bound to registry.
func NewLocal(registry *service.Registry, log *logger.Logger) *Local {
	return &Local{
		router: &router{registry: registry, logger: log},
		att:    newAttachments(),
		logger: log,
	}
}

// RoundTrip dispatches req and returns the session's reply.
func (l *Local) RoundTrip(ctx context.Context, req models.Request) (models.Response, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return models.Response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return models.Response{}, err
	}

	if req.Array != nil {
		req.Array = req.Array.Clone()
	}
	resp := l.router.handle(ctx, l.att, req)
	if resp.Array != nil {
		resp.Array = resp.Array.Clone()
	}
	return resp, nil
}

// Close releases every attachment still held.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.router.releaseAll(context.Background(), l.att, l.logger)
	return nil
}
