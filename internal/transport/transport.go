// Package transport carries requests from clients to sessions, either in
// process (Local) or over TCP (Server and NetworkClient).
package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/internal/service"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// Transport performs one request/reply exchange. Failures reported by the
// session come back as a Response with Err set; the error return is for
// transport failures only.
type Transport interface {
	RoundTrip(ctx context.Context, req models.Request) (models.Response, error)
	Close() error
}

// Errors
var (
	ErrProtocolViolation = &TransportError{Message: "protocol violation"}
	ErrRequestInFlight   = &TransportError{Message: "request already in flight"}
	ErrClosed            = &TransportError{Message: "transport closed"}
	ErrTimeout           = &TransportError{Message: "round trip timed out"}
)

// TransportError represents a transport error
type TransportError struct {
	Message string
}

func (e *TransportError) Error() string {
	return e.Message
}

// attachments counts the attaches one client holds per session, so they
// can be released when the client goes away.
type attachments struct {
	mu     sync.Mutex
	counts map[string]int
}

func newAttachments() *attachments {
	return &attachments{counts: make(map[string]int)}
}

func (a *attachments) add(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[name]++
}

func (a *attachments) remove(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts[name] == 0 {
		return false
	}
	a.counts[name]--
	if a.counts[name] == 0 {
		delete(a.counts, name)
	}
	return true
}

func (a *attachments) drain() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.counts
	a.counts = make(map[string]int)
	return out
}

// router resolves registry verbs itself and hands everything else to the
// addressed session. Local and network transports share it, so both
// produce identical responses.
type router struct {
	registry *service.Registry
	logger   *logger.Logger
}

func (r *router) handle(ctx context.Context, att *attachments, req models.Request) models.Response {
	if req.Session == "" {
		return models.Failure("%s: missing session name", req.Command)
	}

	switch req.Command {
	case protocol.CommandAttach:
		var model string
		if len(req.Value) > 0 {
			if err := json.Unmarshal(req.Value, &model); err != nil {
				return models.Failure("attach %s: model must be a string", req.Session)
			}
		}
		model, factory, err := r.registry.Factory(model)
		if err != nil {
			return models.Failure("attach %s: %v", req.Session, err)
		}
		if _, _, err := r.registry.Attach(ctx, req.Session, model, factory); err != nil {
			return models.Failure("attach %s: %v", req.Session, err)
		}
		att.add(req.Session)
		return models.Ack()

	case protocol.CommandDetach:
		if !att.remove(req.Session) {
			return models.Failure("detach %s: not attached", req.Session)
		}
		if _, err := r.registry.Release(ctx, req.Session); err != nil {
			return models.Failure("detach %s: %v", req.Session, err)
		}
		return models.Ack()
	}

	sess, err := r.registry.Lookup(req.Session)
	if err != nil {
		return models.Failure("%s %s: session %q: %v", req.Command, req.Target, req.Session, err)
	}
	return sess.Dispatch(req)
}

// releaseAll performs the detaches a departed client still owed.
func (r *router) releaseAll(ctx context.Context, att *attachments, log *logger.Logger) {
	owed := att.drain()
	names := make([]string, 0, len(owed))
	for name := range owed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for i := 0; i < owed[name]; i++ {
			if _, err := r.registry.Release(ctx, name); err != nil {
				log.Warn("Implied detach failed", logger.F("session", name), logger.Err(err))
				break
			}
		}
		log.Info("Released attachments", logger.F("session", name))
	}
}
