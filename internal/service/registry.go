package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/super-hydro/superhydro/internal/dispatch"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/physics"
	"github.com/super-hydro/superhydro/internal/session"
	"github.com/super-hydro/superhydro/internal/storage"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// Errors
var (
	ErrSessionNotFound = &RegistryError{Message: "session not found"}
	ErrRegistryClosed  = &RegistryError{Message: "registry is shut down"}
	ErrAlreadyLive     = &RegistryError{Message: "session already live"}
)

// RegistryError represents a registry error
type RegistryError struct {
	Message string
}

func (e *RegistryError) Error() string {
	return e.Message
}

// RegistryOptions configure the sessions a Registry creates.
type RegistryOptions struct {
	ServerID     string
	Catalog      *physics.Catalog
	Grid         physics.Options
	DefaultModel string
	Session      session.Options
}

// entry is a live or pending session. ready is closed once construction
// has finished, successfully or not.
type entry struct {
	ready chan struct{}
	sess  *session.Session
	err   error
}

// Registry maps session names to live sessions for one server.
type Registry struct {
	opts    RegistryOptions
	journal storage.SessionRepository
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewRegistry creates an empty registry. journal may be nil.
func NewRegistry(opts RegistryOptions, journal storage.SessionRepository, log *logger.Logger) *Registry {
	if opts.Catalog == nil {
		opts.Catalog = physics.DefaultCatalog()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = log
	}
	return &Registry{
		opts:     opts,
		journal:  journal,
		logger:   log,
		sessions: make(map[string]*entry),
	}
}

// Factory returns a session factory for a catalog model. An empty name
// selects the default model.
func (r *Registry) Factory(model string) (string, session.Factory, error) {
	if model == "" {
		model = r.opts.DefaultModel
	}
	build, err := r.opts.Catalog.Lookup(model)
	if err != nil {
		return "", nil, err
	}
	grid := r.opts.Grid
	return model, func() (dispatch.Model, error) { return build(grid) }, nil
}

// GetOrCreate returns the live session called name, constructing it with
// factory if there is none. Concurrent callers for the same name share one
// construction; a failed construction is not remembered.
func (r *Registry) GetOrCreate(ctx context.Context, name, model string, factory session.Factory) (*session.Session, error) {
	return r.getOrCreate(ctx, name, model, factory, false)
}

func (r *Registry) getOrCreate(ctx context.Context, name, model string, factory session.Factory, pinned bool) (*session.Session, error) {
	if name == "" {
		return nil, fmt.Errorf("session name is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if e, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.sess, nil
	}
	e := &entry{ready: make(chan struct{})}
	r.sessions[name] = e
	r.mu.Unlock()

	opts := r.opts.Session
	opts.Model = model
	opts.Pinned = pinned
	sess, err := session.New(name, factory, opts)

	r.mu.Lock()
	if err != nil {
		delete(r.sessions, name)
	}
	e.sess, e.err = sess, err
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Failed to create session", logger.F("session", name), logger.F("model", model), logger.Err(err))
		return nil, err
	}

	r.logger.Info("Session created", logger.F("session", name), logger.F("model", model))
	r.journalCreate(ctx, sess)
	return sess, nil
}

// Attach gets or creates the session and registers one client on it. The
// attach cannot race with the teardown of the same session.
func (r *Registry) Attach(ctx context.Context, name, model string, factory session.Factory) (*session.Session, int, error) {
	for {
		sess, err := r.GetOrCreate(ctx, name, model, factory)
		if err != nil {
			return nil, 0, err
		}

		r.mu.Lock()
		e, ok := r.sessions[name]
		if !ok || e.sess != sess {
			// Torn down between lookup and attach.
			r.mu.Unlock()
			continue
		}
		n, err := sess.Attach()
		r.mu.Unlock()

		if err == session.ErrClosed {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return sess, n, nil
	}
}

// Release detaches one client from name. The last client out of an
// unpinned session destroys it.
func (r *Registry) Release(ctx context.Context, name string) (int, error) {
	r.mu.Lock()
	e, ok := r.sessions[name]
	if !ok || e.sess == nil {
		r.mu.Unlock()
		return 0, ErrSessionNotFound
	}
	sess := e.sess
	n, err := sess.Detach()
	destroyed := err == nil && n == 0 && !sess.Pinned()
	if destroyed {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if destroyed {
		// Close waits for the step loop's current tick, so it runs
		// outside r.mu.
		sess.Close()
		r.logger.Info("Session destroyed", logger.F("session", name))
		r.journalDestroy(ctx, sess)
	}
	return n, nil
}

// Lookup returns the live session called name.
func (r *Registry) Lookup(name string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[name]
	if !ok || e.sess == nil {
		return nil, ErrSessionNotFound
	}
	return e.sess, nil
}

// ListActive returns the names of live sessions in order.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name, e := range r.sessions {
		if e.sess != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Sessions returns the live sessions ordered by name.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.sess != nil {
			out = append(out, e.sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Pin creates a resident session that steps without clients and survives
// its last detach.
func (r *Registry) Pin(ctx context.Context, name, model string) (*session.Session, error) {
	model, factory, err := r.Factory(model)
	if err != nil {
		return nil, err
	}
	if _, err := r.Lookup(name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLive, name)
	}
	sess, err := r.getOrCreate(ctx, name, model, factory, true)
	if err != nil {
		return nil, err
	}
	if !sess.Pinned() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLive, name)
	}
	sess.Start()
	return sess, nil
}

// Shutdown closes every session. Further calls fail with ErrRegistryClosed.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	var live []*session.Session
	for _, e := range r.sessions {
		if e.sess != nil {
			live = append(live, e.sess)
		}
	}
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, sess := range live {
		sess.Close()
		r.journalDestroy(ctx, sess)
	}
	r.logger.Info("Registry shut down", logger.F("sessions", fmt.Sprintf("%d", len(live))))
}

func (r *Registry) journalCreate(ctx context.Context, sess *session.Session) {
	if r.journal == nil {
		return
	}
	rec := sess.Record(r.opts.ServerID)
	err := r.journal.CreateSession(ctx, rec)
	if err == storage.ErrSessionExists {
		// A stale row left by a crashed server.
		err = r.journal.UpdateSession(ctx, rec)
	}
	if err != nil {
		r.logger.Warn("Failed to journal session", logger.F("session", rec.Name), logger.Err(err))
	}
}

func (r *Registry) journalDestroy(ctx context.Context, sess *session.Session) {
	if r.journal == nil {
		return
	}
	rec := sess.Record(r.opts.ServerID)
	now := time.Now()
	rec.Status = models.StateDestroyed
	rec.DestroyedAt = &now
	if err := r.journal.UpdateSession(ctx, rec); err != nil {
		r.logger.Warn("Failed to journal session teardown", logger.F("session", rec.Name), logger.Err(err))
	}
}
