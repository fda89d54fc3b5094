// Package session runs one model instance on behalf of its attached clients.
package session

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/super-hydro/superhydro/internal/dispatch"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// Factory builds the model a session owns. It is called again on reset.
type Factory func() (dispatch.Model, error)

// Options control stepping and lifecycle.
type Options struct {
	Model           string // catalog name, informational
	Steps           int
	FPS             float64
	MaxStepFailures int
	Pinned          bool
	Logger          *logger.Logger
}

// Errors
var (
	ErrNotAttached = &Error{Message: "no client attached"}
	ErrFailed      = &Error{Message: "session failed"}
	ErrClosed      = &Error{Message: "session closed"}
)

// Error represents a session error
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Session owns one model. All model access, from clients and from the
// step loop, happens under mu, so array reads always see a whole step.
type Session struct {
	name    string
	opts    Options
	factory Factory
	log     *logger.Logger
	created time.Time

	mu        sync.Mutex
	model     dispatch.Model
	table     *dispatch.Table
	state     string
	stepCount int64
	failures  int
	lastErr   string
	lastStep  time.Duration
	clients   int
	peak      int
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds the model and returns a paused session. Stepping begins on
// the first Attach or an explicit Start.
func New(name string, factory Factory, opts Options) (*Session, error) {
	if opts.Steps <= 0 {
		opts.Steps = 1
	}
	if opts.FPS <= 0 {
		opts.FPS = 20
	}
	if opts.MaxStepFailures <= 0 {
		opts.MaxStepFailures = 3
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}

	m, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build model for session %q: %w", name, err)
	}

	s := &Session{
		name:    name,
		opts:    opts,
		factory: factory,
		log:     opts.Logger.With(logger.F("session", name)),
		created: time.Now(),
		model:   m,
		state:   models.StatePaused,
	}
	s.table = dispatch.NewTable(m)
	s.registerCommands()
	return s, nil
}

func (s *Session) registerCommands() {
	s.table.Action("start", "Resume stepping", func() error {
		s.state = models.StateRunning
		return nil
	})
	s.table.Action("pause", "Pause stepping", func() error {
		s.state = models.StatePaused
		return nil
	})
	s.table.Action("reset", "Rebuild the model from its initial state", s.resetLocked)

	s.table.Param("state", "Session state", func() interface{} { return s.state })
	s.table.Param("step_count", "Integration steps taken", func() interface{} { return s.stepCount })
	s.table.Param("client_count", "Attached clients", func() interface{} { return s.clients })
	s.table.Param("available_commands", "Recognised targets per command", func() interface{} {
		return s.table.Commands()
	})
}

// resetLocked rebuilds the model. It is the only way out of the failed state.
func (s *Session) resetLocked() error {
	m, err := s.factory()
	if err != nil {
		return fmt.Errorf("failed to rebuild model: %w", err)
	}
	s.closeModelLocked()
	s.model = m
	s.table.SetModel(m)
	if s.state == models.StateFailed {
		s.state = models.StateRunning
	}
	s.failures = 0
	s.lastErr = ""
	s.log.Info("Session reset")
	return nil
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Pinned reports whether the session stays resident with no clients.
func (s *Session) Pinned() bool {
	return s.opts.Pinned
}

// Start launches the step loop once and sets the session running.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Session) startLocked() {
	if s.started || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	if s.state == models.StatePaused {
		s.state = models.StateRunning
	}
	go s.run(ctx)
	s.log.Info("Step loop started",
		logger.F("steps", strconv.Itoa(s.opts.Steps)),
		logger.F("fps", strconv.FormatFloat(s.opts.FPS, 'g', -1, 64)))
}

// Attach registers a client and returns the new client count.
func (s *Session) Attach() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.clients++
	if s.clients > s.peak {
		s.peak = s.clients
	}
	if s.clients == 1 {
		s.startLocked()
	}
	s.log.Debug("Client attached", logger.F("clients", strconv.Itoa(s.clients)))
	return s.clients, nil
}

// Detach unregisters a client and returns the remaining count. Detaching
// with no clients is rejected and leaves the count at zero. Tearing down
// a session that reached zero is left to the caller, which calls Close
// once no new client can find the session.
func (s *Session) Detach() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients == 0 {
		return 0, ErrNotAttached
	}
	s.clients--
	s.log.Debug("Client detached", logger.F("clients", strconv.Itoa(s.clients)))
	return s.clients, nil
}

// Dispatch runs one request against the model.
func (s *Session) Dispatch(req models.Request) models.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Failure("session %q is closed", s.name)
	}
	if s.state == models.StateFailed && !(req.Command == protocol.CommandDo && req.Target == "reset") {
		return models.Failure("%v: %s (%s); do reset to recover", ErrFailed, s.name, s.lastErr)
	}
	return s.table.Dispatch(req)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	interval := time.Duration(float64(time.Second) / s.opts.FPS)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		began := time.Now()
		s.tick()
		wait := interval - time.Since(began)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer.Reset(wait)
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != models.StateRunning {
		return
	}

	began := time.Now()
	err := s.stepLocked()
	s.lastStep = time.Since(began)
	if err == nil {
		s.stepCount += int64(s.opts.Steps)
		s.failures = 0
		return
	}

	s.failures++
	s.lastErr = err.Error()
	s.log.Error("Step failed",
		logger.Err(err),
		logger.F("failures", strconv.Itoa(s.failures)),
		logger.F("step_count", strconv.FormatInt(s.stepCount, 10)))

	if cp, ok := s.model.(dispatch.Checkpointer); ok {
		if rerr := cp.Rollback(); rerr != nil {
			s.failLocked(fmt.Errorf("rollback after %v: %w", err, rerr))
			return
		}
	}
	if s.failures >= s.opts.MaxStepFailures {
		s.failLocked(err)
	}
}

func (s *Session) failLocked(err error) {
	s.state = models.StateFailed
	s.lastErr = err.Error()
	s.log.Error("Session failed", logger.Err(err))
}

// stepLocked checkpoints and steps the model, converting panics to errors.
func (s *Session) stepLocked() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panic: %v", r)
		}
	}()
	if cp, ok := s.model.(dispatch.Checkpointer); ok {
		if err := cp.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return s.model.Step(s.opts.Steps)
}

// Close stops the step loop and releases the model. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	s.closeModelLocked()
	s.mu.Unlock()
	s.log.Info("Session closed", logger.F("step_count", strconv.FormatInt(s.stepCount, 10)))
}

func (s *Session) closeModelLocked() {
	if c, ok := s.model.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("Model close failed", logger.Err(err))
		}
	}
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

// Info returns a snapshot of the session's bookkeeping.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	if s.closed {
		state = models.StateDestroyed
	}
	return models.SessionInfo{
		Name:         s.name,
		Model:        s.opts.Model,
		State:        state,
		ClientCount:  s.clients,
		StepCount:    s.stepCount,
		Pinned:       s.opts.Pinned,
		CreatedAt:    s.created,
		LastStepMs:   float64(s.lastStep.Microseconds()) / 1000,
		StepFailures: s.failures,
		LastError:    s.lastErr,
	}
}

// Record returns the journal entry for the session.
func (s *Session) Record(serverID string) *models.SessionRecord {
	info := s.Info()
	s.mu.Lock()
	peak := s.peak
	s.mu.Unlock()
	return &models.SessionRecord{
		Name:        info.Name,
		Model:       info.Model,
		ServerID:    serverID,
		CreatedAt:   info.CreatedAt,
		Status:      info.State,
		StepCount:   info.StepCount,
		PeakClients: peak,
	}
}
