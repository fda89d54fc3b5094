package session

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/super-hydro/superhydro/internal/dispatch"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/physics"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/pkg/logger"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard, logger.LevelError)
}

func counterFactory(nx, ny int) Factory {
	return func() (dispatch.Model, error) {
		return physics.NewCounter(physics.Options{Nx: nx, Ny: ny})
	}
}

func newCounterSession(t *testing.T, opts Options) *Session {
	t.Helper()
	opts.Model = "testing.Counter"
	if opts.FPS == 0 {
		opts.FPS = 500
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s, err := New("demo", counterFactory(16, 16), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func get(t *testing.T, s *Session, target string, v interface{}) {
	t.Helper()
	resp := s.Dispatch(models.Request{Command: protocol.CommandGet, Target: target})
	if resp.Failed() {
		t.Fatalf("get %s: %s", target, resp.Err)
	}
	if err := json.Unmarshal(resp.Value, v); err != nil {
		t.Fatalf("get %s: %v", target, err)
	}
}

func set(t *testing.T, s *Session, target, value string) {
	t.Helper()
	resp := s.Dispatch(models.Request{Command: protocol.CommandSet, Target: target, Value: json.RawMessage(value)})
	if resp.Failed() {
		t.Fatalf("set %s: %s", target, resp.Err)
	}
}

func do(s *Session, action string) models.Response {
	return s.Dispatch(models.Request{Command: protocol.CommandDo, Target: action})
}

func TestNew_FactoryError(t *testing.T) {
	_, err := New("broken", func() (dispatch.Model, error) {
		return nil, errors.New("no GPU")
	}, Options{Logger: quietLogger()})
	if err == nil || !strings.Contains(err.Error(), "no GPU") {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestSession_StepsOnlyAfterAttach(t *testing.T) {
	s := newCounterSession(t, Options{Steps: 1})

	if info := s.Info(); info.State != models.StatePaused || info.StepCount != 0 {
		t.Fatalf("expected an idle paused session, got %+v", info)
	}

	n, err := s.Attach()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 client, got %d (%v)", n, err)
	}
	waitFor(t, "steps", func() bool { return s.Info().StepCount >= 5 })

	var clients int
	get(t, s, "client_count", &clients)
	if clients != 1 {
		t.Errorf("expected client_count 1, got %d", clients)
	}
}

func TestSession_DetachClampsAtZero(t *testing.T) {
	s := newCounterSession(t, Options{Pinned: true})

	if _, err := s.Detach(); err != ErrNotAttached {
		t.Errorf("expected ErrNotAttached, got %v", err)
	}
	if s.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", s.ClientCount())
	}

	s.Attach()
	s.Attach()
	if n, _ := s.Detach(); n != 1 {
		t.Errorf("expected 1 client left, got %d", n)
	}
	if n, _ := s.Detach(); n != 0 {
		t.Errorf("expected 0 clients left, got %d", n)
	}
	if _, err := s.Detach(); err != ErrNotAttached {
		t.Errorf("expected ErrNotAttached, got %v", err)
	}
	if s.Closed() {
		t.Errorf("pinned session must survive the last detach")
	}
}

func TestSession_CloseAfterLastDetach(t *testing.T) {
	s := newCounterSession(t, Options{})
	s.Attach()
	n, err := s.Detach()
	if err != nil || n != 0 {
		t.Fatalf("expected 0 clients left, got %d (%v)", n, err)
	}
	if s.Closed() {
		t.Fatalf("detach must leave teardown to the caller")
	}
	s.Close()
	s.Close()
	if resp := do(s, "zero"); !resp.Failed() {
		t.Errorf("expected dispatch to a closed session to fail")
	}
	if _, err := s.Attach(); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if s.Info().State != models.StateDestroyed {
		t.Errorf("expected destroyed state, got %s", s.Info().State)
	}
}

func TestSession_ArraysAreConsistentWhileStepping(t *testing.T) {
	s := newCounterSession(t, Options{Steps: 3})
	s.Attach()

	var wg sync.WaitGroup
	errs := make(chan string, 4)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				resp := s.Dispatch(models.Request{Command: protocol.CommandGetArray, Target: "density"})
				if resp.Failed() {
					errs <- resp.Err
					return
				}
				values, _ := resp.Array.Float64s()
				for _, v := range values {
					if v != values[0] {
						errs <- "torn read"
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("unexpected: %s", e)
	}
}

func TestSession_StepFailureRollsBack(t *testing.T) {
	s := newCounterSession(t, Options{Steps: 1, MaxStepFailures: 3})
	s.Attach()
	waitFor(t, "first steps", func() bool { return s.Info().StepCount >= 2 })

	set(t, s, "fail_next", "1")
	waitFor(t, "recovery", func() bool {
		info := s.Info()
		return info.StepFailures == 0 && info.LastError != ""
	})

	if s.Info().State != models.StateRunning {
		t.Fatalf("expected session to keep running, got %s", s.Info().State)
	}
	resp := s.Dispatch(models.Request{Command: protocol.CommandGetArray, Target: "density"})
	values, _ := resp.Array.Float64s()
	for i, v := range values {
		if v < 0 {
			t.Fatalf("cell %d still corrupted after rollback: %g", i, v)
		}
	}
}

func TestSession_FailedStateAndReset(t *testing.T) {
	s := newCounterSession(t, Options{Steps: 1, MaxStepFailures: 2})
	s.Attach()

	set(t, s, "fail_next", "100")
	waitFor(t, "failed state", func() bool { return s.Info().State == models.StateFailed })

	if resp := s.Dispatch(models.Request{Command: protocol.CommandGet, Target: "steps"}); !resp.Failed() {
		t.Errorf("expected dispatch to fail while the session is failed")
	}
	if resp := do(s, "reset"); resp.Failed() {
		t.Fatalf("reset failed: %s", resp.Err)
	}
	if s.Info().State != models.StateRunning {
		t.Errorf("expected running after reset, got %s", s.Info().State)
	}

	var steps int64
	waitFor(t, "steps after reset", func() bool {
		get(t, s, "steps", &steps)
		return steps > 0
	})
}

func TestSession_PanicInStepIsContained(t *testing.T) {
	s := newCounterSession(t, Options{Steps: 1, MaxStepFailures: 5})
	s.Attach()

	set(t, s, "panic_next", "true")
	waitFor(t, "panic recorded", func() bool {
		return strings.Contains(s.Info().LastError, "panic")
	})
	if s.Info().State == models.StateFailed {
		t.Errorf("a single panic must not fail the session")
	}
}

func TestSession_PauseAndStart(t *testing.T) {
	s := newCounterSession(t, Options{Steps: 1})
	s.Attach()
	waitFor(t, "steps", func() bool { return s.Info().StepCount > 0 })

	if resp := do(s, "pause"); resp.Failed() {
		t.Fatalf("pause failed: %s", resp.Err)
	}
	var state string
	get(t, s, "state", &state)
	if state != models.StatePaused {
		t.Errorf("expected paused, got %s", state)
	}

	before := s.Info().StepCount
	time.Sleep(30 * time.Millisecond)
	if after := s.Info().StepCount; after != before {
		t.Errorf("expected no steps while paused, %d -> %d", before, after)
	}

	do(s, "start")
	waitFor(t, "resumed steps", func() bool { return s.Info().StepCount > before })
}

func TestSession_AvailableCommands(t *testing.T) {
	s := newCounterSession(t, Options{})

	var cmds models.AvailableCommands
	get(t, s, "available_commands", &cmds)
	for _, name := range []string{"start", "pause", "reset", "zero"} {
		if _, ok := cmds.Do[name]; !ok {
			t.Errorf("expected do %s to be listed", name)
		}
	}
	for _, name := range []string{"state", "step_count", "client_count", "steps"} {
		if _, ok := cmds.Get[name]; !ok {
			t.Errorf("expected get %s to be listed", name)
		}
	}
	if _, ok := cmds.Set["step_count"]; ok {
		t.Errorf("step_count must be read-only")
	}
}

func TestSession_Record(t *testing.T) {
	s := newCounterSession(t, Options{Pinned: true})
	s.Attach()
	s.Attach()
	s.Detach()

	rec := s.Record("server-1")
	if rec.Name != "demo" || rec.ServerID != "server-1" || rec.Model != "testing.Counter" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.PeakClients != 2 {
		t.Errorf("expected peak 2, got %d", rec.PeakClients)
	}
}
