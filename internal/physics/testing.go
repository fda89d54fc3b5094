package physics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/super-hydro/superhydro/internal/dispatch"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
)

// Counter is a deterministic model for exercising sessions and
// transports. Every cell of its density holds the number of steps taken,
// written cell by cell so a torn read would show mixed values.
type Counter struct {
	nx, ny    int
	cells     []float64
	steps     int64
	increment float64
	sleep     time.Duration

	failNext  int
	panicNext bool

	saved      []float64
	savedSteps int64
}

// NewCounter builds a zeroed counter grid.
func NewCounter(opts Options) (dispatch.Model, error) {
	if err := validateGrid(opts); err != nil {
		return nil, err
	}
	return &Counter{
		nx:        opts.Nx,
		ny:        opts.Ny,
		cells:     make([]float64, opts.Nx*opts.Ny),
		increment: 1,
	}, nil
}

// Step adds increment to every cell n times. A pending failure
// corrupts half the grid before reporting the error.
func (c *Counter) Step(n int) error {
	if c.panicNext {
		c.panicNext = false
		panic("counter: injected panic")
	}
	if c.failNext > 0 {
		c.failNext--
		for i := 0; i < len(c.cells)/2; i++ {
			c.cells[i] = -1
		}
		return fmt.Errorf("counter: injected step failure")
	}
	for s := 0; s < n; s++ {
		for i := range c.cells {
			c.cells[i] += c.increment
		}
		c.steps++
	}
	return nil
}

// Checkpoint records the grid.
func (c *Counter) Checkpoint() error {
	c.saved = append(c.saved[:0], c.cells...)
	c.savedSteps = c.steps
	return nil
}

// Rollback restores the last checkpoint.
func (c *Counter) Rollback() error {
	if len(c.saved) != len(c.cells) {
		return fmt.Errorf("no checkpoint recorded")
	}
	copy(c.cells, c.saved)
	c.steps = c.savedSteps
	return nil
}

// Get returns a counter parameter.
func (c *Counter) Get(name string) (interface{}, error) {
	switch name {
	case "steps":
		return c.steps, nil
	case "increment":
		return c.increment, nil
	case "sleep_ms":
		return c.sleep.Milliseconds(), nil
	case "Nxy":
		return [2]int{c.nx, c.ny}, nil
	}
	return nil, dispatch.UnknownTarget("parameter", name)
}

// Set updates a counter parameter.
func (c *Counter) Set(name string, value json.RawMessage) error {
	switch name {
	case "increment":
		return setFloat(floatParam{ptr: &c.increment}, name, value)
	case "sleep_ms":
		var ms int
		if err := json.Unmarshal(value, &ms); err != nil || ms < 0 {
			return dispatch.BadPayload("sleep_ms expects a non-negative integer")
		}
		c.sleep = time.Duration(ms) * time.Millisecond
		return nil
	case "fail_next":
		var n int
		if err := json.Unmarshal(value, &n); err != nil || n < 0 {
			return dispatch.BadPayload("fail_next expects a non-negative integer")
		}
		c.failNext = n
		return nil
	case "panic_next":
		if err := json.Unmarshal(value, &c.panicNext); err != nil {
			return dispatch.BadPayload("panic_next expects a boolean")
		}
		return nil
	}
	return dispatch.UnknownTarget("parameter", name)
}

// GetArray returns "density" (the grid) or "counter" (the step count).
func (c *Counter) GetArray(name string) (*protocol.Array, error) {
	switch name {
	case "density":
		return protocol.NewFloat64([]int{c.nx, c.ny}, c.cells)
	case "counter":
		return protocol.NewInt64([]int{1}, []int64{c.steps})
	}
	return nil, dispatch.UnknownTarget("array", name)
}

// SetArray replaces the grid.
func (c *Counter) SetArray(name string, a *protocol.Array) error {
	if name != "density" {
		return dispatch.UnknownTarget("array", name)
	}
	values, err := a.Float64s()
	if err != nil {
		return dispatch.BadPayload("%v", err)
	}
	if len(values) != len(c.cells) {
		return dispatch.BadPayload("density must hold %d values, got %d", len(c.cells), len(values))
	}
	copy(c.cells, values)
	return nil
}

// Do runs a counter action. "sleep" blocks for sleep_ms.
func (c *Counter) Do(action string) error {
	switch action {
	case "zero":
		for i := range c.cells {
			c.cells[i] = 0
		}
		c.steps = 0
		return nil
	case "sleep":
		time.Sleep(c.sleep)
		return nil
	case "explode":
		panic("counter: explode")
	}
	return dispatch.UnknownTarget("action", action)
}

// Commands describes the counter's surface.
func (c *Counter) Commands() models.AvailableCommands {
	return models.AvailableCommands{
		Do: map[string]string{
			"zero": "Zero the grid", "sleep": "Block for sleep_ms", "explode": "Panic",
		},
		Get: map[string]string{
			"steps": "Steps taken", "increment": "Per-step increment",
			"sleep_ms": "Duration of the sleep action", "Nxy": "Grid size",
		},
		Set: map[string]string{
			"increment": "Per-step increment", "sleep_ms": "Duration of the sleep action",
			"fail_next": "Fail the next n steps", "panic_next": "Panic on the next step",
		},
		GetArray: map[string]string{"density": "Counter grid", "counter": "Step count"},
		SetArray: map[string]string{"density": "Counter grid"},
	}
}

// Static is a model whose density never changes: a deterministic
// pseudo-random pattern drawn from seed.
type Static struct {
	nx, ny int
	seed   int64
	data   []float64
}

// NewStatic builds a static pattern with seed 12345.
func NewStatic(opts Options) (dispatch.Model, error) {
	if err := validateGrid(opts); err != nil {
		return nil, err
	}
	s := &Static{nx: opts.Nx, ny: opts.Ny, seed: 12345}
	s.render()
	return s, nil
}

func (s *Static) render() {
	s.data = make([]float64, s.nx*s.ny)
	state := uint64(s.seed) | 1
	for i := range s.data {
		state = xorshift64(state)
		s.data[i] = float64(state%1000) / 1000
	}
}

// xorshift64 implements a 64-bit xorshift PRNG.
// This is a pure function: same input → same output.
func xorshift64(state uint64) uint64 {
	state ^= state << 13
	state ^= state >> 7
	state ^= state << 17
	return state
}

// Step does nothing.
func (s *Static) Step(n int) error {
	return nil
}

// Get returns "seed" or "Nxy".
func (s *Static) Get(name string) (interface{}, error) {
	switch name {
	case "seed":
		return s.seed, nil
	case "Nxy":
		return [2]int{s.nx, s.ny}, nil
	}
	return nil, dispatch.UnknownTarget("parameter", name)
}

// Set accepts "seed" and redraws the pattern.
func (s *Static) Set(name string, value json.RawMessage) error {
	if name != "seed" {
		return dispatch.UnknownTarget("parameter", name)
	}
	if err := json.Unmarshal(value, &s.seed); err != nil {
		return dispatch.BadPayload("seed expects an integer: %v", err)
	}
	s.render()
	return nil
}

// GetArray returns the pattern as "density".
func (s *Static) GetArray(name string) (*protocol.Array, error) {
	if name != "density" {
		return nil, dispatch.UnknownTarget("array", name)
	}
	return protocol.NewFloat64([]int{s.nx, s.ny}, s.data)
}

// SetArray is not supported.
func (s *Static) SetArray(name string, a *protocol.Array) error {
	return dispatch.UnknownTarget("array", name)
}

// Do is not supported.
func (s *Static) Do(action string) error {
	return dispatch.UnknownTarget("action", action)
}

// Commands describes the static model's surface.
func (s *Static) Commands() models.AvailableCommands {
	return models.AvailableCommands{
		Do:       map[string]string{},
		Get:      map[string]string{"seed": "Pattern seed", "Nxy": "Grid size"},
		Set:      map[string]string{"seed": "Pattern seed"},
		GetArray: map[string]string{"density": "Static pattern"},
		SetArray: map[string]string{},
	}
}
