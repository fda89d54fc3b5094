// Package physics holds the models a computation server can run.
package physics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/super-hydro/superhydro/internal/dispatch"
)

// Options are the server-wide settings handed to every model factory.
type Options struct {
	Nx int
	Ny int
}

// Factory builds a fresh model instance.
type Factory func(opts Options) (dispatch.Model, error)

// Catalog maps model names (e.g. "gpe.BEC") to factories.
type Catalog struct {
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// DefaultCatalog returns the catalog with every built-in model.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register("gpe.BEC", NewBEC)
	c.Register("testing.Counter", NewCounter)
	c.Register("testing.Static", NewStatic)
	return c
}

// Register adds or replaces a factory.
func (c *Catalog) Register(name string, f Factory) {
	c.factories[name] = f
}

// Lookup returns the factory for name.
func (c *Catalog) Lookup(name string) (Factory, error) {
	f, ok := c.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	return f, nil
}

// Names returns the registered model names in order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// floatParam is a settable scalar parameter.
type floatParam struct {
	ptr   *float64
	doc   string
	check func(float64) error
}

func setFloat(p floatParam, name string, raw json.RawMessage) error {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return dispatch.BadPayload("%s expects a number: %v", name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return dispatch.BadPayload("%s must be finite", name)
	}
	if p.check != nil {
		if err := p.check(v); err != nil {
			return dispatch.BadPayload("%s: %v", name, err)
		}
	}
	*p.ptr = v
	return nil
}

func positive(v float64) error {
	if v <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func nonNegative(v float64) error {
	if v < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateGrid(opts Options) error {
	if opts.Nx <= 0 || opts.Ny <= 0 {
		return fmt.Errorf("grid dimensions (Nx, Ny) must be positive, got %dx%d", opts.Nx, opts.Ny)
	}
	return nil
}
