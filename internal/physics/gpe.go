package physics

import (
	"encoding/json"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/floats"

	"github.com/super-hydro/superhydro/internal/dispatch"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
)

// BEC evolves a 2D Gross-Pitaevskii condensate with a split-operator
// scheme on a periodic lattice. A Gaussian "finger" potential centred on
// xy0 stirs the fluid; cooling rotates time into the complex plane to
// dissipate energy.
type BEC struct {
	nx, ny int

	hbar, m, dx, dt float64
	g, n0, cooling  float64
	v0mu, r0        float64
	xy0             [2]float64

	t      float64
	n      float64 // particle number conserved under cooling
	x, y   []float64
	k2     [][]float64
	vExt   [][]float64
	phase  complex128
	psi    [][]complex128
	saved  [][]complex128
	savedT float64

	floats map[string]floatParam
}

// NewBEC builds a condensate at rest with uniform density n0.
func NewBEC(opts Options) (dispatch.Model, error) {
	if err := validateGrid(opts); err != nil {
		return nil, err
	}
	b := &BEC{
		nx:      opts.Nx,
		ny:      opts.Ny,
		hbar:    1.0,
		m:       1.0,
		dx:      1.0,
		dt:      0.1,
		g:       1.0,
		n0:      1.0,
		cooling: 0.01,
		v0mu:    0.5,
		r0:      1.0,
	}
	b.floats = map[string]floatParam{
		"cooling": {ptr: &b.cooling, doc: "Cooling", check: nonNegative},
		"V0_mu":   {ptr: &b.v0mu, doc: "Finger potential depth in units of mu"},
		"r0":      {ptr: &b.r0, doc: "Finger potential radius", check: positive},
		"dt":      {ptr: &b.dt, doc: "Integration time step", check: positive},
		"g":       {ptr: &b.g, doc: "Interaction strength", check: nonNegative},
	}
	b.init()
	b.psi = make([][]complex128, b.nx)
	amp := complex(math.Sqrt(b.n0), 0)
	for i := range b.psi {
		b.psi[i] = make([]complex128, b.ny)
		for j := range b.psi[i] {
			b.psi[i][j] = amp
		}
	}
	b.n = b.particleNumber()
	return b, nil
}

// init recomputes the grids and operators derived from parameters.
func (b *BEC) init() {
	lx, ly := float64(b.nx)*b.dx, float64(b.ny)*b.dx
	b.x = make([]float64, b.nx)
	b.y = make([]float64, b.ny)
	if b.nx > 1 {
		floats.Span(b.x, -lx/2, lx/2-b.dx)
	}
	if b.ny > 1 {
		floats.Span(b.y, -ly/2, ly/2-b.dx)
	}

	kx := fftFreq(b.nx, b.dx)
	ky := fftFreq(b.ny, b.dx)
	b.k2 = make([][]float64, b.nx)
	for i := range b.k2 {
		b.k2[i] = make([]float64, b.ny)
		for j := range b.k2[i] {
			b.k2[i][j] = kx[i]*kx[i] + ky[j]*ky[j]
		}
	}

	cp := complex(1, b.cooling)
	cp /= complex(cmplx.Abs(cp), 0)
	b.phase = -1i / complex(b.hbar, 0) / cp

	b.updatePotential()
}

func (b *BEC) mu() float64 {
	return b.g * b.n0
}

func (b *BEC) updatePotential() {
	v0 := b.v0mu * b.mu()
	b.vExt = make([][]float64, b.nx)
	for i := range b.vExt {
		b.vExt[i] = make([]float64, b.ny)
		for j := range b.vExt[i] {
			dx := b.x[i] - b.xy0[0]
			dy := b.y[j] - b.xy0[1]
			b.vExt[i][j] = v0 * math.Exp(-(dx*dx+dy*dy)/(2*b.r0*b.r0))
		}
	}
}

// fftFreq mirrors numpy's 2*pi*fftfreq(n, d).
func fftFreq(n int, d float64) []float64 {
	k := make([]float64, n)
	for i := range k {
		f := i
		if i >= (n+1)/2 {
			f = i - n
		}
		k[i] = 2 * math.Pi * float64(f) / (float64(n) * d)
	}
	return k
}

func (b *BEC) applyExpK(factor float64) {
	psik := fft.FFT2(b.psi)
	c := b.phase * complex(b.dt*factor*b.hbar*b.hbar/(2*b.m), 0)
	for i := range psik {
		for j := range psik[i] {
			psik[i][j] *= cmplx.Exp(c * complex(b.k2[i][j], 0))
		}
	}
	b.psi = fft.IFFT2(psik)
}

func (b *BEC) applyExpV(factor float64) {
	mu := b.mu()
	c := b.phase * complex(b.dt*factor, 0)
	for i := range b.psi {
		for j, p := range b.psi[i] {
			n := real(p)*real(p) + imag(p)*imag(p)
			v := b.vExt[i][j] + b.g*n - mu
			b.psi[i][j] = p * cmplx.Exp(c*complex(v, 0))
		}
	}
}

// Step advances n Strang-split time steps.
func (b *BEC) Step(n int) error {
	for s := 0; s < n; s++ {
		b.applyExpK(0.5)
		b.applyExpV(1)
		b.applyExpK(0.5)
		b.t += b.dt
	}
	if b.cooling != 0 {
		b.normalize()
	}
	if !b.finite() {
		return fmt.Errorf("wavefunction diverged at t=%g", b.t)
	}
	return nil
}

func (b *BEC) normalize() {
	n := b.particleNumber()
	if n == 0 {
		return
	}
	scale := complex(math.Sqrt(b.n/n), 0)
	for i := range b.psi {
		for j := range b.psi[i] {
			b.psi[i][j] *= scale
		}
	}
}

func (b *BEC) finite() bool {
	for i := range b.psi {
		for _, p := range b.psi[i] {
			if cmplx.IsNaN(p) || cmplx.IsInf(p) {
				return false
			}
		}
	}
	return true
}

func (b *BEC) density() []float64 {
	out := make([]float64, 0, b.nx*b.ny)
	for i := range b.psi {
		for _, p := range b.psi[i] {
			out = append(out, real(p)*real(p)+imag(p)*imag(p))
		}
	}
	return out
}

func (b *BEC) particleNumber() float64 {
	return floats.Sum(b.density()) * b.dx * b.dx
}

// Checkpoint records psi so a failed step can be undone.
func (b *BEC) Checkpoint() error {
	if len(b.saved) != b.nx {
		b.saved = make([][]complex128, b.nx)
		for i := range b.saved {
			b.saved[i] = make([]complex128, b.ny)
		}
	}
	for i := range b.psi {
		copy(b.saved[i], b.psi[i])
	}
	b.savedT = b.t
	return nil
}

// Rollback restores the last checkpoint.
func (b *BEC) Rollback() error {
	if len(b.saved) != b.nx {
		return fmt.Errorf("no checkpoint recorded")
	}
	for i := range b.saved {
		copy(b.psi[i], b.saved[i])
	}
	b.t = b.savedT
	return nil
}

// Get returns a parameter or derived quantity.
func (b *BEC) Get(name string) (interface{}, error) {
	if p, ok := b.floats[name]; ok {
		return *p.ptr, nil
	}
	lx, ly := float64(b.nx)*b.dx, float64(b.ny)*b.dx
	switch name {
	case "Nx":
		return b.nx, nil
	case "Ny":
		return b.ny, nil
	case "Nxy":
		return [2]int{b.nx, b.ny}, nil
	case "dx":
		return b.dx, nil
	case "Lxy":
		return [2]float64{lx, ly}, nil
	case "t":
		return b.t, nil
	case "mu":
		return b.mu(), nil
	case "N":
		return b.particleNumber(), nil
	case "xy0":
		return b.xy0, nil
	case "Vpos":
		return [2]float64{b.xy0[0]/lx + 0.5, b.xy0[1]/ly + 0.5}, nil
	}
	return nil, dispatch.UnknownTarget("parameter", name)
}

// Set updates a parameter and recomputes derived operators.
func (b *BEC) Set(name string, value json.RawMessage) error {
	if p, ok := b.floats[name]; ok {
		if err := setFloat(p, name, value); err != nil {
			return err
		}
		b.init()
		return nil
	}
	switch name {
	case "xy0":
		var xy [2]float64
		if err := json.Unmarshal(value, &xy); err != nil {
			return dispatch.BadPayload("xy0 expects [x, y]: %v", err)
		}
		b.xy0 = xy
		b.updatePotential()
		return nil
	case "Vpos":
		var pos [2]float64
		if err := json.Unmarshal(value, &pos); err != nil {
			return dispatch.BadPayload("Vpos expects [x, y] in [0, 1]: %v", err)
		}
		lx, ly := float64(b.nx)*b.dx, float64(b.ny)*b.dx
		b.xy0 = [2]float64{(pos[0] - 0.5) * lx, (pos[1] - 0.5) * ly}
		b.updatePotential()
		return nil
	case "Nx", "Ny", "Nxy", "dx", "Lxy", "t", "mu", "N":
		return fmt.Errorf("%w: %s", dispatch.ErrReadOnly, name)
	}
	return dispatch.UnknownTarget("parameter", name)
}

// GetArray returns density, phase, potential or psi.
func (b *BEC) GetArray(name string) (*protocol.Array, error) {
	shape := []int{b.nx, b.ny}
	switch name {
	case "density":
		return protocol.NewFloat64(shape, b.density())
	case "phase":
		out := make([]float64, 0, b.nx*b.ny)
		for i := range b.psi {
			for _, p := range b.psi[i] {
				out = append(out, cmplx.Phase(p))
			}
		}
		return protocol.NewFloat64(shape, out)
	case "potential":
		out := make([]float64, 0, b.nx*b.ny)
		for i := range b.vExt {
			out = append(out, b.vExt[i]...)
		}
		return protocol.NewFloat64(shape, out)
	case "psi":
		out := make([]complex128, 0, b.nx*b.ny)
		for i := range b.psi {
			out = append(out, b.psi[i]...)
		}
		return protocol.NewComplex128(shape, out)
	}
	return nil, dispatch.UnknownTarget("array", name)
}

// SetArray replaces psi; the shape must match the grid.
func (b *BEC) SetArray(name string, a *protocol.Array) error {
	if name != "psi" {
		return dispatch.UnknownTarget("array", name)
	}
	if len(a.Shape) != 2 || a.Shape[0] != b.nx || a.Shape[1] != b.ny {
		return dispatch.BadPayload("psi must have shape [%d %d], got %v", b.nx, b.ny, a.Shape)
	}
	values, err := a.Complex128s()
	if err != nil {
		return dispatch.BadPayload("%v", err)
	}
	for i := range b.psi {
		copy(b.psi[i], values[i*b.ny:(i+1)*b.ny])
	}
	b.n = b.particleNumber()
	return nil
}

// Do performs a model action.
func (b *BEC) Do(action string) error {
	switch action {
	case "imprint_vortex":
		b.imprintVortex(b.xy0[0], b.xy0[1], 1)
		return nil
	case "imprint_antivortex":
		b.imprintVortex(b.xy0[0], b.xy0[1], -1)
		return nil
	}
	return dispatch.UnknownTarget("action", action)
}

// imprintVortex multiplies psi by the phase winding around (x0, y0).
func (b *BEC) imprintVortex(x0, y0 float64, charge int) {
	for i := range b.psi {
		for j := range b.psi[i] {
			theta := math.Atan2(b.y[j]-y0, b.x[i]-x0)
			b.psi[i][j] *= cmplx.Exp(complex(0, float64(charge)*theta))
		}
	}
}

// Commands describes the model's surface.
func (b *BEC) Commands() models.AvailableCommands {
	cmds := models.AvailableCommands{
		Do: map[string]string{
			"imprint_vortex":     "Imprint a vortex at the finger position",
			"imprint_antivortex": "Imprint an antivortex at the finger position",
		},
		Get: map[string]string{
			"Nx": "Horizontal grid resolution", "Ny": "Vertical grid resolution",
			"Nxy": "Grid size", "dx": "Lattice spacing", "Lxy": "Box size",
			"t": "Simulation time", "mu": "Chemical potential", "N": "Particle number",
			"xy0": "Finger position", "Vpos": "Finger position in frame units",
		},
		Set: map[string]string{
			"xy0": "Finger position", "Vpos": "Finger position in frame units",
		},
		GetArray: map[string]string{
			"density": "Density |psi|^2", "phase": "Phase of psi",
			"potential": "External potential", "psi": "Wavefunction",
		},
		SetArray: map[string]string{"psi": "Wavefunction"},
	}
	for name, p := range b.floats {
		cmds.Get[name] = p.doc
		cmds.Set[name] = p.doc
	}
	return cmds
}

// DensityRange returns the extremes of a density frame, used by viewers
// to normalise colour maps.
func DensityRange(density []float64) (lo, hi float64) {
	if len(density) == 0 {
		return 0, 0
	}
	return floats.Min(density), floats.Max(density)
}
