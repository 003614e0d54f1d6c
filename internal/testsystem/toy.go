package testsystem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"constph/internal/model"
	"constph/internal/ncmc"
)

// coulombKJ is 1/(4 pi eps0) in kJ nm/(mol e^2).
const coulombKJ = 138.935458

type ToyParticle struct {
	Position [3]float64
	Mass     float64
	// Restraint is the harmonic spring constant (kJ/mol/nm^2) tying the particle to
	// its starting position. Zero leaves it free.
	Restraint float64
	Params    model.ParticleParameters
}

type ToyConfig struct {
	Particles      []ToyParticle
	TemperatureK   float64
	TimestepPS     float64
	CollisionPerPS float64
	// SoftcoreAlpha scales the soft-core radius of partially decoupled particles.
	SoftcoreAlpha float64
	// CoulombSmoothing (nm^2) keeps the Coulomb term finite at contact.
	CoulombSmoothing float64
	Seed             int64
}

// Toy is a small point-particle system: harmonic restraints, smoothed Coulomb and
// soft-core Lennard-Jones pair terms, propagated with BAOAB Langevin dynamics.
type Toy struct {
	mu        sync.Mutex
	rand      *rand.Rand
	cfg       ToyConfig
	anchors   [][3]float64
	positions [][3]float64
	velocity  [][3]float64
	mass      []float64
	params    []model.ParticleParameters
	forces    [][3]float64
	stale     bool
}

func NewToy(cfg ToyConfig) (*Toy, error) {
	if len(cfg.Particles) == 0 {
		return nil, errors.New("toy system needs at least one particle")
	}
	if cfg.TemperatureK <= 0 {
		return nil, errors.New("temperature must be > 0")
	}
	if cfg.TimestepPS <= 0 {
		cfg.TimestepPS = 0.002
	}
	if cfg.CollisionPerPS <= 0 {
		cfg.CollisionPerPS = 1.0
	}
	if cfg.SoftcoreAlpha <= 0 {
		cfg.SoftcoreAlpha = 0.5
	}
	if cfg.CoulombSmoothing <= 0 {
		cfg.CoulombSmoothing = 0.01
	}
	t := &Toy{
		rand:  rand.New(rand.NewSource(cfg.Seed)),
		cfg:   cfg,
		stale: true,
	}
	n := len(cfg.Particles)
	t.anchors = make([][3]float64, n)
	t.positions = make([][3]float64, n)
	t.velocity = make([][3]float64, n)
	t.mass = make([]float64, n)
	t.params = make([]model.ParticleParameters, n)
	t.forces = make([][3]float64, n)
	for i, p := range cfg.Particles {
		if p.Mass <= 0 {
			return nil, fmt.Errorf("particle %d: mass must be > 0", i)
		}
		t.anchors[i] = p.Position
		t.positions[i] = p.Position
		t.mass[i] = p.Mass
		t.params[i] = p.Params
		t.params[i].Index = i
	}
	t.thermalize()
	return t, nil
}

func (t *Toy) thermalize() {
	kT := ncmc.BoltzmannKJ * t.cfg.TemperatureK
	for i := range t.velocity {
		sd := math.Sqrt(kT / t.mass[i])
		for d := 0; d < 3; d++ {
			t.velocity[i][d] = sd * t.rand.NormFloat64()
		}
	}
}

func (t *Toy) SetParameters(_ context.Context, params []model.ParticleParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range params {
		if p.Index < 0 || p.Index >= len(t.params) {
			return fmt.Errorf("particle %d out of range (%d particles)", p.Index, len(t.params))
		}
	}
	for _, p := range params {
		t.params[p.Index] = p
	}
	t.stale = true
	return nil
}

func (t *Toy) PotentialEnergy(_ context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.energy(), nil
}

func (t *Toy) Step(ctx context.Context, steps int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if steps < 0 {
		return fmt.Errorf("negative step count %d", steps)
	}
	dt := t.cfg.TimestepPS
	a := math.Exp(-t.cfg.CollisionPerPS * dt)
	noise := math.Sqrt(1 - a*a)
	kT := ncmc.BoltzmannKJ * t.cfg.TemperatureK
	for s := 0; s < steps; s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.stale {
			t.computeForces()
		}
		for i := range t.positions {
			for d := 0; d < 3; d++ {
				t.velocity[i][d] += 0.5 * dt * t.forces[i][d] / t.mass[i]
				t.positions[i][d] += 0.5 * dt * t.velocity[i][d]
			}
		}
		for i := range t.velocity {
			sd := noise * math.Sqrt(kT/t.mass[i])
			for d := 0; d < 3; d++ {
				t.velocity[i][d] = a*t.velocity[i][d] + sd*t.rand.NormFloat64()
			}
		}
		for i := range t.positions {
			for d := 0; d < 3; d++ {
				t.positions[i][d] += 0.5 * dt * t.velocity[i][d]
			}
		}
		t.computeForces()
		for i := range t.velocity {
			for d := 0; d < 3; d++ {
				t.velocity[i][d] += 0.5 * dt * t.forces[i][d] / t.mass[i]
			}
		}
	}
	return nil
}

func (t *Toy) Snapshot(_ context.Context) (ncmc.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ncmc.Snapshot{Positions: t.positions, Velocities: t.velocity}.Clone(), nil
}

func (t *Toy) Restore(_ context.Context, snapshot ncmc.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(snapshot.Positions) != len(t.positions) || len(snapshot.Velocities) != len(t.velocity) {
		return fmt.Errorf("snapshot has %d/%d particles, system has %d", len(snapshot.Positions), len(snapshot.Velocities), len(t.positions))
	}
	copy(t.positions, snapshot.Positions)
	copy(t.velocity, snapshot.Velocities)
	t.stale = true
	return nil
}

func (t *Toy) Parameters() []model.ParticleParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.ParticleParameters(nil), t.params...)
}

func (t *Toy) Positions() [][3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][3]float64(nil), t.positions...)
}

func (t *Toy) energy() float64 {
	var e float64
	for i := range t.positions {
		k := t.cfg.Particles[i].Restraint
		if k == 0 {
			continue
		}
		d2 := dist2(t.positions[i], t.anchors[i])
		e += 0.5 * k * d2
	}
	for i := 0; i < len(t.positions); i++ {
		for j := i + 1; j < len(t.positions); j++ {
			e += t.pairEnergy(i, j)
		}
	}
	return e
}

func (t *Toy) pairEnergy(i, j int) float64 {
	pi, pj := t.params[i], t.params[j]
	r2 := dist2(t.positions[i], t.positions[j])
	e := coulombKJ * pi.Charge * pj.Charge / math.Sqrt(r2+t.cfg.CoulombSmoothing)

	sigma := 0.5 * (pi.Sigma + pj.Sigma)
	eps := math.Sqrt(pi.Epsilon * pj.Epsilon)
	lambda := math.Min(pi.Sterics, pj.Sterics)
	if sigma == 0 || eps == 0 || lambda == 0 {
		return e
	}
	s6 := math.Pow(sigma, 6)
	u := t.cfg.SoftcoreAlpha*s6*(1-lambda) + r2*r2*r2
	x := s6 / u
	return e + 4*eps*lambda*(x*x-x)
}

func (t *Toy) computeForces() {
	for i := range t.forces {
		t.forces[i] = [3]float64{}
		k := t.cfg.Particles[i].Restraint
		for d := 0; d < 3; d++ {
			t.forces[i][d] = -k * (t.positions[i][d] - t.anchors[i][d])
		}
	}
	for i := 0; i < len(t.positions); i++ {
		for j := i + 1; j < len(t.positions); j++ {
			// scale is -dE/dr / r, so the force on i is scale * (x_i - x_j).
			scale := t.pairForceScale(i, j)
			for d := 0; d < 3; d++ {
				f := scale * (t.positions[i][d] - t.positions[j][d])
				t.forces[i][d] += f
				t.forces[j][d] -= f
			}
		}
	}
	t.stale = false
}

func (t *Toy) pairForceScale(i, j int) float64 {
	pi, pj := t.params[i], t.params[j]
	r2 := dist2(t.positions[i], t.positions[j])
	soft := r2 + t.cfg.CoulombSmoothing
	scale := coulombKJ * pi.Charge * pj.Charge / (soft * math.Sqrt(soft))

	sigma := 0.5 * (pi.Sigma + pj.Sigma)
	eps := math.Sqrt(pi.Epsilon * pj.Epsilon)
	lambda := math.Min(pi.Sterics, pj.Sterics)
	if sigma == 0 || eps == 0 || lambda == 0 {
		return scale
	}
	s6 := math.Pow(sigma, 6)
	u := t.cfg.SoftcoreAlpha*s6*(1-lambda) + r2*r2*r2
	dEdu := 4 * eps * lambda * (-2*s6*s6/(u*u*u) + s6/(u*u))
	return scale - dEdu*6*r2*r2
}

func dist2(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dx*dx + dy*dy + dz*dz
}
