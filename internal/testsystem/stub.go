package testsystem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"constph/internal/model"
	"constph/internal/ncmc"
)

// EnergyFn maps the parameters currently applied to an energy in kJ/mol.
type EnergyFn func(params map[int]model.ParticleParameters) float64

// Stub is an engine without dynamics: its energy is a function of the applied
// parameters only, and Step just counts.
type Stub struct {
	Energy EnergyFn
	// Fail makes the named operation ("set", "energy", "step", "snapshot", "restore")
	// return an error.
	Fail map[string]error

	mu        sync.Mutex
	params    map[int]model.ParticleParameters
	Pushes    int
	Energies  int
	Steps     int
	Snapshots int
	Restores  int
}

func NewStub(energy EnergyFn) *Stub {
	return &Stub{Energy: energy, params: map[int]model.ParticleParameters{}}
}

func (s *Stub) SetParameters(_ context.Context, params []model.ParticleParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["set"]; err != nil {
		return err
	}
	if s.params == nil {
		s.params = map[int]model.ParticleParameters{}
	}
	for _, p := range params {
		s.params[p.Index] = p
	}
	s.Pushes++
	return nil
}

func (s *Stub) PotentialEnergy(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["energy"]; err != nil {
		return 0, err
	}
	s.Energies++
	if s.Energy == nil {
		return 0, nil
	}
	return s.Energy(s.params), nil
}

func (s *Stub) Step(_ context.Context, steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["step"]; err != nil {
		return err
	}
	if steps < 0 {
		return fmt.Errorf("negative step count %d", steps)
	}
	s.Steps += steps
	return nil
}

func (s *Stub) Snapshot(_ context.Context) (ncmc.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["snapshot"]; err != nil {
		return ncmc.Snapshot{}, err
	}
	s.Snapshots++
	return ncmc.Snapshot{}, nil
}

func (s *Stub) Restore(_ context.Context, _ ncmc.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["restore"]; err != nil {
		return err
	}
	s.Restores++
	return nil
}

// Parameters returns the applied parameters ordered by particle index.
func (s *Stub) Parameters() []model.ParticleParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ParticleParameters, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ChargeEnergy is an EnergyFn that charges coeff kJ/mol per unit of charge on each
// listed particle. It gives a switch a work value that depends only on its endpoints.
func ChargeEnergy(coeff map[int]float64) EnergyFn {
	indices := make([]int, 0, len(coeff))
	for idx := range coeff {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return func(params map[int]model.ParticleParameters) float64 {
		var e float64
		for _, idx := range indices {
			e += coeff[idx] * params[idx].Charge
		}
		return e
	}
}
