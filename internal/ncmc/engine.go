package ncmc

import (
	"context"

	"constph/internal/model"
)

// Engine is the narrow slice of a molecular simulation engine the driver consumes.
// Energies are in kJ/mol. Calls block until the engine has finished.
type Engine interface {
	SetParameters(ctx context.Context, params []model.ParticleParameters) error
	PotentialEnergy(ctx context.Context) (float64, error)
	Step(ctx context.Context, steps int) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Restore(ctx context.Context, snapshot Snapshot) error
}

// Snapshot holds the dynamical state restored when a switch is rejected.
type Snapshot struct {
	Positions  [][3]float64 `json:"positions"`
	Velocities [][3]float64 `json:"velocities"`
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Positions:  append([][3]float64(nil), s.Positions...),
		Velocities: append([][3]float64(nil), s.Velocities...),
	}
}

// BoltzmannKJ is k_B in kJ/(mol K).
const BoltzmannKJ = 0.008314462618

// Beta returns 1/(k_B T) in mol/kJ.
func Beta(temperatureK float64) float64 {
	if temperatureK <= 0 {
		return 0
	}
	return 1 / (BoltzmannKJ * temperatureK)
}
