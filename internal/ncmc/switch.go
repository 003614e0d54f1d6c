package ncmc

import (
	"context"
	"errors"
	"fmt"

	"constph/internal/model"
	"constph/internal/params"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePerturbing  Phase = "perturbing"
	PhasePropagating Phase = "propagating"
	PhaseDone        Phase = "done"
)

// Protocol parameterizes a switch. Perturbations == 0 is the instantaneous switch.
type Protocol struct {
	Perturbations       int
	PropagationsPerStep int
}

func (p Protocol) Validate() error {
	if p.Perturbations < 0 {
		return fmt.Errorf("%w: perturbations must be >= 0", model.ErrConfig)
	}
	if p.PropagationsPerStep < 0 {
		return fmt.Errorf("%w: propagations per step must be >= 0", model.ErrConfig)
	}
	return nil
}

func (p Protocol) Instantaneous() bool {
	return p.Perturbations == 0
}

// Result is the outcome of one switch. Work is dimensionless (already multiplied by
// beta). Trace holds the cumulative work after each perturbation.
type Result struct {
	Work          float64
	Trace         []float64
	Perturbations int
	Steps         int
}

// Switcher drives the perturb/propagate schedule of a single switch at a time.
type Switcher struct {
	protocol Protocol
	beta     float64
	phase    Phase
}

func NewSwitcher(protocol Protocol, beta float64) (*Switcher, error) {
	if err := protocol.Validate(); err != nil {
		return nil, err
	}
	if beta <= 0 {
		return nil, fmt.Errorf("%w: beta must be > 0", model.ErrConfig)
	}
	if protocol.PropagationsPerStep == 0 && protocol.Perturbations > 0 {
		protocol.PropagationsPerStep = 1
	}
	return &Switcher{protocol: protocol, beta: beta, phase: PhaseIdle}, nil
}

func (s *Switcher) Protocol() Protocol { return s.protocol }

func (s *Switcher) Phase() Phase { return s.phase }

// Run pushes the plan from lambda 0 to 1 into the engine and returns the accumulated
// work. The engine is left in the candidate state; committing or rolling back is the
// caller's responsibility.
func (s *Switcher) Run(ctx context.Context, engine Engine, plan *params.Plan) (Result, error) {
	if engine == nil {
		return Result{}, errors.New("engine is required")
	}
	if plan == nil {
		return Result{}, errors.New("switch plan is required")
	}
	if s.phase == PhasePerturbing || s.phase == PhasePropagating {
		return Result{}, fmt.Errorf("switch already in progress (%s)", s.phase)
	}

	schedule := params.Schedule(s.protocol.Perturbations)
	result := Result{Trace: make([]float64, 0, len(schedule))}
	s.phase = PhasePerturbing
	for _, lambda := range schedule {
		before, err := engine.PotentialEnergy(ctx)
		if err != nil {
			s.phase = PhaseIdle
			return Result{}, fmt.Errorf("energy before lambda %g: %w", lambda, err)
		}
		values, err := plan.At(lambda)
		if err != nil {
			s.phase = PhaseIdle
			return Result{}, err
		}
		if err := engine.SetParameters(ctx, values); err != nil {
			s.phase = PhaseIdle
			return Result{}, fmt.Errorf("push parameters at lambda %g: %w", lambda, err)
		}
		after, err := engine.PotentialEnergy(ctx)
		if err != nil {
			s.phase = PhaseIdle
			return Result{}, fmt.Errorf("energy after lambda %g: %w", lambda, err)
		}
		result.Work += s.beta * (after - before)
		result.Trace = append(result.Trace, result.Work)
		result.Perturbations++

		if s.protocol.Instantaneous() {
			continue
		}
		s.phase = PhasePropagating
		if err := engine.Step(ctx, s.protocol.PropagationsPerStep); err != nil {
			s.phase = PhaseIdle
			return Result{}, fmt.Errorf("propagate at lambda %g: %w", lambda, err)
		}
		result.Steps += s.protocol.PropagationsPerStep
		s.phase = PhasePerturbing
	}
	s.phase = PhaseDone
	return result, nil
}
