package params

import (
	"fmt"

	"constph/internal/model"
)

// Provider maps a group transition to the two parameter endpoints pushed into the
// simulation context. Force-field and tautomer behaviour differ only here.
type Provider interface {
	Name() string
	Endpoints(group model.TitrationGroup, from, to int) ([]model.ParticleParameters, []model.ParticleParameters, error)
}

// ForceField uses each state's particle table verbatim.
type ForceField struct{}

func (ForceField) Name() string { return "forcefield" }

func (ForceField) Endpoints(group model.TitrationGroup, from, to int) ([]model.ParticleParameters, []model.ParticleParameters, error) {
	a, err := group.State(from)
	if err != nil {
		return nil, nil, err
	}
	b, err := group.State(to)
	if err != nil {
		return nil, nil, err
	}
	return append([]model.ParticleParameters(nil), a.Particles...), append([]model.ParticleParameters(nil), b.Particles...), nil
}

// Tautomer treats a particle with zero charge and zero epsilon as absent from that
// tautomer. Absent particles switch through a soft-core dummy (Sterics 0) and keep
// the sigma of the endpoint in which they exist.
type Tautomer struct{}

func (Tautomer) Name() string { return "tautomer" }

func (Tautomer) Endpoints(group model.TitrationGroup, from, to int) ([]model.ParticleParameters, []model.ParticleParameters, error) {
	a, b, err := ForceField{}.Endpoints(group, from, to)
	if err != nil {
		return nil, nil, err
	}
	for i := range a {
		aDummy, bDummy := isDummy(a[i]), isDummy(b[i])
		switch {
		case aDummy && bDummy:
			a[i].Sterics, b[i].Sterics = 0, 0
		case aDummy:
			a[i].Sterics = 0
			a[i].Sigma = b[i].Sigma
		case bDummy:
			b[i].Sterics = 0
			b[i].Sigma = a[i].Sigma
		}
	}
	return a, b, nil
}

func isDummy(p model.ParticleParameters) bool {
	return p.Charge == 0 && p.Epsilon == 0
}

func ProviderFromName(name string) (Provider, error) {
	switch NormalizeProviderName(name) {
	case "forcefield":
		return ForceField{}, nil
	case "tautomer":
		return Tautomer{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported parameter provider: %s", model.ErrConfig, name)
	}
}

func NormalizeProviderName(name string) string {
	switch name {
	case "", "forcefield", "force_field", "amber":
		return "forcefield"
	case "tautomer", "tautomers":
		return "tautomer"
	default:
		return name
	}
}

// Transition is one group's part of a switch.
type Transition struct {
	Group int
	From  int
	To    int
	start []model.ParticleParameters
	end   []model.ParticleParameters
}

// Plan resolves the endpoints of every transition once so each lambda step is a pure
// interpolation.
type Plan struct {
	transitions []Transition
}

func NewPlan(provider Provider, groups []model.TitrationGroup, transitions []Transition) (*Plan, error) {
	if provider == nil {
		provider = ForceField{}
	}
	out := make([]Transition, len(transitions))
	for i, tr := range transitions {
		if tr.Group < 0 || tr.Group >= len(groups) {
			return nil, fmt.Errorf("%w: group %d of %d", model.ErrIndex, tr.Group, len(groups))
		}
		a, b, err := provider.Endpoints(groups[tr.Group], tr.From, tr.To)
		if err != nil {
			return nil, err
		}
		tr.start, tr.end = a, b
		out[i] = tr
	}
	return &Plan{transitions: out}, nil
}

func (p *Plan) Transitions() []Transition {
	return p.transitions
}

// At returns the concatenated parameters of all transitions at lambda.
func (p *Plan) At(lambda float64) ([]model.ParticleParameters, error) {
	var out []model.ParticleParameters
	for _, tr := range p.transitions {
		values, err := Interpolate(tr.start, tr.end, lambda)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", tr.Group, err)
		}
		out = append(out, values...)
	}
	return out, nil
}

// Endpoints returns copies of the parameters the transition starts and ends at.
func (t Transition) Endpoints() ([]model.ParticleParameters, []model.ParticleParameters) {
	return append([]model.ParticleParameters(nil), t.start...), append([]model.ParticleParameters(nil), t.end...)
}
