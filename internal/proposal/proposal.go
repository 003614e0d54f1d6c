package proposal

import (
	"errors"
	"fmt"
	"math/rand"

	"constph/internal/model"
)

// Move switches one group from its current state to another.
type Move struct {
	Group int `json:"group"`
	From  int `json:"from"`
	To    int `json:"to"`
}

// Proposal is the candidate of one attempt. A proposal with no moves is skipped by
// the driver and never counted.
type Proposal struct {
	Moves []Move `json:"moves"`
}

func (p Proposal) Empty() bool { return len(p.Moves) == 0 }

// Target returns the candidate state of every group, current states elsewhere.
func (p Proposal) Target(groups []model.TitrationGroup) []int {
	states := model.CurrentStates(groups)
	for _, m := range p.Moves {
		states[m.Group] = m.To
	}
	return states
}

// Proposer picks the candidate states for one attempt among the groups in scope.
type Proposer interface {
	Name() string
	Propose(groups []model.TitrationGroup, scope []int) (Proposal, error)
}

// Uniform selects SitesPerUpdate distinct groups from scope and draws a new state for
// each uniformly over all of its states. Draws that land on the current state drop
// that group from the move.
type Uniform struct {
	Rand           *rand.Rand
	SitesPerUpdate int
}

func (Uniform) Name() string { return "uniform" }

func (u Uniform) Propose(groups []model.TitrationGroup, scope []int) (Proposal, error) {
	if u.Rand == nil {
		return Proposal{}, errors.New("random source is required")
	}
	if err := checkScope(groups, scope); err != nil {
		return Proposal{}, err
	}
	sites := u.SitesPerUpdate
	if sites <= 0 {
		sites = 1
	}
	if sites > len(scope) {
		sites = len(scope)
	}

	picked := append([]int(nil), scope...)
	for i := 0; i < sites; i++ {
		j := i + u.Rand.Intn(len(picked)-i)
		picked[i], picked[j] = picked[j], picked[i]
	}

	var out Proposal
	for _, g := range picked[:sites] {
		group := groups[g]
		to := u.Rand.Intn(len(group.States))
		if to == group.Current {
			continue
		}
		out.Moves = append(out.Moves, Move{Group: g, From: group.Current, To: to})
	}
	return out, nil
}

// Importance moves every group in scope to its assigned state. It draws nothing.
type Importance struct {
	States []int
}

func (Importance) Name() string { return "importance" }

func (p Importance) Propose(groups []model.TitrationGroup, scope []int) (Proposal, error) {
	if len(p.States) != len(groups) {
		return Proposal{}, fmt.Errorf("%w: %d importance states for %d groups", model.ErrConfig, len(p.States), len(groups))
	}
	if err := checkScope(groups, scope); err != nil {
		return Proposal{}, err
	}
	var out Proposal
	for _, g := range scope {
		to := p.States[g]
		if to < 0 || to >= len(groups[g].States) {
			return Proposal{}, fmt.Errorf("%w: group %d has no state %d", model.ErrIndex, g, to)
		}
		if to == groups[g].Current {
			continue
		}
		out.Moves = append(out.Moves, Move{Group: g, From: groups[g].Current, To: to})
	}
	return out, nil
}

func checkScope(groups []model.TitrationGroup, scope []int) error {
	if len(scope) == 0 {
		return fmt.Errorf("%w: empty proposal scope", model.ErrConfig)
	}
	for _, g := range scope {
		if g < 0 || g >= len(groups) {
			return fmt.Errorf("%w: group %d of %d", model.ErrIndex, g, len(groups))
		}
	}
	return nil
}

// ProposerFromName builds the named proposal mode. importance requires the assigned
// states.
func ProposerFromName(name string, rng *rand.Rand, sitesPerUpdate int, importance []int) (Proposer, error) {
	switch NormalizeModeName(name) {
	case "uniform":
		return Uniform{Rand: rng, SitesPerUpdate: sitesPerUpdate}, nil
	case "importance":
		if len(importance) == 0 {
			return nil, fmt.Errorf("%w: importance sampling needs assigned states", model.ErrConfig)
		}
		return Importance{States: append([]int(nil), importance...)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported proposal mode: %s", model.ErrConfig, name)
	}
}

func NormalizeModeName(name string) string {
	switch name {
	case "", "uniform", "mcmc", "random":
		return "uniform"
	case "importance", "importance_sampling":
		return "importance"
	default:
		return name
	}
}
