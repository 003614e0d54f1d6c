package model

import "fmt"

func (g TitrationGroup) State(index int) (TitrationState, error) {
	if index < 0 || index >= len(g.States) {
		return TitrationState{}, fmt.Errorf("%w: group %q has no state %d", ErrIndex, g.Name, index)
	}
	return g.States[index], nil
}

// Validate checks that every state describes the same particles in the same order and
// that the current state exists.
func (g TitrationGroup) Validate() error {
	if len(g.States) == 0 {
		return fmt.Errorf("%w: group %q has no states", ErrConfig, g.Name)
	}
	if g.Current < 0 || g.Current >= len(g.States) {
		return fmt.Errorf("%w: group %q current state %d", ErrIndex, g.Name, g.Current)
	}
	ref := g.States[0].Particles
	for i, state := range g.States[1:] {
		if len(state.Particles) != len(ref) {
			return fmt.Errorf("%w: group %q state %d has %d particles, state 0 has %d", ErrConfig, g.Name, i+1, len(state.Particles), len(ref))
		}
		for j, p := range state.Particles {
			if p.Index != ref[j].Index {
				return fmt.Errorf("%w: group %q state %d particle %d is atom %d, want %d", ErrConfig, g.Name, i+1, j, p.Index, ref[j].Index)
			}
		}
	}
	return nil
}

func CloneGroup(g TitrationGroup) TitrationGroup {
	out := g
	out.States = make([]TitrationState, len(g.States))
	for i, s := range g.States {
		out.States[i] = s
		out.States[i].Particles = append([]ParticleParameters(nil), s.Particles...)
	}
	return out
}

func CloneGroups(groups []TitrationGroup) []TitrationGroup {
	out := make([]TitrationGroup, len(groups))
	for i := range groups {
		out[i] = CloneGroup(groups[i])
	}
	return out
}

func ValidatePool(pool Pool, groupCount int) error {
	if pool.Name == "" {
		return fmt.Errorf("%w: pool name is required", ErrConfig)
	}
	if len(pool.Groups) == 0 {
		return fmt.Errorf("%w: pool %q is empty", ErrConfig, pool.Name)
	}
	for _, idx := range pool.Groups {
		if idx < 0 || idx >= groupCount {
			return fmt.Errorf("%w: pool %q references group %d of %d", ErrIndex, pool.Name, idx, groupCount)
		}
	}
	return nil
}

// JointSize is the number of combined states of the given groups.
func JointSize(groups []TitrationGroup) int {
	size := 1
	for _, g := range groups {
		size *= len(g.States)
	}
	return size
}

// JointIndex encodes per-group state indices as a mixed-radix integer with group 0
// as the least significant digit.
func JointIndex(groups []TitrationGroup, states []int) (int, error) {
	if len(states) != len(groups) {
		return 0, fmt.Errorf("%w: %d states for %d groups", ErrIndex, len(states), len(groups))
	}
	index := 0
	stride := 1
	for i, g := range groups {
		if states[i] < 0 || states[i] >= len(g.States) {
			return 0, fmt.Errorf("%w: group %d state %d", ErrIndex, i, states[i])
		}
		index += states[i] * stride
		stride *= len(g.States)
	}
	return index, nil
}

func DecodeJointIndex(groups []TitrationGroup, index int) ([]int, error) {
	if index < 0 || index >= JointSize(groups) {
		return nil, fmt.Errorf("%w: joint state %d", ErrIndex, index)
	}
	states := make([]int, len(groups))
	for i, g := range groups {
		n := len(g.States)
		states[i] = index % n
		index /= n
	}
	return states, nil
}

func CurrentStates(groups []TitrationGroup) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = g.Current
	}
	return out
}
