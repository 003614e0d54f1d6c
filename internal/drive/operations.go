package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"constph/internal/model"
	"constph/internal/sams"
)

// CalibrationPool is the pool defined for a one-site calibration so updates can be
// restricted to the calibrated group.
const CalibrationPool = "calibration"

// maxJointStates bounds the weight vector of a multi-site calibration.
const maxJointStates = 1 << 20

// SetTitrationState forces group into state. updateContext pushes the state's
// parameters into the engine, updateSideEffects notifies the side-effect collaborator.
func (d *Driver) SetTitrationState(ctx context.Context, group, state int, updateContext, updateSideEffects bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if group < 0 || group >= len(d.groups) {
		return fmt.Errorf("%w: group %d of %d", model.ErrIndex, group, len(d.groups))
	}
	g := d.groups[group]
	if _, err := g.State(state); err != nil {
		return err
	}
	from := g.Current
	if updateContext {
		rest, _, err := d.provider.Endpoints(g, state, state)
		if err != nil {
			return err
		}
		if err := d.engine.SetParameters(ctx, rest); err != nil {
			return fmt.Errorf("push state %d of group %d: %w", state, group, err)
		}
	}
	d.groups[group].Current = state
	if updateSideEffects && d.sideEffects != nil && from != state {
		if err := d.sideEffects.ApplyTransition(ctx, group, from, state); err != nil {
			return fmt.Errorf("side effects of group %d %d->%d: %w", group, from, state, err)
		}
	}
	d.logger.Debug("titration state set", "group", group, "from", from, "to", state, "context", updateContext)
	return nil
}

// EnableCalibration starts a new calibration, replacing any previous one. One-site
// calibration also defines the calibration pool when the group is not pooled yet.
func (d *Driver) EnableCalibration(cfg sams.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sampling == model.SamplingImportance {
		return fmt.Errorf("%w: calibration cannot be combined with importance sampling", model.ErrConfig)
	}
	cfg = cfg.WithDefaults()
	var (
		size  int
		group = -1
	)
	switch cfg.Approach {
	case model.ApproachOneSite:
		group = cfg.GroupIndex
		if group == -1 {
			group = len(d.groups) - 1
		}
		if group < 0 || group >= len(d.groups) {
			return fmt.Errorf("%w: calibration group %d of %d", model.ErrIndex, cfg.GroupIndex, len(d.groups))
		}
		size = len(d.groups[group].States)
	case model.ApproachMultiSite:
		size = 1
		for _, g := range d.groups {
			size *= len(g.States)
			if size > maxJointStates {
				return fmt.Errorf("%w: joint state space exceeds %d states", model.ErrConfig, maxJointStates)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported calibration approach: %s", model.ErrConfig, cfg.Approach)
	}
	engine, err := sams.New(cfg, size, group)
	if err != nil {
		return err
	}
	d.calibration = engine
	if cfg.Approach == model.ApproachOneSite && !d.pooled(group) {
		if _, exists := d.pools[CalibrationPool]; !exists {
			d.pools[CalibrationPool] = []int{group}
		}
	}
	d.logger.Info("calibration enabled",
		"approach", cfg.Approach,
		"group", group,
		"update_rule", cfg.UpdateRule,
		"states", size,
		"min_burn", cfg.MinBurn,
	)
	return nil
}

// DefinePools registers named pools, replacing pools of the same name. A group may
// belong to at most one pool.
func (d *Driver) DefinePools(pools map[string][]int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string][]int, len(d.pools)+len(pools))
	for name, groups := range d.pools {
		next[name] = groups
	}
	for name, groups := range pools {
		if err := model.ValidatePool(model.Pool{Name: name, Groups: groups}, len(d.groups)); err != nil {
			return err
		}
		next[name] = append([]int(nil), groups...)
	}
	owner := map[int]string{}
	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, g := range next[name] {
			if prev, ok := owner[g]; ok && prev != name {
				return fmt.Errorf("%w: group %d is in pools %q and %q", model.ErrConfig, g, prev, name)
			}
			owner[g] = name
		}
	}
	d.pools = next
	return nil
}

func (d *Driver) pooled(group int) bool {
	for _, groups := range d.pools {
		for _, g := range groups {
			if g == group {
				return true
			}
		}
	}
	return false
}

// ImportGKValues installs reference free energies keyed by residue name. Keys starting
// with "_" are comments. Every group of a named residue receives the values, which must
// be a flat list with one number per state. Nothing is installed if any entry is
// invalid.
func (d *Driver) ImportGKValues(values map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	parsed := map[string][]float64{}
	for name, raw := range values {
		if strings.HasPrefix(name, "_") {
			continue
		}
		gk, err := flatFloats(raw)
		if err != nil {
			return fmt.Errorf("%w: reference free energies for %q: %v", model.ErrConfig, name, err)
		}
		parsed[name] = gk
	}
	for _, g := range d.groups {
		gk, ok := parsed[g.Residue]
		if !ok {
			continue
		}
		if len(gk) != len(g.States) {
			return fmt.Errorf("%w: %d reference free energies for group %q with %d states", model.ErrConfig, len(gk), g.Name, len(g.States))
		}
	}
	for i, g := range d.groups {
		gk, ok := parsed[g.Residue]
		if !ok {
			continue
		}
		for s := range d.groups[i].States {
			d.groups[i].States[s].GK = gk[s]
		}
	}
	return nil
}

func flatFloats(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []int:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []any:
		out := make([]float64, len(v))
		for i, x := range v {
			f, err := number(x)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	case [][]float64, [][]any:
		return nil, fmt.Errorf("expected a 1-D array")
	default:
		return nil, fmt.Errorf("expected a 1-D array, got %T", raw)
	}
}

func number(x any) (float64, error) {
	switch v := x.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case []any, []float64:
		return 0, fmt.Errorf("expected a 1-D array")
	default:
		return 0, fmt.Errorf("expected a number, got %T", x)
	}
}

// AssignImportanceStates switches the driver to importance sampling: every Update
// moves the groups in scope to states and always commits.
func (d *Driver) AssignImportanceStates(states []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.calibration != nil {
		return fmt.Errorf("%w: importance sampling cannot be combined with calibration", model.ErrConfig)
	}
	if len(states) != len(d.groups) {
		return fmt.Errorf("%w: %d importance states for %d groups", model.ErrIndex, len(states), len(d.groups))
	}
	for i, s := range states {
		if _, err := d.groups[i].State(s); err != nil {
			return err
		}
	}
	d.importance = append([]int(nil), states...)
	d.sampling = model.SamplingImportance
	return nil
}

// ClearImportanceStates returns the driver to Metropolis sampling.
func (d *Driver) ClearImportanceStates() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.importance = nil
	d.sampling = model.SamplingMCMC
}
