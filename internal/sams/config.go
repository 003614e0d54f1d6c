package sams

import (
	"fmt"
	"math"

	"constph/internal/model"
)

const (
	DefaultBeta              = 0.5
	DefaultFlatnessCriterion = 0.05
	DefaultMinBurn           = 200
	DefaultMinSlow           = 200
	DefaultMinFast           = 200
)

// Config enables calibration. Zero values take the defaults. GroupIndex -1 selects the
// last group; it is ignored for the multi-site approach.
type Config struct {
	Approach          model.Approach   `json:"approach" yaml:"approach" toml:"approach"`
	GroupIndex        int              `json:"group_index" yaml:"group_index" toml:"group_index"`
	UpdateRule        model.UpdateRule `json:"update_rule" yaml:"update_rule" toml:"update_rule"`
	Beta              float64          `json:"beta" yaml:"beta" toml:"beta"`
	FlatnessCriterion float64          `json:"flatness_criterion" yaml:"flatness_criterion" toml:"flatness_criterion"`
	BurnInGain        float64          `json:"burn_in_gain,omitempty" yaml:"burn_in_gain,omitempty" toml:"burn_in_gain,omitempty"`
	MinBurn           int              `json:"min_burn" yaml:"min_burn" toml:"min_burn"`
	MinSlow           int              `json:"min_slow" yaml:"min_slow" toml:"min_slow"`
	MinFast           int              `json:"min_fast" yaml:"min_fast" toml:"min_fast"`
	Targets           []float64        `json:"targets,omitempty" yaml:"targets,omitempty" toml:"targets,omitempty"`
}

func (c Config) WithDefaults() Config {
	c.Approach = model.Approach(NormalizeApproachName(string(c.Approach)))
	c.UpdateRule = model.UpdateRule(NormalizeUpdateRuleName(string(c.UpdateRule)))
	if c.Beta == 0 {
		c.Beta = DefaultBeta
	}
	if c.FlatnessCriterion == 0 {
		c.FlatnessCriterion = DefaultFlatnessCriterion
	}
	if c.MinBurn == 0 {
		c.MinBurn = DefaultMinBurn
	}
	if c.MinSlow == 0 {
		c.MinSlow = DefaultMinSlow
	}
	if c.MinFast == 0 {
		c.MinFast = DefaultMinFast
	}
	return c
}

// Validate checks c against a calibrated state space of the given size.
func (c Config) Validate(size int) error {
	switch c.Approach {
	case model.ApproachOneSite, model.ApproachMultiSite:
	default:
		return fmt.Errorf("%w: unsupported calibration approach: %s", model.ErrConfig, c.Approach)
	}
	switch c.UpdateRule {
	case model.UpdateBinary, model.UpdateGlobal:
	default:
		return fmt.Errorf("%w: unsupported update rule: %s", model.ErrConfig, c.UpdateRule)
	}
	if size < 2 {
		return fmt.Errorf("%w: calibration needs at least 2 states, got %d", model.ErrConfig, size)
	}
	if c.Beta <= 0 || c.Beta > 1 {
		return fmt.Errorf("%w: beta must be in (0, 1]", model.ErrConfig)
	}
	if c.FlatnessCriterion <= 0 {
		return fmt.Errorf("%w: flatness criterion must be > 0", model.ErrConfig)
	}
	if c.BurnInGain < 0 {
		return fmt.Errorf("%w: burn-in gain must be >= 0", model.ErrConfig)
	}
	if c.MinBurn < 0 || c.MinSlow < 0 || c.MinFast < 0 {
		return fmt.Errorf("%w: stage minima must be >= 0", model.ErrConfig)
	}
	if c.Targets != nil {
		return validateTargets(c.Targets, size)
	}
	return nil
}

func validateTargets(targets []float64, size int) error {
	if len(targets) != size {
		return fmt.Errorf("%w: %d target weights for %d states", model.ErrConfig, len(targets), size)
	}
	sum := 0.0
	for i, p := range targets {
		if !(p > 0) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: target %d must be > 0, got %g", model.ErrConfig, i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: targets sum to %g, want 1", model.ErrConfig, sum)
	}
	return nil
}

func NormalizeApproachName(name string) string {
	switch name {
	case "", "one_site", "onesite", "one-site", "single_site", "single":
		return string(model.ApproachOneSite)
	case "multi_site", "multisite", "multi-site", "multi":
		return string(model.ApproachMultiSite)
	default:
		return name
	}
}

func NormalizeUpdateRuleName(name string) string {
	switch name {
	case "", "binary":
		return string(model.UpdateBinary)
	case "global":
		return string(model.UpdateGlobal)
	default:
		return name
	}
}
