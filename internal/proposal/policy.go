package proposal

import (
	"fmt"
	"math"
)

// AttemptPolicy decides how many titration attempts one Update call makes.
type AttemptPolicy interface {
	Name() string
	Attempts(baseAttempts, groupCount int) int
}

type FixedAttemptPolicy struct{}

func (FixedAttemptPolicy) Name() string { return "fixed" }

func (FixedAttemptPolicy) Attempts(baseAttempts, _ int) int {
	if baseAttempts < 0 {
		return 0
	}
	return baseAttempts
}

// PerGroupAttemptPolicy makes baseAttempts attempts for every group in scope.
type PerGroupAttemptPolicy struct{}

func (PerGroupAttemptPolicy) Name() string { return "per_group" }

func (PerGroupAttemptPolicy) Attempts(baseAttempts, groupCount int) int {
	if baseAttempts <= 0 || groupCount <= 0 {
		return 0
	}
	return baseAttempts * groupCount
}

// SizeProportionalAttemptPolicy scales with groupCount^Power, capped at MaxAttempts.
type SizeProportionalAttemptPolicy struct {
	Power       float64
	MaxAttempts int
}

func (SizeProportionalAttemptPolicy) Name() string { return "size_proportional" }

func (p SizeProportionalAttemptPolicy) Attempts(baseAttempts, groupCount int) int {
	if baseAttempts <= 0 || groupCount <= 0 {
		return 0
	}
	power := p.Power
	if power <= 0 {
		power = 0.5
	}
	attempts := int(math.Ceil(float64(baseAttempts) * math.Pow(float64(groupCount), power)))
	if p.MaxAttempts > 0 && attempts > p.MaxAttempts {
		attempts = p.MaxAttempts
	}
	return attempts
}

func AttemptPolicyFromConfig(name string, param float64) (AttemptPolicy, error) {
	switch NormalizeAttemptPolicyName(name) {
	case "fixed":
		return FixedAttemptPolicy{}, nil
	case "per_group":
		return PerGroupAttemptPolicy{}, nil
	case "size_proportional":
		return SizeProportionalAttemptPolicy{Power: param}, nil
	default:
		return nil, fmt.Errorf("unsupported attempt policy: %s", name)
	}
}

func NormalizeAttemptPolicyName(name string) string {
	switch name {
	case "", "fixed", "const":
		return "fixed"
	case "per_group", "per_site":
		return "per_group"
	case "size_proportional", "nsize_proportional":
		return "size_proportional"
	default:
		return name
	}
}
