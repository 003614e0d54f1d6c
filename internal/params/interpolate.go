package params

import (
	"fmt"

	"constph/internal/model"
)

// Interpolate returns the per-particle parameters a fraction lambda of the way from
// one endpoint to the other. The endpoints are returned as copies at lambda 0 and 1 so
// a switch that ends on an endpoint reproduces it bit for bit.
func Interpolate(from, to []model.ParticleParameters, lambda float64) ([]model.ParticleParameters, error) {
	if len(from) != len(to) {
		return nil, fmt.Errorf("%w: endpoints have %d and %d particles", model.ErrConfig, len(from), len(to))
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("%w: lambda %g outside [0, 1]", model.ErrConfig, lambda)
	}
	switch lambda {
	case 0:
		return append([]model.ParticleParameters(nil), from...), nil
	case 1:
		return append([]model.ParticleParameters(nil), to...), nil
	}
	out := make([]model.ParticleParameters, len(from))
	for i := range from {
		if from[i].Index != to[i].Index {
			return nil, fmt.Errorf("%w: particle %d maps atom %d to atom %d", model.ErrConfig, i, from[i].Index, to[i].Index)
		}
		out[i] = model.ParticleParameters{
			Index:   from[i].Index,
			Charge:  lerp(from[i].Charge, to[i].Charge, lambda),
			Sigma:   lerp(from[i].Sigma, to[i].Sigma, lambda),
			Epsilon: lerp(from[i].Epsilon, to[i].Epsilon, lambda),
			Sterics: lerp(from[i].Sterics, to[i].Sterics, lambda),
		}
	}
	return out, nil
}

func lerp(a, b, lambda float64) float64 {
	return (1-lambda)*a + lambda*b
}

// Schedule returns the n equally spaced lambda values of a switch, ending at 1.
// n == 0 is the instantaneous switch and yields the single value 1.
func Schedule(n int) []float64 {
	if n <= 0 {
		return []float64{1}
	}
	out := make([]float64, n)
	for k := 1; k <= n; k++ {
		out[k-1] = float64(k) / float64(n)
	}
	out[n-1] = 1
	return out
}
