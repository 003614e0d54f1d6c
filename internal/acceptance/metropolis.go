package acceptance

import (
	"errors"
	"math"
	"math/rand"

	"constph/internal/model"
)

// Terms are the contributions to the log acceptance of one attempt, all in thermal
// units. Bias and reference free energies are those of the from and to states (joint
// states when several groups switch together).
type Terms struct {
	Work     float64 `json:"work"`
	BiasFrom float64 `json:"bias_from"`
	BiasTo   float64 `json:"bias_to"`
	GFrom    float64 `json:"g_from"`
	GTo      float64 `json:"g_to"`
}

func LogAcceptance(t Terms) float64 {
	return -t.Work + (t.BiasTo - t.BiasFrom) - (t.GTo - t.GFrom)
}

// Probability is min(1, exp(logP)). NaN is never accepted.
func Probability(logP float64) float64 {
	if math.IsNaN(logP) {
		return 0
	}
	if logP >= 0 {
		return 1
	}
	return math.Exp(logP)
}

type Decision struct {
	LogP        float64 `json:"log_p"`
	Probability float64 `json:"probability"`
	U           float64 `json:"u"`
	Accepted    bool    `json:"accepted"`
}

// Decide draws u in [0, 1) and accepts when u < min(1, exp(logP)). Exactly one value is
// drawn per call so the stream position depends only on the number of attempts.
func Decide(rng *rand.Rand, logP float64) (Decision, error) {
	if rng == nil {
		return Decision{}, errors.New("random source is required")
	}
	p := Probability(logP)
	u := rng.Float64()
	return Decision{LogP: logP, Probability: p, U: u, Accepted: u < p}, nil
}

// Tally accumulates the outcome counters of counted attempts.
type Tally struct {
	stats model.AttemptStatistics
}

func NewTally(stats model.AttemptStatistics) *Tally {
	return &Tally{stats: stats}
}

func (t *Tally) Record(accepted bool) {
	t.stats.Attempted++
	if accepted {
		t.stats.Accepted++
	} else {
		t.stats.Rejected++
	}
}

func (t *Tally) Statistics() model.AttemptStatistics {
	return t.stats
}
