package sams

import (
	"errors"
	"fmt"
	"math"

	"constph/internal/model"
)

// StepResult describes one calibration step.
type StepResult struct {
	Landed       int         `json:"landed"`
	Other        int         `json:"other"`
	Gain         float64     `json:"gain"`
	Stage        model.Stage `json:"stage"`
	PrevStage    model.Stage `json:"prev_stage"`
	Transitioned bool        `json:"transitioned"`
	Flatness     float64     `json:"flatness"`
}

// Engine adapts bias weights over a fixed set of calibrated states. The state is held
// entirely in a model.CalibrationRecord so a saved engine resumes exactly.
type Engine struct {
	rec  model.CalibrationRecord
	pmin float64
}

// New starts a calibration at the beginning of burn-in with zero weights. groupIndex is
// stored for the one-site approach and -1 otherwise.
func New(cfg Config, size, groupIndex int) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(size); err != nil {
		return nil, err
	}
	targets := cfg.Targets
	if targets == nil {
		targets = make([]float64, size)
		for i := range targets {
			targets[i] = 1 / float64(size)
		}
	}
	if cfg.Approach == model.ApproachMultiSite {
		groupIndex = -1
	}
	rec := model.CalibrationRecord{
		Approach:          cfg.Approach,
		GroupIndex:        groupIndex,
		UpdateRule:        cfg.UpdateRule,
		Stage:             model.StageBurnIn,
		Beta:              cfg.Beta,
		FlatnessCriterion: cfg.FlatnessCriterion,
		BurnInGain:        cfg.BurnInGain,
		MinBurn:           cfg.MinBurn,
		MinSlow:           cfg.MinSlow,
		MinFast:           cfg.MinFast,
		Adaptation:        -cfg.MinBurn,
		StageStart:        -cfg.MinBurn,
		Histogram:         make([]int, size),
		Visits:            make([]int, size),
		Weights:           make([]float64, size),
		Targets:           append([]float64(nil), targets...),
	}
	return FromRecord(rec)
}

// FromRecord resumes a calibration from its saved state.
func FromRecord(rec model.CalibrationRecord) (*Engine, error) {
	size := len(rec.Weights)
	if len(rec.Histogram) != size || len(rec.Visits) != size || len(rec.Targets) != size {
		return nil, fmt.Errorf("%w: calibration vectors disagree in length", model.ErrSerialization)
	}
	cfg := Config{
		Approach:          rec.Approach,
		UpdateRule:        rec.UpdateRule,
		Beta:              rec.Beta,
		FlatnessCriterion: rec.FlatnessCriterion,
		BurnInGain:        rec.BurnInGain,
		MinBurn:           rec.MinBurn,
		MinSlow:           rec.MinSlow,
		MinFast:           rec.MinFast,
		Targets:           rec.Targets,
	}
	if err := cfg.Validate(size); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSerialization, err)
	}
	switch rec.Stage {
	case model.StageBurnIn, model.StageSlowGain, model.StageFastGain, model.StageConverged:
	default:
		return nil, fmt.Errorf("%w: unknown calibration stage %q", model.ErrSerialization, rec.Stage)
	}
	if rec.StageStart > rec.Adaptation {
		return nil, fmt.Errorf("%w: stage started at %d after adaptation %d", model.ErrSerialization, rec.StageStart, rec.Adaptation)
	}
	e := &Engine{rec: cloneRecord(rec), pmin: math.Inf(1)}
	for _, p := range rec.Targets {
		e.pmin = math.Min(e.pmin, p)
	}
	return e, nil
}

func cloneRecord(rec model.CalibrationRecord) model.CalibrationRecord {
	out := rec
	out.Histogram = append([]int(nil), rec.Histogram...)
	out.Visits = append([]int(nil), rec.Visits...)
	out.Weights = append([]float64(nil), rec.Weights...)
	out.Targets = append([]float64(nil), rec.Targets...)
	return out
}

func (e *Engine) Record() model.CalibrationRecord { return cloneRecord(e.rec) }

func (e *Engine) Size() int { return len(e.rec.Weights) }

func (e *Engine) Stage() model.Stage { return e.rec.Stage }

func (e *Engine) Approach() model.Approach { return e.rec.Approach }

func (e *Engine) GroupIndex() int { return e.rec.GroupIndex }

func (e *Engine) Adaptation() int { return e.rec.Adaptation }

func (e *Engine) Converged() bool { return e.rec.Stage == model.StageConverged }

func (e *Engine) Weights() []float64 { return append([]float64(nil), e.rec.Weights...) }

func (e *Engine) Weight(state int) (float64, error) {
	if state < 0 || state >= len(e.rec.Weights) {
		return 0, fmt.Errorf("%w: calibrated state %d of %d", model.ErrIndex, state, len(e.rec.Weights))
	}
	return e.rec.Weights[state], nil
}

// RelativeWeights returns w[k] - w[0]. At convergence under a uniform target these
// approach the reference free energy differences g[k] - g[0].
func (e *Engine) RelativeWeights() []float64 {
	out := make([]float64, len(e.rec.Weights))
	for i, w := range e.rec.Weights {
		out[i] = w - e.rec.Weights[0]
	}
	return out
}

// StepsInStage counts calibration steps taken since the current stage began.
func (e *Engine) StepsInStage() int { return e.rec.Adaptation - e.rec.StageStart }

// Flatness is max_j |h_j/N - pi_j| over the current stage histogram, +Inf when empty.
func (e *Engine) Flatness() float64 {
	total := 0
	for _, h := range e.rec.Histogram {
		total += h
	}
	if total == 0 {
		return math.Inf(1)
	}
	worst := 0.0
	for j, h := range e.rec.Histogram {
		worst = math.Max(worst, math.Abs(float64(h)/float64(total)-e.rec.Targets[j]))
	}
	return worst
}

// Gain returns the step size the next calibration step will use.
func (e *Engine) Gain() float64 {
	t := float64(e.StepsInStage() + 1)
	switch e.rec.Stage {
	case model.StageBurnIn:
		if e.rec.BurnInGain > 0 {
			return e.rec.BurnInGain
		}
		return e.pmin
	case model.StageSlowGain:
		return math.Min(e.pmin, math.Pow(t, -e.rec.Beta))
	case model.StageFastGain:
		t0 := float64(e.rec.SlowLength)
		return math.Min(e.pmin, 1/(t+math.Pow(t0, e.rec.Beta)))
	default:
		return 0
	}
}

// Step records that the attempt ended in state landed and adapts the weights. other is
// the other calibrated state involved in the attempt, or -1 when the attempt did not
// touch the calibrated states; it is reported but never adapted. Weights are frozen
// once converged.
func (e *Engine) Step(landed, other int) (StepResult, error) {
	size := len(e.rec.Weights)
	if landed < 0 || landed >= size {
		return StepResult{}, fmt.Errorf("%w: landed state %d of %d", model.ErrIndex, landed, size)
	}
	if other >= size || other < -1 {
		return StepResult{}, fmt.Errorf("%w: other state %d of %d", model.ErrIndex, other, size)
	}
	if other == landed {
		other = -1
	}

	res := StepResult{Landed: landed, Other: other, PrevStage: e.rec.Stage}
	gain := e.Gain()
	e.rec.Adaptation++
	e.rec.Histogram[landed]++
	e.rec.Visits[landed]++

	if e.rec.Stage != model.StageConverged {
		if err := e.apply(gain, landed); err != nil {
			return StepResult{}, err
		}
		res.Gain = gain
	}
	res.Flatness = e.Flatness()
	if next, ok := e.nextStage(res.Flatness); ok {
		if e.rec.Stage == model.StageSlowGain {
			e.rec.SlowLength = e.StepsInStage()
		}
		e.rec.Stage = next
		e.rec.StageStart = e.rec.Adaptation
		for i := range e.rec.Histogram {
			e.rec.Histogram[i] = 0
		}
		res.Transitioned = true
	}
	res.Stage = e.rec.Stage
	return res, nil
}

func (e *Engine) apply(gain float64, landed int) error {
	w, pi := e.rec.Weights, e.rec.Targets
	switch e.rec.UpdateRule {
	case model.UpdateBinary:
		// Only the landed state moves; its expected step vanishes when the
		// occupancy matches the target.
		w[landed] -= gain / pi[landed]
	case model.UpdateGlobal:
		total := 0
		for _, h := range e.rec.Histogram {
			total += h
		}
		for j := range w {
			f := float64(e.rec.Histogram[j]) / float64(total)
			w[j] -= gain * (f - pi[j]) / pi[j]
		}
	default:
		return errors.New("unsupported update rule: " + string(e.rec.UpdateRule))
	}
	return nil
}

func (e *Engine) nextStage(flatness float64) (model.Stage, bool) {
	flat := flatness <= e.rec.FlatnessCriterion
	switch e.rec.Stage {
	case model.StageBurnIn:
		if e.rec.Adaptation >= 0 && flat {
			return model.StageSlowGain, true
		}
	case model.StageSlowGain:
		if e.StepsInStage() >= e.rec.MinSlow && flat {
			return model.StageFastGain, true
		}
	case model.StageFastGain:
		if e.StepsInStage() >= e.rec.MinFast && flat {
			return model.StageConverged, true
		}
	}
	return "", false
}
