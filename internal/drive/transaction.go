package drive

import (
	"context"
	"fmt"

	"constph/internal/acceptance"
	"constph/internal/model"
	"constph/internal/ncmc"
	"constph/internal/params"
	"constph/internal/proposal"
)

func (d *Driver) acceptanceTerms(prop proposal.Proposal, before, target []int) (acceptance.Terms, []float64, error) {
	var terms acceptance.Terms
	for _, m := range prop.Moves {
		states := d.groups[m.Group].States
		terms.GFrom += d.referenceEnergy(states[m.From])
		terms.GTo += d.referenceEnergy(states[m.To])
	}
	if d.calibration == nil {
		return terms, nil, nil
	}
	weights := d.calibration.Weights()
	from, err := d.calibratedIndex(before)
	if err != nil {
		return terms, nil, err
	}
	to, err := d.calibratedIndex(target)
	if err != nil {
		return terms, nil, err
	}
	terms.BiasFrom, terms.BiasTo = weights[from], weights[to]
	return terms, weights, nil
}

// calibratedIndex maps per-group states to an index into the calibrated weights.
func (d *Driver) calibratedIndex(states []int) (int, error) {
	if d.calibration.Approach() == model.ApproachMultiSite {
		return model.JointIndex(d.groups, states)
	}
	g := d.calibration.GroupIndex()
	if g < 0 || g >= len(states) {
		return 0, fmt.Errorf("%w: calibrated group %d", model.ErrIndex, g)
	}
	return states[g], nil
}

func (d *Driver) commit(ctx context.Context, prop proposal.Proposal) error {
	for _, m := range prop.Moves {
		d.groups[m.Group].Current = m.To
	}
	if d.sideEffects == nil {
		return nil
	}
	for _, m := range prop.Moves {
		if err := d.sideEffects.ApplyTransition(ctx, m.Group, m.From, m.To); err != nil {
			return fmt.Errorf("side effects of group %d %d->%d: %w", m.Group, m.From, m.To, err)
		}
	}
	return nil
}

// rollback returns the engine to the from-states of the attempt: dynamics from the
// snapshot, then the lambda=0 endpoint of every switched group.
func (d *Driver) rollback(ctx context.Context, plan *params.Plan, snapshot *ncmc.Snapshot) error {
	if snapshot != nil {
		if err := d.engine.Restore(ctx, *snapshot); err != nil {
			return fmt.Errorf("restore after rejection: %w", err)
		}
	}
	var values []model.ParticleParameters
	for _, tr := range plan.Transitions() {
		start, _ := tr.Endpoints()
		values = append(values, start...)
	}
	if err := d.engine.SetParameters(ctx, values); err != nil {
		return fmt.Errorf("restore parameters after rejection: %w", err)
	}
	return nil
}

func (d *Driver) calibrate(before, target []int, accepted bool) error {
	landed, err := d.calibratedIndex(model.CurrentStates(d.groups))
	if err != nil {
		return err
	}
	alternative := target
	if accepted {
		alternative = before
	}
	other, err := d.calibratedIndex(alternative)
	if err != nil {
		return err
	}
	res, err := d.calibration.Step(landed, other)
	if err != nil {
		return err
	}
	rec := d.calibration.Record()
	if res.Transitioned {
		d.logger.Info("calibration stage changed",
			"from", res.PrevStage,
			"to", res.Stage,
			"adaptation", rec.Adaptation,
			"flatness", res.Flatness,
		)
	}
	event := CalibrationEvent{
		RunID:        d.runID,
		Adaptation:   rec.Adaptation,
		Stage:        res.Stage,
		PrevStage:    res.PrevStage,
		Transitioned: res.Transitioned,
		Gain:         res.Gain,
		Flatness:     res.Flatness,
		Landed:       landed,
		Histogram:    rec.Histogram,
		Visits:       rec.Visits,
		Weights:      rec.Weights,
	}
	for _, o := range d.observers {
		o.OnCalibration(event)
	}
	return nil
}
