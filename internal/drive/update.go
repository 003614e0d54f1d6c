package drive

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"constph/internal/acceptance"
	"constph/internal/model"
	"constph/internal/ncmc"
	"constph/internal/params"
	"constph/internal/proposal"
)

// UpdateReport summarizes one Update call. Skipped counts attempts whose every draw
// landed on the current state; they are not part of the statistics.
type UpdateReport struct {
	Requested int         `json:"requested"`
	Counted   int         `json:"counted"`
	Skipped   int         `json:"skipped"`
	Accepted  int         `json:"accepted"`
	Rejected  int         `json:"rejected"`
	Work      []float64   `json:"work,omitempty"`
	Stage     model.Stage `json:"stage,omitempty"`
}

type outcome struct {
	skipped  bool
	accepted bool
	work     float64
}

// Update runs attempts titration attempts over the groups of scope ("" or "all" for
// every group, otherwise a pool name). ctx is checked between attempts only; an attempt
// that has started always completes.
func (d *Driver) Update(ctx context.Context, scope string, attempts int) (report UpdateReport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Driver.Update",
		trace.WithAttributes(
			attribute.String("titration.scope", scope),
			attribute.Int("titration.attempts", attempts),
			attribute.String("titration.sampling", string(d.sampling)),
		),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("titration.counted", report.Counted),
			attribute.Int("titration.accepted", report.Accepted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	report.Requested = attempts
	if attempts < 0 {
		return report, fmt.Errorf("%w: attempts must be >= 0", model.ErrConfig)
	}
	groups, err := d.scope(scope)
	if err != nil {
		return report, err
	}

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := d.attempt(context.WithoutCancel(ctx), scope, groups)
		if err != nil {
			return report, err
		}
		switch {
		case out.skipped:
			report.Skipped++
			continue
		case out.accepted:
			report.Accepted++
		default:
			report.Rejected++
		}
		report.Counted++
		report.Work = append(report.Work, out.work)
	}
	if d.calibration != nil {
		report.Stage = d.calibration.Stage()
	}
	return report, nil
}

func (d *Driver) proposer() (proposal.Proposer, error) {
	return proposal.ProposerFromName(string(d.sampling), d.rand, d.sites, d.importance)
}

func (d *Driver) attempt(ctx context.Context, scope string, groups []int) (outcome, error) {
	proposer, err := d.proposer()
	if err != nil {
		return outcome{}, err
	}
	prop, err := proposer.Propose(d.groups, groups)
	if err != nil {
		return outcome{}, err
	}
	if prop.Empty() {
		return outcome{skipped: true}, nil
	}

	transitions := make([]params.Transition, len(prop.Moves))
	for i, m := range prop.Moves {
		transitions[i] = params.Transition{Group: m.Group, From: m.From, To: m.To}
	}
	plan, err := params.NewPlan(d.provider, d.groups, transitions)
	if err != nil {
		return outcome{}, err
	}

	instantaneous := d.switcher.Protocol().Instantaneous()
	var snapshot *ncmc.Snapshot
	if !instantaneous && d.sampling == model.SamplingMCMC {
		snap, err := d.engine.Snapshot(ctx)
		if err != nil {
			return outcome{}, fmt.Errorf("snapshot before switch: %w", err)
		}
		snapshot = &snap
	}

	result, err := d.switcher.Run(ctx, d.engine, plan)
	if err != nil {
		return outcome{}, err
	}

	before := model.CurrentStates(d.groups)
	target := prop.Target(d.groups)
	terms, weights, err := d.acceptanceTerms(prop, before, target)
	if err != nil {
		return outcome{}, err
	}
	terms.Work = result.Work
	logP := acceptance.LogAcceptance(terms)

	accepted := true
	if d.sampling == model.SamplingMCMC {
		decision, err := acceptance.Decide(d.rand, logP)
		if err != nil {
			return outcome{}, err
		}
		accepted = decision.Accepted
	}

	if accepted {
		if err := d.commit(ctx, prop); err != nil {
			return outcome{}, err
		}
	} else if err := d.rollback(ctx, plan, snapshot); err != nil {
		return outcome{}, err
	}
	d.tally.Record(accepted)
	for _, m := range prop.Moves {
		d.visits[m.Group][d.groups[m.Group].Current]++
	}

	stats := d.tally.Statistics()
	event := AttemptEvent{
		RunID:    d.runID,
		Attempt:  stats.Attempted,
		Scope:    scope,
		Sampling: d.sampling,
		Moves:    append([]proposal.Move(nil), prop.Moves...),
		Accepted: accepted,
		Work:     result.Work,
		LogP:     logP,
		Weights:  weights,
		States:   model.CurrentStates(d.groups),
	}
	d.logger.Debug("titration attempt",
		"attempt", stats.Attempted,
		"moves", len(prop.Moves),
		"accepted", accepted,
		"work", result.Work,
		"log_p", logP,
	)
	for _, o := range d.observers {
		o.OnAttempt(event)
	}

	if d.calibration != nil {
		if err := d.calibrate(before, target, accepted); err != nil {
			return outcome{}, err
		}
	}
	return outcome{accepted: accepted, work: result.Work}, nil
}
