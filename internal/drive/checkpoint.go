package drive

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"constph/internal/acceptance"
	"constph/internal/model"
	"constph/internal/ncmc"
	"constph/internal/sams"
	"constph/internal/storage"
)

// SaveState captures everything needed to resume the driver: titration model, pools,
// counters, calibration, random stream position and side-effect state.
func (d *Driver) SaveState() (model.Checkpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	protocol := d.switcher.Protocol()
	checkpoint := model.Checkpoint{
		VersionedRecord: storage.Stamp(),
		ID:              uuid.NewString(),
		RunID:           d.runID,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		Temperature:     d.temperature,
		PH:              clonePH(d.ph),
		Sampling:        d.sampling,
		Protocol: model.ProtocolRecord{
			Perturbations:       protocol.Perturbations,
			PropagationsPerStep: protocol.PropagationsPerStep,
			SitesPerUpdate:      d.sites,
		},
		Groups:     model.CloneGroups(d.groups),
		Visits:     cloneVisits(d.visits),
		Importance: append([]int(nil), d.importance...),
		Statistics: d.tally.Statistics(),
		Random:     d.source.State(),
	}
	if pools := d.poolList(); len(pools) > 0 {
		checkpoint.Pools = pools
	}
	if d.calibration != nil {
		rec := d.calibration.Record()
		checkpoint.Calibration = &rec
	}
	if stateful, ok := d.sideEffects.(StatefulSideEffects); ok {
		raw, err := stateful.MarshalState()
		if err != nil {
			return model.Checkpoint{}, fmt.Errorf("%w: side effects: %v", model.ErrSerialization, err)
		}
		checkpoint.SideEffects = raw
	}
	return checkpoint, nil
}

// LoadState replaces the driver's state with the checkpoint and pushes the restored
// current states into the engine. The driver is unchanged if the checkpoint is invalid
// or the engine rejects the restored parameters.
func (d *Driver) LoadState(ctx context.Context, checkpoint model.Checkpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	loaded, err := d.validateCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	groups := model.CloneGroups(checkpoint.Groups)
	if err := d.pushStates(ctx, groups); err != nil {
		return err
	}
	if stateful, ok := d.sideEffects.(StatefulSideEffects); ok && len(checkpoint.SideEffects) > 0 {
		if err := stateful.UnmarshalState(checkpoint.SideEffects); err != nil {
			if rerr := d.pushCurrent(ctx); rerr != nil {
				d.logger.Warn("engine left with checkpoint parameters", "error", rerr)
			}
			return fmt.Errorf("%w: side effects: %v", model.ErrSerialization, err)
		}
	}

	d.runID = checkpoint.RunID
	d.temperature = checkpoint.Temperature
	d.ph = clonePH(checkpoint.PH)
	d.beta = ncmc.Beta(checkpoint.Temperature)
	d.switcher = loaded.switcher
	d.sites = loaded.sites
	d.groups = groups
	d.pools = loaded.pools
	d.visits = cloneVisits(checkpoint.Visits)
	d.sampling = checkpoint.Sampling
	d.importance = append([]int(nil), checkpoint.Importance...)
	d.calibration = loaded.calibration
	d.tally = acceptance.NewTally(checkpoint.Statistics)
	d.seed(checkpoint.Random)
	d.logger = d.logger.With("restored_from", checkpoint.ID)
	return nil
}

type loadedState struct {
	switcher    *ncmc.Switcher
	sites       int
	pools       map[string][]int
	calibration *sams.Engine
}

func (d *Driver) validateCheckpoint(c model.Checkpoint) (loadedState, error) {
	var out loadedState
	bad := func(format string, args ...any) (loadedState, error) {
		return loadedState{}, fmt.Errorf("%w: "+format, append([]any{model.ErrSerialization}, args...)...)
	}
	if c.SchemaVersion != storage.CurrentSchemaVersion || c.CodecVersion != storage.CurrentCodecVersion {
		return loadedState{}, fmt.Errorf("%w: schema %d codec %d", storage.ErrVersionMismatch, c.SchemaVersion, c.CodecVersion)
	}
	if c.RunID == "" {
		return bad("checkpoint %s has no run id", c.ID)
	}
	if c.Temperature <= 0 {
		return bad("temperature %g", c.Temperature)
	}
	if c.PH != nil && (math.IsNaN(*c.PH) || math.IsInf(*c.PH, 0)) {
		return bad("pH %g", *c.PH)
	}
	if len(c.Groups) == 0 {
		return bad("no titration groups")
	}
	for _, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return bad("%v", err)
		}
	}
	if len(c.Visits) != len(c.Groups) {
		return bad("%d visit rows for %d groups", len(c.Visits), len(c.Groups))
	}
	for i, row := range c.Visits {
		if len(row) != len(c.Groups[i].States) {
			return bad("group %d has %d visit counts for %d states", i, len(row), len(c.Groups[i].States))
		}
	}
	st := c.Statistics
	if st.Attempted < 0 || st.Accepted < 0 || st.Rejected < 0 || st.Accepted+st.Rejected != st.Attempted {
		return bad("inconsistent statistics %+v", st)
	}

	switcher, err := ncmc.NewSwitcher(ncmc.Protocol{
		Perturbations:       c.Protocol.Perturbations,
		PropagationsPerStep: c.Protocol.PropagationsPerStep,
	}, ncmc.Beta(c.Temperature))
	if err != nil {
		return bad("%v", err)
	}
	out.switcher = switcher
	out.sites = c.Protocol.SitesPerUpdate
	if out.sites <= 0 {
		out.sites = 1
	}

	out.pools = map[string][]int{}
	for _, p := range c.Pools {
		if err := model.ValidatePool(p, len(c.Groups)); err != nil {
			return bad("%v", err)
		}
		out.pools[p.Name] = append([]int(nil), p.Groups...)
	}

	switch c.Sampling {
	case model.SamplingMCMC:
		if len(c.Importance) > 0 {
			return bad("importance states without importance sampling")
		}
	case model.SamplingImportance:
		if len(c.Importance) != len(c.Groups) {
			return bad("%d importance states for %d groups", len(c.Importance), len(c.Groups))
		}
		for i, s := range c.Importance {
			if _, err := c.Groups[i].State(s); err != nil {
				return bad("%v", err)
			}
		}
		if c.Calibration != nil {
			return bad("calibration combined with importance sampling")
		}
	default:
		return bad("unknown sampling method %q", c.Sampling)
	}

	if c.Calibration != nil {
		engine, err := sams.FromRecord(*c.Calibration)
		if err != nil {
			return loadedState{}, err
		}
		want := 0
		switch engine.Approach() {
		case model.ApproachOneSite:
			g := engine.GroupIndex()
			if g < 0 || g >= len(c.Groups) {
				return bad("calibrated group %d of %d", g, len(c.Groups))
			}
			want = len(c.Groups[g].States)
		case model.ApproachMultiSite:
			want = model.JointSize(c.Groups)
		}
		if engine.Size() != want {
			return bad("calibration has %d weights for %d states", engine.Size(), want)
		}
		out.calibration = engine
	}
	return out, nil
}

// Restore builds a driver from a checkpoint. The titration model, protocol and random
// stream come from the checkpoint; engine, provider, collaborators and logging come
// from opts.
func Restore(ctx context.Context, opts Options, checkpoint model.Checkpoint) (*Driver, error) {
	opts.RunID = checkpoint.RunID
	opts.Groups = checkpoint.Groups
	opts.TemperatureK = checkpoint.Temperature
	opts.PH = checkpoint.PH
	opts.Protocol = ncmc.Protocol{
		Perturbations:       checkpoint.Protocol.Perturbations,
		PropagationsPerStep: checkpoint.Protocol.PropagationsPerStep,
	}
	opts.SitesPerUpdate = checkpoint.Protocol.SitesPerUpdate
	opts.Seed = checkpoint.Random.Seed
	if opts.TemperatureK <= 0 || len(opts.Groups) == 0 {
		return nil, fmt.Errorf("%w: checkpoint %s lacks a titration model", model.ErrSerialization, checkpoint.ID)
	}
	for _, g := range opts.Groups {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrSerialization, err)
		}
	}
	d, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := d.LoadState(ctx, checkpoint); err != nil {
		return nil, err
	}
	return d, nil
}
