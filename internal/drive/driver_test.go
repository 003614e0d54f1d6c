package drive

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constph/internal/model"
	"constph/internal/ncmc"
	"constph/internal/sams"
	"constph/internal/storage"
	"constph/internal/testsystem"
)

// group builds a titration group of n states on a single particle.
func group(name, residue string, particle, n int) model.TitrationGroup {
	g := model.TitrationGroup{Name: name, Residue: residue}
	for s := 0; s < n; s++ {
		g.States = append(g.States, model.TitrationState{
			Charge:  -s,
			Protons: n - s,
			Particles: []model.ParticleParameters{{
				Index: particle, Charge: 0.5 - 0.3*float64(s), Sigma: 0.3, Epsilon: 0.5, Sterics: 1,
			}},
		})
	}
	return g
}

type recorder struct {
	sequence     []string
	attempts     []AttemptEvent
	calibrations []CalibrationEvent
}

func (r *recorder) OnAttempt(e AttemptEvent) {
	r.sequence = append(r.sequence, "attempt")
	r.attempts = append(r.attempts, e)
}

func (r *recorder) OnCalibration(e CalibrationEvent) {
	r.sequence = append(r.sequence, "calibration")
	r.calibrations = append(r.calibrations, e)
}

func newDriver(t *testing.T, engine ncmc.Engine, groups []model.TitrationGroup, mutate func(*Options)) *Driver {
	t.Helper()
	opts := Options{
		RunID:        "run-test",
		Groups:       groups,
		TemperatureK: 300,
		Engine:       engine,
		Seed:         1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(context.Background(), opts)
	require.NoError(t, err)
	return d
}

func TestNewPushesCurrentStates(t *testing.T) {
	stub := testsystem.NewStub(nil)
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	groups[1].Current = 2
	newDriver(t, stub, groups, nil)

	got := stub.Parameters()
	require.Len(t, got, 2)
	assert.Equal(t, groups[0].States[0].Particles[0], got[0])
	assert.Equal(t, groups[1].States[2].Particles[0], got[1])
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2)}

	_, err := New(ctx, Options{Groups: groups, TemperatureK: 300})
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = New(ctx, Options{Engine: testsystem.NewStub(nil), TemperatureK: 300})
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = New(ctx, Options{Engine: testsystem.NewStub(nil), Groups: groups})
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = New(ctx, Options{Engine: testsystem.NewStub(nil), Groups: groups, TemperatureK: 300, Protocol: ncmc.Protocol{Perturbations: -1}})
	assert.ErrorIs(t, err, model.ErrConfig)

	bad := group("a", "LYS", 0, 2)
	bad.Current = 5
	_, err = New(ctx, Options{Engine: testsystem.NewStub(nil), Groups: []model.TitrationGroup{bad}, TemperatureK: 300})
	assert.ErrorIs(t, err, model.ErrIndex)
}

func TestSingleStateGroupNeverAttempted(t *testing.T) {
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("gly", "GLY", 0, 1)}, nil)

	report, err := d.Update(context.Background(), "all", 200)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Counted)
	assert.Equal(t, 200, report.Skipped)
	assert.Equal(t, model.AttemptStatistics{}, d.Statistics())
	assert.Equal(t, [][]int{{0}}, d.Visits())
}

func TestVisitSumsMatchCountedAttempts(t *testing.T) {
	rec := &recorder{}
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3), group("c", "GLU", 2, 4)}
	d := newDriver(t, testsystem.NewStub(testsystem.ChargeEnergy(map[int]float64{0: 1, 1: -2, 2: 0.5})), groups, func(o *Options) {
		o.SitesPerUpdate = 2
		o.Observers = []Observer{rec}
	})

	report, err := d.Update(context.Background(), "", 600)
	require.NoError(t, err)
	require.Equal(t, 600, report.Counted+report.Skipped)

	selected := make([]int, len(groups))
	for _, e := range rec.attempts {
		for _, m := range e.Moves {
			selected[m.Group]++
		}
	}
	for g, row := range d.Visits() {
		sum := 0
		for _, v := range row {
			sum += v
		}
		assert.Equal(t, selected[g], sum, "group %d", g)
	}

	stats := d.Statistics()
	assert.Equal(t, int64(report.Counted), stats.Attempted)
	assert.Equal(t, stats.Attempted, stats.Accepted+stats.Rejected)
	assert.Equal(t, report.Accepted, int(stats.Accepted))
	assert.Len(t, rec.attempts, report.Counted)
}

func TestAcceptanceRateMatchesReferenceFreeEnergy(t *testing.T) {
	rec := &recorder{}
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, func(o *Options) {
		o.Observers = []Observer{rec}
	})
	require.NoError(t, d.ImportGKValues(map[string]any{"LYS": []any{0.0, 2.0}}))

	_, err := d.Update(context.Background(), "", 20000)
	require.NoError(t, err)

	var tried, accepted int
	for _, e := range rec.attempts {
		require.Len(t, e.Moves, 1)
		assert.Zero(t, e.Work)
		if e.Moves[0].From != 0 {
			assert.True(t, e.Accepted, "1->0 is downhill and must always be accepted")
			continue
		}
		assert.InDelta(t, -2.0, e.LogP, 1e-12)
		tried++
		if e.Accepted {
			accepted++
		}
	}
	require.Greater(t, tried, 5000)
	want := math.Exp(-2)
	rate := float64(accepted) / float64(tried)
	assert.InDelta(t, want, rate, 5*math.Sqrt(want*(1-want)/float64(tried)))
}

func TestRejectionRestoresEngineBitIdentical(t *testing.T) {
	ctx := context.Background()
	toy, err := testsystem.NewToy(testsystem.ToyConfig{
		TemperatureK: 300,
		Seed:         5,
		Particles: []testsystem.ToyParticle{
			{Position: [3]float64{0, 0, 0}, Mass: 14, Restraint: 400},
			{Position: [3]float64{0.4, 0, 0}, Mass: 16, Restraint: 400},
			{Position: [3]float64{0, 0.4, 0}, Mass: 16, Restraint: 400, Params: model.ParticleParameters{Charge: -0.4, Sigma: 0.3, Epsilon: 0.6, Sterics: 1}},
		},
	})
	require.NoError(t, err)
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "ASP", 1, 2)}
	d := newDriver(t, toy, groups, func(o *Options) {
		o.Protocol = ncmc.Protocol{Perturbations: 4, PropagationsPerStep: 3}
	})
	require.NoError(t, d.ImportGKValues(map[string]any{"LYS": []float64{0, 1e6}, "ASP": []float64{0, 1e6}}))

	positions := toy.Positions()
	parameters := toy.Parameters()
	energy, err := toy.PotentialEnergy(ctx)
	require.NoError(t, err)

	report, err := d.Update(ctx, "", 40)
	require.NoError(t, err)
	require.Positive(t, report.Counted)
	assert.Equal(t, report.Counted, report.Rejected)

	assert.Equal(t, positions, toy.Positions())
	assert.Equal(t, parameters, toy.Parameters())
	after, err := toy.PotentialEnergy(ctx)
	require.NoError(t, err)
	assert.Equal(t, energy, after)
	assert.Equal(t, []int{0, 0}, d.CurrentStates())
}

func TestInstantaneousRejectionRepushesParameters(t *testing.T) {
	stub := testsystem.NewStub(testsystem.ChargeEnergy(map[int]float64{0: -1000}))
	d := newDriver(t, stub, []model.TitrationGroup{group("a", "LYS", 0, 2)}, nil)
	before := stub.Parameters()

	report, err := d.Update(context.Background(), "", 30)
	require.NoError(t, err)
	require.Positive(t, report.Counted)
	assert.Equal(t, report.Counted, report.Rejected)
	assert.Equal(t, before, stub.Parameters())
	assert.Zero(t, stub.Snapshots)
	assert.Zero(t, stub.Restores)
	assert.Zero(t, stub.Steps)
}

func TestAcceptedMoveLeavesCandidateParameters(t *testing.T) {
	stub := testsystem.NewStub(testsystem.ChargeEnergy(map[int]float64{0: 1000}))
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2)}
	d := newDriver(t, stub, groups, func(o *Options) {
		o.Protocol = ncmc.Protocol{Perturbations: 3}
	})

	for d.Statistics().Attempted == 0 {
		_, err := d.Update(context.Background(), "", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), d.Statistics().Accepted)
	assert.Equal(t, []int{1}, d.CurrentStates())
	assert.Equal(t, groups[0].States[1].Particles, stub.Parameters())
	assert.Equal(t, 3, stub.Steps)
	assert.Equal(t, 1, stub.Snapshots)
	assert.Zero(t, stub.Restores)
}

func TestUpdateScopeAndPools(t *testing.T) {
	rec := &recorder{}
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3), group("c", "GLU", 2, 2)}
	d := newDriver(t, testsystem.NewStub(nil), groups, func(o *Options) {
		o.Observers = []Observer{rec}
	})
	ctx := context.Background()

	_, err := d.Update(ctx, "missing", 1)
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = d.Update(ctx, "", -1)
	assert.ErrorIs(t, err, model.ErrConfig)

	assert.ErrorIs(t, d.DefinePools(map[string][]int{"bad": {3}}), model.ErrIndex)
	assert.ErrorIs(t, d.DefinePools(map[string][]int{"x": {0, 1}, "y": {1}}), model.ErrConfig)
	require.NoError(t, d.DefinePools(map[string][]int{"ligand": {1}}))
	assert.Equal(t, []model.Pool{{Name: "ligand", Groups: []int{1}}}, d.Pools())

	_, err = d.Update(ctx, "ligand", 100)
	require.NoError(t, err)
	require.NotEmpty(t, rec.attempts)
	for _, e := range rec.attempts {
		for _, m := range e.Moves {
			assert.Equal(t, 1, m.Group)
		}
	}
}

type fakeSideEffects struct {
	Calls [][3]int `json:"calls"`
}

func (f *fakeSideEffects) ApplyTransition(_ context.Context, group, from, to int) error {
	f.Calls = append(f.Calls, [3]int{group, from, to})
	return nil
}

func (f *fakeSideEffects) MarshalState() (json.RawMessage, error) { return json.Marshal(f) }

func (f *fakeSideEffects) UnmarshalState(raw json.RawMessage) error { return json.Unmarshal(raw, f) }

func TestSetTitrationState(t *testing.T) {
	ctx := context.Background()
	stub := testsystem.NewStub(nil)
	fx := &fakeSideEffects{}
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	d := newDriver(t, stub, groups, func(o *Options) { o.SideEffects = fx })

	assert.ErrorIs(t, d.SetTitrationState(ctx, 2, 0, true, true), model.ErrIndex)
	assert.ErrorIs(t, d.SetTitrationState(ctx, 1, 3, true, true), model.ErrIndex)

	require.NoError(t, d.SetTitrationState(ctx, 1, 2, false, false))
	assert.Equal(t, []int{0, 2}, d.CurrentStates())
	assert.Equal(t, groups[1].States[0].Particles[0], stub.Parameters()[1])
	assert.Empty(t, fx.Calls)

	require.NoError(t, d.SetTitrationState(ctx, 0, 1, true, true))
	assert.Equal(t, groups[0].States[1].Particles[0], stub.Parameters()[0])
	assert.Equal(t, [][3]int{{0, 0, 1}}, fx.Calls)
}

func TestRejectionAfterForcedStateRestoresForcedParameters(t *testing.T) {
	ctx := context.Background()
	stub := testsystem.NewStub(nil)
	groups := []model.TitrationGroup{group("h", "HIS", 0, 3)}
	d := newDriver(t, stub, groups, nil)
	require.NoError(t, d.ImportGKValues(map[string]any{"HIS": []float64{1e6, 1e6, 0}}))

	require.NoError(t, d.SetTitrationState(ctx, 0, 2, false, false))
	assert.Equal(t, groups[0].States[0].Particles, stub.Parameters())

	report, err := d.Update(ctx, "", 20)
	require.NoError(t, err)
	require.Positive(t, report.Rejected)
	assert.Equal(t, report.Counted, report.Rejected)
	assert.Equal(t, []int{2}, d.CurrentStates())
	assert.Equal(t, groups[0].States[2].Particles, stub.Parameters())
}

func TestImportanceSampling(t *testing.T) {
	ctx := context.Background()
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	stub := testsystem.NewStub(testsystem.ChargeEnergy(map[int]float64{0: -1000, 1: -1000}))
	d := newDriver(t, stub, groups, func(o *Options) {
		o.Protocol = ncmc.Protocol{Perturbations: 2}
	})

	assert.ErrorIs(t, d.AssignImportanceStates([]int{1}), model.ErrIndex)
	assert.ErrorIs(t, d.AssignImportanceStates([]int{1, 3}), model.ErrIndex)
	require.NoError(t, d.AssignImportanceStates([]int{1, 2}))
	assert.Equal(t, model.SamplingImportance, d.Sampling())
	assert.ErrorIs(t, d.EnableCalibration(sams.Config{}), model.ErrConfig)

	report, err := d.Update(ctx, "", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counted)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, report.Work, 1)
	assert.Greater(t, report.Work[0], 0.0)
	assert.Equal(t, []int{1, 2}, d.CurrentStates())
	assert.Zero(t, stub.Snapshots)

	d.ClearImportanceStates()
	require.NoError(t, d.EnableCalibration(sams.Config{}))
	assert.ErrorIs(t, d.AssignImportanceStates([]int{0, 0}), model.ErrConfig)
}

func TestImportGKValues(t *testing.T) {
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3), group("c", "LYS", 2, 2)}
	d := newDriver(t, testsystem.NewStub(nil), groups, nil)

	require.NoError(t, d.ImportGKValues(map[string]any{
		"_comment": "ignored",
		"LYS":      []any{0.0, 1.5},
		"HIS":      []int{0, 2, -3},
		"ASP":      []float64{0, 1},
	}))
	got := d.Groups()
	assert.Equal(t, 1.5, got[0].States[1].GK)
	assert.Equal(t, 1.5, got[2].States[1].GK)
	assert.Equal(t, -3.0, got[1].States[2].GK)

	assert.ErrorIs(t, d.ImportGKValues(map[string]any{"LYS": []any{[]any{0.0, 1.0}}}), model.ErrConfig)
	assert.ErrorIs(t, d.ImportGKValues(map[string]any{"LYS": [][]float64{{0, 1}}}), model.ErrConfig)
	assert.ErrorIs(t, d.ImportGKValues(map[string]any{"LYS": 2.0}), model.ErrConfig)
	assert.ErrorIs(t, d.ImportGKValues(map[string]any{"LYS": []float64{7, 7}, "HIS": []float64{1}}), model.ErrConfig)
	assert.Equal(t, 1.5, d.Groups()[0].States[1].GK, "a failed import must not install anything")
}

func TestPHShiftsReferenceFreeEnergies(t *testing.T) {
	rec := &recorder{}
	ph := 1.0
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, func(o *Options) {
		o.PH = &ph
		o.Observers = []Observer{rec}
	})
	got, ok := d.PH()
	require.True(t, ok)
	assert.Equal(t, 1.0, got)

	_, err := d.Update(context.Background(), "", 200)
	require.NoError(t, err)
	require.NotEmpty(t, rec.attempts)
	for _, e := range rec.attempts {
		// State 0 carries one more proton than state 1.
		if e.Moves[0].From == 0 {
			assert.InDelta(t, math.Ln10, e.LogP, 1e-12)
			assert.True(t, e.Accepted)
		} else {
			assert.InDelta(t, -math.Ln10, e.LogP, 1e-12)
		}
	}

	saved, err := d.SaveState()
	require.NoError(t, err)
	require.NotNil(t, saved.PH)
	restored, err := Restore(context.Background(), Options{Engine: testsystem.NewStub(nil)}, saved)
	require.NoError(t, err)
	got, ok = restored.PH()
	assert.True(t, ok)
	assert.Equal(t, 1.0, got)

	nan := math.NaN()
	_, err = New(context.Background(), Options{Engine: testsystem.NewStub(nil), Groups: []model.TitrationGroup{group("k", "LYS", 0, 2)}, TemperatureK: 300, PH: &nan})
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestCalibratedWeightsLabelStates(t *testing.T) {
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	d := newDriver(t, testsystem.NewStub(nil), groups, func(o *Options) { o.SitesPerUpdate = 2 })

	none, err := d.CalibratedWeights()
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, d.EnableCalibration(sams.Config{Approach: model.ApproachMultiSite, MinBurn: 10}))
	_, err = d.Update(context.Background(), "", 50)
	require.NoError(t, err)

	weights, err := d.CalibratedWeights()
	require.NoError(t, err)
	require.Len(t, weights, 6)
	assert.Equal(t, []int{0, 0}, weights[0].States)
	assert.Equal(t, []int{1, 2}, weights[5].States)
	assert.Equal(t, []int{1, 1}, weights[3].States)
	raw := d.Weights()
	for i, w := range weights {
		assert.Equal(t, raw[i], w.Weight)
		assert.InDelta(t, raw[i]-raw[0], w.Relative, 1e-12)
	}

	require.NoError(t, d.EnableCalibration(sams.Config{GroupIndex: 1}))
	weights, err = d.CalibratedWeights()
	require.NoError(t, err)
	require.Len(t, weights, 3)
	assert.Equal(t, []int{2}, weights[2].States)
}

func TestEnableCalibrationDefaultsToLastGroup(t *testing.T) {
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	d := newDriver(t, testsystem.NewStub(nil), groups, nil)

	require.NoError(t, d.EnableCalibration(sams.Config{GroupIndex: -1}))
	cal := d.Calibration()
	require.NotNil(t, cal)
	assert.Equal(t, 1, cal.GroupIndex)
	assert.Len(t, cal.Weights, 3)
	assert.Equal(t, -sams.DefaultMinBurn, cal.Adaptation)
	assert.Equal(t, []model.Pool{{Name: CalibrationPool, Groups: []int{1}}}, d.Pools())

	assert.ErrorIs(t, d.EnableCalibration(sams.Config{GroupIndex: 7}), model.ErrIndex)
	assert.ErrorIs(t, d.EnableCalibration(sams.Config{UpdateRule: "sometimes"}), model.ErrConfig)
}

func TestCalibrationEventsFollowAttempts(t *testing.T) {
	rec := &recorder{}
	groups := []model.TitrationGroup{group("a", "LYS", 0, 3)}
	d := newDriver(t, testsystem.NewStub(nil), groups, func(o *Options) {
		o.Observers = []Observer{rec}
	})
	require.NoError(t, d.EnableCalibration(sams.Config{GroupIndex: 0, MinBurn: 5}))

	for d.Statistics().Attempted == 0 {
		_, err := d.Update(context.Background(), CalibrationPool, 1)
		require.NoError(t, err)
	}
	landed := d.CurrentStates()[0]
	for s, w := range d.Weights() {
		if s == landed {
			assert.Negative(t, w)
		} else {
			assert.Zero(t, w, "binary rule moves only the landed state")
		}
	}

	_, err := d.Update(context.Background(), CalibrationPool, 50)
	require.NoError(t, err)
	require.Equal(t, len(rec.attempts), len(rec.calibrations))
	for i := 0; i < len(rec.sequence); i += 2 {
		assert.Equal(t, "attempt", rec.sequence[i])
		assert.Equal(t, "calibration", rec.sequence[i+1])
	}
	assert.Len(t, rec.attempts[0].Weights, 3)
}

func TestMultiSiteCalibration(t *testing.T) {
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	d := newDriver(t, testsystem.NewStub(nil), groups, func(o *Options) { o.SitesPerUpdate = 2 })
	require.NoError(t, d.EnableCalibration(sams.Config{Approach: model.ApproachMultiSite, MinBurn: 10}))

	report, err := d.Update(context.Background(), "", 300)
	require.NoError(t, err)
	cal := d.Calibration()
	assert.Len(t, cal.Weights, 6)
	assert.Equal(t, -1, cal.GroupIndex)
	assert.Equal(t, -10+report.Counted, cal.Adaptation)
	assert.Empty(t, d.Pools())
}

func TestTwoStateCalibrationApproachesGap(t *testing.T) {
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, nil)
	require.NoError(t, d.ImportGKValues(map[string]any{"LYS": []float64{0, 2}}))
	require.NoError(t, d.EnableCalibration(sams.Config{GroupIndex: 0, MinBurn: 10}))

	_, err := d.Update(context.Background(), CalibrationPool, 20000)
	require.NoError(t, err)

	cal := d.Calibration()
	require.NotEqual(t, model.StageBurnIn, cal.Stage)
	assert.InDelta(t, -2.0, cal.Weights[0]-cal.Weights[1], 0.5)
}

func TestBinaryCalibrationReachesPrescribedTarget(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, nil)
	require.NoError(t, d.EnableCalibration(sams.Config{
		GroupIndex: 0,
		Targets:    []float64{0.2, 0.8},
		MinBurn:    10,
		MinSlow:    50,
		MinFast:    50,
	}))

	for i := 0; i < 40 && d.Calibration().Stage != model.StageConverged; i++ {
		_, err := d.Update(ctx, CalibrationPool, 1000)
		require.NoError(t, err)
	}
	require.Equal(t, model.StageConverged, d.Calibration().Stage)

	before := d.Visits()[0]
	_, err := d.Update(ctx, CalibrationPool, 20000)
	require.NoError(t, err)
	after := d.Visits()[0]
	low, high := after[0]-before[0], after[1]-before[1]
	assert.InDelta(t, 0.2, float64(low)/float64(low+high), 0.05)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	energy := testsystem.ChargeEnergy(map[int]float64{0: 3, 1: -2})
	fx := &fakeSideEffects{}
	d := newDriver(t, testsystem.NewStub(energy), groups, func(o *Options) {
		o.Seed = 99
		o.SideEffects = fx
		o.Protocol = ncmc.Protocol{Perturbations: 2}
	})
	require.NoError(t, d.ImportGKValues(map[string]any{"HIS": []float64{0, 0.5, 1}}))
	require.NoError(t, d.EnableCalibration(sams.Config{GroupIndex: 1, UpdateRule: model.UpdateGlobal, MinBurn: 5, MinSlow: 5}))
	_, err := d.Update(ctx, "", 150)
	require.NoError(t, err)

	saved, err := d.SaveState()
	require.NoError(t, err)
	data, err := storage.EncodeCheckpoint(saved)
	require.NoError(t, err)
	decoded, err := storage.DecodeCheckpoint(data)
	require.NoError(t, err)

	fx2 := &fakeSideEffects{}
	restored, err := Restore(ctx, Options{Engine: testsystem.NewStub(energy), SideEffects: fx2}, decoded)
	require.NoError(t, err)

	assert.Equal(t, d.RunID(), restored.RunID())
	assert.Equal(t, d.CurrentStates(), restored.CurrentStates())
	assert.Equal(t, d.Weights(), restored.Weights())
	assert.Equal(t, d.Calibration(), restored.Calibration())
	assert.Equal(t, d.Statistics(), restored.Statistics())
	assert.Equal(t, d.Visits(), restored.Visits())
	assert.Equal(t, d.Pools(), restored.Pools())
	assert.Equal(t, d.Groups(), restored.Groups())
	assert.Equal(t, fx.Calls, fx2.Calls)

	// Both continue on the same random stream.
	a, err := d.Update(ctx, "", 100)
	require.NoError(t, err)
	b, err := restored.Update(ctx, "", 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, d.Weights(), restored.Weights())
	assert.Equal(t, d.CurrentStates(), restored.CurrentStates())
}

func TestResumeMidBurnIn(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, nil)
	require.NoError(t, d.EnableCalibration(sams.Config{GroupIndex: 0, MinBurn: 50}))
	_, err := d.Update(ctx, CalibrationPool, 20)
	require.NoError(t, err)
	counted := int(d.Statistics().Attempted)
	require.Positive(t, counted)

	saved, err := d.SaveState()
	require.NoError(t, err)
	restored, err := Restore(ctx, Options{Engine: testsystem.NewStub(nil)}, saved)
	require.NoError(t, err)

	cal := restored.Calibration()
	assert.Equal(t, model.StageBurnIn, cal.Stage)
	assert.Equal(t, -50+counted, cal.Adaptation)
	assert.Equal(t, d.Calibration().Histogram, cal.Histogram)
}

func TestLoadStateRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, nil)
	saved, err := d.SaveState()
	require.NoError(t, err)

	bad := saved
	bad.CodecVersion = 99
	assert.ErrorIs(t, d.LoadState(ctx, bad), model.ErrSerialization)

	bad = saved
	bad.Visits = nil
	assert.ErrorIs(t, d.LoadState(ctx, bad), model.ErrSerialization)

	bad = saved
	bad.Statistics = model.AttemptStatistics{Attempted: 2, Accepted: 2, Rejected: 2}
	assert.ErrorIs(t, d.LoadState(ctx, bad), model.ErrSerialization)

	bad = saved
	bad.Sampling = "gibbs"
	assert.ErrorIs(t, d.LoadState(ctx, bad), model.ErrSerialization)

	bad = saved
	bad.Calibration = &model.CalibrationRecord{Approach: model.ApproachOneSite, UpdateRule: model.UpdateBinary, Stage: model.StageBurnIn}
	assert.ErrorIs(t, d.LoadState(ctx, bad), model.ErrSerialization)

	_, err = Restore(ctx, Options{Engine: testsystem.NewStub(nil)}, model.Checkpoint{})
	assert.ErrorIs(t, err, model.ErrSerialization)
}

func TestLoadStateFailureKeepsDriver(t *testing.T) {
	ctx := context.Background()
	stub := testsystem.NewStub(nil)
	fx := &fakeSideEffects{}
	groups := []model.TitrationGroup{group("a", "LYS", 0, 2), group("b", "HIS", 1, 3)}
	d := newDriver(t, stub, groups, func(o *Options) { o.SideEffects = fx })

	require.NoError(t, d.SetTitrationState(ctx, 1, 2, true, true))
	saved, err := d.SaveState()
	require.NoError(t, err)
	require.NoError(t, d.SetTitrationState(ctx, 1, 0, true, true))
	engineBefore := stub.Parameters()
	callsBefore := append([][3]int(nil), fx.Calls...)

	stub.Fail = map[string]error{"set": errors.New("context lost")}
	require.Error(t, d.LoadState(ctx, saved))
	assert.Equal(t, []int{0, 0}, d.CurrentStates())
	assert.Equal(t, callsBefore, fx.Calls, "side effects must not load when the engine push fails")
	stub.Fail = nil

	bad := saved
	bad.SideEffects = []byte(`{"calls": "nope"}`)
	assert.ErrorIs(t, d.LoadState(ctx, bad), model.ErrSerialization)
	assert.Equal(t, []int{0, 0}, d.CurrentStates())
	assert.Equal(t, engineBefore, stub.Parameters())

	require.NoError(t, d.LoadState(ctx, saved))
	assert.Equal(t, []int{0, 2}, d.CurrentStates())
	assert.Equal(t, groups[1].States[2].Particles[0], stub.Parameters()[1])
}

func TestEngineErrorsPropagate(t *testing.T) {
	stub := testsystem.NewStub(nil)
	d := newDriver(t, stub, []model.TitrationGroup{group("k", "LYS", 0, 3)}, nil)
	boom := errors.New("context lost")
	stub.Fail = map[string]error{"energy": boom}

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		_, err = d.Update(context.Background(), "", 1)
	}
	assert.ErrorIs(t, err, boom)
}

func TestUpdateStopsOnCancelledContext(t *testing.T) {
	d := newDriver(t, testsystem.NewStub(nil), []model.TitrationGroup{group("k", "LYS", 0, 2)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := d.Update(ctx, "", 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Counted+report.Skipped)
}
