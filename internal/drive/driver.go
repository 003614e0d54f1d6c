package drive

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"constph/internal/acceptance"
	"constph/internal/model"
	"constph/internal/ncmc"
	"constph/internal/params"
	"constph/internal/sams"
)

var tracer = otel.Tracer("constph.drive")

// Options configure a Driver. Engine, Groups and TemperatureK are required.
type Options struct {
	RunID        string
	Groups       []model.TitrationGroup
	TemperatureK float64
	// PH shifts every state's reference free energy by Protons*ln(10)*pH. Nil uses
	// the reference free energies as given.
	PH             *float64
	Engine         ncmc.Engine
	Provider       params.Provider
	Protocol       ncmc.Protocol
	SitesPerUpdate int
	Seed           int64
	SideEffects    SideEffects
	Observers      []Observer
	Logger         *slog.Logger
}

// Driver owns the titration state of a system and runs titration attempts against an
// engine. All methods are safe for concurrent use; attempts never overlap.
type Driver struct {
	mu sync.Mutex

	runID       string
	temperature float64
	ph          *float64
	beta        float64
	engine      ncmc.Engine
	provider    params.Provider
	switcher    *ncmc.Switcher
	sites       int
	sideEffects SideEffects
	observers   []Observer
	logger      *slog.Logger

	source *countingSource
	rand   *rand.Rand

	groups      []model.TitrationGroup
	pools       map[string][]int
	visits      [][]int
	sampling    model.SamplingMethod
	importance  []int
	calibration *sams.Engine
	tally       *acceptance.Tally
}

// New validates opts, builds a driver and pushes the current state of every group into
// the engine so the engine matches the driver from the start.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("%w: engine is required", model.ErrConfig)
	}
	if len(opts.Groups) == 0 {
		return nil, fmt.Errorf("%w: at least one titration group is required", model.ErrConfig)
	}
	for _, g := range opts.Groups {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.TemperatureK <= 0 {
		return nil, fmt.Errorf("%w: temperature must be > 0", model.ErrConfig)
	}
	if opts.PH != nil && (math.IsNaN(*opts.PH) || math.IsInf(*opts.PH, 0)) {
		return nil, fmt.Errorf("%w: pH must be finite", model.ErrConfig)
	}
	if opts.SitesPerUpdate < 0 {
		return nil, fmt.Errorf("%w: sites per update must be >= 0", model.ErrConfig)
	}
	beta := ncmc.Beta(opts.TemperatureK)
	switcher, err := ncmc.NewSwitcher(opts.Protocol, beta)
	if err != nil {
		return nil, err
	}
	provider := opts.Provider
	if provider == nil {
		provider = params.ForceField{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	sites := opts.SitesPerUpdate
	if sites == 0 {
		sites = 1
	}

	d := &Driver{
		runID:       runID,
		temperature: opts.TemperatureK,
		ph:          clonePH(opts.PH),
		beta:        beta,
		engine:      opts.Engine,
		provider:    provider,
		switcher:    switcher,
		sites:       sites,
		sideEffects: opts.SideEffects,
		observers:   append([]Observer(nil), opts.Observers...),
		logger:      logger.With("component", "drive", "run_id", runID),
		groups:      model.CloneGroups(opts.Groups),
		pools:       map[string][]int{},
		sampling:    model.SamplingMCMC,
		tally:       acceptance.NewTally(model.AttemptStatistics{}),
	}
	d.seed(model.RandomState{Seed: opts.Seed})
	d.visits = make([][]int, len(d.groups))
	for i, g := range d.groups {
		d.visits[i] = make([]int, len(g.States))
	}
	if err := d.pushCurrent(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) seed(state model.RandomState) {
	d.source = newCountingSource(state)
	d.rand = rand.New(d.source)
}

// pushCurrent writes the resting parameters of every group's current state.
func (d *Driver) pushCurrent(ctx context.Context) error {
	return d.pushStates(ctx, d.groups)
}

func (d *Driver) pushStates(ctx context.Context, groups []model.TitrationGroup) error {
	var all []model.ParticleParameters
	for _, g := range groups {
		rest, _, err := d.provider.Endpoints(g, g.Current, g.Current)
		if err != nil {
			return err
		}
		all = append(all, rest...)
	}
	if err := d.engine.SetParameters(ctx, all); err != nil {
		return fmt.Errorf("push current states: %w", err)
	}
	return nil
}

// referenceEnergy is the state's reference free energy at the driver's pH, in kT.
func (d *Driver) referenceEnergy(state model.TitrationState) float64 {
	if d.ph == nil {
		return state.GK
	}
	return state.GK + float64(state.Protons)*math.Ln10*(*d.ph)
}

func clonePH(ph *float64) *float64 {
	if ph == nil {
		return nil
	}
	v := *ph
	return &v
}

// AddObserver registers o for all subsequent events.
func (d *Driver) AddObserver(o Observer) {
	if o == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *Driver) RunID() string { return d.runID }

func (d *Driver) TemperatureK() float64 { return d.temperature }

// PH reports the system pH, false when none is set.
func (d *Driver) PH() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ph == nil {
		return 0, false
	}
	return *d.ph, true
}

// Beta is 1/(k_B T) in mol/kJ.
func (d *Driver) Beta() float64 { return d.beta }

func (d *Driver) Groups() []model.TitrationGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return model.CloneGroups(d.groups)
}

func (d *Driver) CurrentStates() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return model.CurrentStates(d.groups)
}

func (d *Driver) Statistics() model.AttemptStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tally.Statistics()
}

// Visits returns, per group, how often each state was the outcome of a counted attempt
// that involved the group.
func (d *Driver) Visits() [][]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneVisits(d.visits)
}

func (d *Driver) Sampling() model.SamplingMethod {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampling
}

// Weights returns the calibrated bias weights, nil when calibration is off.
func (d *Driver) Weights() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calibration == nil {
		return nil
	}
	return d.calibration.Weights()
}

// CalibratedWeight is one bias weight with the titration states it biases.
type CalibratedWeight struct {
	States   []int   `json:"states"`
	Weight   float64 `json:"weight"`
	Relative float64 `json:"relative"`
}

// CalibratedWeights lists the bias weights, nil when calibration is off. One-site
// weights carry the state of the calibrated group; multi-site weights carry the
// decoded joint state of every group.
func (d *Driver) CalibratedWeights() ([]CalibratedWeight, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calibration == nil {
		return nil, nil
	}
	weights := d.calibration.Weights()
	relative := d.calibration.RelativeWeights()
	out := make([]CalibratedWeight, len(weights))
	for i := range weights {
		states := []int{i}
		if d.calibration.Approach() == model.ApproachMultiSite {
			decoded, err := model.DecodeJointIndex(d.groups, i)
			if err != nil {
				return nil, err
			}
			states = decoded
		}
		out[i] = CalibratedWeight{States: states, Weight: weights[i], Relative: relative[i]}
	}
	return out, nil
}

// Calibration returns a copy of the calibration state, nil when calibration is off.
func (d *Driver) Calibration() *model.CalibrationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calibration == nil {
		return nil
	}
	rec := d.calibration.Record()
	return &rec
}

func (d *Driver) Pools() []model.Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.poolList()
}

func (d *Driver) poolList() []model.Pool {
	names := make([]string, 0, len(d.pools))
	for name := range d.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]model.Pool, 0, len(names))
	for _, name := range names {
		out = append(out, model.Pool{Name: name, Groups: append([]int(nil), d.pools[name]...)})
	}
	return out
}

func (d *Driver) scope(name string) ([]int, error) {
	if name == "" || name == "all" {
		out := make([]int, len(d.groups))
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	groups, ok := d.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pool %q", model.ErrConfig, name)
	}
	return groups, nil
}

func cloneVisits(in [][]int) [][]int {
	out := make([][]int, len(in))
	for i := range in {
		out[i] = append([]int(nil), in[i]...)
	}
	return out
}
