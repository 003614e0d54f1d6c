package constph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"constph/internal/config"
	"constph/internal/drive"
	"constph/internal/model"
	"constph/internal/ncmc"
	"constph/internal/observe"
	"constph/internal/params"
	"constph/internal/remote"
	"constph/internal/stats"
	"constph/internal/storage"
	"constph/internal/testsystem"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "constph.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	// Registerer receives the titration metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

type Client struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *observe.Metrics

	initMu      sync.Mutex
	initialized bool

	artifactsDir string
	exportsDir   string
}

type RunSummary struct {
	RunID          string
	ArtifactsDir   string
	CyclesDone     int
	Statistics     model.AttemptStatistics
	AcceptanceRate float64
	FinalStates    []int
	Stage          model.Stage
	Weights        []float64
	LastCheckpoint string
}

type ResumeRequest struct {
	RunID        string
	Latest       bool
	CheckpointID string
	// Cycles overrides the number of cycles to run. Zero runs whatever is left of the
	// configured cycle count.
	Cycles int
}

type CheckpointsRequest struct {
	RunID  string
	Latest bool
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID          string
	CreatedAtUTC   string
	Groups         int
	Seed           int64
	Attempted      int64
	Accepted       int64
	AcceptanceRate float64
	Stage          model.Stage
}

type InspectRequest struct {
	RunID  string
	Latest bool
	// Limit caps the attempt history returned, most recent last. Zero returns none.
	Limit int
}

type RunDetail struct {
	Config  config.Run
	Summary stats.Summary
	History []stats.TitrationRow
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:        store,
		logger:       logger,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}
	if opts.Registerer != nil {
		c.metrics = observe.NewMetrics(opts.Registerer)
	}
	return c, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Run starts a new run from cfg: it alternates StepsPerCycle steps of dynamics with one
// titration update, checkpoints every CheckpointEvery cycles and writes the run
// artifacts. A cancelled context stops the run after the current cycle; the partial run
// is still checkpointed and recorded, and the context error is returned with it.
func (c *Client) Run(ctx context.Context, cfg config.Run) (RunSummary, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if _, ok, err := stats.ReadSummary(c.artifactsDir, cfg.RunID); err != nil {
		return RunSummary{}, err
	} else if ok {
		return RunSummary{}, fmt.Errorf("%w: run %s already exists; resume it instead", model.ErrConfig, cfg.RunID)
	}
	groups, err := cfg.TitrationGroups()
	if err != nil {
		return RunSummary{}, err
	}

	engine, closeEngine, err := openEngine(cfg, cfg.Seed)
	if err != nil {
		return RunSummary{}, err
	}
	defer closeEngine()

	opts, err := c.driverOptions(cfg, engine)
	if err != nil {
		return RunSummary{}, err
	}
	opts.Groups = groups
	d, err := drive.New(ctx, opts)
	if err != nil {
		return RunSummary{}, err
	}
	if err := configureDriver(d, cfg); err != nil {
		return RunSummary{}, err
	}

	return c.execute(ctx, d, engine, cfg, execution{
		cycles:    cfg.Cycles,
		createdAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Resume continues a run from a stored checkpoint (the latest one unless CheckpointID
// is set) using the configuration recorded when the run started.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) (RunSummary, error) {
	if req.Cycles < 0 {
		return RunSummary{}, errors.New("cycles must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return RunSummary{}, err
	}

	cfg, ok, err := stats.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return RunSummary{}, err
	}
	if !ok {
		return RunSummary{}, fmt.Errorf("run %s has no recorded config in %s", runID, c.artifactsDir)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	previous, _, err := stats.ReadSummary(c.artifactsDir, runID)
	if err != nil {
		return RunSummary{}, err
	}

	var (
		checkpoint model.Checkpoint
		found      bool
	)
	if req.CheckpointID != "" {
		checkpoint, found, err = c.store.GetCheckpoint(ctx, req.CheckpointID)
		if err == nil && found && checkpoint.RunID != runID {
			return RunSummary{}, fmt.Errorf("checkpoint %s belongs to run %s", req.CheckpointID, checkpoint.RunID)
		}
	} else {
		checkpoint, found, err = c.store.LatestCheckpoint(ctx, runID)
	}
	if err != nil {
		return RunSummary{}, err
	}
	if !found {
		return RunSummary{}, fmt.Errorf("no checkpoint found for run %s", runID)
	}

	done := previous.Cycles
	cycles := req.Cycles
	if cycles == 0 {
		cycles = cfg.Cycles - done
		if cycles <= 0 {
			return RunSummary{}, fmt.Errorf("run %s already completed %d of %d cycles", runID, done, cfg.Cycles)
		}
	}

	// The engine restarts from the configured coordinates with fresh noise; only the
	// titration state comes from the checkpoint.
	engine, closeEngine, err := openEngine(cfg, cfg.Seed+int64(done))
	if err != nil {
		return RunSummary{}, err
	}
	defer closeEngine()

	opts, err := c.driverOptions(cfg, engine)
	if err != nil {
		return RunSummary{}, err
	}
	d, err := drive.Restore(ctx, opts, checkpoint)
	if err != nil {
		return RunSummary{}, err
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return RunSummary{}, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			createdAt = e.CreatedAtUTC
			break
		}
	}
	return c.execute(ctx, d, engine, cfg, execution{
		done:      done,
		cycles:    cycles,
		createdAt: createdAt,
	})
}

type execution struct {
	done      int
	cycles    int
	createdAt string
}

func (c *Client) execute(ctx context.Context, d *drive.Driver, engine ncmc.Engine, cfg config.Run, run execution) (RunSummary, error) {
	policy, err := cfg.AttemptPolicy()
	if err != nil {
		return RunSummary{}, err
	}
	scopeSize, err := scopeGroups(d, cfg.Scope)
	if err != nil {
		return RunSummary{}, err
	}

	recorder := observe.NewRecorder()
	d.AddObserver(recorder)
	d.AddObserver(observe.NewLog(c.logger, slog.LevelDebug))
	if c.metrics != nil {
		d.AddObserver(c.metrics)
	}
	var journal *observe.Journal
	if cfg.Output.Journal != "" {
		journal, err = observe.OpenJournal(ctx, cfg.Output.Journal)
		if err != nil {
			return RunSummary{}, err
		}
		defer journal.Close()
		d.AddObserver(journal)
	}

	logger := c.logger.With("run_id", d.RunID())
	logger.Info("run started",
		"groups", len(d.Groups()),
		"cycles", run.cycles,
		"completed", run.done,
		"sampling", d.Sampling(),
	)

	attempts := policy.Attempts(cfg.Attempts.Base, scopeSize)
	lastCheckpoint := ""
	saved := true
	var stopErr error
	for i := 0; i < run.cycles; i++ {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if err := engine.Step(ctx, cfg.StepsPerCycle); err != nil {
			stopErr = fmt.Errorf("cycle %d dynamics: %w", run.done+1, err)
			break
		}
		if _, err := d.Update(ctx, cfg.Scope, attempts); err != nil {
			stopErr = fmt.Errorf("cycle %d update: %w", run.done+1, err)
			break
		}
		run.done++
		saved = false
		if run.done%cfg.CheckpointEvery == 0 || i == run.cycles-1 {
			id, err := c.checkpoint(ctx, d)
			if err != nil {
				return RunSummary{}, err
			}
			lastCheckpoint = id
			saved = true
		}
	}
	// Only an interrupted run can get here with unsaved cycles. The background context
	// lets the final checkpoint land even when ctx is already done.
	if !saved {
		id, err := c.checkpoint(context.Background(), d)
		if err != nil {
			return RunSummary{}, errors.Join(stopErr, err)
		}
		lastCheckpoint = id
	}
	if journal != nil {
		if err := journal.Err(); err != nil {
			return RunSummary{}, errors.Join(stopErr, fmt.Errorf("attempt journal: %w", err))
		}
	}

	summary, err := c.record(d, cfg, run, lastCheckpoint, recorder)
	if err != nil {
		return RunSummary{}, errors.Join(stopErr, err)
	}
	if stopErr != nil {
		logger.Warn("run stopped", "completed", run.done, "error", stopErr)
		return summary, stopErr
	}
	logger.Info("run finished",
		"completed", run.done,
		"attempted", summary.Statistics.Attempted,
		"accepted", summary.Statistics.Accepted,
	)
	return summary, nil
}

func (c *Client) checkpoint(ctx context.Context, d *drive.Driver) (string, error) {
	checkpoint, err := d.SaveState()
	if err != nil {
		return "", err
	}
	if err := c.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return checkpoint.ID, nil
}

func (c *Client) record(d *drive.Driver, cfg config.Run, run execution, lastCheckpoint string, recorder *observe.Recorder) (RunSummary, error) {
	statistics := d.Statistics()
	summary := stats.Summary{
		RunID:          d.RunID(),
		TemperatureK:   d.TemperatureK(),
		Cycles:         run.done,
		Statistics:     statistics,
		AcceptanceRate: statistics.AcceptanceRate(),
		FinalStates:    d.CurrentStates(),
		Visits:         d.Visits(),
		LastCheckpoint: lastCheckpoint,
		UpdatedAtUTC:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if rec := d.Calibration(); rec != nil {
		summary.Stage = rec.Stage
		summary.Adaptation = rec.Adaptation
		summary.Weights = append([]float64(nil), rec.Weights...)
		calibrated, err := d.CalibratedWeights()
		if err != nil {
			return RunSummary{}, err
		}
		summary.Calibrated = calibrated
	}
	if ph, ok := d.PH(); ok {
		summary.PH = &ph
	}

	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config:       cfg,
		Summary:      summary,
		Attempts:     recorder.Attempts(),
		Calibrations: recorder.Calibrations(),
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:          summary.RunID,
		Groups:         len(d.Groups()),
		Seed:           cfg.Seed,
		Attempted:      statistics.Attempted,
		Accepted:       statistics.Accepted,
		AcceptanceRate: summary.AcceptanceRate,
		Stage:          summary.Stage,
		CreatedAtUTC:   run.createdAt,
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:          summary.RunID,
		ArtifactsDir:   filepath.Clean(runDir),
		CyclesDone:     run.done,
		Statistics:     statistics,
		AcceptanceRate: summary.AcceptanceRate,
		FinalStates:    summary.FinalStates,
		Stage:          summary.Stage,
		Weights:        summary.Weights,
		LastCheckpoint: lastCheckpoint,
	}, nil
}

func (c *Client) Checkpoints(ctx context.Context, req CheckpointsRequest) ([]model.CheckpointSummary, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx, runID)
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:          e.RunID,
			CreatedAtUTC:   e.CreatedAtUTC,
			Groups:         e.Groups,
			Seed:           e.Seed,
			Attempted:      e.Attempted,
			Accepted:       e.Accepted,
			AcceptanceRate: e.AcceptanceRate,
			Stage:          e.Stage,
		})
	}
	return out, nil
}

func (c *Client) Inspect(_ context.Context, req InspectRequest) (RunDetail, error) {
	if req.Limit < 0 {
		return RunDetail{}, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return RunDetail{}, err
	}
	summary, ok, err := stats.ReadSummary(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run not found: %s", runID)
	}
	cfg, _, err := stats.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	detail := RunDetail{Config: cfg, Summary: summary}
	if req.Limit > 0 {
		history, _, err := stats.ReadTitrationHistory(c.artifactsDir, runID)
		if err != nil {
			return RunDetail{}, err
		}
		if len(history) > req.Limit {
			history = history[len(history)-req.Limit:]
		}
		detail.History = history
	}
	return detail, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if runID != "" {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs recorded")
	}
	return entries[0].RunID, nil
}

func (c *Client) driverOptions(cfg config.Run, engine ncmc.Engine) (drive.Options, error) {
	provider, err := params.ProviderFromName(cfg.Provider)
	if err != nil {
		return drive.Options{}, err
	}
	return drive.Options{
		RunID:        cfg.RunID,
		TemperatureK: cfg.TemperatureK,
		PH:           cfg.PH,
		Engine:       engine,
		Provider:     provider,
		Protocol: ncmc.Protocol{
			Perturbations:       cfg.Protocol.Perturbations,
			PropagationsPerStep: cfg.Protocol.PropagationsPerStep,
		},
		SitesPerUpdate: cfg.Protocol.SitesPerUpdate,
		Seed:           cfg.Seed,
		Logger:         c.logger,
	}, nil
}

func configureDriver(d *drive.Driver, cfg config.Run) error {
	if len(cfg.GK) > 0 {
		if err := d.ImportGKValues(cfg.GK); err != nil {
			return err
		}
	}
	if len(cfg.Pools) > 0 {
		if err := d.DefinePools(cfg.Pools); err != nil {
			return err
		}
	}
	if cfg.Calibration != nil {
		if err := d.EnableCalibration(*cfg.Calibration); err != nil {
			return err
		}
	}
	if cfg.Sampling == "importance" {
		if err := d.AssignImportanceStates(cfg.Importance); err != nil {
			return err
		}
	}
	return nil
}

// scopeGroups counts the groups an update over scope can move.
func scopeGroups(d *drive.Driver, scope string) (int, error) {
	if scope == "" || scope == "all" {
		return len(d.Groups()), nil
	}
	for _, pool := range d.Pools() {
		if pool.Name == scope {
			return len(pool.Groups), nil
		}
	}
	return 0, fmt.Errorf("%w: scope %q is not a defined pool", model.ErrConfig, scope)
}

func openEngine(cfg config.Run, seed int64) (ncmc.Engine, func(), error) {
	switch cfg.Engine.Kind {
	case "toy":
		toy, err := testsystem.NewToy(cfg.ToyConfig(seed))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
		}
		return toy, func() {}, nil
	case "remote":
		client, err := remote.Dial(cfg.Engine.Address)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported engine: %s", model.ErrConfig, cfg.Engine.Kind)
	}
}
