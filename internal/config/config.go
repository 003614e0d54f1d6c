// Package config loads constant-pH run settings from YAML, TOML or JSON files.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"constph/internal/model"
	"constph/internal/params"
	"constph/internal/proposal"
	"constph/internal/sams"
	"constph/internal/storage"
	"constph/internal/testsystem"
)

const (
	DefaultTemperatureK    = 300.0
	DefaultCycles          = 10
	DefaultStepsPerCycle   = 500
	DefaultAttempts        = 1
	DefaultCheckpointEvery = 1
)

// Run is a complete run document.
type Run struct {
	RunID        string  `json:"run_id,omitempty" yaml:"run_id,omitempty" toml:"run_id,omitempty"`
	Seed         int64   `json:"seed" yaml:"seed" toml:"seed"`
	TemperatureK float64 `json:"temperature_k" yaml:"temperature_k" toml:"temperature_k"`
	// PH is the system pH; unset leaves the reference free energies unshifted.
	PH *float64 `json:"ph,omitempty" yaml:"ph,omitempty" toml:"ph,omitempty"`
	// Cycles alternates StepsPerCycle steps of dynamics with one Update.
	Cycles        int `json:"cycles" yaml:"cycles" toml:"cycles"`
	StepsPerCycle int `json:"steps_per_cycle" yaml:"steps_per_cycle" toml:"steps_per_cycle"`
	// CheckpointEvery saves a checkpoint every n cycles; the last cycle always saves.
	CheckpointEvery int    `json:"checkpoint_every" yaml:"checkpoint_every" toml:"checkpoint_every"`
	Scope           string `json:"scope,omitempty" yaml:"scope,omitempty" toml:"scope,omitempty"`
	Provider        string `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"`
	Sampling        string `json:"sampling,omitempty" yaml:"sampling,omitempty" toml:"sampling,omitempty"`

	Protocol    Protocol         `json:"protocol" yaml:"protocol" toml:"protocol"`
	Attempts    Attempts         `json:"attempts" yaml:"attempts" toml:"attempts"`
	Calibration *sams.Config     `json:"calibration,omitempty" yaml:"calibration,omitempty" toml:"calibration,omitempty"`
	Importance  []int            `json:"importance,omitempty" yaml:"importance,omitempty" toml:"importance,omitempty"`
	GK          map[string]any   `json:"reference_free_energies,omitempty" yaml:"reference_free_energies,omitempty" toml:"reference_free_energies,omitempty"`
	Pools       map[string][]int `json:"pools,omitempty" yaml:"pools,omitempty" toml:"pools,omitempty"`
	Groups      []Group          `json:"groups" yaml:"groups" toml:"groups"`
	System      System           `json:"system" yaml:"system" toml:"system"`
	Engine      Engine           `json:"engine" yaml:"engine" toml:"engine"`
	Storage     Storage          `json:"storage" yaml:"storage" toml:"storage"`
	Output      Output           `json:"output" yaml:"output" toml:"output"`
}

type Protocol struct {
	Perturbations       int `json:"perturbations" yaml:"perturbations" toml:"perturbations"`
	PropagationsPerStep int `json:"propagations_per_step" yaml:"propagations_per_step" toml:"propagations_per_step"`
	SitesPerUpdate      int `json:"sites_per_update" yaml:"sites_per_update" toml:"sites_per_update"`
}

// Attempts selects how many titration attempts each cycle makes.
type Attempts struct {
	Policy string  `json:"policy,omitempty" yaml:"policy,omitempty" toml:"policy,omitempty"`
	Base   int     `json:"base" yaml:"base" toml:"base"`
	Param  float64 `json:"param,omitempty" yaml:"param,omitempty" toml:"param,omitempty"`
	Max    int     `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
}

type Group struct {
	Name    string  `json:"name" yaml:"name" toml:"name"`
	Residue string  `json:"residue" yaml:"residue" toml:"residue"`
	Current int     `json:"current" yaml:"current" toml:"current"`
	States  []State `json:"states" yaml:"states" toml:"states"`
}

type State struct {
	Charge    int        `json:"charge" yaml:"charge" toml:"charge"`
	Protons   int        `json:"protons" yaml:"protons" toml:"protons"`
	GK        float64    `json:"g_k" yaml:"g_k" toml:"g_k"`
	Particles []Particle `json:"particles" yaml:"particles" toml:"particles"`
}

type Particle struct {
	Index   int     `json:"index" yaml:"index" toml:"index"`
	Charge  float64 `json:"charge" yaml:"charge" toml:"charge"`
	Sigma   float64 `json:"sigma" yaml:"sigma" toml:"sigma"`
	Epsilon float64 `json:"epsilon" yaml:"epsilon" toml:"epsilon"`
	// Sterics defaults to 1 (a real atom) when omitted.
	Sterics *float64 `json:"sterics,omitempty" yaml:"sterics,omitempty" toml:"sterics,omitempty"`
}

// System describes the in-process toy engine's particles.
type System struct {
	TimestepPS       float64          `json:"timestep_ps,omitempty" yaml:"timestep_ps,omitempty" toml:"timestep_ps,omitempty"`
	CollisionPerPS   float64          `json:"collision_per_ps,omitempty" yaml:"collision_per_ps,omitempty" toml:"collision_per_ps,omitempty"`
	SoftcoreAlpha    float64          `json:"softcore_alpha,omitempty" yaml:"softcore_alpha,omitempty" toml:"softcore_alpha,omitempty"`
	CoulombSmoothing float64          `json:"coulomb_smoothing,omitempty" yaml:"coulomb_smoothing,omitempty" toml:"coulomb_smoothing,omitempty"`
	Particles        []SystemParticle `json:"particles" yaml:"particles" toml:"particles"`
}

type SystemParticle struct {
	Position  [3]float64 `json:"position" yaml:"position" toml:"position"`
	Mass      float64    `json:"mass" yaml:"mass" toml:"mass"`
	Restraint float64    `json:"restraint,omitempty" yaml:"restraint,omitempty" toml:"restraint,omitempty"`
	Charge    float64    `json:"charge,omitempty" yaml:"charge,omitempty" toml:"charge,omitempty"`
	Sigma     float64    `json:"sigma,omitempty" yaml:"sigma,omitempty" toml:"sigma,omitempty"`
	Epsilon   float64    `json:"epsilon,omitempty" yaml:"epsilon,omitempty" toml:"epsilon,omitempty"`
}

// Engine selects the simulation engine: "toy" runs System in process, "remote" dials
// an engine service at Address.
type Engine struct {
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty"`
}

type Storage struct {
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
}

// Output names where run artifacts and the attempt journal go. Empty disables them.
type Output struct {
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir,omitempty"`
	Journal string `json:"journal,omitempty" yaml:"journal,omitempty" toml:"journal,omitempty"`
}

// Load reads path, choosing the format by extension (.yaml/.yml, .toml, anything else
// is JSON), then applies defaults and validates.
func Load(path string) (Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, FormatFromPath(path))
}

func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Parse decodes data in format ("yaml", "toml" or "json"). Unknown keys are errors.
func Parse(data []byte, format string) (Run, error) {
	var run Run
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&run); err != nil {
			return Run{}, fmt.Errorf("%w: decode yaml: %v", model.ErrConfig, err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &run)
		if err != nil {
			return Run{}, fmt.Errorf("%w: decode toml: %v", model.ErrConfig, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Run{}, fmt.Errorf("%w: unknown toml keys %v", model.ErrConfig, undecoded)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&run); err != nil {
			return Run{}, fmt.Errorf("%w: decode json: %v", model.ErrConfig, err)
		}
	default:
		return Run{}, fmt.Errorf("%w: unsupported config format: %s", model.ErrConfig, format)
	}
	run = run.WithDefaults()
	if err := run.Validate(); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (r Run) WithDefaults() Run {
	if r.TemperatureK == 0 {
		r.TemperatureK = DefaultTemperatureK
	}
	if r.Cycles == 0 {
		r.Cycles = DefaultCycles
	}
	if r.StepsPerCycle == 0 {
		r.StepsPerCycle = DefaultStepsPerCycle
	}
	if r.CheckpointEvery == 0 {
		r.CheckpointEvery = DefaultCheckpointEvery
	}
	if r.Attempts.Base == 0 {
		r.Attempts.Base = DefaultAttempts
	}
	r.Attempts.Policy = proposal.NormalizeAttemptPolicyName(r.Attempts.Policy)
	r.Provider = params.NormalizeProviderName(r.Provider)
	r.Sampling = proposal.NormalizeModeName(r.Sampling)
	r.Engine.Kind = NormalizeEngineName(r.Engine.Kind)
	r.Storage.Kind = storage.NormalizeStoreName(r.Storage.Kind)
	if r.Calibration != nil {
		cfg := r.Calibration.WithDefaults()
		r.Calibration = &cfg
	}
	return r
}

func (r Run) Validate() error {
	if r.TemperatureK <= 0 {
		return fmt.Errorf("%w: temperature must be > 0", model.ErrConfig)
	}
	if r.PH != nil && (math.IsNaN(*r.PH) || *r.PH < 0 || *r.PH > 14) {
		return fmt.Errorf("%w: pH must be within [0, 14]", model.ErrConfig)
	}
	if r.Cycles < 0 || r.StepsPerCycle < 0 || r.CheckpointEvery < 0 {
		return fmt.Errorf("%w: cycles, steps per cycle and checkpoint interval must be >= 0", model.ErrConfig)
	}
	if r.Protocol.Perturbations < 0 || r.Protocol.PropagationsPerStep < 0 || r.Protocol.SitesPerUpdate < 0 {
		return fmt.Errorf("%w: protocol settings must be >= 0", model.ErrConfig)
	}
	if r.Attempts.Base < 0 {
		return fmt.Errorf("%w: attempts must be >= 0", model.ErrConfig)
	}
	if _, err := r.AttemptPolicy(); err != nil {
		return err
	}
	if _, err := params.ProviderFromName(r.Provider); err != nil {
		return err
	}
	groups, err := r.TitrationGroups()
	if err != nil {
		return err
	}
	switch r.Sampling {
	case "uniform":
		if len(r.Importance) > 0 {
			return fmt.Errorf("%w: importance states need importance sampling", model.ErrConfig)
		}
	case "importance":
		if r.Calibration != nil {
			return fmt.Errorf("%w: calibration cannot be combined with importance sampling", model.ErrConfig)
		}
		if len(r.Importance) != len(groups) {
			return fmt.Errorf("%w: %d importance states for %d groups", model.ErrIndex, len(r.Importance), len(groups))
		}
	default:
		return fmt.Errorf("%w: unsupported sampling mode: %s", model.ErrConfig, r.Sampling)
	}
	for name, members := range r.Pools {
		if err := model.ValidatePool(model.Pool{Name: name, Groups: members}, len(groups)); err != nil {
			return err
		}
	}
	if r.Scope != "" && r.Scope != "all" {
		if _, ok := r.Pools[r.Scope]; !ok && !(r.Calibration != nil && r.Scope == "calibration") {
			return fmt.Errorf("%w: scope %q is not a defined pool", model.ErrConfig, r.Scope)
		}
	}
	if c := r.Calibration; c != nil {
		switch c.Approach {
		case model.ApproachOneSite, model.ApproachMultiSite:
		default:
			return fmt.Errorf("%w: unsupported calibration approach: %s", model.ErrConfig, c.Approach)
		}
	}
	switch r.Engine.Kind {
	case "toy":
		if len(r.System.Particles) == 0 {
			return fmt.Errorf("%w: toy engine needs system particles", model.ErrConfig)
		}
		for _, g := range groups {
			for _, p := range g.States[0].Particles {
				if p.Index < 0 || p.Index >= len(r.System.Particles) {
					return fmt.Errorf("%w: group %q uses particle %d of %d", model.ErrIndex, g.Name, p.Index, len(r.System.Particles))
				}
			}
		}
	case "remote":
		if r.Engine.Address == "" {
			return fmt.Errorf("%w: remote engine needs an address", model.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported engine: %s", model.ErrConfig, r.Engine.Kind)
	}
	switch r.Storage.Kind {
	case "memory":
	case "sqlite":
		if r.Storage.Path == "" {
			return fmt.Errorf("%w: sqlite storage needs a path", model.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported store backend: %s", model.ErrConfig, r.Storage.Kind)
	}
	return nil
}

func NormalizeEngineName(name string) string {
	switch name {
	case "", "toy", "local":
		return "toy"
	case "remote", "grpc":
		return "remote"
	default:
		return name
	}
}

// AttemptPolicy builds the configured attempt policy.
func (r Run) AttemptPolicy() (proposal.AttemptPolicy, error) {
	policy, err := proposal.AttemptPolicyFromConfig(r.Attempts.Policy, r.Attempts.Param)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	if sp, ok := policy.(proposal.SizeProportionalAttemptPolicy); ok {
		sp.MaxAttempts = r.Attempts.Max
		policy = sp
	}
	return policy, nil
}

// TitrationGroups converts and validates the configured groups.
func (r Run) TitrationGroups() ([]model.TitrationGroup, error) {
	if len(r.Groups) == 0 {
		return nil, fmt.Errorf("%w: at least one titration group is required", model.ErrConfig)
	}
	out := make([]model.TitrationGroup, len(r.Groups))
	for i, g := range r.Groups {
		tg := model.TitrationGroup{Name: g.Name, Residue: g.Residue, Current: g.Current}
		if tg.Name == "" {
			tg.Name = fmt.Sprintf("%s-%d", g.Residue, i)
		}
		for _, s := range g.States {
			ts := model.TitrationState{Charge: s.Charge, Protons: s.Protons, GK: s.GK}
			for _, p := range s.Particles {
				sterics := 1.0
				if p.Sterics != nil {
					sterics = *p.Sterics
				}
				ts.Particles = append(ts.Particles, model.ParticleParameters{
					Index: p.Index, Charge: p.Charge, Sigma: p.Sigma, Epsilon: p.Epsilon, Sterics: sterics,
				})
			}
			tg.States = append(tg.States, ts)
		}
		if err := tg.Validate(); err != nil {
			return nil, err
		}
		out[i] = tg
	}
	return out, nil
}

// ToyConfig builds the in-process engine settings from System. Particle parameters
// outside the titration groups come from System; the groups overwrite their own.
func (r Run) ToyConfig(seed int64) testsystem.ToyConfig {
	particles := make([]testsystem.ToyParticle, len(r.System.Particles))
	for i, p := range r.System.Particles {
		particles[i] = testsystem.ToyParticle{
			Position:  p.Position,
			Mass:      p.Mass,
			Restraint: p.Restraint,
			Params: model.ParticleParameters{
				Index:   i,
				Charge:  p.Charge,
				Sigma:   p.Sigma,
				Epsilon: p.Epsilon,
				Sterics: 1,
			},
		}
	}
	return testsystem.ToyConfig{
		Particles:        particles,
		TemperatureK:     r.TemperatureK,
		TimestepPS:       r.System.TimestepPS,
		CollisionPerPS:   r.System.CollisionPerPS,
		SoftcoreAlpha:    r.System.SoftcoreAlpha,
		CoulombSmoothing: r.System.CoulombSmoothing,
		Seed:             seed,
	}
}
