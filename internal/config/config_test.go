package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constph/internal/model"
	"constph/internal/proposal"
	"constph/internal/sams"
)

const yamlRun = `
run_id: lys-demo
seed: 7
temperature_k: 310
ph: 7.4
cycles: 4
steps_per_cycle: 50
protocol:
  perturbations: 5
  propagations_per_step: 2
attempts:
  policy: per_site
  base: 3
calibration:
  approach: one-site
  group_index: -1
  min_burn: 20
reference_free_energies:
  _comment: kT units
  LYS: [0.0, 3.5]
pools:
  ligand: [0]
groups:
  - name: lys-1
    residue: LYS
    states:
      - charge: 1
        protons: 3
        particles:
          - {index: 0, charge: 0.33, sigma: 0.33, epsilon: 0.36}
      - charge: 0
        protons: 2
        particles:
          - {index: 0, charge: -0.03, sigma: 0.33, epsilon: 0.36}
system:
  particles:
    - {position: [0, 0, 0], mass: 14, restraint: 500}
    - {position: [0.4, 0, 0], mass: 16, restraint: 500, charge: -0.5}
storage:
  kind: sqlite3
  path: run.db
`

const tomlRun = `
seed = 3
cycles = 2

[protocol]
perturbations = 0

[reference_free_energies]
HIS = [0.0, 1.5, -2.0]

[[groups]]
residue = "HIS"
current = 2

[[groups.states]]
charge = 1
protons = 2
[[groups.states.particles]]
index = 0
charge = 0.4
sigma = 0.3
epsilon = 0.5

[[groups.states]]
charge = 0
protons = 1
[[groups.states.particles]]
index = 0
charge = 0.1
sigma = 0.3
epsilon = 0.5

[[groups.states]]
charge = 0
protons = 1
[[groups.states.particles]]
index = 0
charge = 0.0
sigma = 0.0
epsilon = 0.0
sterics = 0.0

[[system.particles]]
position = [0.0, 0.0, 0.0]
mass = 12.0

[engine]
kind = "grpc"
address = "localhost:7777"
`

const jsonRun = `{
  "temperature_k": 298.15,
  "sampling": "importance_sampling",
  "importance": [1],
  "groups": [{"name": "asp", "residue": "ASP", "states": [
    {"charge": 0, "protons": 1, "particles": [{"index": 0, "charge": 0.1}]},
    {"charge": -1, "protons": 0, "particles": [{"index": 0, "charge": -0.6}]}
  ]}],
  "system": {"particles": [{"position": [0, 0, 0], "mass": 16}]}
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	run, err := Load(writeConfig(t, "run.yaml", yamlRun))
	require.NoError(t, err)

	assert.Equal(t, "lys-demo", run.RunID)
	assert.Equal(t, 310.0, run.TemperatureK)
	require.NotNil(t, run.PH)
	assert.Equal(t, 7.4, *run.PH)
	assert.Equal(t, Protocol{Perturbations: 5, PropagationsPerStep: 2}, run.Protocol)
	assert.Equal(t, "per_group", run.Attempts.Policy)
	assert.Equal(t, "sqlite", run.Storage.Kind)
	assert.Equal(t, "toy", run.Engine.Kind)
	assert.Equal(t, "uniform", run.Sampling)
	assert.Equal(t, DefaultCheckpointEvery, run.CheckpointEvery)

	require.NotNil(t, run.Calibration)
	assert.Equal(t, model.ApproachOneSite, run.Calibration.Approach)
	assert.Equal(t, -1, run.Calibration.GroupIndex)
	assert.Equal(t, 20, run.Calibration.MinBurn)
	assert.Equal(t, sams.DefaultMinSlow, run.Calibration.MinSlow)
	assert.Equal(t, sams.DefaultBeta, run.Calibration.Beta)

	groups, err := run.TitrationGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1.0, groups[0].States[1].Particles[0].Sterics, "sterics default to a real atom")
	assert.Equal(t, "kT units", run.GK["_comment"])

	policy, err := run.AttemptPolicy()
	require.NoError(t, err)
	assert.Equal(t, 6, policy.Attempts(run.Attempts.Base, 2))
}

func TestLoadTOML(t *testing.T) {
	run, err := Load(writeConfig(t, "run.toml", tomlRun))
	require.NoError(t, err)

	assert.Equal(t, DefaultTemperatureK, run.TemperatureK)
	assert.Nil(t, run.PH)
	assert.Equal(t, DefaultStepsPerCycle, run.StepsPerCycle)
	assert.Equal(t, "remote", run.Engine.Kind)
	assert.Equal(t, "memory", run.Storage.Kind)
	assert.Equal(t, []any{0.0, 1.5, -2.0}, run.GK["HIS"])

	groups, err := run.TitrationGroups()
	require.NoError(t, err)
	assert.Equal(t, "HIS-0", groups[0].Name)
	assert.Equal(t, 2, groups[0].Current)
	assert.Equal(t, 0.0, groups[0].States[2].Particles[0].Sterics)
}

func TestLoadJSON(t *testing.T) {
	run, err := Load(writeConfig(t, "run.json", jsonRun))
	require.NoError(t, err)
	assert.Equal(t, "importance", run.Sampling)
	assert.Equal(t, []int{1}, run.Importance)

	policy, err := run.AttemptPolicy()
	require.NoError(t, err)
	assert.Equal(t, proposal.FixedAttemptPolicy{}, policy)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("temperature: 300\n"), "yaml")
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = Parse([]byte(`temprature_k = 300`), "toml")
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = Parse([]byte(`{"tempreature_k": 300}`), "json")
	assert.ErrorIs(t, err, model.ErrConfig)
	_, err = Parse([]byte(`{}`), "ini")
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestValidateErrors(t *testing.T) {
	base, err := Parse([]byte(jsonRun), "json")
	require.NoError(t, err)
	base.Sampling = "uniform"
	base.Importance = nil
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Run)
		want   error
	}{
		{"pH out of range", func(r *Run) { ph := 15.0; r.PH = &ph }, model.ErrConfig},
		{"negative perturbations", func(r *Run) { r.Protocol.Perturbations = -1 }, model.ErrConfig},
		{"unknown provider", func(r *Run) { r.Provider = "charmm" }, model.ErrConfig},
		{"unknown policy", func(r *Run) { r.Attempts.Policy = "lots" }, model.ErrConfig},
		{"no groups", func(r *Run) { r.Groups = nil }, model.ErrConfig},
		{"bad current state", func(r *Run) { r.Groups[0].Current = 2 }, model.ErrIndex},
		{"importance without mode", func(r *Run) { r.Importance = []int{0} }, model.ErrConfig},
		{"importance with calibration", func(r *Run) {
			r.Sampling = "importance"
			r.Importance = []int{1}
			r.Calibration = &sams.Config{Approach: model.ApproachOneSite}
		}, model.ErrConfig},
		{"importance length", func(r *Run) {
			r.Sampling = "importance"
			r.Importance = []int{1, 0}
		}, model.ErrIndex},
		{"pool out of range", func(r *Run) { r.Pools = map[string][]int{"p": {4}} }, model.ErrIndex},
		{"unknown scope", func(r *Run) { r.Scope = "ligand" }, model.ErrConfig},
		{"particle outside system", func(r *Run) { r.System.Particles = nil }, model.ErrConfig},
		{"remote without address", func(r *Run) { r.Engine.Kind = "remote" }, model.ErrConfig},
		{"sqlite without path", func(r *Run) { r.Storage.Kind = "sqlite" }, model.ErrConfig},
		{"unknown approach", func(r *Run) { r.Calibration = &sams.Config{Approach: "three_site"} }, model.ErrConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := base
			run.Groups = append([]Group(nil), base.Groups...)
			tc.mutate(&run)
			assert.ErrorIs(t, run.Validate(), tc.want)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, "yaml", FormatFromPath("a/run.YML"))
	assert.Equal(t, "toml", FormatFromPath("run.toml"))
	assert.Equal(t, "json", FormatFromPath("run.conf"))
}

func TestToyConfigFromSystem(t *testing.T) {
	run, err := Load(writeConfig(t, "run.yaml", yamlRun))
	require.NoError(t, err)
	run.System.TimestepPS = 0.001

	toy := run.ToyConfig(11)
	assert.Equal(t, 310.0, toy.TemperatureK)
	assert.Equal(t, 0.001, toy.TimestepPS)
	assert.Equal(t, int64(11), toy.Seed)
	require.Len(t, toy.Particles, 2)
	assert.Equal(t, [3]float64{0.4, 0, 0}, toy.Particles[1].Position)
	assert.Equal(t, 16.0, toy.Particles[1].Mass)
	assert.Equal(t, 500.0, toy.Particles[1].Restraint)
	assert.Equal(t, model.ParticleParameters{Index: 1, Charge: -0.5, Sterics: 1}, toy.Particles[1].Params)
}
