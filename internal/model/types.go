package model

import "encoding/json"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ParticleParameters is the nonbonded parameter set of one particle in one
// titration state. Sterics is the soft-core scale: 1 for a real atom, 0 for a dummy.
type ParticleParameters struct {
	Index   int     `json:"index"`
	Charge  float64 `json:"charge"`
	Sigma   float64 `json:"sigma"`
	Epsilon float64 `json:"epsilon"`
	Sterics float64 `json:"sterics"`
}

type TitrationState struct {
	Charge    int                  `json:"charge"`
	Protons   int                  `json:"protons"`
	GK        float64              `json:"g_k"`
	Particles []ParticleParameters `json:"particles"`
}

type TitrationGroup struct {
	Name    string           `json:"name"`
	Residue string           `json:"residue"`
	States  []TitrationState `json:"states"`
	Current int              `json:"current"`
}

type Pool struct {
	Name   string `json:"name"`
	Groups []int  `json:"groups"`
}

type AttemptStatistics struct {
	Attempted int64 `json:"attempted"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
}

func (s AttemptStatistics) AcceptanceRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Attempted)
}

type SamplingMethod string

const (
	SamplingMCMC       SamplingMethod = "mcmc"
	SamplingImportance SamplingMethod = "importance"
)

type Approach string

const (
	ApproachOneSite   Approach = "one_site"
	ApproachMultiSite Approach = "multi_site"
)

type UpdateRule string

const (
	UpdateBinary UpdateRule = "binary"
	UpdateGlobal UpdateRule = "global"
)

type Stage string

const (
	StageBurnIn    Stage = "burn_in"
	StageSlowGain  Stage = "slow_gain"
	StageFastGain  Stage = "fast_gain"
	StageConverged Stage = "converged"
)

// CalibrationRecord is the complete SAMS state. Adaptation starts at -MinBurn and
// increases by one per calibration step; StageStart is the Adaptation value at which
// the current stage began.
type CalibrationRecord struct {
	Approach          Approach   `json:"approach"`
	GroupIndex        int        `json:"group_index"`
	UpdateRule        UpdateRule `json:"update_rule"`
	Stage             Stage      `json:"stage"`
	Beta              float64    `json:"beta"`
	FlatnessCriterion float64    `json:"flatness_criterion"`
	BurnInGain        float64    `json:"burn_in_gain"`
	MinBurn           int        `json:"min_burn"`
	MinSlow           int        `json:"min_slow"`
	MinFast           int        `json:"min_fast"`
	Adaptation        int        `json:"adaptation"`
	StageStart        int        `json:"stage_start"`
	SlowLength        int        `json:"slow_length"`
	Histogram         []int      `json:"histogram"`
	Visits            []int      `json:"visits"`
	Weights           []float64  `json:"weights"`
	Targets           []float64  `json:"targets"`
}

type ProtocolRecord struct {
	Perturbations       int `json:"perturbations"`
	PropagationsPerStep int `json:"propagations_per_step"`
	SitesPerUpdate      int `json:"sites_per_update"`
}

// RandomState pins the driver's random stream: a fresh source seeded with Seed and
// advanced by Draws values reproduces the stream exactly.
type RandomState struct {
	Seed  int64  `json:"seed"`
	Draws uint64 `json:"draws"`
}

type Checkpoint struct {
	VersionedRecord
	ID           string             `json:"id"`
	RunID        string             `json:"run_id"`
	CreatedAtUTC string             `json:"created_at_utc"`
	Temperature  float64            `json:"temperature"`
	PH           *float64           `json:"ph,omitempty"`
	Sampling     SamplingMethod     `json:"sampling"`
	Protocol     ProtocolRecord     `json:"protocol"`
	Groups       []TitrationGroup   `json:"groups"`
	Pools        []Pool             `json:"pools,omitempty"`
	Visits       [][]int            `json:"visits"`
	Importance   []int              `json:"importance,omitempty"`
	Statistics   AttemptStatistics  `json:"statistics"`
	Calibration  *CalibrationRecord `json:"calibration,omitempty"`
	Random       RandomState        `json:"random"`
	SideEffects  json.RawMessage    `json:"side_effects,omitempty"`
}

// CheckpointSummary is the listing view of a stored checkpoint.
type CheckpointSummary struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	CreatedAtUTC string            `json:"created_at_utc"`
	Stage        Stage             `json:"stage,omitempty"`
	Statistics   AttemptStatistics `json:"statistics"`
}

func (c Checkpoint) Summary() CheckpointSummary {
	out := CheckpointSummary{
		ID:           c.ID,
		RunID:        c.RunID,
		CreatedAtUTC: c.CreatedAtUTC,
		Statistics:   c.Statistics,
	}
	if c.Calibration != nil {
		out.Stage = c.Calibration.Stage
	}
	return out
}
