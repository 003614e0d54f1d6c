package drive

import (
	"context"
	"encoding/json"

	"constph/internal/model"
	"constph/internal/proposal"
)

// AttemptEvent is emitted after every counted attempt.
type AttemptEvent struct {
	RunID    string               `json:"run_id"`
	Attempt  int64                `json:"attempt"`
	Scope    string               `json:"scope"`
	Sampling model.SamplingMethod `json:"sampling"`
	Moves    []proposal.Move      `json:"moves"`
	Accepted bool                 `json:"accepted"`
	Work     float64              `json:"work"`
	LogP     float64              `json:"log_p"`
	// Weights are the bias weights the acceptance test used, nil without calibration.
	Weights []float64 `json:"weights,omitempty"`
	States  []int     `json:"states"`
}

// CalibrationEvent is emitted after each calibration step, following the AttemptEvent
// of the same attempt.
type CalibrationEvent struct {
	RunID        string      `json:"run_id"`
	Adaptation   int         `json:"adaptation"`
	Stage        model.Stage `json:"stage"`
	PrevStage    model.Stage `json:"prev_stage"`
	Transitioned bool        `json:"transitioned"`
	Gain         float64     `json:"gain"`
	Flatness     float64     `json:"flatness"`
	Landed       int         `json:"landed"`
	Histogram    []int       `json:"histogram"`
	Visits       []int       `json:"visits"`
	Weights      []float64   `json:"weights"`
}

// Observer receives driver events synchronously, in order.
type Observer interface {
	OnAttempt(AttemptEvent)
	OnCalibration(CalibrationEvent)
}

// SideEffects is notified of every committed state change, for example to swap ions
// that keep the system neutral.
type SideEffects interface {
	ApplyTransition(ctx context.Context, group, from, to int) error
}

// StatefulSideEffects additionally persists its own state inside checkpoints.
type StatefulSideEffects interface {
	SideEffects
	MarshalState() (json.RawMessage, error)
	UnmarshalState(json.RawMessage) error
}
