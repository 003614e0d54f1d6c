package observe

import (
	"context"
	"log/slog"

	"constph/internal/drive"
)

// Log writes driver events to a slog logger. Attempts go out at Level, stage changes
// always at Info.
type Log struct {
	Logger *slog.Logger
	Level  slog.Level
}

func NewLog(logger *slog.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger.With("component", "observe"), Level: level}
}

func (l *Log) OnAttempt(e drive.AttemptEvent) {
	l.Logger.Log(context.Background(), l.Level, "attempt",
		"run_id", e.RunID,
		"attempt", e.Attempt,
		"scope", e.Scope,
		"moves", len(e.Moves),
		"accepted", e.Accepted,
		"work", e.Work,
		"log_p", e.LogP,
		"states", e.States,
	)
}

func (l *Log) OnCalibration(e drive.CalibrationEvent) {
	if !e.Transitioned {
		l.Logger.Log(context.Background(), l.Level, "calibration step",
			"run_id", e.RunID,
			"adaptation", e.Adaptation,
			"stage", e.Stage,
			"gain", e.Gain,
			"flatness", e.Flatness,
		)
		return
	}
	l.Logger.Info("calibration stage",
		"run_id", e.RunID,
		"from", e.PrevStage,
		"to", e.Stage,
		"adaptation", e.Adaptation,
		"weights", e.Weights,
	)
}
