package observe

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"constph/internal/drive"
	"constph/internal/model"
	"constph/internal/proposal"

	_ "modernc.org/sqlite"
)

// Journal appends every driver event to SQLite tables. Observers cannot fail, so the
// first write error is kept and reported by Err; later events are dropped.
type Journal struct {
	db  *sql.DB
	own bool

	mu  sync.Mutex
	err error
}

// OpenJournal opens (or creates) a journal database at path.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j, err := NewJournal(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.own = true
	return j, nil
}

// NewJournal uses an existing database handle; Close leaves it open.
func NewJournal(ctx context.Context, db *sql.DB) (*Journal, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS attempt_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			scope TEXT,
			sampling TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			work REAL NOT NULL,
			log_p REAL NOT NULL,
			moves_json TEXT NOT NULL,
			states_json TEXT NOT NULL,
			weights_json TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS calibration_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			adaptation INTEGER NOT NULL,
			stage TEXT NOT NULL,
			prev_stage TEXT NOT NULL,
			transitioned INTEGER NOT NULL,
			gain REAL NOT NULL,
			flatness REAL NOT NULL,
			landed INTEGER NOT NULL,
			weights_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempt_log_run ON attempt_log(run_id, seq);
		CREATE INDEX IF NOT EXISTS idx_calibration_log_run ON calibration_log(run_id, seq);
	`); err != nil {
		return nil, fmt.Errorf("create journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) OnAttempt(e drive.AttemptEvent) {
	j.write(func() error {
		moves, err := json.Marshal(e.Moves)
		if err != nil {
			return err
		}
		states, err := json.Marshal(e.States)
		if err != nil {
			return err
		}
		var weights any
		if e.Weights != nil {
			raw, err := json.Marshal(e.Weights)
			if err != nil {
				return err
			}
			weights = string(raw)
		}
		_, err = j.db.Exec(`
			INSERT INTO attempt_log (run_id, attempt, scope, sampling, accepted, work, log_p, moves_json, states_json, weights_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.Attempt, nullIfEmpty(e.Scope), string(e.Sampling), boolInt(e.Accepted), e.Work, e.LogP,
			string(moves), string(states), weights, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("log attempt: %w", err)
		}
		return nil
	})
}

func (j *Journal) OnCalibration(e drive.CalibrationEvent) {
	j.write(func() error {
		weights, err := json.Marshal(e.Weights)
		if err != nil {
			return err
		}
		_, err = j.db.Exec(`
			INSERT INTO calibration_log (run_id, adaptation, stage, prev_stage, transitioned, gain, flatness, landed, weights_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.Adaptation, string(e.Stage), string(e.PrevStage), boolInt(e.Transitioned), e.Gain, e.Flatness, e.Landed,
			string(weights), time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("log calibration: %w", err)
		}
		return nil
	})
}

func (j *Journal) write(fn func() error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return
	}
	j.err = fn()
}

// Err returns the first write error, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Attempts reads back the attempt events of a run in insertion order.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]drive.AttemptEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT attempt, scope, sampling, accepted, work, log_p, moves_json, states_json, weights_json
		FROM attempt_log WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []drive.AttemptEvent
	for rows.Next() {
		var (
			e                   drive.AttemptEvent
			scope, weights      sql.NullString
			sampling            string
			accepted            int
			movesRaw, statesRaw string
		)
		if err := rows.Scan(&e.Attempt, &scope, &sampling, &accepted, &e.Work, &e.LogP, &movesRaw, &statesRaw, &weights); err != nil {
			return nil, err
		}
		e.RunID = runID
		e.Scope = scope.String
		e.Sampling = model.SamplingMethod(sampling)
		e.Accepted = accepted != 0
		var moves []proposal.Move
		if err := json.Unmarshal([]byte(movesRaw), &moves); err != nil {
			return nil, fmt.Errorf("decode moves of attempt %d: %w", e.Attempt, err)
		}
		e.Moves = moves
		if err := json.Unmarshal([]byte(statesRaw), &e.States); err != nil {
			return nil, fmt.Errorf("decode states of attempt %d: %w", e.Attempt, err)
		}
		if weights.Valid {
			if err := json.Unmarshal([]byte(weights.String), &e.Weights); err != nil {
				return nil, fmt.Errorf("decode weights of attempt %d: %w", e.Attempt, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Calibrations reads back the calibration events of a run in insertion order.
func (j *Journal) Calibrations(ctx context.Context, runID string) ([]drive.CalibrationEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT adaptation, stage, prev_stage, transitioned, gain, flatness, landed, weights_json
		FROM calibration_log WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []drive.CalibrationEvent
	for rows.Next() {
		var (
			e            drive.CalibrationEvent
			stage, prev  string
			transitioned int
			weightsRaw   string
		)
		if err := rows.Scan(&e.Adaptation, &stage, &prev, &transitioned, &e.Gain, &e.Flatness, &e.Landed, &weightsRaw); err != nil {
			return nil, err
		}
		e.RunID = runID
		e.Stage = model.Stage(stage)
		e.PrevStage = model.Stage(prev)
		e.Transitioned = transitioned != 0
		if err := json.Unmarshal([]byte(weightsRaw), &e.Weights); err != nil {
			return nil, fmt.Errorf("decode weights at adaptation %d: %w", e.Adaptation, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if !j.own {
		return nil
	}
	return j.db.Close()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
