package storage

import (
	"context"

	"constph/internal/model"
)

// Store persists checkpoints. Checkpoints of a run are kept in the order they were
// saved; saving an existing ID replaces it in place.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.CheckpointSummary, error)
}
