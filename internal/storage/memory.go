package storage

import (
	"context"
	"errors"
	"sync"

	"constph/internal/model"
)

// MemoryStore keeps encoded checkpoints so reads go through the same codec as the
// durable backends.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	payloads    map[string][]byte
	runs        map[string][]string
	runOf       map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.payloads = make(map[string][]byte)
	s.runs = make(map[string][]string)
	s.runOf = make(map[string]string)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	if checkpoint.ID == "" {
		return errors.New("checkpoint id is required")
	}
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if prev, ok := s.runOf[checkpoint.ID]; ok && prev != checkpoint.RunID {
		s.runs[prev] = without(s.runs[prev], checkpoint.ID)
	}
	if _, ok := s.payloads[checkpoint.ID]; !ok || s.runOf[checkpoint.ID] != checkpoint.RunID {
		s.runs[checkpoint.RunID] = append(s.runs[checkpoint.RunID], checkpoint.ID)
	}
	s.payloads[checkpoint.ID] = payload
	s.runOf[checkpoint.ID] = checkpoint.RunID
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.payloads[id]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return checkpoint, true, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	ids := s.runs[runID]
	var id string
	if len(ids) > 0 {
		id = ids[len(ids)-1]
	}
	s.mu.RUnlock()

	if id == "" {
		return model.Checkpoint{}, false, nil
	}
	return s.GetCheckpoint(ctx, id)
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CheckpointSummary, 0, len(s.runs[runID]))
	for _, id := range s.runs[runID] {
		checkpoint, err := DecodeCheckpoint(s.payloads[id])
		if err != nil {
			return nil, err
		}
		out = append(out, checkpoint.Summary())
	}
	return out, nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
