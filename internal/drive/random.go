package drive

import (
	"math/rand"

	"constph/internal/model"
)

// countingSource wraps the standard generator and counts values drawn from it, so the
// stream position can be saved as (seed, draws) and replayed on resume.
type countingSource struct {
	src   rand.Source64
	seed  int64
	draws uint64
}

func newCountingSource(state model.RandomState) *countingSource {
	s := &countingSource{src: rand.NewSource(state.Seed).(rand.Source64), seed: state.Seed}
	for s.draws < state.Draws {
		s.Int63()
	}
	return s
}

func (s *countingSource) Int63() int64 {
	s.draws++
	return s.src.Int63()
}

func (s *countingSource) Uint64() uint64 {
	s.draws++
	return s.src.Uint64()
}

func (s *countingSource) Seed(seed int64) {
	s.src.Seed(seed)
	s.seed = seed
	s.draws = 0
}

func (s *countingSource) State() model.RandomState {
	return model.RandomState{Seed: s.seed, Draws: s.draws}
}
