package observe

import (
	"sync"

	"constph/internal/drive"
)

// Recorder keeps every event in memory.
type Recorder struct {
	mu           sync.Mutex
	attempts     []drive.AttemptEvent
	calibrations []drive.CalibrationEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnAttempt(e drive.AttemptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, e)
}

func (r *Recorder) OnCalibration(e drive.CalibrationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calibrations = append(r.calibrations, e)
}

func (r *Recorder) Attempts() []drive.AttemptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]drive.AttemptEvent(nil), r.attempts...)
}

func (r *Recorder) Calibrations() []drive.CalibrationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]drive.CalibrationEvent(nil), r.calibrations...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = nil
	r.calibrations = nil
}

// Fanout forwards every event to each observer in order.
type Fanout []drive.Observer

func (f Fanout) OnAttempt(e drive.AttemptEvent) {
	for _, o := range f {
		o.OnAttempt(e)
	}
}

func (f Fanout) OnCalibration(e drive.CalibrationEvent) {
	for _, o := range f {
		o.OnCalibration(e)
	}
}
