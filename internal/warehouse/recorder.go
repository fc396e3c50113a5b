package warehouse

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher for tests and local runs. It keeps
// every event it sees.
type Recorder struct {
	mu       sync.Mutex
	outcomes []OutcomeEvent
	timings  []StageTimingEvent
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PublishOutcome(ctx context.Context, event OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, event)
	return nil
}

func (r *Recorder) PublishStageTiming(ctx context.Context, event StageTimingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings = append(r.timings, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Outcomes returns a copy of the recorded outcome events.
func (r *Recorder) Outcomes() []OutcomeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutcomeEvent, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Timings returns a copy of the recorded stage timing events.
func (r *Recorder) Timings() []StageTimingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageTimingEvent, len(r.timings))
	copy(out, r.timings)
	return out
}

var _ Publisher = (*Recorder)(nil)
