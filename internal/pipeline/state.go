// Package pipeline implements the staged analysis run: an explicit stage
// machine with a concurrent specialist fan-out, admission gating in front
// of every paid inference call, and a confidence-gated retry loop.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestarlabs/analystd/internal/memory"
)

// RunStatus is the terminal status of a pipeline run.
type RunStatus string

const (
	// StatusCompleted means the run passed the confidence gate.
	StatusCompleted RunStatus = "completed"

	// StatusDenied means an admission gate refused a stage.
	StatusDenied RunStatus = "denied"

	// StatusLowConfidence means the retry budget ran out below threshold.
	StatusLowConfidence RunStatus = "low_confidence"

	// StatusFailed means a stage returned a hard error.
	StatusFailed RunStatus = "failed"
)

// Finding is one unit of analysis output.
type Finding struct {
	Stage     Stage     `json:"stage"`
	Agent     string    `json:"agent,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// StageStatus is one entry in the run's status trail.
type StageStatus struct {
	Stage  Stage     `json:"stage"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// TelemetryEvent records one stage execution's duration.
type TelemetryEvent struct {
	Stage      Stage     `json:"stage"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// State is the shared run state.
//
// Scalar fields (Reflection, Confidence, Iteration, Context) follow
// last-writer-wins; accumulating fields (Findings, Telemetry, Outcomes,
// StatusTrail) are append-only unions, so concurrent stage contributions
// commute up to ordering. The executor owns the only mutation path,
// apply(); handlers see immutable snapshots.
type State struct {
	mu sync.Mutex

	runID       string
	workspaceID string
	threadID    string
	query       string

	context    memory.Context
	reflection string
	confidence float64
	iteration  int

	findings    []Finding
	telemetry   []TelemetryEvent
	outcomes    []string
	statusTrail []StageStatus
}

// newState creates run state with a fresh run ID.
func newState(workspaceID, threadID, query string) *State {
	return &State{
		runID:       uuid.New().String(),
		workspaceID: workspaceID,
		threadID:    threadID,
		query:       query,
	}
}

// Delta is a stage's contribution to the run state. Nil scalar pointers
// leave the scalar untouched; slices are appended.
type Delta struct {
	Reflection *string
	Confidence *float64
	Context    *memory.Context

	// Cost is the token cost of the stage's inference calls. It is
	// consumed by the gate middleware for ledger charging, not stored.
	Cost int64

	Findings  []Finding
	Telemetry []TelemetryEvent
	Outcomes  []string
}

// apply merges a delta into the state.
func (s *State) apply(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Reflection != nil {
		s.reflection = *d.Reflection
	}
	if d.Confidence != nil {
		s.confidence = *d.Confidence
	}
	if d.Context != nil {
		s.context = *d.Context
	}
	s.findings = append(s.findings, d.Findings...)
	s.telemetry = append(s.telemetry, d.Telemetry...)
	s.outcomes = append(s.outcomes, d.Outcomes...)
}

// recordStatus appends a status trail entry.
func (s *State) recordStatus(stage Stage, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusTrail = append(s.statusTrail, StageStatus{Stage: stage, Status: status, At: time.Now().UTC()})
}

// bumpIteration increments the retry counter and returns the new value.
func (s *State) bumpIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

// Snapshot is an immutable view of the run state handed to handlers.
type Snapshot struct {
	RunID       string
	WorkspaceID string
	ThreadID    string
	Query       string

	Context    memory.Context
	Reflection string
	Confidence float64
	Iteration  int

	Findings []Finding
	Outcomes []string
}

// snapshot copies the state for a handler.
func (s *State) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		RunID:       s.runID,
		WorkspaceID: s.workspaceID,
		ThreadID:    s.threadID,
		Query:       s.query,
		Context:     s.context,
		Reflection:  s.reflection,
		Confidence:  s.confidence,
		Iteration:   s.iteration,
		Findings:    make([]Finding, len(s.findings)),
		Outcomes:    make([]string, len(s.outcomes)),
	}
	copy(snap.Findings, s.findings)
	copy(snap.Outcomes, s.outcomes)
	return snap
}

// Result is the terminal view of a finished run.
type Result struct {
	RunID       string           `json:"run_id"`
	WorkspaceID string           `json:"workspace_id"`
	Status      RunStatus        `json:"status"`
	Reflection  string           `json:"reflection,omitempty"`
	Confidence  float64          `json:"confidence"`
	Iterations  int              `json:"iterations"`
	Findings    []Finding        `json:"findings,omitempty"`
	Outcomes    []string         `json:"outcomes,omitempty"`
	StatusTrail []StageStatus    `json:"status_trail,omitempty"`
	Telemetry   []TelemetryEvent `json:"telemetry,omitempty"`
}

// result freezes the state into a terminal result.
func (s *State) result(status RunStatus) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Result{
		RunID:       s.runID,
		WorkspaceID: s.workspaceID,
		Status:      status,
		Reflection:  s.reflection,
		Confidence:  s.confidence,
		Iterations:  s.iteration,
		Findings:    s.findings,
		Outcomes:    s.outcomes,
		StatusTrail: s.statusTrail,
		Telemetry:   s.telemetry,
	}
}
