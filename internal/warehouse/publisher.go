// Package warehouse streams run outcomes and stage telemetry to the
// analytics bus.
//
// The stream is write-only and fire-and-forget: a publish failure is the
// caller's to log and never to block on. Nothing in the pipeline reads
// these events back.
package warehouse

import (
	"context"
	"time"
)

// Subjects for published events.
const (
	SubjectOutcomes  = "analystd.outcomes"
	SubjectTelemetry = "analystd.telemetry"
)

// OutcomeEvent summarizes a finished pipeline run.
type OutcomeEvent struct {
	RunID       string    `json:"run_id"`
	WorkspaceID string    `json:"workspace_id"`
	Status      string    `json:"status"`
	Confidence  float64   `json:"confidence"`
	Iterations  int       `json:"iterations"`
	Findings    int       `json:"findings"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

// StageTimingEvent reports one stage execution.
type StageTimingEvent struct {
	RunID       string    `json:"run_id"`
	WorkspaceID string    `json:"workspace_id"`
	Stage       string    `json:"stage"`
	Status      string    `json:"status"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

// Publisher is the outbound event stream contract.
type Publisher interface {
	// PublishOutcome emits a run outcome event.
	PublishOutcome(ctx context.Context, event OutcomeEvent) error

	// PublishStageTiming emits a stage timing event.
	PublishStageTiming(ctx context.Context, event StageTimingEvent) error

	// Close flushes and releases the connection.
	Close() error
}

// NopPublisher discards all events. Used when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) PublishOutcome(ctx context.Context, event OutcomeEvent) error { return nil }

func (NopPublisher) PublishStageTiming(ctx context.Context, event StageTimingEvent) error {
	return nil
}

func (NopPublisher) Close() error { return nil }

var _ Publisher = NopPublisher{}
