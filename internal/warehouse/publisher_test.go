package warehouse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSConfig_ApplyDefaults(t *testing.T) {
	cfg := NATSConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, time.Second, cfg.ReconnectWait)
}

func TestOutcomeEvent_JSONShape(t *testing.T) {
	event := OutcomeEvent{
		RunID:       "run-1",
		WorkspaceID: "ws1",
		Status:      "completed",
		Confidence:  0.9,
		Iterations:  1,
		Findings:    4,
		DurationMs:  1250,
		At:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, 0.9, decoded["confidence"])
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	require.NoError(t, rec.PublishOutcome(ctx, OutcomeEvent{RunID: "run-1"}))
	require.NoError(t, rec.PublishStageTiming(ctx, StageTimingEvent{RunID: "run-1", Stage: "extract"}))
	require.NoError(t, rec.Close())

	outcomes := rec.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "run-1", outcomes[0].RunID)

	timings := rec.Timings()
	require.Len(t, timings, 1)
	assert.Equal(t, "extract", timings[0].Stage)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	ctx := context.Background()

	assert.NoError(t, p.PublishOutcome(ctx, OutcomeEvent{}))
	assert.NoError(t, p.PublishStageTiming(ctx, StageTimingEvent{}))
	assert.NoError(t, p.Close())
}
