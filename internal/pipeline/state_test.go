package pipeline

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestarlabs/analystd/internal/memory"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func TestState_ApplyScalars(t *testing.T) {
	state := newState("ws-1", "thread-1", "why did latency spike")

	state.apply(Delta{
		Reflection: strPtr("first pass"),
		Confidence: floatPtr(0.4),
	})
	state.apply(Delta{
		Reflection: strPtr("second pass"),
		Confidence: floatPtr(0.9),
	})

	snap := state.snapshot()
	assert.Equal(t, "second pass", snap.Reflection, "scalars are last-writer-wins")
	assert.InDelta(t, 0.9, snap.Confidence, 1e-9)
}

func TestState_ApplyNilPointersLeaveScalars(t *testing.T) {
	state := newState("ws-1", "thread-1", "query")

	state.apply(Delta{Confidence: floatPtr(0.8)})
	state.apply(Delta{Findings: []Finding{{Summary: "no scalar change"}}})

	snap := state.snapshot()
	assert.InDelta(t, 0.8, snap.Confidence, 1e-9)
	assert.Len(t, snap.Findings, 1)
}

func TestState_ConcurrentApplyAccumulates(t *testing.T) {
	state := newState("ws-1", "thread-1", "query")

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				state.apply(Delta{
					Findings: []Finding{{Summary: fmt.Sprintf("w%d-%d", w, i)}},
					Outcomes: []string{fmt.Sprintf("o%d-%d", w, i)},
				})
			}
		}(w)
	}
	wg.Wait()

	snap := state.snapshot()
	assert.Len(t, snap.Findings, workers*perWorker)
	assert.Len(t, snap.Outcomes, workers*perWorker)
}

func TestState_SnapshotIsACopy(t *testing.T) {
	state := newState("ws-1", "thread-1", "query")
	state.apply(Delta{Findings: []Finding{{Summary: "original"}}})

	snap := state.snapshot()
	snap.Findings[0].Summary = "mutated"

	again := state.snapshot()
	assert.Equal(t, "original", again.Findings[0].Summary)
}

func TestState_ContextApplied(t *testing.T) {
	state := newState("ws-1", "thread-1", "query")

	state.apply(Delta{Context: &memory.Context{ShortTerm: "recent trace"}})

	snap := state.snapshot()
	assert.Equal(t, "recent trace", snap.Context.ShortTerm)
}

func TestState_Result(t *testing.T) {
	state := newState("ws-1", "thread-1", "query")
	state.apply(Delta{
		Reflection: strPtr("done"),
		Confidence: floatPtr(0.85),
		Findings:   []Finding{{Summary: "f1"}},
	})
	state.recordStatus(StageIngest, "completed")
	require.Equal(t, 1, state.bumpIteration())

	result := state.result(StatusCompleted)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "ws-1", result.WorkspaceID)
	assert.Equal(t, "done", result.Reflection)
	assert.Equal(t, 1, result.Iterations)
	assert.Len(t, result.Findings, 1)
	require.Len(t, result.StatusTrail, 1)
	assert.Equal(t, StageIngest, result.StatusTrail[0].Stage)
	assert.NotEmpty(t, result.RunID)
}

func TestStageGraph_LinearEdges(t *testing.T) {
	edges := map[Stage]Stage{
		StageIngest:    StageExtract,
		StageExtract:   StageAttribute,
		StageAttribute: StageReflect,
		StageReflect:   StageCritique,
	}
	for from, want := range edges {
		got, err := next(from)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := next(StageEvaluate)
	assert.Error(t, err, "terminal stage has no linear successor")
}

func TestStageGraph_Gating(t *testing.T) {
	assert.False(t, gated(StageIngest))
	assert.False(t, gated(StageAttribute))
	assert.False(t, gated(StageEvaluate))

	assert.True(t, gated(StageExtract))
	assert.True(t, gated(StageReflect))
	assert.True(t, gated(StageCritique))
	for _, sp := range Specialists() {
		assert.True(t, gated(sp), "specialist %s must be gated", sp)
	}
}
