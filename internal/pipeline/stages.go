package pipeline

import (
	"context"
	"fmt"
)

// Stage names a node in the run graph.
type Stage string

const (
	// StageIngest assembles memory context for the query. Data fetch,
	// ungated.
	StageIngest Stage = "ingest"

	// StageExtract pulls candidate findings out of the input. Gated
	// inference; re-entered on retry.
	StageExtract Stage = "extract"

	// StageAttribute links findings to their sources. Data fetch, ungated.
	StageAttribute Stage = "attribute"

	// Specialist stages run concurrently after attribute, each gated by
	// its own agent identity.
	StageSpecialistA Stage = "specialist_a"
	StageSpecialistB Stage = "specialist_b"
	StageSpecialistC Stage = "specialist_c"

	// StageReflect self-assesses the findings and reports a confidence.
	StageReflect Stage = "reflect"

	// StageCritique independently scores the reflection. Its score is the
	// one compared against the retry threshold.
	StageCritique Stage = "critique"

	// StageEvaluate produces the terminal quality summary.
	StageEvaluate Stage = "evaluate"
)

// Specialists returns the fan-out stages in declaration order.
func Specialists() []Stage {
	return []Stage{StageSpecialistA, StageSpecialistB, StageSpecialistC}
}

// gated reports whether a stage sits behind the admission gate. Gated
// stages are exactly the ones that spend inference tokens.
func gated(stage Stage) bool {
	switch stage {
	case StageExtract, StageSpecialistA, StageSpecialistB, StageSpecialistC, StageReflect, StageCritique:
		return true
	default:
		return false
	}
}

// next is the transition function for the linear edges of the graph. The
// attribute fan-out and the critique branch are resolved by the executor;
// every other edge is a straight line.
func next(current Stage) (Stage, error) {
	switch current {
	case StageIngest:
		return StageExtract, nil
	case StageExtract:
		return StageAttribute, nil
	case StageAttribute:
		// Fan-out: the executor runs all specialists, then reflect.
		return StageReflect, nil
	case StageReflect:
		return StageCritique, nil
	default:
		return "", fmt.Errorf("pipeline: no linear successor for stage %s", current)
	}
}

// Handler executes the work of one stage against a state snapshot and
// returns its contribution as a delta.
type Handler interface {
	// Stage returns the stage this handler implements.
	Stage() Stage

	// Execute runs the stage work.
	Execute(ctx context.Context, snap Snapshot) (Delta, error)
}

// StageFunc is the composable form of a stage execution. Middleware wraps
// StageFuncs at graph construction.
type StageFunc func(ctx context.Context, snap Snapshot) (Delta, error)
