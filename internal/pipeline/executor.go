package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/inference"
	"github.com/lodestarlabs/analystd/internal/learning"
	"github.com/lodestarlabs/analystd/internal/warehouse"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("analystd.pipeline")

// Common errors for pipeline runs.
var (
	ErrEmptyWorkspace = errors.New("pipeline: workspace ID cannot be empty")
	ErrEmptyQuery     = errors.New("pipeline: query cannot be empty")
)

// LearningRecorder receives the evaluated output of completed runs.
type LearningRecorder interface {
	RecordLearning(ctx context.Context, workspaceID, content string, eval learning.Evaluation, metadata map[string]any) (learning.PromotionResult, error)
	Evaluate(content string) learning.Evaluation
}

// Config holds run tuning.
type Config struct {
	// ConfidenceThreshold is the critique score needed to finish.
	// Default: 0.7
	ConfidenceThreshold float64

	// MaxIterations bounds the extract retry loop.
	// Default: 3
	MaxIterations int

	// StageTimeout bounds a single stage execution.
	// Default: 60s
	StageTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 3
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = 60 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline: confidence threshold must be in [0, 1]")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("pipeline: max iterations must be at least 1")
	}
	return nil
}

// Deps are the collaborators a run needs.
type Deps struct {
	Inference inference.Client
	Memory    ContextRetriever
	Gate      Gate

	// Promoter receives completed-run learnings. Optional.
	Promoter LearningRecorder

	// Warehouse receives outcome and timing events. Optional; defaults
	// to a discard publisher.
	Warehouse warehouse.Publisher

	Logger *zap.Logger
}

// Input identifies one run request.
type Input struct {
	WorkspaceID string
	ThreadID    string
	Query       string
}

// Executor drives a run through the stage graph.
//
// Graph:
//
//	START → ingest → extract → attribute → {specialist_a,b,c} → reflect
//	      → critique → [below threshold ⇒ extract again | else ⇒ evaluate] → END
//
// Every paid stage sits behind the admission gate. A denial anywhere is a
// terminal denied status; the specialist fan-in still waits for every
// sibling before declaring it.
type Executor struct {
	config    Config
	stages    map[Stage]StageFunc
	promoter  LearningRecorder
	warehouse warehouse.Publisher
	logger    *zap.Logger
}

// NewExecutor builds the stage graph, composing middleware around each
// handler: error classification innermost, then the admission gate for
// paid stages, timing outermost.
func NewExecutor(deps Deps, config Config) (*Executor, error) {
	if deps.Inference == nil {
		return nil, fmt.Errorf("pipeline: inference client cannot be nil")
	}
	if deps.Memory == nil {
		return nil, fmt.Errorf("pipeline: memory retriever cannot be nil")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("pipeline: admission gate cannot be nil")
	}
	if deps.Warehouse == nil {
		deps.Warehouse = warehouse.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	handlers := []Handler{
		&ingestHandler{memory: deps.Memory},
		&extractHandler{client: deps.Inference},
		&attributeHandler{},
		&specialistHandler{client: deps.Inference, stage: StageSpecialistA, focus: "patterns and trends"},
		&specialistHandler{client: deps.Inference, stage: StageSpecialistB, focus: "anomalies and outliers"},
		&specialistHandler{client: deps.Inference, stage: StageSpecialistC, focus: "risks and second-order effects"},
		&reflectHandler{client: deps.Inference},
		&critiqueHandler{client: deps.Inference},
		&evaluateHandler{},
	}

	stages := make(map[Stage]StageFunc, len(handlers))
	for _, h := range handlers {
		mw := []Middleware{withTiming(deps.Warehouse, deps.Logger)}
		if gated(h.Stage()) {
			mw = append(mw, withGate(deps.Gate, deps.Logger))
		}
		mw = append(mw, withErrors())
		stages[h.Stage()] = compose(h.Stage(), h.Execute, mw...)
	}

	return &Executor{
		config:    config,
		stages:    stages,
		promoter:  deps.Promoter,
		warehouse: deps.Warehouse,
		logger:    deps.Logger,
	}, nil
}

// Run executes one pipeline run to a terminal status.
//
// The returned error is non-nil only for contract violations and hard
// stage failures; admission denials and retry exhaustion are statuses on
// the result, not errors.
func (e *Executor) Run(ctx context.Context, input Input) (*Result, error) {
	if input.WorkspaceID == "" {
		return nil, ErrEmptyWorkspace
	}
	if input.Query == "" {
		return nil, ErrEmptyQuery
	}

	state := newState(input.WorkspaceID, input.ThreadID, input.Query)
	started := time.Now()

	ctx, span := tracer.Start(ctx, "Executor.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", state.runID),
		attribute.String("workspace_id", input.WorkspaceID),
	)

	result, runErr := e.run(ctx, state)
	span.SetAttributes(attribute.String("status", string(result.Status)))

	e.publishOutcome(ctx, result, time.Since(started))

	e.logger.Info("run finished",
		zap.String("run_id", result.RunID),
		zap.String("workspace_id", result.WorkspaceID),
		zap.String("status", string(result.Status)),
		zap.Float64("confidence", result.Confidence),
		zap.Int("iterations", result.Iterations),
	)

	return result, runErr
}

// run is the stage machine loop.
func (e *Executor) run(ctx context.Context, state *State) (*Result, error) {
	stage := StageIngest

	for {
		select {
		case <-ctx.Done():
			state.recordStatus(stage, "failed")
			return state.result(StatusFailed), ctx.Err()
		default:
		}

		switch stage {
		case StageIngest, StageExtract, StageReflect:
			delta, err := e.exec(ctx, stage, state)
			if err != nil {
				return e.terminalError(state, stage, err)
			}
			state.apply(delta)
			state.recordStatus(stage, "completed")
			stage, _ = next(stage)

		case StageAttribute:
			delta, err := e.exec(ctx, stage, state)
			if err != nil {
				return e.terminalError(state, stage, err)
			}
			state.apply(delta)
			state.recordStatus(stage, "completed")

			if result, err := e.fanOut(ctx, state); result != nil || err != nil {
				return result, err
			}
			stage, _ = next(stage)

		case StageCritique:
			delta, err := e.exec(ctx, stage, state)
			if err != nil {
				return e.terminalError(state, stage, err)
			}
			state.apply(delta)
			state.recordStatus(stage, "completed")

			snap := state.snapshot()
			if snap.Confidence >= e.config.ConfidenceThreshold {
				stage = StageEvaluate
				continue
			}

			if iteration := state.bumpIteration(); iteration >= e.config.MaxIterations {
				// Retry budget exhausted; the last reflection stays
				// on the result for the caller.
				return state.result(StatusLowConfidence), nil
			}

			e.logger.Debug("confidence below threshold, retrying",
				zap.String("run_id", snap.RunID),
				zap.Float64("confidence", snap.Confidence),
				zap.Float64("threshold", e.config.ConfidenceThreshold),
			)
			stage = StageExtract

		case StageEvaluate:
			delta, err := e.exec(ctx, stage, state)
			if err != nil {
				return e.terminalError(state, stage, err)
			}
			state.apply(delta)
			state.recordStatus(stage, "completed")

			e.promoteLearnings(ctx, state)
			return state.result(StatusCompleted), nil

		default:
			return state.result(StatusFailed), fmt.Errorf("pipeline: unknown stage %s", stage)
		}
	}
}

// exec runs one stage against a fresh snapshot under the stage timeout.
func (e *Executor) exec(ctx context.Context, stage Stage, state *State) (Delta, error) {
	fn, ok := e.stages[stage]
	if !ok {
		return Delta{}, fmt.Errorf("pipeline: no handler for stage %s", stage)
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
	defer cancel()

	return fn(stageCtx, state.snapshot())
}

// fanOut runs all specialists concurrently and waits for every one of
// them. Successful contributions are applied regardless of siblings; a
// denial marks the run denied only after the barrier. Returns a nil
// result when the run should continue to reflect.
func (e *Executor) fanOut(ctx context.Context, state *State) (*Result, error) {
	specialists := Specialists()

	type outcome struct {
		delta Delta
		err   error
	}
	outcomes := make([]outcome, len(specialists))

	snap := state.snapshot()

	var wg sync.WaitGroup
	for i, sp := range specialists {
		wg.Add(1)
		go func(i int, sp Stage) {
			defer wg.Done()

			fn := e.stages[sp]
			stageCtx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
			defer cancel()

			delta, err := fn(stageCtx, snap)
			outcomes[i] = outcome{delta: delta, err: err}
		}(i, sp)
	}
	wg.Wait()

	var (
		denied  *DeniedError
		hardErr error
	)
	for i, sp := range specialists {
		out := outcomes[i]
		if out.err == nil {
			state.apply(out.delta)
			state.recordStatus(sp, "completed")
			continue
		}
		if d, ok := AsDenied(out.err); ok {
			state.recordStatus(sp, "denied")
			if denied == nil {
				denied = d
			}
			continue
		}
		state.recordStatus(sp, "failed")
		if hardErr == nil {
			hardErr = out.err
		}
	}

	if hardErr != nil {
		return state.result(StatusFailed), hardErr
	}
	if denied != nil {
		state.apply(Delta{Findings: []Finding{
			finding(Stage(denied.Agent), denied.Agent, fmt.Sprintf("admission denied: %s", denied.Reason)),
		}})
		return state.result(StatusDenied), nil
	}
	return nil, nil
}

// terminalError resolves a stage error into its terminal status.
func (e *Executor) terminalError(state *State, stage Stage, err error) (*Result, error) {
	if denied, ok := AsDenied(err); ok {
		state.recordStatus(stage, "denied")
		state.apply(Delta{Findings: []Finding{
			finding(stage, denied.Agent, fmt.Sprintf("admission denied: %s", denied.Reason)),
		}})
		return state.result(StatusDenied), nil
	}
	state.recordStatus(stage, "failed")
	return state.result(StatusFailed), err
}

// promoteLearnings hands the completed run's reflection to the promotion
// pipeline. Promotion failure never affects the run result.
func (e *Executor) promoteLearnings(ctx context.Context, state *State) {
	if e.promoter == nil {
		return
	}

	snap := state.snapshot()
	if snap.Reflection == "" {
		return
	}

	eval := e.promoter.Evaluate(snap.Reflection)
	eval.Score = snap.Confidence

	result, err := e.promoter.RecordLearning(ctx, snap.WorkspaceID, snap.Reflection, eval, map[string]any{
		"run_id": snap.RunID,
	})
	if err != nil {
		e.logger.Warn("learning promotion failed",
			zap.String("run_id", snap.RunID),
			zap.Error(err),
		)
		return
	}
	if result.Promoted() {
		e.logger.Debug("run learnings promoted",
			zap.String("run_id", snap.RunID),
			zap.Bool("episodic", result.EpisodicID != ""),
			zap.Bool("semantic", result.SemanticID != ""),
		)
	}
}

// publishOutcome streams the terminal event. Fire-and-forget.
func (e *Executor) publishOutcome(ctx context.Context, result *Result, elapsed time.Duration) {
	event := warehouse.OutcomeEvent{
		RunID:       result.RunID,
		WorkspaceID: result.WorkspaceID,
		Status:      string(result.Status),
		Confidence:  result.Confidence,
		Iterations:  result.Iterations,
		Findings:    len(result.Findings),
		DurationMs:  elapsed.Milliseconds(),
		At:          time.Now().UTC(),
	}
	if err := e.warehouse.PublishOutcome(ctx, event); err != nil {
		e.logger.Debug("outcome not published",
			zap.String("run_id", result.RunID),
			zap.Error(err),
		)
	}
}
