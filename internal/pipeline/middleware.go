package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/admission"
	"github.com/lodestarlabs/analystd/internal/warehouse"
)

// Gate is the admission surface in front of paid stages.
type Gate interface {
	Allow(ctx context.Context, workspaceID, agent string) admission.Decision
	Charge(ctx context.Context, workspaceID string, cost int64) error
	Observe(ctx context.Context, workspaceID string, latency time.Duration)
}

// DeniedError is returned by the gate middleware when admission refuses a
// stage. It is a controlled terminal outcome, not an infrastructure error.
type DeniedError struct {
	Agent  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied for %s: %s", e.Agent, e.Reason)
}

// AsDenied unwraps a denial from a stage error chain.
func AsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// Middleware wraps a stage function. The executor composes middleware at
// graph construction, innermost first.
type Middleware func(stage Stage, fn StageFunc) StageFunc

// withErrors attaches the stage name to hard errors so failures carry
// their origin up the chain. Denials pass through untouched.
func withErrors() Middleware {
	return func(stage Stage, fn StageFunc) StageFunc {
		return func(ctx context.Context, snap Snapshot) (Delta, error) {
			delta, err := fn(ctx, snap)
			if err != nil {
				if _, ok := AsDenied(err); ok {
					return delta, err
				}
				return delta, fmt.Errorf("stage %s: %w", stage, err)
			}
			return delta, nil
		}
	}
}

// withGate puts a stage behind the admission controller: check before,
// charge and observe after. The stage name is the agent identity, so each
// specialist is gated independently.
func withGate(gate Gate, logger *zap.Logger) Middleware {
	return func(stage Stage, fn StageFunc) StageFunc {
		agent := string(stage)
		return func(ctx context.Context, snap Snapshot) (Delta, error) {
			decision := gate.Allow(ctx, snap.WorkspaceID, agent)
			if !decision.Allowed {
				return Delta{}, &DeniedError{Agent: agent, Reason: decision.Reason}
			}

			start := time.Now()
			delta, err := fn(ctx, snap)
			gate.Observe(ctx, snap.WorkspaceID, time.Since(start))

			if err == nil && delta.Cost > 0 {
				if chargeErr := gate.Charge(ctx, snap.WorkspaceID, delta.Cost); chargeErr != nil {
					logger.Error("ledger charge failed",
						zap.String("workspace_id", snap.WorkspaceID),
						zap.String("agent", agent),
						zap.Int64("cost", delta.Cost),
						zap.Error(chargeErr),
					)
				}
			}
			return delta, err
		}
	}
}

// withTiming traces the stage, appends a telemetry event to its delta, and
// streams the timing to the warehouse. Publish failures are logged only.
func withTiming(publisher warehouse.Publisher, logger *zap.Logger) Middleware {
	return func(stage Stage, fn StageFunc) StageFunc {
		return func(ctx context.Context, snap Snapshot) (Delta, error) {
			ctx, span := tracer.Start(ctx, "stage."+string(stage))
			defer span.End()

			span.SetAttributes(
				attribute.String("run_id", snap.RunID),
				attribute.String("workspace_id", snap.WorkspaceID),
				attribute.String("stage", string(stage)),
			)

			start := time.Now()
			delta, err := fn(ctx, snap)
			elapsed := time.Since(start)

			status := "completed"
			switch {
			case err == nil:
				span.SetStatus(codes.Ok, "completed")
			default:
				if _, ok := AsDenied(err); ok {
					status = "denied"
				} else {
					status = "failed"
				}
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			delta.Telemetry = append(delta.Telemetry, TelemetryEvent{
				Stage:      stage,
				DurationMs: elapsed.Milliseconds(),
				At:         time.Now().UTC(),
			})

			if pubErr := publisher.PublishStageTiming(ctx, warehouse.StageTimingEvent{
				RunID:       snap.RunID,
				WorkspaceID: snap.WorkspaceID,
				Stage:       string(stage),
				Status:      status,
				DurationMs:  elapsed.Milliseconds(),
				At:          time.Now().UTC(),
			}); pubErr != nil {
				logger.Debug("stage timing not published",
					zap.String("stage", string(stage)),
					zap.Error(pubErr),
				)
			}

			return delta, err
		}
	}
}

// compose wraps fn with the given middleware, first entry outermost.
func compose(stage Stage, fn StageFunc, middleware ...Middleware) StageFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		fn = middleware[i](stage, fn)
	}
	return fn
}
