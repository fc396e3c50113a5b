package admission

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/cache"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("analystd.admission")

// Config holds admission thresholds.
type Config struct {
	// BudgetCeiling is the per-workspace token ceiling per billing day.
	// Default: 100000
	BudgetCeiling int64

	// P95ThresholdMs trips the breaker when the rolling P95 latency
	// crosses it. Default: 2000
	P95ThresholdMs float64

	// DriftThreshold trips the breaker when the KS statistic against the
	// metric baseline crosses it. Default: 0.1
	DriftThreshold float64

	// WindowSize is the rolling sample window for latency and drift.
	// Default: 50
	WindowSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BudgetCeiling == 0 {
		c.BudgetCeiling = 100_000
	}
	if c.P95ThresholdMs == 0 {
		c.P95ThresholdMs = 2000
	}
	if c.DriftThreshold == 0 {
		c.DriftThreshold = 0.1
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BudgetCeiling < 0 {
		return fmt.Errorf("admission: budget ceiling cannot be negative")
	}
	if c.DriftThreshold < 0 || c.DriftThreshold > 1 {
		return fmt.Errorf("admission: drift threshold must be in [0, 1]")
	}
	return nil
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed is true when the gated call may proceed.
	Allowed bool

	// Reason explains a denial; empty on allow.
	Reason string
}

// Deny reasons surfaced in decisions.
const (
	DenyBreakerEngaged    = "breaker_engaged"
	DenyLedgerUnavailable = "ledger_unavailable"
	DenyBudgetExhausted   = "budget_exhausted"
)

// Controller gates paid inference calls.
//
// Every deny path fails closed: an engaged breaker, an unreadable ledger,
// and an exhausted budget all deny. Signals feed the breaker; the breaker
// is one-way and only Reset reopens the gate.
type Controller struct {
	ledger  *Ledger
	breaker *Breaker
	latency *latencyWindow
	drift   *driftDetector
	config  Config
	logger  *zap.Logger
}

// NewController creates an admission controller over the shared state store.
func NewController(store cache.Cache, config Config, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ledger, err := NewLedger(store, logger)
	if err != nil {
		return nil, err
	}
	breaker, err := NewBreaker(store, logger)
	if err != nil {
		return nil, err
	}

	return &Controller{
		ledger:  ledger,
		breaker: breaker,
		latency: newLatencyWindow(config.WindowSize),
		drift:   newDriftDetector(config.WindowSize),
		config:  config,
		logger:  logger,
	}, nil
}

// Allow decides whether a gated call for the given agent may proceed.
func (c *Controller) Allow(ctx context.Context, workspaceID, agent string) Decision {
	ctx, span := tracer.Start(ctx, "Controller.Allow")
	defer span.End()

	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("agent", agent),
	)

	if state := c.breaker.State(ctx); state.Engaged {
		return c.deny(span.SetAttributes, workspaceID, agent, fmt.Sprintf("%s:%s", DenyBreakerEngaged, state.Reason))
	}

	consumed, err := c.ledger.Consumed(ctx, workspaceID)
	if err != nil {
		c.logger.Error("ledger unreadable, denying",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		return c.deny(span.SetAttributes, workspaceID, agent, DenyLedgerUnavailable)
	}

	if consumed > c.config.BudgetCeiling {
		if err := c.breaker.Trip(ctx, ReasonBudgetOverflow); err != nil {
			c.logger.Error("breaker trip failed", zap.Error(err))
		}
		return c.deny(span.SetAttributes, workspaceID, agent, DenyBudgetExhausted)
	}

	span.SetAttributes(attribute.Bool("allowed", true))
	return Decision{Allowed: true}
}

func (c *Controller) deny(setAttrs func(...attribute.KeyValue), workspaceID, agent, reason string) Decision {
	setAttrs(
		attribute.Bool("allowed", false),
		attribute.String("deny_reason", reason),
	)
	c.logger.Info("admission denied",
		zap.String("workspace_id", workspaceID),
		zap.String("agent", agent),
		zap.String("reason", reason),
	)
	return Decision{Allowed: false, Reason: reason}
}

// Charge records cost against the workspace's billing window. Called after
// each completed gated call.
func (c *Controller) Charge(ctx context.Context, workspaceID string, cost int64) error {
	_, err := c.ledger.Charge(ctx, workspaceID, cost)
	return err
}

// Consumed reports the tokens charged in the current billing window.
func (c *Controller) Consumed(ctx context.Context, workspaceID string) (int64, error) {
	return c.ledger.Consumed(ctx, workspaceID)
}

// Observe feeds a call latency into the rolling window. A full window with
// P95 over the threshold trips the breaker.
func (c *Controller) Observe(ctx context.Context, workspaceID string, latency time.Duration) {
	p95, full := c.latency.observe(workspaceID, latency)
	if !full || p95 <= c.config.P95ThresholdMs {
		return
	}

	c.logger.Warn("latency P95 over threshold",
		zap.String("workspace_id", workspaceID),
		zap.Float64("p95_ms", p95),
		zap.Float64("threshold_ms", c.config.P95ThresholdMs),
	)
	if err := c.breaker.Trip(ctx, ReasonLatencyP95); err != nil {
		c.logger.Error("breaker trip failed", zap.Error(err))
	}
}

// ObserveMetric feeds a quality-metric sample into the drift detector. A
// KS statistic over the threshold trips the breaker.
func (c *Controller) ObserveMetric(ctx context.Context, workspaceID string, sample float64) {
	statistic, ok := c.drift.observe(workspaceID, sample)
	if !ok || statistic <= c.config.DriftThreshold {
		return
	}

	c.logger.Warn("metric drift over threshold",
		zap.String("workspace_id", workspaceID),
		zap.Float64("ks_statistic", statistic),
		zap.Float64("threshold", c.config.DriftThreshold),
	)
	if err := c.breaker.Trip(ctx, ReasonMetricDrift); err != nil {
		c.logger.Error("breaker trip failed", zap.Error(err))
	}
}

// Breaker returns the underlying circuit breaker state.
func (c *Controller) Breaker(ctx context.Context) CircuitState {
	return c.breaker.State(ctx)
}

// Reset reopens the gate. The only path back from engaged.
func (c *Controller) Reset(ctx context.Context, reason string) error {
	return c.breaker.Reset(ctx, reason)
}
