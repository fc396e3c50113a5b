package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/cache"
)

// Breaker state keys. The breaker protects the whole pipeline deployment,
// so there is one state for all workspaces. The trip state lives at its
// own key written with an absent-only set, so concurrent trips from
// separate processes race at the store and exactly one reason wins.
const (
	breakerKey     = "admission:breaker"
	breakerTripKey = "admission:breaker:trip"
)

// Trip reasons recorded in the breaker state.
const (
	ReasonBudgetOverflow = "budget_overflow"
	ReasonMetricDrift    = "metric_drift"
	ReasonLatencyP95     = "latency_p95"
)

// CircuitState is the persisted breaker state.
type CircuitState struct {
	// Engaged is true once any admission signal has tripped the breaker.
	Engaged bool `json:"engaged"`

	// Reason names the signal that tripped it, or the operator note on
	// the last reset.
	Reason string `json:"reason,omitempty"`

	// ChangedAt is when the state last flipped.
	ChangedAt time.Time `json:"changed_at"`
}

// Breaker is a one-way circuit breaker with shared state in redis.
//
// Any signal can trip it; nothing clears it except an explicit Reset by an
// operator. A state read failure reports the breaker as engaged: when the
// gate cannot see its own state it does not admit traffic.
type Breaker struct {
	store  cache.Cache
	logger *zap.Logger
}

// NewBreaker creates a breaker over the shared state store.
func NewBreaker(store cache.Cache, logger *zap.Logger) (*Breaker, error) {
	if store == nil {
		return nil, fmt.Errorf("admission: state store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{store: store, logger: logger}, nil
}

// State returns the current breaker state, failing closed on read errors.
// A trip record, when present, wins over whatever the base key says.
func (b *Breaker) State(ctx context.Context) CircuitState {
	state, found, clean := b.read(ctx, breakerTripKey)
	if !clean || found {
		return state
	}

	state, _, _ = b.read(ctx, breakerKey)
	return state
}

// read loads one state key. The bool results are (key present, read clean);
// on a dirty read the returned state is already the fail-closed one.
func (b *Breaker) read(ctx context.Context, key string) (CircuitState, bool, bool) {
	value, found, err := b.store.Get(ctx, key)
	if err != nil {
		b.logger.Error("breaker state unreadable, reporting engaged",
			zap.String("key", key),
			zap.Error(err),
		)
		return CircuitState{Engaged: true, Reason: "state_unreadable", ChangedAt: timeNow().UTC()}, false, false
	}
	if !found {
		return CircuitState{}, false, true
	}

	var state CircuitState
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		b.logger.Error("breaker state corrupt, reporting engaged",
			zap.String("key", key),
			zap.Error(err),
		)
		return CircuitState{Engaged: true, Reason: "state_corrupt", ChangedAt: timeNow().UTC()}, false, false
	}
	return state, true, true
}

// Trip engages the breaker. The write is atomic at the store: with
// concurrent trips exactly one reason lands, and tripping an engaged
// breaker keeps the original reason, since the first cause is the one an
// operator wants to see.
func (b *Breaker) Trip(ctx context.Context, reason string) error {
	payload, err := json.Marshal(CircuitState{
		Engaged:   true,
		Reason:    reason,
		ChangedAt: timeNow().UTC(),
	})
	if err != nil {
		return fmt.Errorf("tripping breaker: %w", err)
	}

	won, err := b.store.StoreIfAbsent(ctx, breakerTripKey, string(payload), 0)
	if err != nil {
		return fmt.Errorf("tripping breaker: %w", err)
	}
	if !won {
		b.logger.Debug("breaker already engaged",
			zap.String("new_reason", reason),
		)
		return nil
	}

	b.logger.Warn("circuit breaker tripped",
		zap.String("reason", reason),
	)
	return nil
}

// Reset returns the breaker to normal. This is the only path back from
// engaged. The operator note is recorded first so it survives even if
// clearing the trip record fails.
func (b *Breaker) Reset(ctx context.Context, reason string) error {
	payload, err := json.Marshal(CircuitState{
		Engaged:   false,
		Reason:    reason,
		ChangedAt: timeNow().UTC(),
	})
	if err != nil {
		return fmt.Errorf("resetting breaker: %w", err)
	}
	if err := b.store.Store(ctx, breakerKey, string(payload), 0); err != nil {
		return fmt.Errorf("resetting breaker: %w", err)
	}
	if err := b.store.Delete(ctx, breakerTripKey); err != nil {
		return fmt.Errorf("resetting breaker: %w", err)
	}

	b.logger.Info("circuit breaker reset",
		zap.String("reason", reason),
	)
	return nil
}
