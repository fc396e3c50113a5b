package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/cache"
)

func newTestStore(t *testing.T) cache.Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(cache.RedisOptions{URL: "redis://" + mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestController(t *testing.T, config Config) *Controller {
	t.Helper()

	ctrl, err := NewController(newTestStore(t), config, zap.NewNop())
	require.NoError(t, err)
	return ctrl
}

// brokenCache fails every operation.
type brokenCache struct{}

func (brokenCache) Store(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("store down")
}
func (brokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("store down")
}
func (brokenCache) StoreIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (brokenCache) Delete(ctx context.Context, key string) error { return errors.New("store down") }
func (brokenCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, errors.New("store down")
}
func (brokenCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return errors.New("store down")
}
func (brokenCache) Close() error { return nil }

func TestAllow_DefaultIsOpen(t *testing.T) {
	ctrl := newTestController(t, Config{})

	decision := ctrl.Allow(context.Background(), "ws1", "extract")
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
}

func TestAllow_BudgetExhaustionDeniesAndTrips(t *testing.T) {
	ctrl := newTestController(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	require.NoError(t, ctrl.Charge(ctx, "ws1", 101))

	decision := ctrl.Allow(ctx, "ws1", "extract")
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyBudgetExhausted, decision.Reason)

	// The overflow tripped the breaker, so even a fresh workspace whose
	// budget is untouched is now denied.
	state := ctrl.Breaker(ctx)
	assert.True(t, state.Engaged)
	assert.Equal(t, ReasonBudgetOverflow, state.Reason)

	decision = ctrl.Allow(ctx, "ws2", "extract")
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, DenyBreakerEngaged)
}

func TestAllow_LedgerFailureFailsClosed(t *testing.T) {
	ctrl, err := NewController(brokenCache{}, Config{}, zap.NewNop())
	require.NoError(t, err)

	// The breaker state is also unreadable, which already reads as
	// engaged. Either way the decision is a denial.
	decision := ctrl.Allow(context.Background(), "ws1", "extract")
	assert.False(t, decision.Allowed)
	assert.NotEmpty(t, decision.Reason)
}

func TestCharge_ConcurrentMonotonicity(t *testing.T) {
	ctrl := newTestController(t, Config{BudgetCeiling: 1 << 40})
	ctx := context.Background()

	const (
		workers = 20
		charges = 50
		cost    = 3
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < charges; j++ {
				assert.NoError(t, ctrl.Charge(ctx, "ws1", cost))
			}
		}()
	}
	wg.Wait()

	consumed, err := ctrl.Consumed(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*charges*cost), consumed)
}

func TestObserve_P95TripsBreaker(t *testing.T) {
	ctrl := newTestController(t, Config{WindowSize: 10, P95ThresholdMs: 2000})
	ctx := context.Background()

	// Window not yet full: no trip even with slow samples.
	for i := 0; i < 9; i++ {
		ctrl.Observe(ctx, "ws1", 5*time.Second)
	}
	assert.False(t, ctrl.Breaker(ctx).Engaged)

	ctrl.Observe(ctx, "ws1", 5*time.Second)

	state := ctrl.Breaker(ctx)
	assert.True(t, state.Engaged)
	assert.Equal(t, ReasonLatencyP95, state.Reason)
}

func TestObserve_FastTrafficDoesNotTrip(t *testing.T) {
	ctrl := newTestController(t, Config{WindowSize: 10, P95ThresholdMs: 2000})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		ctrl.Observe(ctx, "ws1", 100*time.Millisecond)
	}
	assert.False(t, ctrl.Breaker(ctx).Engaged)
}

func TestObserveMetric_DriftTripsBreaker(t *testing.T) {
	ctrl := newTestController(t, Config{WindowSize: 10, DriftThreshold: 0.5})
	ctx := context.Background()

	// Baseline around 0.9.
	for i := 0; i < 10; i++ {
		ctrl.ObserveMetric(ctx, "ws1", 0.9)
	}
	assert.False(t, ctrl.Breaker(ctx).Engaged)

	// Live window collapses to 0.1: the distributions separate fully.
	for i := 0; i < 10; i++ {
		ctrl.ObserveMetric(ctx, "ws1", 0.1)
	}

	state := ctrl.Breaker(ctx)
	assert.True(t, state.Engaged)
	assert.Equal(t, ReasonMetricDrift, state.Reason)
}

func TestObserveMetric_StableMetricDoesNotTrip(t *testing.T) {
	ctrl := newTestController(t, Config{WindowSize: 10, DriftThreshold: 0.5})
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		ctrl.ObserveMetric(ctx, "ws1", 0.9)
	}
	assert.False(t, ctrl.Breaker(ctx).Engaged)
}

func TestReset_IsTheOnlyPathBack(t *testing.T) {
	ctrl := newTestController(t, Config{BudgetCeiling: 10})
	ctx := context.Background()

	require.NoError(t, ctrl.Charge(ctx, "ws1", 11))
	assert.False(t, ctrl.Allow(ctx, "ws1", "extract").Allowed)
	assert.True(t, ctrl.Breaker(ctx).Engaged)

	// Tripping again does not overwrite the original reason.
	ctrl.ObserveMetric(ctx, "ws1", 0.5)
	assert.Equal(t, ReasonBudgetOverflow, ctrl.Breaker(ctx).Reason)

	require.NoError(t, ctrl.Reset(ctx, "operator maintenance"))

	state := ctrl.Breaker(ctx)
	assert.False(t, state.Engaged)
	assert.Equal(t, "operator maintenance", state.Reason)

	// Fresh workspace admitted again.
	assert.True(t, ctrl.Allow(ctx, "ws2", "extract").Allowed)
}

func TestLedger_DailyWindowRollover(t *testing.T) {
	store := newTestStore(t)
	ledger, err := NewLedger(store, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	origNow := timeNow
	t.Cleanup(func() { timeNow = origNow })

	timeNow = func() time.Time { return day1 }
	_, err = ledger.Charge(ctx, "ws1", 500)
	require.NoError(t, err)

	consumed, err := ledger.Consumed(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), consumed)

	// Next UTC day: fresh window, consumption starts over.
	timeNow = func() time.Time { return day1.Add(2 * time.Hour) }
	consumed, err = ledger.Consumed(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), consumed)
}

func TestLedger_Validation(t *testing.T) {
	ledger, err := NewLedger(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ledger.Charge(ctx, "", 10)
	assert.ErrorIs(t, err, ErrEmptyWorkspace)

	_, err = ledger.Charge(ctx, "ws1", 0)
	assert.ErrorIs(t, err, ErrInvalidCost)

	_, err = ledger.Consumed(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyWorkspace)
}

func TestTrip_FirstReasonWinsAcrossInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := NewBreaker(store, zap.NewNop())
	require.NoError(t, err)
	second, err := NewBreaker(store, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, first.Trip(ctx, ReasonLatencyP95))
	require.NoError(t, second.Trip(ctx, ReasonMetricDrift))

	// The second trip went through a separate instance with no view of
	// the first, so only the store-level write guard keeps the reason.
	state := second.State(ctx)
	assert.True(t, state.Engaged)
	assert.Equal(t, ReasonLatencyP95, state.Reason)
}

func TestTrip_ConcurrentTripsLandExactlyOneReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	reasons := []string{ReasonBudgetOverflow, ReasonMetricDrift, ReasonLatencyP95}

	var wg sync.WaitGroup
	for _, reason := range reasons {
		breaker, err := NewBreaker(store, zap.NewNop())
		require.NoError(t, err)

		wg.Add(1)
		go func(reason string) {
			defer wg.Done()
			assert.NoError(t, breaker.Trip(ctx, reason))
		}(reason)
	}
	wg.Wait()

	breaker, err := NewBreaker(store, zap.NewNop())
	require.NoError(t, err)

	state := breaker.State(ctx)
	assert.True(t, state.Engaged)
	assert.Contains(t, reasons, state.Reason)

	// Stable across reads: one write landed, the others were no-ops.
	assert.Equal(t, state.Reason, breaker.State(ctx).Reason)
}

func TestBreaker_FailsClosedOnUnreadableState(t *testing.T) {
	breaker, err := NewBreaker(brokenCache{}, zap.NewNop())
	require.NoError(t, err)

	state := breaker.State(context.Background())
	assert.True(t, state.Engaged)
	assert.Equal(t, "state_unreadable", state.Reason)
}

func TestKSStatistic(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3, 4}, []float64{1, 2, 3, 4}, 0},
		{"disjoint", []float64{1, 2, 3}, []float64{10, 11, 12}, 1},
		{"half shifted", []float64{1, 2, 3, 4}, []float64{3, 4, 5, 6}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ksStatistic(tt.a, tt.b), 1e-9)
		})
	}
}

func TestPercentile(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i + 1)
	}

	assert.InDelta(t, 95, percentile(samples, 0.95), 1.0)
	assert.Equal(t, float64(0), percentile(nil, 0.95))
	assert.Equal(t, float64(7), percentile([]float64{7}, 0.95))
}

func TestBudgetKey(t *testing.T) {
	day := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "budget:ws1:2026-03-01", budgetKey("ws1", day))
	assert.Equal(t, fmt.Sprintf("budget:ws2:%s", day.Format("2006-01-02")), budgetKey("ws2", day))
}
