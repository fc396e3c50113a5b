// Package admission implements the gate in front of paid inference calls:
// a per-workspace budget ledger, latency and metric-drift signals, and a
// one-way circuit breaker that any signal can trip.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/cache"
)

// Common errors for admission operations.
var (
	ErrEmptyWorkspace = errors.New("admission: workspace ID cannot be empty")
	ErrInvalidCost    = errors.New("admission: cost must be positive")
	ErrLedgerRead     = errors.New("admission: ledger read failed")
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// ledgerKeyTTL keeps a billing-day key around one extra day so late
// charges against a closing window still land, then lets it expire.
const ledgerKeyTTL = 48 * time.Hour

// Ledger tracks per-workspace token consumption in a daily billing window.
//
// The counter lives in redis so every process in the deployment charges
// against the same number. Charges are atomic INCRBY; the counter only
// grows within a window and resets by key rollover at the UTC day
// boundary, never by decrement.
type Ledger struct {
	store  cache.Cache
	logger *zap.Logger
}

// NewLedger creates a ledger over the shared counter store.
func NewLedger(store cache.Cache, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("admission: counter store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger}, nil
}

// budgetKey builds the billing-window key for a workspace.
func budgetKey(workspaceID string, day time.Time) string {
	return fmt.Sprintf("budget:%s:%s", workspaceID, day.UTC().Format("2006-01-02"))
}

// Consumed returns the tokens charged in the current billing window.
// A read failure is ErrLedgerRead; callers deny on it, never guess.
func (l *Ledger) Consumed(ctx context.Context, workspaceID string) (int64, error) {
	if workspaceID == "" {
		return 0, ErrEmptyWorkspace
	}

	value, found, err := l.store.Get(ctx, budgetKey(workspaceID, timeNow()))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}
	if !found {
		return 0, nil
	}

	consumed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt counter %q", ErrLedgerRead, value)
	}
	return consumed, nil
}

// Charge atomically adds cost to the current window and returns the new
// total. The first charge of a window stamps the key's expiry.
func (l *Ledger) Charge(ctx context.Context, workspaceID string, cost int64) (int64, error) {
	if workspaceID == "" {
		return 0, ErrEmptyWorkspace
	}
	if cost <= 0 {
		return 0, ErrInvalidCost
	}

	key := budgetKey(workspaceID, timeNow())

	total, err := l.store.Increment(ctx, key, cost)
	if err != nil {
		return 0, fmt.Errorf("charging ledger: %w", err)
	}

	// NX expiry: only the first charge of the window sets it, so repeated
	// charges never push the rollover out.
	if err := l.store.Expire(ctx, key, ledgerKeyTTL); err != nil {
		l.logger.Warn("ledger expiry not set",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
	}

	l.logger.Debug("ledger charged",
		zap.String("workspace_id", workspaceID),
		zap.Int64("cost", cost),
		zap.Int64("total", total),
	)

	return total, nil
}
