package admission

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the rolling sample window for latency and drift
// signals.
const DefaultWindowSize = 50

// latencyWindow keeps the most recent latency samples per workspace.
//
// The window is small and evaluation infrequent, so P95 does a full sort of
// a copy on every read instead of keeping an order statistic structure.
type latencyWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &latencyWindow{
		size:    size,
		samples: make(map[string][]float64),
	}
}

// observe records a latency sample, evicting the oldest once full, and
// reports the current P95 plus whether the window is full enough to act on.
func (w *latencyWindow) observe(workspaceID string, latency time.Duration) (p95 float64, full bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := w.samples[workspaceID]
	window = append(window, float64(latency.Milliseconds()))
	if len(window) > w.size {
		window = window[len(window)-w.size:]
	}
	w.samples[workspaceID] = window

	return percentile(window, 0.95), len(window) == w.size
}

// percentile computes the pth percentile (0..1) of samples by full sort,
// nearest-rank method.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
