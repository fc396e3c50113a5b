package admission

import (
	"sort"
	"sync"
)

// driftDetector compares the live distribution of a quality metric against
// a baseline using the two-sample Kolmogorov-Smirnov statistic.
//
// The first windowSize samples per workspace freeze the baseline; after
// that, each full rolling window is compared against it. The statistic is
// the maximum distance between the two empirical CDFs, in [0, 1].
type driftDetector struct {
	mu         sync.Mutex
	windowSize int
	baselines  map[string][]float64
	windows    map[string][]float64
}

func newDriftDetector(windowSize int) *driftDetector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &driftDetector{
		windowSize: windowSize,
		baselines:  make(map[string][]float64),
		windows:    make(map[string][]float64),
	}
}

// observe records a metric sample and reports the KS statistic against the
// baseline. ok is false while the baseline or current window is still
// filling.
func (d *driftDetector) observe(workspaceID string, sample float64) (statistic float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline := d.baselines[workspaceID]
	if len(baseline) < d.windowSize {
		d.baselines[workspaceID] = append(baseline, sample)
		return 0, false
	}

	window := append(d.windows[workspaceID], sample)
	if len(window) > d.windowSize {
		window = window[len(window)-d.windowSize:]
	}
	d.windows[workspaceID] = window

	if len(window) < d.windowSize {
		return 0, false
	}
	return ksStatistic(baseline, window), true
}

// ksStatistic computes the two-sample Kolmogorov-Smirnov statistic:
// sup |F_a(x) - F_b(x)| over the empirical CDFs of the two samples.
func ksStatistic(a, b []float64) float64 {
	sortedA := make([]float64, len(a))
	copy(sortedA, a)
	sort.Float64s(sortedA)

	sortedB := make([]float64, len(b))
	copy(sortedB, b)
	sort.Float64s(sortedB)

	var (
		i, j int
		max  float64
	)
	for i < len(sortedA) && j < len(sortedB) {
		// Advance both CDFs past every sample tied at x before
		// comparing, otherwise ties inflate the distance.
		x := sortedA[i]
		if sortedB[j] < x {
			x = sortedB[j]
		}
		for i < len(sortedA) && sortedA[i] == x {
			i++
		}
		for j < len(sortedB) && sortedB[j] == x {
			j++
		}
		fa := float64(i) / float64(len(sortedA))
		fb := float64(j) / float64(len(sortedB))
		if d := fa - fb; d > max {
			max = d
		} else if -d > max {
			max = -d
		}
	}
	return max
}
