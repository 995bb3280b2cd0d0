package source

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS. 30 FPS → stable if stddev < 4.5 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// expected interval. 30 FPS (33ms) → stable if jitter < 6.6ms.
	jitterStabilityThreshold = 0.20
)

// RateStats describes frame arrival over a window.
type RateStats struct {
	Frames     int
	Duration   time.Duration
	FPSMean    float64
	FPSStdDev  float64
	FPSMin     float64
	FPSMax     float64
	JitterMean float64 // seconds
	JitterMax  float64 // seconds
	Stable     bool    // stddev < 15% of mean AND jitter < 20% of interval
}

// CalculateRateStats derives FPS and jitter statistics from arrival times.
//
// Algorithm:
//  1. Mean FPS = frames / span between first and last arrival
//  2. Instantaneous FPS per interval; min, max and stddev around the mean
//  3. Jitter = |interval - expected interval|
//  4. Stable when both thresholds hold
func CalculateRateStats(arrivals []time.Time) RateStats {
	n := len(arrivals)
	if n < 2 {
		return RateStats{Frames: n}
	}

	span := arrivals[n-1].Sub(arrivals[0])
	stats := RateStats{Frames: n, Duration: span}
	if span <= 0 {
		return stats
	}
	stats.FPSMean = float64(n-1) / span.Seconds()

	intervals := make([]float64, 0, n-1)
	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		dt := arrivals[i].Sub(arrivals[i-1]).Seconds()
		intervals = append(intervals, dt)
		if dt > 0 {
			instantaneous = append(instantaneous, 1/dt)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin = floats.Min(instantaneous)
	stats.FPSMax = floats.Max(instantaneous)
	var sumSquares float64
	for _, fps := range instantaneous {
		d := fps - stats.FPSMean
		sumSquares += d * d
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1 / stats.FPSMean
	jitters := make([]float64, len(intervals))
	for i, dt := range intervals {
		jitters[i] = math.Abs(dt - expected)
	}
	stats.JitterMean = stat.Mean(jitters, nil)
	stats.JitterMax = floats.Max(jitters)

	stats.Stable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

// rateMeter collects the first window arrivals and computes RateStats once.
type rateMeter struct {
	mu       sync.Mutex
	window   int
	arrivals []time.Time
	stats    *RateStats
}

func newRateMeter(window int) *rateMeter {
	return &rateMeter{window: window, arrivals: make([]time.Time, 0, window)}
}

// observe records an arrival; done is true exactly once, when the window fills.
func (m *rateMeter) observe(t time.Time) (RateStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stats != nil {
		return RateStats{}, false
	}
	m.arrivals = append(m.arrivals, t)
	if len(m.arrivals) < m.window {
		return RateStats{}, false
	}
	stats := CalculateRateStats(m.arrivals)
	m.stats = &stats
	m.arrivals = nil
	return stats, true
}

func (m *rateMeter) result() *RateStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return nil
	}
	s := *m.stats
	return &s
}
