package mainloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of runtime statistics for a Context, see
// Context.Metrics. Metrics are only collected if the Context was created
// with WithMetrics(true).
//
// Example:
//
//	c, _ := New(WithMetrics(true))
//	_ = c.Run(ctx)
//	stats := c.Metrics()
//	fmt.Printf("dispatches: %d, P99 latency: %v\n",
//		stats.Dispatches, stats.Latency.P99)
type Metrics struct {
	// Latency is the distribution of callback durations.
	Latency LatencyMetrics

	// Iterations is the number of completed Poll→Dispatch cycles.
	Iterations uint64
	// Dispatches is the number of callbacks invoked.
	Dispatches uint64
	// Wakeups is the number of wake-ups requested via Wakeup, or implied by
	// cross-goroutine requests.
	Wakeups uint64
	// CallbackFailures is the number of callbacks that returned an error or
	// panicked.
	CallbackFailures uint64
	// Sources is the number of sources attached at the time of the snapshot.
	Sources int
}

// LatencyMetrics summarises recent callback durations.
type LatencyMetrics struct {
	P50  time.Duration
	P90  time.Duration
	P99  time.Duration
	Max  time.Duration
	Mean time.Duration
	// Count is the number of samples the percentiles were computed from.
	Count int
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// metrics collects statistics. Counters are atomic, as Metrics may be called
// from any goroutine.
type metrics struct {
	samples          [sampleSize]time.Duration
	sampleIdx        int
	sampleCount      int
	mu               sync.Mutex // protects samples
	iterations       atomic.Uint64
	dispatches       atomic.Uint64
	wakeups          atomic.Uint64
	callbackFailures atomic.Uint64
}

// recordDispatch is called by the loop after each callback.
func (m *metrics) recordDispatch(d time.Duration, failed bool) {
	m.dispatches.Add(1)
	if failed {
		m.callbackFailures.Add(1)
	}

	m.mu.Lock()
	m.samples[m.sampleIdx] = d
	m.sampleIdx++
	if m.sampleIdx >= sampleSize {
		m.sampleIdx = 0
	}
	if m.sampleCount < sampleSize {
		m.sampleCount++
	}
	m.mu.Unlock()
}

// latency computes percentiles from the retained samples.
func (m *metrics) latency() LatencyMetrics {
	m.mu.Lock()
	sorted := slices.Clone(m.samples[:m.sampleCount])
	m.mu.Unlock()

	count := len(sorted)
	if count == 0 {
		return LatencyMetrics{}
	}
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}
