package observability

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

const ringSize = 1000

// LatencyRing keeps a bounded ring of duration samples and reports
// percentile statistics over whatever is currently in the window.
type LatencyRing struct {
	name      string
	threshold time.Duration

	mu       sync.Mutex
	samples  []time.Duration
	next     int
	filled   bool
	breaches int64
	total    int64
}

// NewLatencyRing creates a ring that warns when a sample exceeds threshold.
func NewLatencyRing(name string, threshold time.Duration) *LatencyRing {
	return &LatencyRing{
		name:      name,
		threshold: threshold,
		samples:   make([]time.Duration, ringSize),
	}
}

// Observe records one sample. Samples over the threshold are counted and
// logged so slow paths show up without a dashboard.
func (r *LatencyRing) Observe(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.filled = true
	}
	r.total++
	breach := d > r.threshold
	if breach {
		r.breaches++
	}
	r.mu.Unlock()

	if breach {
		log.Printf("latency: slow %s operation: %v (threshold %v)", r.name, d, r.threshold)
	}
}

// LatencyStats is a snapshot of the ring.
type LatencyStats struct {
	Name              string  `json:"name"`
	Count             int64   `json:"count"`
	WindowSize        int     `json:"windowSize"`
	AvgMS             float64 `json:"avgMs"`
	MinMS             float64 `json:"minMs"`
	MaxMS             float64 `json:"maxMs"`
	P95MS             float64 `json:"p95Ms"`
	P99MS             float64 `json:"p99Ms"`
	ThresholdMS       float64 `json:"thresholdMs"`
	ThresholdBreaches int64   `json:"thresholdBreaches"`
}

// Stats computes percentile statistics over the current window.
func (r *LatencyRing) Stats() LatencyStats {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = ringSize
	}
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	stats := LatencyStats{
		Name:              r.name,
		Count:             r.total,
		WindowSize:        n,
		ThresholdMS:       float64(r.threshold) / float64(time.Millisecond),
		ThresholdBreaches: r.breaches,
	}
	r.mu.Unlock()

	if n == 0 {
		return stats
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	stats.AvgMS = toMS(sum) / float64(n)
	stats.MinMS = toMS(window[0])
	stats.MaxMS = toMS(window[n-1])
	stats.P95MS = toMS(window[percentileIndex(n, 95)])
	stats.P99MS = toMS(window[percentileIndex(n, 99)])
	return stats
}

// Reset drops all samples and counters.
func (r *LatencyRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.filled = false
	r.breaches = 0
	r.total = 0
}

func percentileIndex(n, pct int) int {
	idx := int(math.Ceil(float64(pct)/100*float64(n))) - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
