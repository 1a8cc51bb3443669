package observability

import (
	"sync"
	"time"
)

// Recorder bundles the in-process snapshot state behind the metrics
// endpoints: cache hit/miss counters, the two latency rings and the
// activity tracker. Prometheus counters are updated alongside; this state
// exists so the dashboard can be served without a scrape.
type Recorder struct {
	mu       sync.Mutex
	prefixes map[string]*prefixCounters

	CacheLatency    *LatencyRing
	UpstreamLatency *LatencyRing
	Activity        *ActivityTracker
}

type prefixCounters struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	AvgMS      float64 `json:"avgMs"` // exponential moving average
}

// NewRecorder creates a recorder with the documented thresholds: 10ms for
// cache operations, 100ms for upstream calls.
func NewRecorder() *Recorder {
	return &Recorder{
		prefixes:        make(map[string]*prefixCounters),
		CacheLatency:    NewLatencyRing("cache", 10*time.Millisecond),
		UpstreamLatency: NewLatencyRing("upstream", 100*time.Millisecond),
		Activity:        NewActivityTracker(),
	}
}

// RecordCacheAccess records one cache manager lookup.
func (r *Recorder) RecordCacheAccess(prefix string, hit bool, d time.Duration) {
	if hit {
		CacheHits.WithLabelValues(prefix).Inc()
	} else {
		CacheMisses.WithLabelValues(prefix).Inc()
	}
	r.CacheLatency.Observe(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.prefixes[prefix]
	if !ok {
		pc = &prefixCounters{}
		r.prefixes[prefix] = pc
	}
	if hit {
		pc.Hits++
	} else {
		pc.Misses++
	}
	ms := float64(d) / float64(time.Millisecond)
	if pc.AvgMS == 0 {
		pc.AvgMS = ms
	} else {
		pc.AvgMS = pc.AvgMS*0.9 + ms*0.1
	}
}

// CacheSnapshot reports hit/miss counters per prefix plus the overall ratio.
type CacheSnapshot struct {
	Prefixes map[string]prefixCounters `json:"prefixes"`
	Hits     int64                     `json:"hits"`
	Misses   int64                     `json:"misses"`
	HitRate  float64                   `json:"hitRate"`
}

// CacheStats returns the per-prefix counters.
func (r *Recorder) CacheStats() CacheSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := CacheSnapshot{Prefixes: make(map[string]prefixCounters, len(r.prefixes))}
	for p, c := range r.prefixes {
		snap.Prefixes[p] = *c
		snap.Hits += c.Hits
		snap.Misses += c.Misses
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}

// ResetCache clears the per-prefix counters.
func (r *Recorder) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = make(map[string]*prefixCounters)
}

// ResetLatency clears both latency rings.
func (r *Recorder) ResetLatency() {
	r.CacheLatency.Reset()
	r.UpstreamLatency.Reset()
}
