package main

import (
	"context"
	"time"

	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/ratelimit"
	"github.com/planware/syncd/server/syncqueue"
)

// DashboardSnapshot is the one-call view behind /metrics/dashboard and the
// WebSocket stream.
type DashboardSnapshot struct {
	Timestamp   time.Time                       `json:"timestamp"`
	Uptime      string                          `json:"uptime"`
	Cache       observability.CacheSnapshot     `json:"cache"`
	Keyspace    cache.Stats                     `json:"keyspace"`
	CacheOps    observability.LatencyStats      `json:"cacheOps"`
	UpstreamOps observability.LatencyStats      `json:"upstreamOps"`
	SyncQueue   syncqueue.Metrics               `json:"syncQueue"`
	RateLimiter ratelimit.Counters              `json:"rateLimiter"`
	Activity    observability.ActivitySnapshot  `json:"activity"`
}

// DashboardService assembles snapshots from every component's counters.
type DashboardService struct {
	api *API
}

// NewDashboardService wires the service.
func NewDashboardService(api *API) *DashboardService {
	return &DashboardService{api: api}
}

// Snapshot collects the current state. Keyspace stats may hit the cache
// backend; everything else is in-process.
func (s *DashboardService) Snapshot(ctx context.Context) (DashboardSnapshot, error) {
	keyspace, err := s.api.cache.Stats(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	return DashboardSnapshot{
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.api.started).String(),
		Cache:       s.api.rec.CacheStats(),
		Keyspace:    keyspace,
		CacheOps:    s.api.rec.CacheLatency.Stats(),
		UpstreamOps: s.api.rec.UpstreamLatency.Stats(),
		SyncQueue:   s.api.queue.Metrics(),
		RateLimiter: s.api.limiter.Counters(),
		Activity:    s.api.rec.Activity.Snapshot(),
	}, nil
}
