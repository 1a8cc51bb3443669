package main

import (
	"net/http"
	"time"
)

// componentHealth is one line of the aggregate health report.
type componentHealth struct {
	Status string `json:"status"` // up | degraded | down
	Detail string `json:"detail,omitempty"`
}

// GET /monitoring/health: 200 healthy, 206 degraded, 503 unhealthy.
// Postgres and the cache store are critical; a saturated queue or limiter
// only degrades.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentHealth{}
	critical := false
	degraded := false

	if a.pg != nil {
		if err := a.pg.Ping(r.Context()); err != nil {
			components["postgres"] = componentHealth{Status: "down", Detail: err.Error()}
			critical = true
		} else {
			components["postgres"] = componentHealth{Status: "up"}
		}
	}

	if _, err := a.cache.Stats(r.Context()); err != nil {
		components["cache"] = componentHealth{Status: "down", Detail: err.Error()}
		critical = true
	} else {
		components["cache"] = componentHealth{Status: "up"}
	}

	qm := a.queue.Metrics()
	queueStatus := componentHealth{Status: "up"}
	if qm.Queued >= 90 {
		queueStatus = componentHealth{Status: "degraded", Detail: "sync queue near capacity"}
		degraded = true
	}
	components["syncQueue"] = queueStatus

	lc := a.limiter.Counters()
	limiterStatus := componentHealth{Status: "up"}
	if lc.Queued >= 15 {
		limiterStatus = componentHealth{Status: "degraded", Detail: "upstream limiter backlogged"}
		degraded = true
	}
	components["rateLimiter"] = limiterStatus

	status := http.StatusOK
	overall := "healthy"
	switch {
	case critical:
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	case degraded:
		status = http.StatusPartialContent
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
		"uptime":     time.Since(a.started).String(),
	})
}

// GET /metrics/cache
func (a *API) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.cache.Stats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": a.rec.CacheStats(),
		"keyspace": stats,
	})
}

// GET /metrics/latency
func (a *API) handleLatencyMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache":    a.rec.CacheLatency.Stats(),
		"upstream": a.rec.UpstreamLatency.Stats(),
	})
}

// GET /metrics/queue
func (a *API) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"syncQueue":   a.queue.Metrics(),
		"rateLimiter": a.limiter.Counters(),
	})
}

// GET /metrics/dashboard
func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.dashboard.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GET /monitoring/dashboard/ws streams the live dashboard.
func (a *API) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	a.hub.Serve(w, r)
}
