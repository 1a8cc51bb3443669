package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/middleware"
	"github.com/planware/syncd/server/model"
)

// POST /admin/cache/clear
func (a *API) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	deleted, err := a.cache.InvalidatePattern(r.Context(), "*")
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// POST /admin/cache/warmup. Runs in the background, the warmup itself is
// paced at low limiter priority and can take a while.
func (a *API) handleCacheWarmup(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := a.manager.Warmup(detachedContext()); err != nil {
			a.rec.Activity.TrackError(err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "warmup started"})
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

// POST /admin/cache/invalidate
func (a *API) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Pattern == "" {
		a.writeError(w, apperr.New(apperr.KindValidation, "pattern is required"))
		return
	}
	deleted, err := a.cache.InvalidatePattern(r.Context(), req.Pattern)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// GET /admin/cache/stats
func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.cache.Stats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /admin/cron/refresh
func (a *API) handleCronRefresh(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := a.cron.TriggerRefresh(detachedContext()); err != nil {
			a.rec.Activity.TrackError(err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

// POST /admin/cron/warmup
func (a *API) handleCronWarmup(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := a.cron.TriggerWarmup(detachedContext()); err != nil {
			a.rec.Activity.TrackError(err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "warmup started"})
}

// GET /admin/queue returns a pending item snapshot.
func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   a.queue.Status(),
		"metrics": a.queue.Metrics(),
	})
}

// POST /admin/queue/clear drains without rollback. Operator action.
func (a *API) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": a.queue.ClearQueue()})
}

// GET /admin/sync-logs?limit=
func (a *API) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := a.pg.ListSyncLogs(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// GET /admin/conflicts?limit=
func (a *API) handleUnresolvedConflicts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conflicts, err := a.pg.ListUnresolvedConflicts(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	Resolution model.Resolution `json:"resolution"`
}

// POST /admin/conflicts/{id}/resolve
func (a *API) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	switch req.Resolution {
	case model.ResolutionNotionWins, model.ResolutionLocalWins, model.ResolutionMerged, model.ResolutionManual:
	default:
		a.writeError(w, apperr.New(apperr.KindValidation, "invalid resolution"))
		return
	}
	if err := a.pg.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Resolution); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// GET /admin/discovery/{kind}?validate=true
func (a *API) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	kind := model.EntityKind(chi.URLParam(r, "kind"))
	switch kind {
	case model.KindTask, model.KindProject, model.KindClient, model.KindMember, model.KindTeam:
	default:
		a.writeError(w, apperr.Newf(apperr.KindValidation, "unknown entity kind %q", kind))
		return
	}

	low := a.upstream.Low()
	if r.URL.Query().Get("validate") == "true" {
		report, err := low.ValidateRelations(r.Context(), kind)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	report, err := low.GetDatabaseSchema(r.Context(), kind)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /admin/webhooks/capture arms one-shot capture mode.
func (a *API) handleEnableCapture(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserIDFrom(r.Context())
	if err := a.ingest.EnableCapture(r.Context(), actor); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "capture armed for 5 minutes"})
}

type metricsResetRequest struct {
	Kind string `json:"kind"` // cache | latency | queue | all
}

// POST /admin/metrics/reset
func (a *API) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	var req metricsResetRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	switch req.Kind {
	case "cache":
		a.rec.ResetCache()
	case "latency":
		a.rec.ResetLatency()
	case "queue":
		a.queue.ResetMetrics()
	case "all":
		a.rec.ResetCache()
		a.rec.ResetLatency()
		a.rec.Activity.Reset()
		a.queue.ResetMetrics()
	default:
		a.writeError(w, apperr.New(apperr.KindValidation, "kind must be cache, latency, queue or all"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset": req.Kind})
}
