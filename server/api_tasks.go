package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/conflict"
	"github.com/planware/syncd/server/model"
)

// syncStatus is the write-pipeline view attached to task responses.
type syncStatus struct {
	Pending      bool   `json:"pending"`
	Temporary    bool   `json:"temporary"`
	SyncError    bool   `json:"syncError"`
	SyncErrorMsg string `json:"syncErrorMsg,omitempty"`
}

func statusOf(flags model.SyncFlags) syncStatus {
	return syncStatus{
		Pending:      flags.PendingSync,
		Temporary:    flags.Temporary,
		SyncError:    flags.SyncError,
		SyncErrorMsg: flags.SyncErrorMsg,
	}
}

// asyncMode reads the ?async= switch. Optimistic writes are the default.
func asyncMode(r *http.Request) bool {
	return r.URL.Query().Get("async") != "false"
}

// GET /tasks/calendar?startDate&endDate
func (a *API) handleCalendar(w http.ResponseWriter, r *http.Request) {
	start, err := parseDateParam(r, "startDate")
	if err != nil {
		a.writeError(w, err)
		return
	}
	end, err := parseDateParam(r, "endDate")
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !end.After(start) {
		a.writeError(w, apperr.New(apperr.KindValidation, "endDate must be after startDate"))
		return
	}

	key := cache.CalendarKey(start, end)
	_, cacheHit, _ := a.cache.Get(r.Context(), key)

	tasks, err := cache.Fetch(r.Context(), a.manager, key, model.KindCalendar,
		func(ctx context.Context) ([]model.Task, error) {
			return a.upstream.QueryTasksRange(ctx, start, end)
		})
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"period": map[string]string{
			"startDate": start.Format("2006-01-02"),
			"endDate":   end.Format("2006-01-02"),
		},
		"cacheHit": cacheHit,
	})
}

// GET /tasks/{id}
func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cached, ok := a.cachedTask(r.Context(), id)
	if !ok {
		task, err := a.upstream.GetTask(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		cached = model.CachedTask{Task: task}
		if err := a.cache.Set(r.Context(), cache.Key(model.KindTask, id), cached, model.KindTask); err != nil {
			// Never fail a read over a cache write.
			a.rec.Activity.TrackError(err.Error())
		}
	}
	if cached.Deleted {
		a.writeError(w, apperr.Newf(apperr.KindNotFound, "task %s is being deleted", id))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       cached,
		"syncStatus": statusOf(cached.SyncFlags),
		"conflicts":  a.persistedConflicts(r.Context(), id),
	})
}

// POST /tasks?async=true|false
func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	if err := decodeJSON(r, &task); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.validate.Struct(task); err != nil {
		a.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid task payload", err))
		return
	}
	if task.TaskType == "" {
		task.TaskType = model.TaskTypeTask
	}
	if task.Status == "" {
		task.Status = model.StatusNotStarted
	}

	detection := a.engine.Detect(r.Context(), task)

	if asyncMode(r) {
		tempID, err := a.queue.EnqueueCreate(r.Context(), task)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.persistDetection(r.Context(), tempID, detection, true)

		cached, _ := a.cachedTask(r.Context(), tempID)
		writeJSON(w, http.StatusCreated, map[string]any{
			"data":       cached,
			"syncStatus": statusOf(cached.SyncFlags),
			"conflicts":  detection.Conflicts,
			"meta":       map[string]string{"mode": "async", "conflictMethod": detection.Method},
		})
		return
	}

	result, err := a.upstream.CreateTask(r.Context(), task)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.commitTaskWrite(r.Context(), result, true)
	a.persistDetection(r.Context(), result.ID, detection, true)

	writeJSON(w, http.StatusCreated, map[string]any{
		"data":       model.CachedTask{Task: result},
		"syncStatus": syncStatus{},
		"conflicts":  detection.Conflicts,
		"meta":       map[string]string{"mode": "sync", "conflictMethod": detection.Method},
	})
}

// PUT /tasks/{id}?async=...
func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch model.TaskPatch
	if err := decodeJSON(r, &patch); err != nil {
		a.writeError(w, err)
		return
	}

	// Optimistic concurrency: the caller pins the version it last read.
	// The check goes to the upstream; the cache may hold an optimistic
	// overlay that is exactly what the caller is trying to supersede.
	if patch.ExpectedUpdatedAt != nil {
		current, err := a.upstream.GetTask(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		if !current.UpdatedAt.Equal(*patch.ExpectedUpdatedAt) {
			a.persistVersionMismatch(r.Context(), id, patch, current)
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": "version_mismatch",
				"conflict": map[string]any{
					"type":     model.ConflictVersionMismatch,
					"expected": patch.ExpectedUpdatedAt,
					"current":  current.UpdatedAt,
				},
				"data": current,
			})
			return
		}
	}

	base, ok := a.cachedTask(r.Context(), id)
	if !ok {
		task, err := a.upstream.GetTask(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		base = model.CachedTask{Task: task}
	}

	merged := patch.Apply(base.Task)
	merged.ID = id
	detection := a.engine.Detect(r.Context(), merged)

	if asyncMode(r) {
		if err := a.queue.EnqueueUpdate(r.Context(), id, patch); err != nil {
			a.writeError(w, err)
			return
		}
		a.persistDetection(r.Context(), id, detection, patch.TouchesSchedule())

		cached, _ := a.cachedTask(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]any{
			"data":       cached,
			"syncStatus": statusOf(cached.SyncFlags),
			"conflicts":  detection.Conflicts,
			"meta":       map[string]string{"mode": "async", "conflictMethod": detection.Method},
		})
		return
	}

	result, err := a.upstream.UpdateTask(r.Context(), id, merged)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.commitTaskWrite(r.Context(), result, patch.TouchesSchedule())
	a.persistDetection(r.Context(), id, detection, patch.TouchesSchedule())

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       model.CachedTask{Task: result},
		"syncStatus": syncStatus{},
		"conflicts":  detection.Conflicts,
		"meta":       map[string]string{"mode": "sync", "conflictMethod": detection.Method},
	})
}

// DELETE /tasks/{id}?async=...
func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if asyncMode(r) {
		if err := a.queue.EnqueueDelete(r.Context(), id); err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"syncStatus": syncStatus{Pending: true},
			"meta":       map[string]string{"mode": "async"},
		})
		return
	}

	if err := a.upstream.ArchiveTask(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.cache.Del(r.Context(), cache.Key(model.KindTask, id)); err != nil {
		a.rec.Activity.TrackError(err.Error())
	}
	a.invalidateCalendar(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"syncStatus": syncStatus{},
		"meta":       map[string]string{"mode": "sync"},
	})
}

// POST /tasks/check-conflicts is a conflict preview, no write.
func (a *API) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	var candidate model.Task
	if err := decodeJSON(r, &candidate); err != nil {
		a.writeError(w, err)
		return
	}
	if candidate.TaskType == "" {
		candidate.TaskType = model.TaskTypeTask
	}

	result := a.engine.Detect(r.Context(), candidate)
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": result.Conflicts,
		"meta":      map[string]string{"method": result.Method},
	})
}

type batchUpdateRequest struct {
	Updates []struct {
		ID string `json:"id"`
		model.TaskPatch
	} `json:"updates"`
}

type batchItemResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued | failed
	Error  string `json:"error,omitempty"`
}

// POST /tasks/batch enqueues many updates; 207 with per-item outcomes.
func (a *API) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	var req batchUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if len(req.Updates) == 0 {
		a.writeError(w, apperr.New(apperr.KindValidation, "updates must not be empty"))
		return
	}

	results := make([]batchItemResult, 0, len(req.Updates))
	for _, u := range req.Updates {
		item := batchItemResult{ID: u.ID, Status: "queued"}
		if u.ID == "" {
			item.Status = "failed"
			item.Error = "missing id"
		} else if err := a.queue.EnqueueUpdate(r.Context(), u.ID, u.TaskPatch); err != nil {
			item.Status = "failed"
			item.Error = err.Error()
		}
		results = append(results, item)
	}
	writeJSON(w, http.StatusMultiStatus, map[string]any{"results": results})
}

// --- shared helpers ---

func (a *API) cachedTask(ctx context.Context, id string) (model.CachedTask, bool) {
	raw, ok, err := a.cache.Get(ctx, cache.Key(model.KindTask, id))
	if err != nil || !ok {
		return model.CachedTask{}, false
	}
	var cached model.CachedTask
	if err := json.Unmarshal(raw, &cached); err != nil {
		return model.CachedTask{}, false
	}
	return cached, true
}

func (a *API) persistedConflicts(ctx context.Context, id string) []model.Conflict {
	if a.pg == nil {
		return []model.Conflict{}
	}
	conflicts, err := a.pg.ListConflictsForTask(ctx, id)
	if err != nil {
		a.rec.Activity.TrackError(err.Error())
		return []model.Conflict{}
	}
	if conflicts == nil {
		conflicts = []model.Conflict{}
	}
	return conflicts
}

func (a *API) persistDetection(ctx context.Context, taskID string, result conflict.Result, scheduleChanged bool) {
	if err := a.engine.Persist(ctx, taskID, result, scheduleChanged); err != nil {
		a.rec.Activity.TrackError(err.Error())
	}
}

func (a *API) persistVersionMismatch(ctx context.Context, id string, patch model.TaskPatch, current model.Task) {
	local, _ := json.Marshal(patch)
	remote, _ := json.Marshal(current)
	var localMap, remoteMap map[string]any
	_ = json.Unmarshal(local, &localMap)
	_ = json.Unmarshal(remote, &remoteMap)

	a.persistDetection(ctx, id, conflict.Result{
		Method: conflict.MethodCache,
		Conflicts: []model.Conflict{{
			EntityKind: model.KindTask,
			EntityID:   id,
			Type:       model.ConflictVersionMismatch,
			Severity:   model.SeverityHigh,
			DetectedAt: time.Now(),
			Resolution: model.ResolutionPending,
			Details:    "expectedUpdatedAt differs from current upstream version",
			LocalData:  localMap,
			RemoteData: remoteMap,
		}},
	}, true)
}

// commitTaskWrite refreshes the single-entity key and drops stale derived
// range keys after a synchronous commit.
func (a *API) commitTaskWrite(ctx context.Context, t model.Task, touchedSchedule bool) {
	if err := a.cache.Set(ctx, cache.Key(model.KindTask, t.ID), model.CachedTask{Task: t}, model.KindTask); err != nil {
		a.rec.Activity.TrackError(err.Error())
	}
	if touchedSchedule {
		a.invalidateCalendar(ctx)
	}
}

func (a *API) invalidateCalendar(ctx context.Context) {
	for _, pattern := range []string{"tasks:calendar:*", "calendar:*"} {
		if _, err := a.cache.InvalidatePattern(ctx, pattern); err != nil {
			a.rec.Activity.TrackError(err.Error())
		}
	}
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, apperr.Newf(apperr.KindValidation, "%s is required", name)
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.Newf(apperr.KindValidation, "%s must be YYYY-MM-DD or RFC3339", name)
}
