// Package conflict detects scheduling conflicts for a candidate task using
// a cache-first, upstream-fallback strategy, and persists full conflict
// snapshots after authoritative writes.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
)

// Method tags how the conflict set was sourced, so callers can tell "no
// conflicts" apart from "could not check".
const (
	MethodCache  = "cache"
	MethodHybrid = "notion-hybrid"
	MethodNone   = "none"
)

// RangeQuerier is the slice of the upstream client the engine needs. The
// injected instance is pinned to high limiter priority: a live write is
// waiting on the answer.
type RangeQuerier interface {
	QueryTasksRange(ctx context.Context, start, end time.Time) ([]model.Task, error)
}

// Repo persists conflict snapshots.
type Repo interface {
	ReplaceConflictsForTask(ctx context.Context, taskID string, conflicts []model.Conflict) error
}

// Result is one detection pass.
type Result struct {
	Conflicts []model.Conflict `json:"conflicts"`
	Method    string           `json:"method"`
}

// Engine evaluates the rule set against tasks sharing members and periods
// with the candidate.
type Engine struct {
	store    cache.Store
	upstream RangeQuerier
	repo     Repo

	// overloadLimit is the max concurrent type=task assignments per member
	// per day before an overload conflict fires.
	overloadLimit int

	// hotWindow returns the range the warmed calendar key covers.
	hotWindow func() (time.Time, time.Time)
}

// New creates an engine with the default overload limit of 1.
func New(store cache.Store, upstream RangeQuerier, repo Repo) *Engine {
	return &Engine{
		store:         store,
		upstream:      upstream,
		repo:          repo,
		overloadLimit: 1,
		hotWindow: func() (time.Time, time.Time) {
			now := time.Now()
			return now.AddDate(0, 0, -30), now.AddDate(0, 0, 60)
		},
	}
}

// Detect returns the conflict set for candidate t. For updates the caller
// merges the patch into the cached task first so t carries its original id.
func (e *Engine) Detect(ctx context.Context, t model.Task) Result {
	if t.WorkPeriod.StartDate == nil || t.WorkPeriod.EndDate == nil || len(t.AssignedMembers) == 0 {
		return Result{Conflicts: []model.Conflict{}, Method: MethodCache}
	}

	neighbors, method := e.loadNeighbors(ctx, t)
	if method == MethodNone {
		return Result{Conflicts: []model.Conflict{}, Method: MethodNone}
	}

	conflicts := e.evaluate(t, neighbors)
	for _, c := range conflicts {
		observability.ConflictsDetected.WithLabelValues(string(c.Type)).Inc()
	}
	return Result{Conflicts: conflicts, Method: method}
}

// loadNeighbors finds tasks that could conflict with t. The hot calendar
// range key is preferred; a miss falls through to a high-priority upstream
// range query that deliberately does not backfill the cache.
func (e *Engine) loadNeighbors(ctx context.Context, t model.Task) ([]model.Task, string) {
	start, end := e.hotWindow()
	key := cache.CalendarKey(start, end)
	if raw, ok, err := e.store.Get(ctx, key); err == nil && ok {
		var tasks []model.Task
		if err := json.Unmarshal(raw, &tasks); err == nil {
			return tasks, MethodCache
		}
		log.Printf("conflict: corrupt calendar entry at %s, falling back to upstream", key)
	}

	tasks, err := e.upstream.QueryTasksRange(ctx, *t.WorkPeriod.StartDate, *t.WorkPeriod.EndDate)
	if err != nil {
		log.Printf("conflict: upstream range query failed, reporting unchecked: %v", err)
		return nil, MethodNone
	}
	return tasks, MethodHybrid
}

// evaluate applies the rule set: overlap, holiday, school per conflicting
// task, plus per-member daily overload.
func (e *Engine) evaluate(t model.Task, neighbors []model.Task) []model.Conflict {
	conflicts := []model.Conflict{}
	now := time.Now()

	for _, memberID := range t.AssignedMembers {
		var shared []model.Task
		for _, other := range neighbors {
			if other.ID == t.ID {
				continue
			}
			if !other.WorkPeriod.Overlaps(t.WorkPeriod) {
				continue
			}
			if !assignedTo(other, memberID) {
				continue
			}
			shared = append(shared, other)
		}

		for _, other := range shared {
			c := model.Conflict{
				ID:                uuid.NewString(),
				EntityKind:        model.KindTask,
				EntityID:          t.ID,
				MemberID:          memberID,
				ConflictingTaskID: other.ID,
				DetectedAt:        now,
				Resolution:        model.ResolutionPending,
			}
			switch other.TaskType {
			case model.TaskTypeHoliday:
				c.Type = model.ConflictHoliday
				c.Severity = model.SeverityHigh
				c.Details = fmt.Sprintf("member %s is on holiday (%s) during this period", memberID, other.Title)
			case model.TaskTypeSchool:
				c.Type = model.ConflictSchool
				c.Severity = model.SeverityMedium
				c.Details = fmt.Sprintf("member %s has school (%s) during this period", memberID, other.Title)
			default:
				c.Type = model.ConflictOverlap
				c.Severity = model.SeverityMedium
				if t.TaskType == model.TaskTypeTask && other.TaskType == model.TaskTypeTask {
					c.Severity = model.SeverityHigh
				}
				c.Details = fmt.Sprintf("member %s already assigned to %q in this period", memberID, other.Title)
			}
			conflicts = append(conflicts, c)
		}

		if day, count := e.overloadDay(t, memberID, shared); count > e.overloadLimit {
			conflicts = append(conflicts, model.Conflict{
				ID:         uuid.NewString(),
				EntityKind: model.KindTask,
				EntityID:   t.ID,
				Type:       model.ConflictOverload,
				Severity:   model.SeverityMedium,
				MemberID:   memberID,
				DetectedAt: now,
				Resolution: model.ResolutionPending,
				Details: fmt.Sprintf("member %s has %d concurrent tasks on %s (limit %d)",
					memberID, count, day.Format("2006-01-02"), e.overloadLimit),
			})
		}
	}
	return conflicts
}

// overloadDay finds the worst day of t's period for memberID: the count of
// concurrent type=task assignments including t itself.
func (e *Engine) overloadDay(t model.Task, memberID string, shared []model.Task) (time.Time, int) {
	worstDay := *t.WorkPeriod.StartDate
	worst := 0
	for day := truncateDay(*t.WorkPeriod.StartDate); !day.After(*t.WorkPeriod.EndDate); day = day.AddDate(0, 0, 1) {
		dayEnd := day.AddDate(0, 0, 1)
		dayPeriod := model.WorkPeriod{StartDate: &day, EndDate: &dayEnd}

		count := 0
		if t.TaskType == model.TaskTypeTask && t.WorkPeriod.Overlaps(dayPeriod) {
			count++
		}
		for _, other := range shared {
			if other.TaskType == model.TaskTypeTask && other.WorkPeriod.Overlaps(dayPeriod) {
				count++
			}
		}
		if count > worst {
			worst = count
			worstDay = day
		}
	}
	return worstDay, worst
}

// Persist replaces the stored conflict snapshot for taskID after an
// authoritative operation. An empty detection clears stale records only
// when the operation changed dates or assignment.
func (e *Engine) Persist(ctx context.Context, taskID string, result Result, scheduleChanged bool) error {
	if e.repo == nil || taskID == "" || result.Method == MethodNone {
		return nil
	}
	if len(result.Conflicts) == 0 && !scheduleChanged {
		return nil
	}
	for i := range result.Conflicts {
		result.Conflicts[i].EntityID = taskID
	}
	return e.repo.ReplaceConflictsForTask(ctx, taskID, result.Conflicts)
}

func assignedTo(t model.Task, memberID string) bool {
	for _, m := range t.AssignedMembers {
		if m == memberID {
			return true
		}
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
