package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/model"
)

type fakeUpstream struct {
	tasks []model.Task
	err   error
	calls int
}

func (f *fakeUpstream) QueryTasksRange(ctx context.Context, start, end time.Time) ([]model.Task, error) {
	f.calls++
	return f.tasks, f.err
}

type fakeRepo struct {
	taskID    string
	conflicts []model.Conflict
	calls     int
}

func (f *fakeRepo) ReplaceConflictsForTask(ctx context.Context, taskID string, conflicts []model.Conflict) error {
	f.calls++
	f.taskID = taskID
	f.conflicts = conflicts
	return nil
}

func datePtr(s string) *time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &d
}

func period(start, end string) model.WorkPeriod {
	return model.WorkPeriod{StartDate: datePtr(start), EndDate: datePtr(end)}
}

// newTestEngine pins the hot window to a fixed range and seeds the warmed
// calendar key with neighbors.
func newTestEngine(t *testing.T, neighbors []model.Task, upstream *fakeUpstream, repo Repo) *Engine {
	t.Helper()
	store := cache.NewMemoryStore()
	e := New(store, upstream, repo)

	start, end := *datePtr("2026-03-01"), *datePtr("2026-04-01")
	e.hotWindow = func() (time.Time, time.Time) { return start, end }
	if neighbors != nil {
		require.NoError(t, store.Set(context.Background(),
			cache.CalendarKey(start, end), neighbors, model.KindCalendar))
	}
	return e
}

func TestDetectOverlap(t *testing.T) {
	neighbors := []model.Task{
		{ID: "other", Title: "deploy", TaskType: model.TaskTypeTask,
			WorkPeriod: period("2026-03-02", "2026-03-06"), AssignedMembers: []string{"m1"}},
	}
	e := newTestEngine(t, neighbors, &fakeUpstream{}, nil)

	candidate := model.Task{
		ID: "new", Title: "review", TaskType: model.TaskTypeTask,
		WorkPeriod:      period("2026-03-04", "2026-03-05"),
		AssignedMembers: []string{"m1"},
	}
	result := e.Detect(context.Background(), candidate)

	assert.Equal(t, MethodCache, result.Method)
	var overlap *model.Conflict
	for i := range result.Conflicts {
		if result.Conflicts[i].Type == model.ConflictOverlap {
			overlap = &result.Conflicts[i]
		}
	}
	require.NotNil(t, overlap)
	assert.Equal(t, model.SeverityHigh, overlap.Severity, "two type=task overlaps are high severity")
	assert.Equal(t, "m1", overlap.MemberID)
	assert.Equal(t, "other", overlap.ConflictingTaskID)
	assert.Equal(t, model.ResolutionPending, overlap.Resolution)
}

func TestDetectHolidayAndSchool(t *testing.T) {
	neighbors := []model.Task{
		{ID: "hol", Title: "vacation", TaskType: model.TaskTypeHoliday,
			WorkPeriod: period("2026-03-02", "2026-03-09"), AssignedMembers: []string{"m1"}},
		{ID: "sch", Title: "training", TaskType: model.TaskTypeSchool,
			WorkPeriod: period("2026-03-02", "2026-03-09"), AssignedMembers: []string{"m2"}},
	}
	e := newTestEngine(t, neighbors, &fakeUpstream{}, nil)

	result := e.Detect(context.Background(), model.Task{
		ID: "new", TaskType: model.TaskTypeTask,
		WorkPeriod:      period("2026-03-04", "2026-03-05"),
		AssignedMembers: []string{"m1", "m2"},
	})

	types := map[model.ConflictType]model.ConflictSeverity{}
	for _, c := range result.Conflicts {
		types[c.Type] = c.Severity
	}
	assert.Equal(t, model.SeverityHigh, types[model.ConflictHoliday])
	assert.Equal(t, model.SeverityMedium, types[model.ConflictSchool])
}

func TestDetectOverload(t *testing.T) {
	// Two existing tasks for m1 on the same day; a third breaches the limit.
	neighbors := []model.Task{
		{ID: "a", Title: "a", TaskType: model.TaskTypeTask,
			WorkPeriod: period("2026-03-04", "2026-03-05"), AssignedMembers: []string{"m1"}},
		{ID: "b", Title: "b", TaskType: model.TaskTypeTask,
			WorkPeriod: period("2026-03-04", "2026-03-05"), AssignedMembers: []string{"m1"}},
	}
	e := newTestEngine(t, neighbors, &fakeUpstream{}, nil)

	result := e.Detect(context.Background(), model.Task{
		ID: "new", TaskType: model.TaskTypeTask,
		WorkPeriod:      period("2026-03-04", "2026-03-05"),
		AssignedMembers: []string{"m1"},
	})

	var overload bool
	for _, c := range result.Conflicts {
		if c.Type == model.ConflictOverload {
			overload = true
			assert.Contains(t, c.Details, "2026-03-04")
		}
	}
	assert.True(t, overload)
}

func TestDetectNoDatesNoMembers(t *testing.T) {
	e := newTestEngine(t, nil, &fakeUpstream{}, nil)

	result := e.Detect(context.Background(), model.Task{ID: "new", Title: "draft"})
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, MethodCache, result.Method)
}

func TestDetectHybridFallback(t *testing.T) {
	upstream := &fakeUpstream{tasks: []model.Task{
		{ID: "other", Title: "busy", TaskType: model.TaskTypeTask,
			WorkPeriod: period("2026-03-04", "2026-03-06"), AssignedMembers: []string{"m1"}},
	}}
	// No seeded calendar key: the engine must fall through to the upstream.
	e := newTestEngine(t, nil, upstream, nil)

	result := e.Detect(context.Background(), model.Task{
		ID: "new", TaskType: model.TaskTypeTask,
		WorkPeriod:      period("2026-03-04", "2026-03-05"),
		AssignedMembers: []string{"m1"},
	})

	assert.Equal(t, MethodHybrid, result.Method)
	assert.Equal(t, 1, upstream.calls)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, model.ConflictOverlap, result.Conflicts[0].Type)
}

func TestDetectMethodNoneOnUpstreamFailure(t *testing.T) {
	upstream := &fakeUpstream{err: assert.AnError}
	e := newTestEngine(t, nil, upstream, nil)

	result := e.Detect(context.Background(), model.Task{
		ID: "new", TaskType: model.TaskTypeTask,
		WorkPeriod:      period("2026-03-04", "2026-03-05"),
		AssignedMembers: []string{"m1"},
	})

	assert.Equal(t, MethodNone, result.Method)
	assert.Empty(t, result.Conflicts, "no conflicts reported when the check could not run")
}

func TestPersist(t *testing.T) {
	repo := &fakeRepo{}
	e := newTestEngine(t, nil, &fakeUpstream{}, repo)
	ctx := context.Background()

	// Unchecked results are never persisted.
	require.NoError(t, e.Persist(ctx, "t1", Result{Method: MethodNone}, true))
	assert.Zero(t, repo.calls)

	// Empty detection with no schedule change leaves existing records alone.
	require.NoError(t, e.Persist(ctx, "t1", Result{Method: MethodCache, Conflicts: []model.Conflict{}}, false))
	assert.Zero(t, repo.calls)

	// Empty detection after a schedule change clears stale records.
	require.NoError(t, e.Persist(ctx, "t1", Result{Method: MethodCache, Conflicts: []model.Conflict{}}, true))
	assert.Equal(t, 1, repo.calls)
	assert.Empty(t, repo.conflicts)

	// Conflicts are re-keyed to the authoritative task id.
	result := Result{Method: MethodCache, Conflicts: []model.Conflict{{EntityID: "temp_x", Type: model.ConflictOverlap}}}
	require.NoError(t, e.Persist(ctx, "real-id", result, false))
	assert.Equal(t, "real-id", repo.taskID)
	require.Len(t, repo.conflicts, 1)
	assert.Equal(t, "real-id", repo.conflicts[0].EntityID)
}
