package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
)

func TestFetchCachesLoaderResult(t *testing.T) {
	m := NewManager(NewMemoryStore(), observability.NewRecorder(), nil)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (model.Task, error) {
		calls++
		return model.Task{ID: "t1", Title: "loaded"}, nil
	}

	first, err := Fetch(ctx, m, "task:t1", model.KindTask, loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", first.Title)

	second, err := Fetch(ctx, m, "task:t1", model.KindTask, loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", second.Title)
	assert.Equal(t, 1, calls, "second read must come from cache")
}

func TestFetchSingleFlight(t *testing.T) {
	m := NewManager(NewMemoryStore(), observability.NewRecorder(), nil)
	ctx := context.Background()

	var calls int64
	release := make(chan struct{})
	loader := func(ctx context.Context) ([]model.Task, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return []model.Task{{ID: "t1"}}, nil
	}

	var wg sync.WaitGroup
	results := make([][]model.Task, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tasks, err := Fetch(ctx, m, "tasks:calendar:x", model.KindCalendar, loader)
			assert.NoError(t, err)
			results[i] = tasks
		}(i)
	}

	// Give every goroutine time to join the flight, then let it finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent misses share one upstream call")
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, "t1", r[0].ID)
	}
}

func TestFetchLoaderErrorNotCached(t *testing.T) {
	m := NewManager(NewMemoryStore(), observability.NewRecorder(), nil)
	ctx := context.Background()

	calls := 0
	_, err := Fetch(ctx, m, "task:t1", model.KindTask, func(ctx context.Context) (model.Task, error) {
		calls++
		return model.Task{}, assert.AnError
	})
	require.Error(t, err)

	got, err := Fetch(ctx, m, "task:t1", model.KindTask, func(ctx context.Context) (model.Task, error) {
		calls++
		return model.Task{ID: "t1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, 2, calls, "failure must not poison the key")
}

type fakeLoader struct {
	tasks   []model.Task
	members []model.Member
	teams   []model.Team
}

func (f *fakeLoader) QueryTasksRange(ctx context.Context, start, end time.Time) ([]model.Task, error) {
	return f.tasks, nil
}
func (f *fakeLoader) ListMembers(ctx context.Context) ([]model.Member, error) { return f.members, nil }
func (f *fakeLoader) ListTeams(ctx context.Context) ([]model.Team, error)    { return f.teams, nil }
func (f *fakeLoader) ListProjects(ctx context.Context) ([]model.Project, error) {
	return []model.Project{{ID: "p1"}}, nil
}
func (f *fakeLoader) ListClients(ctx context.Context) ([]model.Client, error) {
	return []model.Client{{ID: "c1"}}, nil
}

func TestWarmupPopulatesWorkingSet(t *testing.T) {
	store := NewMemoryStore()
	loader := &fakeLoader{
		tasks:   []model.Task{{ID: "t1"}},
		members: []model.Member{{ID: "m1"}, {ID: "m2"}},
		teams:   []model.Team{{ID: "team1"}},
	}
	m := NewManager(store, observability.NewRecorder(), loader)

	require.NoError(t, m.Warmup(context.Background()))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)

	// Calendar window + lists + one key per entity.
	assert.Equal(t, 1, stats.KeysByPrefix["tasks"])
	assert.Equal(t, 2, stats.KeysByPrefix["member"])
	assert.Equal(t, 1, stats.KeysByPrefix["members"])
	assert.Equal(t, 1, stats.KeysByPrefix["team"])
	assert.Equal(t, 1, stats.KeysByPrefix["project"])
	assert.Equal(t, 1, stats.KeysByPrefix["client"])
}
