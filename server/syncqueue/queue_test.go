package syncqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/events"
	"github.com/planware/syncd/server/model"
)

// fakeUpstream records calls and can be programmed to fail.
type fakeUpstream struct {
	mu      sync.Mutex
	nextID  int
	created []model.Task
	updated []model.Task
	deleted []string

	createErr   error
	createFails int // fail this many creates retryably before succeeding
	updateErr   error
	deleteErr   error
}

func (f *fakeUpstream) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.Task{}, f.createErr
	}
	if f.createFails > 0 {
		f.createFails--
		return model.Task{}, apperr.New(apperr.KindUpstream, "temporarily down")
	}
	f.nextID++
	t.ID = "real-" + string(rune('0'+f.nextID))
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeUpstream) GetTask(ctx context.Context, id string) (model.Task, error) {
	return model.Task{ID: id, Title: "from-upstream"}, nil
}

func (f *fakeUpstream) UpdateTask(ctx context.Context, id string, t model.Task) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return model.Task{}, f.updateErr
	}
	t.ID = id
	f.updated = append(f.updated, t)
	return t, nil
}

func (f *fakeUpstream) ArchiveTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeUpstream) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	for i, t := range f.created {
		out[i] = t.ID
	}
	return out
}

func testQueue(t *testing.T, upstream Upstream) (*Queue, cache.Store, *events.Bus) {
	t.Helper()
	store := cache.NewMemoryStore()
	bus := events.NewBus()
	q := New(store, upstream, bus, Config{MaxSize: 10, MaxRetries: 2, WorkerGap: time.Millisecond})
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q, store, bus
}

func getCachedTask(t *testing.T, store cache.Store, id string) (model.CachedTask, bool) {
	t.Helper()
	raw, ok, err := store.Get(context.Background(), cache.Key(model.KindTask, id))
	require.NoError(t, err)
	if !ok {
		return model.CachedTask{}, false
	}
	var cached model.CachedTask
	require.NoError(t, json.Unmarshal(raw, &cached))
	return cached, true
}

func TestCreateReconcilesTempID(t *testing.T) {
	upstream := &fakeUpstream{}
	q, store, bus := testQueue(t, upstream)

	var mu sync.Mutex
	var created CreatedEvent
	bus.Subscribe(events.TopicCreated, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		e.Decode(&created)
	})

	tempID, err := q.EnqueueCreate(context.Background(), model.Task{Title: "new work"})
	require.NoError(t, err)
	assert.True(t, IsTempID(tempID))

	// The optimistic record is readable immediately, flagged temporary.
	cached, ok := getCachedTask(t, store, tempID)
	require.True(t, ok)
	assert.True(t, cached.Temporary)
	assert.True(t, cached.PendingSync)
	assert.Equal(t, "new work", cached.Title)

	require.Eventually(t, func() bool {
		return q.Metrics().Processed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Temp key dropped, real key cached clean, event published.
	_, ok = getCachedTask(t, store, tempID)
	assert.False(t, ok)

	mu.Lock()
	realID := created.RealID
	assert.Equal(t, tempID, created.TempID)
	mu.Unlock()
	require.NotEmpty(t, realID)

	cached, ok = getCachedTask(t, store, realID)
	require.True(t, ok)
	assert.False(t, cached.Temporary)
	assert.False(t, cached.PendingSync)

	// The upstream never saw the synthetic id.
	require.Len(t, upstream.created, 1)
	for _, id := range upstream.createdIDs() {
		assert.False(t, IsTempID(id))
	}
}

func TestUpdateBehindCreateIsRemapped(t *testing.T) {
	upstream := &fakeUpstream{}
	q, _, _ := testQueue(t, upstream)

	tempID, err := q.EnqueueCreate(context.Background(), model.Task{Title: "first"})
	require.NoError(t, err)

	title := "renamed"
	require.NoError(t, q.EnqueueUpdate(context.Background(), tempID, model.TaskPatch{Title: &title}))

	require.Eventually(t, func() bool {
		return q.Metrics().Processed == 2
	}, 2*time.Second, 5*time.Millisecond)

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	require.Len(t, upstream.updated, 1)
	assert.False(t, IsTempID(upstream.updated[0].ID), "update target rewritten to the real id")
	assert.Equal(t, "renamed", upstream.updated[0].Title)
}

func TestDependentsWaitForBackedOffCreate(t *testing.T) {
	// The create's first attempt fails retryably, so the update pops while
	// the create is parked on backoff. It must wait, not hit the upstream
	// with the synthetic id.
	upstream := &fakeUpstream{createFails: 1}
	q, store, _ := testQueue(t, upstream)

	tempID, err := q.EnqueueCreate(context.Background(), model.Task{Title: "first"})
	require.NoError(t, err)

	title := "renamed"
	require.NoError(t, q.EnqueueUpdate(context.Background(), tempID, model.TaskPatch{Title: &title}))

	require.Eventually(t, func() bool {
		return q.Metrics().Processed == 2
	}, 15*time.Second, 10*time.Millisecond)

	upstream.mu.Lock()
	require.Len(t, upstream.created, 1)
	require.Len(t, upstream.updated, 1)
	realID := upstream.updated[0].ID
	assert.False(t, IsTempID(realID), "upstream must never see a synthetic id")
	assert.Equal(t, "renamed", upstream.updated[0].Title, "deferred patch is not lost")
	upstream.mu.Unlock()

	cached, ok := getCachedTask(t, store, realID)
	require.True(t, ok)
	assert.Equal(t, "renamed", cached.Title)
	assert.False(t, cached.SyncError)
}

func TestDependentsDroppedWhenCreateFailsTerminally(t *testing.T) {
	upstream := &fakeUpstream{createErr: apperr.New(apperr.KindValidation, "rejected")}
	q, _, _ := testQueue(t, upstream)

	tempID, err := q.EnqueueCreate(context.Background(), model.Task{Title: "doomed"})
	require.NoError(t, err)

	title := "never applied"
	require.NoError(t, q.EnqueueUpdate(context.Background(), tempID, model.TaskPatch{Title: &title}))

	// Both the create and its dependent update fail; nothing reaches the
	// upstream with the synthetic id.
	require.Eventually(t, func() bool {
		return q.Metrics().Failed == 2
	}, 2*time.Second, 5*time.Millisecond)

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	assert.Empty(t, upstream.updated)
}

func TestIDMapPrunedAfterRetention(t *testing.T) {
	upstream := &fakeUpstream{}
	q := New(cache.NewMemoryStore(), upstream, events.NewBus(),
		Config{MaxSize: 10, MaxRetries: 2, WorkerGap: time.Millisecond})
	q.idMapTTL = 20 * time.Millisecond
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	_, err := q.EnqueueCreate(context.Background(), model.Task{Title: "short-lived mapping"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Metrics().Processed == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.idMap) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdatesApplyInOrder(t *testing.T) {
	upstream := &fakeUpstream{}
	q, store, _ := testQueue(t, upstream)
	ctx := context.Background()

	// Seed an existing synced task.
	require.NoError(t, store.Set(ctx, cache.Key(model.KindTask, "t1"),
		model.CachedTask{Task: model.Task{ID: "t1", Title: "v0"}}, model.KindTask))

	for _, title := range []string{"v1", "v2", "v3"} {
		title := title
		require.NoError(t, q.EnqueueUpdate(ctx, "t1", model.TaskPatch{Title: &title}))
	}

	require.Eventually(t, func() bool {
		return q.Metrics().Processed == 3
	}, 2*time.Second, 5*time.Millisecond)

	upstream.mu.Lock()
	titles := make([]string, len(upstream.updated))
	for i, u := range upstream.updated {
		titles[i] = u.Title
	}
	upstream.mu.Unlock()
	assert.Equal(t, []string{"v1", "v2", "v3"}, titles)

	cached, ok := getCachedTask(t, store, "t1")
	require.True(t, ok)
	assert.Equal(t, "v3", cached.Title)
	assert.False(t, cached.PendingSync)
}

func TestCreateRollbackOnTerminalFailure(t *testing.T) {
	upstream := &fakeUpstream{createErr: apperr.New(apperr.KindValidation, "rejected")}
	q, store, bus := testQueue(t, upstream)

	var mu sync.Mutex
	var failed FailedEvent
	bus.Subscribe(events.TopicFailed, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		e.Decode(&failed)
	})

	tempID, err := q.EnqueueCreate(context.Background(), model.Task{Title: "doomed"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Metrics().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Terminal create failure removes the optimistic record entirely.
	_, ok := getCachedTask(t, store, tempID)
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, tempID, failed.EntityID)
	assert.Equal(t, ItemCreate, failed.Type)
	mu.Unlock()

	// A terminal error consumes exactly one attempt.
	assert.Equal(t, int64(0), q.Metrics().Retries)
}

func TestUpdateCompensationFlagsSyncError(t *testing.T) {
	upstream := &fakeUpstream{updateErr: apperr.New(apperr.KindUpstream, "still down")}
	q, store, _ := testQueue(t, upstream)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, cache.Key(model.KindTask, "t1"),
		model.CachedTask{Task: model.Task{ID: "t1", Title: "v0"}}, model.KindTask))

	title := "v1"
	require.NoError(t, q.EnqueueUpdate(ctx, "t1", model.TaskPatch{Title: &title}))

	require.Eventually(t, func() bool {
		return q.Metrics().Failed == 1
	}, 10*time.Second, 10*time.Millisecond)

	// Retryable error: budget consumed before the terminal outcome.
	assert.Equal(t, int64(1), q.Metrics().Retries)

	cached, ok := getCachedTask(t, store, "t1")
	require.True(t, ok)
	assert.True(t, cached.SyncError)
	assert.False(t, cached.PendingSync)
	assert.NotEmpty(t, cached.SyncErrorMsg)
	assert.Equal(t, "v1", cached.Title, "optimistic overlay stays visible")
}

func TestDeleteCompensationClearsTombstone(t *testing.T) {
	upstream := &fakeUpstream{deleteErr: apperr.New(apperr.KindValidation, "cannot archive")}
	q, store, _ := testQueue(t, upstream)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, cache.Key(model.KindTask, "t1"),
		model.CachedTask{Task: model.Task{ID: "t1"}}, model.KindTask))

	require.NoError(t, q.EnqueueDelete(ctx, "t1"))

	require.Eventually(t, func() bool {
		return q.Metrics().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	cached, ok := getCachedTask(t, store, "t1")
	require.True(t, ok)
	assert.False(t, cached.Deleted, "failed delete resurrects the record")
	assert.True(t, cached.SyncError)
}

func TestDeleteRemovesRecordOnSuccess(t *testing.T) {
	upstream := &fakeUpstream{}
	q, store, _ := testQueue(t, upstream)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, cache.Key(model.KindTask, "t1"),
		model.CachedTask{Task: model.Task{ID: "t1"}}, model.KindTask))
	require.NoError(t, q.EnqueueDelete(ctx, "t1"))

	require.Eventually(t, func() bool {
		return q.Metrics().Processed == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := getCachedTask(t, store, "t1")
	assert.False(t, ok)
	upstream.mu.Lock()
	assert.Equal(t, []string{"t1"}, upstream.deleted)
	upstream.mu.Unlock()
}

func TestOverflowEvictsOldest(t *testing.T) {
	store := cache.NewMemoryStore()
	bus := events.NewBus()
	var mu sync.Mutex
	droppedIDs := []string{}
	bus.Subscribe(events.TopicDropped, func(e events.Event) {
		var ev DroppedEvent
		if e.Decode(&ev) == nil {
			mu.Lock()
			droppedIDs = append(droppedIDs, ev.EntityID)
			mu.Unlock()
		}
	})

	// Never started: items pile up.
	q := New(store, &fakeUpstream{}, bus, Config{MaxSize: 10, MaxRetries: 1, WorkerGap: time.Millisecond})

	ctx := context.Background()
	title := "x"
	for i := 0; i < 11; i++ {
		require.NoError(t, q.EnqueueUpdate(ctx, "t"+string(rune('a'+i)), model.TaskPatch{Title: &title}))
	}

	m := q.Metrics()
	assert.Equal(t, 10, m.Queued)
	assert.Equal(t, int64(1), m.Dropped)

	mu.Lock()
	assert.Equal(t, []string{"ta"}, droppedIDs, "oldest item is evicted first")
	mu.Unlock()
}

func TestClearQueue(t *testing.T) {
	q := New(cache.NewMemoryStore(), &fakeUpstream{}, events.NewBus(), DefaultConfig())

	title := "x"
	for i := 0; i < 3; i++ {
		require.NoError(t, q.EnqueueUpdate(context.Background(), "t1", model.TaskPatch{Title: &title}))
	}

	assert.Equal(t, 3, q.ClearQueue())
	assert.Zero(t, q.Metrics().Queued)
	assert.Equal(t, int64(3), q.Metrics().Dropped)
}
