// Package syncqueue is the asynchronous write pipeline: a bounded in-process
// FIFO that accepts create/update/delete intents, answers immediately with
// optimistic cache state, writes through to the upstream and reconciles
// synthetic ids to real ones. Terminal failures roll the cache back.
package syncqueue

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/events"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/retry"
)

// TempIDPrefix marks synthetic ids handed out by EnqueueCreate. A temp id
// never reaches the upstream.
const TempIDPrefix = "temp_"

// IsTempID reports whether id is a synthetic create id.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Upstream is the slice of the upstream client the worker needs. The
// injected instance is already paced by the shared rate limiter.
type Upstream interface {
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	UpdateTask(ctx context.Context, id string, t model.Task) (model.Task, error)
	ArchiveTask(ctx context.Context, id string) error
}

// Config bounds the queue and its retry budget.
type Config struct {
	MaxSize    int           // pending item bound; overflow evicts the oldest 10%
	MaxRetries int           // per-item attempt budget
	WorkerGap  time.Duration // pause between worker iterations
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 100, MaxRetries: 3, WorkerGap: 350 * time.Millisecond}
}

// idMapRetention bounds how long a temp->real mapping is kept after the
// create completes. Dependent items resolve within their retry budget, far
// inside this window.
const idMapRetention = 10 * time.Minute

// Queue is the write pipeline. One instance is constructed at startup; its
// single worker goroutine is the only code that touches the upstream for
// writes, so per-entity FIFO order holds by construction.
type Queue struct {
	store    cache.Store
	upstream Upstream
	bus      *events.Bus
	cfg      Config

	mu       sync.Mutex
	items    []*Item
	idMap    map[string]string // temp id -> real id, for items enqueued behind a create
	idMapTTL time.Duration

	processed int64
	failed    int64
	retries   int64
	dropped   int64
	procTotal time.Duration
	procCount int64

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a stopped queue. Call Start to begin processing.
func New(store cache.Store, upstream Upstream, bus *events.Bus, cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{
		store:    store,
		upstream: upstream,
		bus:      bus,
		cfg:      cfg,
		idMap:    make(map[string]string),
		idMapTTL: idMapRetention,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)
}

// Stop signals the worker to exit after the current item. Pending items are
// lost; retry state lives in process memory by design.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
}

// EnqueueCreate assigns a synthetic id, writes the optimistic record to the
// cache and enqueues the write. Returns the temp id immediately.
func (q *Queue) EnqueueCreate(ctx context.Context, t model.Task) (string, error) {
	tempID := TempIDPrefix + uuid.NewString()
	now := time.Now()
	t.ID = tempID
	t.CreatedAt = now
	t.UpdatedAt = now

	cached := model.CachedTask{
		Task:      t,
		SyncFlags: model.SyncFlags{Temporary: true, PendingSync: true},
	}
	if err := q.store.Set(ctx, cache.Key(model.KindTask, tempID), cached, model.KindTask); err != nil {
		return "", err
	}

	q.push(&Item{
		ID:         uuid.NewString(),
		Type:       ItemCreate,
		Kind:       model.KindTask,
		EntityID:   tempID,
		Task:       &t,
		MaxRetries: q.cfg.MaxRetries,
		CreatedAt:  now,
	})
	return tempID, nil
}

// EnqueueUpdate merges the patch into the cached record with the pending
// flag set, then enqueues the write-through.
func (q *Queue) EnqueueUpdate(ctx context.Context, id string, patch model.TaskPatch) error {
	key := cache.Key(model.KindTask, id)
	if cached, ok := q.getCached(ctx, key); ok {
		cached.Task = patch.Apply(cached.Task)
		cached.Task.UpdatedAt = time.Now()
		cached.PendingSync = true
		cached.SyncError = false
		cached.SyncErrorMsg = ""
		if err := q.store.Set(ctx, key, cached, model.KindTask); err != nil {
			return err
		}
	}

	q.push(&Item{
		ID:         uuid.NewString(),
		Type:       ItemUpdate,
		Kind:       model.KindTask,
		EntityID:   id,
		Patch:      &patch,
		MaxRetries: q.cfg.MaxRetries,
		CreatedAt:  time.Now(),
	})
	return nil
}

// EnqueueDelete marks the cached record as a tombstone and enqueues the
// archive call.
func (q *Queue) EnqueueDelete(ctx context.Context, id string) error {
	key := cache.Key(model.KindTask, id)
	if cached, ok := q.getCached(ctx, key); ok {
		cached.Deleted = true
		cached.PendingSync = true
		if err := q.store.Set(ctx, key, cached, model.KindTask); err != nil {
			return err
		}
	}

	q.push(&Item{
		ID:         uuid.NewString(),
		Type:       ItemDelete,
		Kind:       model.KindTask,
		EntityID:   id,
		MaxRetries: q.cfg.MaxRetries,
		CreatedAt:  time.Now(),
	})
	return nil
}

// ClearQueue drains every waiting item without rollback. Operator action;
// returns the number of items discarded.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	drained := q.items
	q.items = nil
	q.dropped += int64(len(drained))
	q.mu.Unlock()
	observability.SyncQueueDepth.Set(0)

	for _, it := range drained {
		q.bus.Publish(events.TopicDropped, DroppedEvent{ItemID: it.ID, EntityID: it.EntityID, Type: it.Type})
	}
	return len(drained)
}

// Status returns a copy of the pending items for observability.
func (q *Queue) Status() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Metrics returns the queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := Metrics{
		Queued:    len(q.items),
		Processed: q.processed,
		Failed:    q.failed,
		Retries:   q.retries,
		Dropped:   q.dropped,
	}
	if q.procCount > 0 {
		m.AvgProcessingTimeMS = float64(q.procTotal) / float64(q.procCount) / float64(time.Millisecond)
	}
	return m
}

// ResetMetrics zeroes the counters without touching pending items.
func (q *Queue) ResetMetrics() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed, q.failed, q.retries, q.dropped = 0, 0, 0, 0
	q.procTotal, q.procCount = 0, 0
}

// push appends an item, evicting the oldest 10% on overflow.
func (q *Queue) push(item *Item) {
	var evicted []*Item
	q.mu.Lock()
	if len(q.items) >= q.cfg.MaxSize {
		n := q.cfg.MaxSize / 10
		if n < 1 {
			n = 1
		}
		evicted = q.items[:n]
		q.items = append([]*Item(nil), q.items[n:]...)
		q.dropped += int64(n)
	}
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	observability.SyncQueueDepth.Set(float64(depth))
	for _, it := range evicted {
		log.Printf("syncqueue: dropped %s %s on overflow", it.Type, it.EntityID)
		observability.SyncQueueOutcomes.WithLabelValues("dropped").Inc()
		q.bus.Publish(events.TopicDropped, DroppedEvent{ItemID: it.ID, EntityID: it.EntityID, Type: it.Type})
	}
	q.signal()
}

// requeue appends a backed-off item. Appending keeps per-entity FIFO order
// relative to anything enqueued since the failure.
func (q *Queue) requeue(item *Item) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()
	observability.SyncQueueDepth.Set(float64(depth))
	q.signal()
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = append([]*Item(nil), q.items[1:]...)
	observability.SyncQueueDepth.Set(float64(len(q.items)))
	return item
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker is the single processing loop: block until signaled, drain with a
// pacing gap between items, exit on Stop after the current item.
func (q *Queue) worker(ctx context.Context) {
	log.Printf("syncqueue: worker started (max %d items, %d retries, %v gap)",
		q.cfg.MaxSize, q.cfg.MaxRetries, q.cfg.WorkerGap)
	for {
		select {
		case <-q.done:
			log.Printf("syncqueue: worker stopped")
			return
		case <-q.wake:
		}

		for {
			item := q.pop()
			if item == nil {
				break
			}
			q.process(ctx, item)

			timer := time.NewTimer(q.cfg.WorkerGap)
			select {
			case <-q.done:
				timer.Stop()
				log.Printf("syncqueue: worker stopped")
				return
			case <-timer.C:
			}
		}
	}
}

// process runs one attempt of one item and routes the outcome: success,
// backed-off retry, or terminal compensation.
func (q *Queue) process(ctx context.Context, item *Item) {
	// A create that completed earlier may have remapped this item's target.
	q.mu.Lock()
	if real, ok := q.idMap[item.EntityID]; ok {
		item.EntityID = real
	}
	q.mu.Unlock()

	// An update or delete still aimed at a synthetic id means its create has
	// not produced a real id yet. It must not reach the upstream.
	if item.Type != ItemCreate && IsTempID(item.EntityID) {
		q.deferBehindCreate(ctx, item)
		return
	}

	start := time.Now()
	item.Attempts++
	item.LastAttempt = &start

	var err error
	switch item.Type {
	case ItemCreate:
		err = q.processCreate(ctx, item)
	case ItemUpdate:
		err = q.processUpdate(ctx, item)
	case ItemDelete:
		err = q.processDelete(ctx, item)
	}

	elapsed := time.Since(start)
	observability.SyncItemDuration.Observe(elapsed.Seconds())
	q.mu.Lock()
	q.procTotal += elapsed
	q.procCount++
	q.mu.Unlock()

	if err == nil {
		q.mu.Lock()
		q.processed++
		q.mu.Unlock()
		observability.SyncQueueOutcomes.WithLabelValues("processed").Inc()
		return
	}

	item.Error = err.Error()
	if apperr.Retryable(err) && item.Attempts < item.MaxRetries {
		delay := retry.Backoff(item.Attempts)
		log.Printf("syncqueue: %s %s attempt %d/%d failed (%v), requeueing in %v",
			item.Type, item.EntityID, item.Attempts, item.MaxRetries, err, delay)
		q.mu.Lock()
		q.retries++
		q.mu.Unlock()
		observability.SyncQueueOutcomes.WithLabelValues("retried").Inc()
		time.AfterFunc(delay, func() { q.requeue(item) })
		return
	}

	log.Printf("syncqueue: %s %s terminally failed after %d attempts: %v",
		item.Type, item.EntityID, item.Attempts, err)
	q.compensate(ctx, item, err)
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	observability.SyncQueueOutcomes.WithLabelValues("failed").Inc()
	q.bus.Publish(events.TopicFailed, FailedEvent{
		ItemID:   item.ID,
		EntityID: item.EntityID,
		Type:     item.Type,
		Error:    err.Error(),
	})
}

// deferBehindCreate parks a dependent item while its create is backed off.
// Waiting does not consume an attempt. If the create failed terminally its
// optimistic record is gone and the dependent fails with it.
func (q *Queue) deferBehindCreate(ctx context.Context, item *Item) {
	if _, ok := q.getCached(ctx, cache.Key(model.KindTask, item.EntityID)); ok {
		log.Printf("syncqueue: %s %s waiting for its create to finish", item.Type, item.EntityID)
		time.AfterFunc(retry.Backoff(1), func() { q.requeue(item) })
		return
	}

	log.Printf("syncqueue: dropping %s %s, its create failed", item.Type, item.EntityID)
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	observability.SyncQueueOutcomes.WithLabelValues("failed").Inc()
	q.bus.Publish(events.TopicFailed, FailedEvent{
		ItemID:   item.ID,
		EntityID: item.EntityID,
		Type:     item.Type,
		Error:    "create for " + item.EntityID + " failed",
	})
}

func (q *Queue) processCreate(ctx context.Context, item *Item) error {
	t := *item.Task
	t.ID = "" // the synthetic id never reaches the upstream
	result, err := q.upstream.CreateTask(ctx, t)
	if err != nil {
		return err
	}

	tempKey := cache.Key(model.KindTask, item.EntityID)
	realKey := cache.Key(model.KindTask, result.ID)
	if err := q.store.Del(ctx, tempKey); err != nil {
		log.Printf("syncqueue: failed to drop temp key %s: %v", tempKey, err)
	}
	if err := q.store.Set(ctx, realKey, model.CachedTask{Task: result}, model.KindTask); err != nil {
		log.Printf("syncqueue: failed to cache %s: %v", realKey, err)
	}

	tempID := item.EntityID
	q.mu.Lock()
	q.idMap[tempID] = result.ID
	q.mu.Unlock()
	time.AfterFunc(q.idMapTTL, func() {
		q.mu.Lock()
		delete(q.idMap, tempID)
		q.mu.Unlock()
	})

	q.bus.Publish(events.TopicCreated, CreatedEvent{TempID: item.EntityID, RealID: result.ID})
	return nil
}

func (q *Queue) processUpdate(ctx context.Context, item *Item) error {
	key := cache.Key(model.KindTask, item.EntityID)

	// Merge base: optimistic cached record preferred, upstream otherwise.
	var base model.Task
	if cached, ok := q.getCached(ctx, key); ok {
		base = cached.Task
	} else {
		fetched, err := q.upstream.GetTask(ctx, item.EntityID)
		if err != nil {
			return err
		}
		base = fetched
	}

	merged := item.Patch.Apply(base)
	result, err := q.upstream.UpdateTask(ctx, item.EntityID, merged)
	if err != nil {
		return err
	}

	if err := q.store.Set(ctx, key, model.CachedTask{Task: result}, model.KindTask); err != nil {
		log.Printf("syncqueue: failed to cache %s: %v", key, err)
	}
	q.bus.Publish(events.TopicUpdated, UpdatedEvent{ID: result.ID})
	return nil
}

func (q *Queue) processDelete(ctx context.Context, item *Item) error {
	if err := q.upstream.ArchiveTask(ctx, item.EntityID); err != nil {
		return err
	}
	if err := q.store.Del(ctx, cache.Key(model.KindTask, item.EntityID)); err != nil {
		log.Printf("syncqueue: failed to drop %s: %v", item.EntityID, err)
	}
	q.bus.Publish(events.TopicDeleted, DeletedEvent{ID: item.EntityID})
	return nil
}

// compensate rolls the cache back after a terminal failure. All rollback
// logic lives here, keyed on the item type.
func (q *Queue) compensate(ctx context.Context, item *Item, cause error) {
	key := cache.Key(model.KindTask, item.EntityID)
	switch item.Type {
	case ItemCreate:
		// The synthetic id never existed; drop the optimistic record.
		if err := q.store.Del(ctx, key); err != nil {
			log.Printf("syncqueue: compensate create %s: %v", item.EntityID, err)
		}
	case ItemUpdate:
		// The optimistic overlay stays visible but flagged.
		if cached, ok := q.getCached(ctx, key); ok {
			cached.PendingSync = false
			cached.SyncError = true
			cached.SyncErrorMsg = cause.Error()
			if err := q.store.Set(ctx, key, cached, model.KindTask); err != nil {
				log.Printf("syncqueue: compensate update %s: %v", item.EntityID, err)
			}
		}
	case ItemDelete:
		// Clear the tombstone so the entity reappears in reads until an
		// operator intervenes.
		if cached, ok := q.getCached(ctx, key); ok {
			cached.Deleted = false
			cached.PendingSync = false
			cached.SyncError = true
			cached.SyncErrorMsg = cause.Error()
			if err := q.store.Set(ctx, key, cached, model.KindTask); err != nil {
				log.Printf("syncqueue: compensate delete %s: %v", item.EntityID, err)
			}
		}
	}
}

func (q *Queue) getCached(ctx context.Context, key string) (model.CachedTask, bool) {
	raw, ok, err := q.store.Get(ctx, key)
	if err != nil || !ok {
		return model.CachedTask{}, false
	}
	var cached model.CachedTask
	if err := json.Unmarshal(raw, &cached); err != nil {
		return model.CachedTask{}, false
	}
	return cached, true
}
