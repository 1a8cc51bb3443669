// Package ratelimit schedules every upstream call through a shared
// priority queue that enforces the upstream's pacing rules: a token-bucket
// reservoir, a minimum gap between call starts and a concurrency cap.
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/planware/syncd/server/observability"
)

// Priorities used by the call sites. User-facing paths preempt warmup.
const (
	PriorityLow     = 1
	PriorityDefault = 5
	PriorityHigh    = 9
)

var (
	// ErrDropped is returned to a caller whose task was evicted (or
	// rejected) because the pending queue overflowed.
	ErrDropped = errors.New("ratelimit: task dropped due to queue overflow")
	// ErrClosed is returned when the limiter has been shut down.
	ErrClosed = errors.New("ratelimit: limiter closed")
)

// Config carries the pacing constraints. Defaults match the upstream's
// published limits: ~3 req/s with short burst tolerance.
type Config struct {
	Burst          int           // reservoir size per refill window
	RefillWindow   time.Duration // reservoir refill period
	MinGap         time.Duration // minimum spacing between task starts
	MaxConcurrency int           // parallel in-flight tasks
	MaxQueue       int           // pending queue bound
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Burst:          3,
		RefillWindow:   time.Second,
		MinGap:         334 * time.Millisecond,
		MaxConcurrency: 2,
		MaxQueue:       20,
	}
}

// Counters is a snapshot of limiter activity.
type Counters struct {
	Queued    int     `json:"queued"`
	Running   int     `json:"running"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Dropped   int64   `json:"dropped"`
	Reservoir float64 `json:"reservoir"`
}

// Fn is the unit of work the limiter schedules.
type Fn func(ctx context.Context) (any, error)

// Limiter serializes access to the upstream. One instance is constructed at
// startup and injected into every component that talks upstream.
type Limiter struct {
	cfg       Config
	reservoir *rate.Limiter

	mu        sync.Mutex
	queue     waiterQueue
	seq       uint64
	inflight  int
	lastStart time.Time
	completed int64
	failed    int64
	dropped   int64
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// New creates a limiter and starts its dispatch loop.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg = DefaultConfig()
	}
	l := &Limiter{
		cfg:       cfg,
		reservoir: rate.NewLimiter(rate.Limit(float64(cfg.Burst)/cfg.RefillWindow.Seconds()), cfg.Burst),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Schedule runs fn once the reservoir, gap and concurrency constraints all
// allow it. Higher priority runs first; ties are FIFO. The caller blocks
// until fn completes, the queue drops the task, or ctx expires while the
// task is still queued (no token is consumed in that case).
func (l *Limiter) Schedule(ctx context.Context, priority int, fn Fn) (any, error) {
	w := &waiter{
		priority: priority,
		started:  make(chan struct{}),
		dropped:  make(chan error, 1),
		index:    -1,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if l.queue.Len() >= l.cfg.MaxQueue {
		low := l.queue.lowest()
		if low != nil && priority <= low.priority {
			// Incoming task is the lowest; reject it instead.
			l.dropped++
			l.mu.Unlock()
			observability.LimiterDecisions.WithLabelValues("dropped").Inc()
			return nil, ErrDropped
		}
		l.queue.remove(low)
		low.dropped <- ErrDropped
		l.dropped++
		observability.LimiterDecisions.WithLabelValues("dropped").Inc()
	}
	l.seq++
	w.seq = l.seq
	heap.Push(&l.queue, w)
	observability.LimiterQueueDepth.Set(float64(l.queue.Len()))
	l.mu.Unlock()
	l.signal()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		if l.queue.remove(w) {
			observability.LimiterQueueDepth.Set(float64(l.queue.Len()))
			l.mu.Unlock()
			return nil, ctx.Err()
		}
		l.mu.Unlock()
		// Already popped by the dispatcher; fall through and run so the
		// slot accounting stays balanced. fn sees the expired context.
		<-w.started
	case err := <-w.dropped:
		return nil, err
	case <-w.started:
	}

	result, err := fn(ctx)

	l.mu.Lock()
	l.inflight--
	if err != nil {
		l.failed++
	} else {
		l.completed++
	}
	l.mu.Unlock()
	l.signal()

	if err != nil {
		observability.LimiterDecisions.WithLabelValues("failed").Inc()
	} else {
		observability.LimiterDecisions.WithLabelValues("completed").Inc()
	}
	return result, err
}

// ScheduleHigh schedules at priority 9 (user-facing paths).
func (l *Limiter) ScheduleHigh(ctx context.Context, fn Fn) (any, error) {
	return l.Schedule(ctx, PriorityHigh, fn)
}

// ScheduleLow schedules at priority 1 (warmup, cron).
func (l *Limiter) ScheduleLow(ctx context.Context, fn Fn) (any, error) {
	return l.Schedule(ctx, PriorityLow, fn)
}

// Counters returns a snapshot of limiter activity.
func (l *Limiter) Counters() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Counters{
		Queued:    l.queue.Len(),
		Running:   l.inflight,
		Completed: l.completed,
		Failed:    l.failed,
		Dropped:   l.dropped,
		Reservoir: l.reservoir.Tokens(),
	}
}

// Close stops the dispatcher and releases every queued waiter with ErrClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for l.queue.Len() > 0 {
		w := heap.Pop(&l.queue).(*waiter)
		w.dropped <- ErrClosed
	}
	l.mu.Unlock()
	close(l.done)
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single goroutine that releases waiters. It sleeps until
// all three constraints are satisfied, then starts the highest-priority
// pending task.
func (l *Limiter) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for l.startNext() {
		}
	}
}

// startNext releases one waiter if possible. Returns false when the queue
// is empty or a constraint blocks further starts right now.
func (l *Limiter) startNext() bool {
	l.mu.Lock()
	if l.closed || l.queue.Len() == 0 || l.inflight >= l.cfg.MaxConcurrency {
		l.mu.Unlock()
		return false
	}
	gapWait := l.cfg.MinGap - time.Since(l.lastStart)
	l.mu.Unlock()

	res := l.reservoir.Reserve()
	wait := res.Delay()
	if gapWait > wait {
		wait = gapWait
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-l.done:
			timer.Stop()
			res.Cancel()
			return false
		case <-timer.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.queue.Len() == 0 || l.inflight >= l.cfg.MaxConcurrency {
		// The waiter was cancelled or a slot filled while pacing; give the
		// token back so a future start is not penalized.
		res.Cancel()
		return false
	}
	w := heap.Pop(&l.queue).(*waiter)
	l.inflight++
	l.lastStart = time.Now()
	observability.LimiterQueueDepth.Set(float64(l.queue.Len()))
	close(w.started)
	return true
}
