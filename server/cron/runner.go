// Package cron runs the periodic background jobs: a 30-minute refresh of
// the hot working set and a daily 06:00 warmup plus maintenance pass. Jobs
// go through the rate limiter at low priority and never overlap themselves.
package cron

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
)

// Upstream is the slice of the (low-priority) upstream client refresh uses.
type Upstream interface {
	QueryTasksRange(ctx context.Context, start, end time.Time) ([]model.Task, error)
	ListMembers(ctx context.Context) ([]model.Member, error)
	ListTeams(ctx context.Context) ([]model.Team, error)
}

// Maintenance is the optional persistence slice for the daily pass. Nil in
// tests.
type Maintenance interface {
	InsertSyncLog(ctx context.Context, l *model.SyncLog) error
	PruneResolvedConflicts(ctx context.Context) (int64, error)
	DeleteExpiredTokens(ctx context.Context) (int64, error)
}

// Runner owns the two schedules. Manual triggers are exposed for operators
// through the admin API.
type Runner struct {
	manager  *cache.Manager
	upstream Upstream
	pg       Maintenance

	refreshEvery time.Duration
	warmupHour   int

	refreshing atomic.Bool
	warming    atomic.Bool

	done chan struct{}
	once sync.Once
}

// NewRunner creates a stopped runner with the default schedule.
func NewRunner(manager *cache.Manager, upstream Upstream, pg Maintenance) *Runner {
	return &Runner{
		manager:      manager,
		upstream:     upstream,
		pg:           pg,
		refreshEvery: 30 * time.Minute,
		warmupHour:   6,
		done:         make(chan struct{}),
	}
}

// Start launches both schedule loops.
func (r *Runner) Start(ctx context.Context) {
	go r.refreshLoop(ctx)
	go r.warmupLoop(ctx)
}

// Stop halts the schedules. A job already running finishes.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.done) })
}

func (r *Runner) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.TriggerRefresh(ctx); err != nil {
				log.Printf("cron: scheduled refresh failed: %v", err)
			}
		}
	}
}

func (r *Runner) warmupLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(time.Until(r.nextWarmup(time.Now())))
		select {
		case <-r.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := r.TriggerWarmup(ctx); err != nil {
				log.Printf("cron: scheduled warmup failed: %v", err)
			}
		}
	}
}

// nextWarmup returns the next local 06:00 after now.
func (r *Runner) nextWarmup(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), r.warmupHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// TriggerRefresh re-fetches the working set likely to expire soon: the
// current week's tasks, all members and all teams. Skipped if a refresh is
// already running.
func (r *Runner) TriggerRefresh(ctx context.Context) error {
	if !r.refreshing.CompareAndSwap(false, true) {
		log.Printf("cron: refresh still running, skipping tick")
		return nil
	}
	defer r.refreshing.Store(false)

	start := time.Now()
	log.Printf("cron: refresh started")

	var errs []string
	weekStart := startOfWeek(start)
	weekEnd := weekStart.AddDate(0, 0, 7)
	store := r.manager.Store()

	if tasks, err := r.upstream.QueryTasksRange(ctx, weekStart, weekEnd); err != nil {
		errs = append(errs, err.Error())
	} else if err := store.Set(ctx, cache.CalendarKey(weekStart, weekEnd), tasks, model.KindCalendar); err != nil {
		errs = append(errs, err.Error())
	}

	if members, err := r.upstream.ListMembers(ctx); err != nil {
		errs = append(errs, err.Error())
	} else {
		if err := store.Set(ctx, cache.ListKey(model.KindMember), members, model.KindMember); err != nil {
			errs = append(errs, err.Error())
		}
		for _, m := range members {
			if err := store.Set(ctx, cache.Key(model.KindMember, m.ID), m, model.KindMember); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if teams, err := r.upstream.ListTeams(ctx); err != nil {
		errs = append(errs, err.Error())
	} else {
		if err := store.Set(ctx, cache.ListKey(model.KindTeam), teams, model.KindTeam); err != nil {
			errs = append(errs, err.Error())
		}
		for _, t := range teams {
			if err := store.Set(ctx, cache.Key(model.KindTeam, t.ID), t, model.KindTeam); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	r.record(ctx, "refresh", start, errs)
	return nil
}

// TriggerWarmup runs the full cache warmup plus daily maintenance: pruning
// resolved conflict records past their retention and expired refresh tokens.
func (r *Runner) TriggerWarmup(ctx context.Context) error {
	if !r.warming.CompareAndSwap(false, true) {
		log.Printf("cron: warmup still running, skipping tick")
		return nil
	}
	defer r.warming.Store(false)

	start := time.Now()
	var errs []string
	if err := r.manager.Warmup(ctx); err != nil {
		errs = append(errs, err.Error())
	}

	if r.pg != nil {
		if n, err := r.pg.PruneResolvedConflicts(ctx); err != nil {
			errs = append(errs, err.Error())
		} else if n > 0 {
			log.Printf("cron: pruned %d resolved conflict records", n)
		}
		if n, err := r.pg.DeleteExpiredTokens(ctx); err != nil {
			errs = append(errs, err.Error())
		} else if n > 0 {
			log.Printf("cron: pruned %d expired refresh tokens", n)
		}
	}

	r.record(ctx, "warmup", start, errs)
	return nil
}

// record logs the run and appends a scheduled sync-log row, best effort.
func (r *Runner) record(ctx context.Context, job string, start time.Time, errs []string) {
	end := time.Now()
	observability.CronRunDuration.WithLabelValues(job).Observe(end.Sub(start).Seconds())
	log.Printf("cron: %s finished in %v (%d errors)", job, end.Sub(start), len(errs))

	if r.pg == nil {
		return
	}
	status := "success"
	if len(errs) > 0 {
		status = "failed"
	}
	entry := &model.SyncLog{
		EntityKind:  model.KindTask,
		SourceID:    job,
		Method:      model.SyncMethodScheduled,
		Status:      status,
		ItemsFailed: len(errs),
		StartTime:   start,
		EndTime:     end,
		DurationMS:  end.Sub(start).Milliseconds(),
		Errors:      errs,
	}
	if err := r.pg.InsertSyncLog(ctx, entry); err != nil {
		log.Printf("cron: failed to record %s run: %v", job, err)
	}
}

// startOfWeek truncates to the preceding Monday.
func startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return day.AddDate(0, 0, 1-weekday)
}
