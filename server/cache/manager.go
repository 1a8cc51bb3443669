package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
)

// UpstreamLoader is the slice of the upstream client the warmup path needs.
// The instance injected here is pinned to low limiter priority so warmup
// never starves user-facing calls.
type UpstreamLoader interface {
	QueryTasksRange(ctx context.Context, start, end time.Time) ([]model.Task, error)
	ListMembers(ctx context.Context) ([]model.Member, error)
	ListTeams(ctx context.Context) ([]model.Team, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	ListClients(ctx context.Context) ([]model.Client, error)
}

// Manager orchestrates get-cached-or-fetch with single-flight deduplication
// and owns warmup of the hot working set.
type Manager struct {
	store  Store
	rec    *observability.Recorder
	warm   UpstreamLoader
	group  singleflight.Group
}

// NewManager creates a manager. warm may be nil in tests that never warm up.
func NewManager(store Store, rec *observability.Recorder, warm UpstreamLoader) *Manager {
	return &Manager{store: store, rec: rec, warm: warm}
}

// Store exposes the underlying cache store for direct invalidation paths.
func (m *Manager) Store() Store { return m.store }

// Fetch returns the cached value for key, or runs loader, caches the result
// with the kind's TTL and returns it. Concurrent misses on the same key
// share one loader invocation. Loader failures are not cached.
func Fetch[T any](ctx context.Context, m *Manager, key string, kind model.EntityKind, loader func(context.Context) (T, error)) (T, error) {
	start := time.Now()

	if raw, ok, err := m.store.Get(ctx, key); err == nil && ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			m.rec.RecordCacheAccess(Prefix(key), true, time.Since(start))
			return v, nil
		}
		log.Printf("cache: corrupt entry at %s, refetching", key)
	} else if err != nil {
		log.Printf("cache: read error at %s: %v", key, err)
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.store.Set(ctx, key, v, kind); err != nil {
			// Cache write failures never fail the read path.
			log.Printf("cache: write error at %s: %v", key, err)
		}
		return v, nil
	})

	m.rec.RecordCacheAccess(Prefix(key), false, time.Since(start))
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Warmup populates the hot working set: the rolling calendar window plus
// every member, team, project and client. Failures are logged per step;
// the first error is returned after all steps ran.
func (m *Manager) Warmup(ctx context.Context) error {
	if m.warm == nil {
		return nil
	}
	started := time.Now()
	log.Printf("cache: warmup started")

	var firstErr error
	note := func(step string, err error) {
		if err != nil {
			log.Printf("cache: warmup %s failed: %v", step, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	start := time.Now().AddDate(0, 0, -30)
	end := time.Now().AddDate(0, 0, 60)
	if tasks, err := m.warm.QueryTasksRange(ctx, start, end); err != nil {
		note("calendar", err)
	} else {
		note("calendar", m.store.Set(ctx, CalendarKey(start, end), tasks, model.KindCalendar))
	}

	if members, err := m.warm.ListMembers(ctx); err != nil {
		note("members", err)
	} else {
		note("members", m.store.Set(ctx, ListKey(model.KindMember), members, model.KindMember))
		for _, mem := range members {
			note("members", m.store.Set(ctx, Key(model.KindMember, mem.ID), mem, model.KindMember))
		}
	}

	if teams, err := m.warm.ListTeams(ctx); err != nil {
		note("teams", err)
	} else {
		note("teams", m.store.Set(ctx, ListKey(model.KindTeam), teams, model.KindTeam))
		for _, t := range teams {
			note("teams", m.store.Set(ctx, Key(model.KindTeam, t.ID), t, model.KindTeam))
		}
	}

	if projects, err := m.warm.ListProjects(ctx); err != nil {
		note("projects", err)
	} else {
		note("projects", m.store.Set(ctx, ListKey(model.KindProject), projects, model.KindProject))
		for _, p := range projects {
			note("projects", m.store.Set(ctx, Key(model.KindProject, p.ID), p, model.KindProject))
		}
	}

	if clients, err := m.warm.ListClients(ctx); err != nil {
		note("clients", err)
	} else {
		note("clients", m.store.Set(ctx, ListKey(model.KindClient), clients, model.KindClient))
		for _, c := range clients {
			note("clients", m.store.Set(ctx, Key(model.KindClient, c.ID), c, model.KindClient))
		}
	}

	log.Printf("cache: warmup finished in %v", time.Since(started))
	return firstErr
}
