package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planware/syncd/server/auth"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/config"
	"github.com/planware/syncd/server/conflict"
	"github.com/planware/syncd/server/cron"
	"github.com/planware/syncd/server/events"
	"github.com/planware/syncd/server/notion"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/ratelimit"
	"github.com/planware/syncd/server/store"
	"github.com/planware/syncd/server/syncqueue"
	"github.com/planware/syncd/server/webhook"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres carries auth, conflict history and the config document; the
	// process cannot run without it.
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer pg.Close()
	log.Printf("connected to Postgres")

	cipher := store.NewCipher(cfg.EncryptionKey)

	// Redis is the cache backend. In development a miss falls back to the
	// in-process store; production requires it.
	var cacheStore cache.Store
	redisStore, err := cache.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	if err != nil {
		if cfg.Env == "production" {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("WARNING: Redis unavailable (%v), using in-memory cache", err)
		cacheStore = cache.NewMemoryStore()
	} else {
		log.Printf("connected to Redis at %s", cfg.RedisAddr)
		cacheStore = redisStore
	}

	token, dbs, err := loadUpstreamConfig(ctx, cfg, pg, cipher)
	if err != nil {
		log.Fatalf("failed to load upstream configuration: %v", err)
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	rec := observability.NewRecorder()
	bus := events.NewBus()

	client := notion.NewClient(cfg.NotionBaseURL, token, dbs, limiter, rec)
	manager := cache.NewManager(cacheStore, rec, client.Low())
	engine := conflict.New(cacheStore, client.High(), pg)

	queue := syncqueue.New(cacheStore, client, bus, syncqueue.DefaultConfig())
	queue.Start(ctx)
	defer queue.Stop()

	ingest := webhook.NewIngestor(cfg.Env, pg, cacheStore, cipher, bus)

	cronRunner := cron.NewRunner(manager, client.Low(), pg)
	cronRunner.Start(ctx)
	defer cronRunner.Stop()

	authSvc := auth.NewService(cfg.JWTSecret, pg)

	api := NewAPI(cfg, cacheStore, manager, client, engine, queue, ingest,
		cronRunner, pg, authSvc, rec, limiter)

	subscribeSyncEvents(bus, pg, cacheStore)

	go api.hub.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("syncd listening on :%d (env=%s)", cfg.Port, cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// loadUpstreamConfig resolves the upstream token and database-id map. The
// environment token wins; otherwise the encrypted persisted config document
// is the source.
func loadUpstreamConfig(ctx context.Context, cfg *config.Config, pg *store.Postgres, cipher *store.Cipher) (string, notion.DatabaseIDs, error) {
	token := cfg.NotionToken
	var dbs notion.DatabaseIDs

	nc, err := pg.GetNotionConfig(ctx, cfg.Env)
	if err != nil {
		return "", dbs, err
	}
	if nc != nil {
		if token == "" && nc.TokenCipher != "" {
			token, err = cipher.Decrypt(nc.TokenCipher)
			if err != nil {
				return "", dbs, fmt.Errorf("decrypt upstream token: %w", err)
			}
		}
		dbs = notion.DatabaseIDs{
			Tasks:    nc.DatabaseIDs["task"],
			Projects: nc.DatabaseIDs["project"],
			Clients:  nc.DatabaseIDs["client"],
			Members:  nc.DatabaseIDs["member"],
			Teams:    nc.DatabaseIDs["team"],
		}
	}

	if token == "" {
		if cfg.Env == "production" {
			return "", dbs, fmt.Errorf("no upstream token configured (NOTION_TOKEN or persisted config)")
		}
		log.Printf("WARNING: no upstream token configured, upstream calls will fail")
	}
	return token, dbs, nil
}

// subscribeSyncEvents wires cache invalidation behind the sync queue. When a
// create reconciles its synthetic id, persisted conflict rows move to the
// real id; any committed write invalidates calendar windows. Handlers spawn
// goroutines since bus handlers must not block.
func subscribeSyncEvents(bus *events.Bus, pg *store.Postgres, cacheStore cache.Store) {
	invalidateCalendars := func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cacheStore.InvalidatePattern(ctx, "tasks:calendar:*"); err != nil {
				log.Printf("events: calendar invalidation failed: %v", err)
			}
		}()
	}

	bus.Subscribe(events.TopicCreated, func(e events.Event) {
		var ev syncqueue.CreatedEvent
		if err := e.Decode(&ev); err != nil {
			log.Printf("events: bad %s payload: %v", e.Topic, err)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := pg.RewriteConflictTaskID(ctx, ev.TempID, ev.RealID); err != nil {
				log.Printf("events: failed to rewrite conflicts %s -> %s: %v", ev.TempID, ev.RealID, err)
			}
		}()
		invalidateCalendars()
	})

	bus.Subscribe(events.TopicUpdated, func(events.Event) { invalidateCalendars() })
	bus.Subscribe(events.TopicDeleted, func(events.Event) { invalidateCalendars() })

	bus.Subscribe(events.TopicFailed, func(e events.Event) {
		var ev syncqueue.FailedEvent
		if err := e.Decode(&ev); err != nil {
			return
		}
		log.Printf("sync: %s of %s failed permanently: %s", ev.Type, ev.EntityID, ev.Error)
	})
}
