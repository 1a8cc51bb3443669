package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/auth"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/config"
	"github.com/planware/syncd/server/conflict"
	"github.com/planware/syncd/server/cron"
	"github.com/planware/syncd/server/idempotency"
	"github.com/planware/syncd/server/middleware"
	"github.com/planware/syncd/server/notion"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/ratelimit"
	"github.com/planware/syncd/server/store"
	"github.com/planware/syncd/server/syncqueue"
	"github.com/planware/syncd/server/webhook"
)

// API wires every component behind the HTTP surface. Constructed once in
// main; tests build it with in-memory fakes.
type API struct {
	cfg      *config.Config
	cache    cache.Store
	manager  *cache.Manager
	upstream *notion.Client
	engine   *conflict.Engine
	queue    *syncqueue.Queue
	ingest   *webhook.Ingestor
	cron     *cron.Runner
	pg       *store.Postgres
	auth     *auth.Service
	rec      *observability.Recorder
	limiter  *ratelimit.Limiter
	idem     *idempotency.Store

	validate  *validator.Validate
	dashboard *DashboardService
	hub       *MetricsHub

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter

	started time.Time
}

// NewAPI assembles the surface. Nil pg disables the persistence-backed
// endpoints (used by handler tests).
func NewAPI(cfg *config.Config, cacheStore cache.Store, manager *cache.Manager,
	upstream *notion.Client, engine *conflict.Engine, queue *syncqueue.Queue,
	ingest *webhook.Ingestor, cronRunner *cron.Runner, pg *store.Postgres,
	authSvc *auth.Service, rec *observability.Recorder, limiter *ratelimit.Limiter) *API {

	a := &API{
		cfg:         cfg,
		cache:       cacheStore,
		manager:     manager,
		upstream:    upstream,
		engine:      engine,
		queue:       queue,
		ingest:      ingest,
		cron:        cronRunner,
		pg:          pg,
		auth:        authSvc,
		rec:         rec,
		limiter:     limiter,
		idem:        idempotency.NewStore(cacheStore),
		validate:    validator.New(),
		apiLimiter:  middleware.NewIPRateLimiter("api", 100, 15*time.Minute),
		authLimiter: middleware.NewIPRateLimiter("auth", 5, 15*time.Minute),
		started:     time.Now(),
	}
	a.dashboard = NewDashboardService(a)
	a.hub = NewMetricsHub(a.dashboard)
	return a
}

// Router builds the chi route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.FrontendOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(a.trackActivity)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public surface: webhook ingest and health probes.
		r.Post("/webhooks/notion", a.handleWebhook)
		r.Get("/monitoring/health", a.handleHealth)

		// Auth endpoints carry the tight per-IP budget.
		r.Group(func(r chi.Router) {
			r.Use(a.authLimiter.Middleware)
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/refresh", a.handleRefresh)
			r.Post("/auth/logout", a.handleLogout)
		})

		// Everything else requires a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(a.apiLimiter.Middleware)
			r.Use(middleware.Authenticator(a.auth))

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/calendar", a.handleCalendar)
				r.Post("/check-conflicts", a.handleCheckConflicts)
				r.Post("/batch", a.handleBatchUpdate)
				r.Post("/", a.withIdempotency(a.handleCreateTask))
				r.Get("/{id}", a.handleGetTask)
				r.Put("/{id}", a.handleUpdateTask)
				r.Delete("/{id}", a.handleDeleteTask)
			})

			r.Route("/metrics", func(r chi.Router) {
				r.Get("/cache", a.handleCacheMetrics)
				r.Get("/latency", a.handleLatencyMetrics)
				r.Get("/queue", a.handleQueueMetrics)
				r.Get("/dashboard", a.handleDashboard)
			})
			r.Get("/monitoring/dashboard/ws", a.handleDashboardWS)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole("admin"))
				r.Post("/cache/clear", a.handleCacheClear)
				r.Post("/cache/warmup", a.handleCacheWarmup)
				r.Post("/cache/invalidate", a.handleCacheInvalidate)
				r.Get("/cache/stats", a.handleCacheStats)
				r.Post("/cron/refresh", a.handleCronRefresh)
				r.Post("/cron/warmup", a.handleCronWarmup)
				r.Get("/queue", a.handleQueueStatus)
				r.Post("/queue/clear", a.handleQueueClear)
				r.Get("/sync-logs", a.handleSyncLogs)
				r.Get("/conflicts", a.handleUnresolvedConflicts)
				r.Post("/conflicts/{id}/resolve", a.handleResolveConflict)
				r.Get("/discovery/{kind}", a.handleDiscovery)
				r.Post("/webhooks/capture", a.handleEnableCapture)
				r.Post("/metrics/reset", a.handleMetricsReset)
			})
		})
	})

	return r
}

// trackActivity feeds the activity tracker on every request.
func (a *API) trackActivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.rec.Activity.TrackRequest(middleware.UserIDFrom(r.Context()))
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures status and body for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the recorded response for a repeated
// X-Idempotency-Key, so client retries of a create enqueue exactly once.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idem.Get(r.Context(), key); found {
			for k, vals := range resp.Header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		a.idem.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Header:     rec.Header(),
		})
	}
}

// detachedContext backs background work that must outlive its request.
func detachedContext() context.Context {
	return context.Background()
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy to a status code uniformly.
func (a *API) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if errors.Is(err, ratelimit.ErrDropped) {
		kind = apperr.KindRateLimited
		status = http.StatusTooManyRequests
	}
	if status >= 500 {
		a.rec.Activity.TrackError(err.Error())
		log.Printf("api: %v", err)
	}
	writeJSON(w, status, map[string]string{
		"error":   kind.String(),
		"message": err.Error(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "read body", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed JSON body", err)
	}
	return nil
}
