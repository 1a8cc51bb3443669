// Package webhook validates signed upstream notifications and fans out
// cache invalidations. It never calls the upstream synchronously: the
// handler replies within the sender's 3-second budget and all work happens
// after the response.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/events"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/store"
)

// SignatureHeader carries the HMAC of the raw body: `sha256=<hex>`.
const SignatureHeader = "x-notion-signature"

// captureWindow is how long capture mode stays armed after enablement.
const captureWindow = 5 * time.Minute

// captureHeaderKeys and captureBodyKeys are the locations a setup request
// may carry its secret in.
var (
	captureHeaderKeys = []string{"x-hook-secret", "x-webhook-secret", "webhook-secret"}
	captureBodyKeys   = []string{"secret", "webhook_secret", "verification_token"}
)

// Envelope is the upstream notification body.
type Envelope struct {
	Type string `json:"type"`
	Data struct {
		ID     string `json:"id"`
		Parent struct {
			DatabaseID   string `json:"database_id"`
			DataSourceID string `json:"data_source_id"`
		} `json:"parent"`
	} `json:"data"`
}

// SourceID returns the originating database id, whichever field carried it.
func (e Envelope) SourceID() string {
	if e.Data.Parent.DatabaseID != "" {
		return e.Data.Parent.DatabaseID
	}
	return e.Data.Parent.DataSourceID
}

// ConfigStore is the persistence slice the ingestor needs.
type ConfigStore interface {
	GetNotionConfig(ctx context.Context, env string) (*store.NotionConfig, error)
	UpsertNotionConfig(ctx context.Context, c *store.NotionConfig) error
	InsertSyncLog(ctx context.Context, l *model.SyncLog) error
}

// Ingestor accepts webhook deliveries. Dual mode: a one-shot capture mode
// records the first request to extract the secret, normal mode enforces
// HMAC-SHA256 over the raw body.
type Ingestor struct {
	env    string
	pg     ConfigStore
	store  cache.Store
	cipher *store.Cipher
	bus    *events.Bus
}

// NewIngestor wires the ingestor for one environment.
func NewIngestor(env string, pg ConfigStore, cacheStore cache.Store, cipher *store.Cipher, bus *events.Bus) *Ingestor {
	return &Ingestor{env: env, pg: pg, store: cacheStore, cipher: cipher, bus: bus}
}

// Accept validates one delivery and returns the envelope to process. The
// error's kind maps to the HTTP status: Unauthorized for a bad signature,
// Internal for missing configuration. A capture-mode request returns a nil
// envelope with no error; it was consumed by setup.
func (i *Ingestor) Accept(ctx context.Context, headers http.Header, body []byte) (*Envelope, error) {
	cfg, err := i.pg.GetNotionConfig(ctx, i.env)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "webhook: load config", err)
	}
	if cfg == nil {
		return nil, apperr.New(apperr.KindInternal, "webhook: no config for environment "+i.env)
	}

	if cfg.Capture.Enabled {
		if time.Since(cfg.Capture.EnabledAt) > captureWindow {
			log.Printf("webhook: capture mode expired, disabling")
			cfg.Capture.Enabled = false
			if err := i.pg.UpsertNotionConfig(ctx, cfg); err != nil {
				log.Printf("webhook: failed to disable expired capture: %v", err)
			}
		} else {
			return nil, i.capture(ctx, cfg, headers, body)
		}
	}

	if cfg.WebhookSecret == "" {
		observability.WebhooksReceived.WithLabelValues("unconfigured").Inc()
		return nil, apperr.New(apperr.KindInternal, "webhook: secret not configured")
	}
	secret, err := i.cipher.Decrypt(cfg.WebhookSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "webhook: decrypt secret", err)
	}

	if !VerifySignature(secret, body, headers.Get(SignatureHeader)) {
		observability.WebhooksReceived.WithLabelValues("invalid_signature").Inc()
		return nil, apperr.New(apperr.KindUnauthorized, "webhook: invalid signature")
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "webhook: malformed body", err)
	}
	observability.WebhooksReceived.WithLabelValues("accepted").Inc()
	return &env, nil
}

// Process runs after the 200 response: resolve the source database to an
// entity kind, invalidate the affected cache prefixes and append a sync log.
// Unknown database ids are logged and skipped.
func (i *Ingestor) Process(ctx context.Context, env Envelope, eventID string) {
	start := time.Now()
	sourceID := env.SourceID()

	cfg, err := i.pg.GetNotionConfig(ctx, i.env)
	if err != nil || cfg == nil {
		log.Printf("webhook: config unavailable while processing %s: %v", sourceID, err)
		return
	}

	kind, ok := kindOf(cfg.DatabaseIDs, sourceID)
	if !ok {
		observability.WebhooksReceived.WithLabelValues("unknown_source").Inc()
		log.Printf("webhook: unknown database id %s, skipping", sourceID)
		return
	}

	deleted, errs := i.invalidate(ctx, kind)
	i.bus.Publish(events.TopicInvalidated, map[string]any{
		"kind":   kind,
		"source": sourceID,
		"keys":   deleted,
	})

	end := time.Now()
	logEntry := &model.SyncLog{
		EntityKind:     kind,
		SourceID:       sourceID,
		Method:         model.SyncMethodWebhook,
		Status:         "success",
		ItemsProcessed: deleted,
		ItemsFailed:    len(errs),
		StartTime:      start,
		EndTime:        end,
		DurationMS:     end.Sub(start).Milliseconds(),
		WebhookEventID: eventID,
		Errors:         errs,
	}
	if len(errs) > 0 {
		logEntry.Status = "failed"
	}
	// Best effort: a lost sync log never fails ingestion.
	if err := i.pg.InsertSyncLog(ctx, logEntry); err != nil {
		log.Printf("webhook: failed to record sync log: %v", err)
	}
	log.Printf("webhook: %s invalidated %d keys for kind %s in %v", env.Type, deleted, kind, end.Sub(start))
}

// invalidate clears `<kind>:*` plus the derived keys that embed tasks.
func (i *Ingestor) invalidate(ctx context.Context, kind model.EntityKind) (int, []string) {
	patterns := []string{string(kind) + ":*", string(kind) + "s:all"}
	if kind == model.KindTask {
		patterns = append(patterns, "tasks:calendar:*", "calendar:*")
	}

	deleted := 0
	var errs []string
	for _, p := range patterns {
		n, err := i.store.InvalidatePattern(ctx, p)
		if err != nil {
			// Invalidation errors are swallowed and logged; stale reads are
			// preferable to a failed ingest.
			log.Printf("webhook: invalidate %s: %v", p, err)
			errs = append(errs, err.Error())
			continue
		}
		deleted += n
	}
	return deleted, errs
}

// capture records the request verbatim, infers the secret and auto-disables
// capture mode. The inferred secret becomes the active webhook secret.
func (i *Ingestor) capture(ctx context.Context, cfg *store.NotionConfig, headers http.Header, body []byte) error {
	secret := inferSecret(headers, body)

	cfg.Capture.Enabled = false
	cfg.Capture.Headers = flattenHeaders(headers)
	cfg.Capture.Body = string(body)
	cfg.Audit = append(cfg.Audit, store.AuditEntry{At: time.Now(), Actor: "webhook", Action: "capture"})

	if secret != "" {
		enc, err := i.cipher.Encrypt(secret)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "webhook: encrypt captured secret", err)
		}
		cfg.Capture.Secret = enc
		cfg.WebhookSecret = enc
		log.Printf("webhook: capture mode recorded a secret, HMAC enforcement active")
	} else {
		log.Printf("webhook: capture mode recorded a request with no inferable secret")
	}

	if err := i.pg.UpsertNotionConfig(ctx, cfg); err != nil {
		return apperr.Wrap(apperr.KindInternal, "webhook: persist capture", err)
	}
	observability.WebhooksReceived.WithLabelValues("captured").Inc()
	return nil
}

// EnableCapture arms capture mode for the next delivery. It expires on its
// own after five minutes.
func (i *Ingestor) EnableCapture(ctx context.Context, actor string) error {
	cfg, err := i.pg.GetNotionConfig(ctx, i.env)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &store.NotionConfig{Env: i.env}
	}
	cfg.Capture = store.CaptureBlock{Enabled: true, EnabledAt: time.Now()}
	cfg.Audit = append(cfg.Audit, store.AuditEntry{At: time.Now(), Actor: actor, Action: "enable_capture"})
	return i.pg.UpsertNotionConfig(ctx, cfg)
}

// VerifySignature checks `sha256=<hex>` against HMAC-SHA256(secret, body).
// The comparison is constant time in both the digest and the provided
// signature.
func VerifySignature(secret string, body []byte, header string) bool {
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	providedRaw, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), providedRaw)
}

// Sign computes the signature header value for body. Used by tests and the
// capture echo.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func kindOf(ids map[string]string, databaseID string) (model.EntityKind, bool) {
	for kind, id := range ids {
		if id == databaseID {
			return model.EntityKind(kind), true
		}
	}
	return "", false
}

func inferSecret(headers http.Header, body []byte) string {
	for _, key := range captureHeaderKeys {
		if v := headers.Get(key); v != "" {
			return v
		}
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range captureBodyKeys {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
