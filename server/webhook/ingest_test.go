package webhook

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/events"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/store"
)

type fakeConfigStore struct {
	cfg  *store.NotionConfig
	logs []*model.SyncLog
}

func (f *fakeConfigStore) GetNotionConfig(ctx context.Context, env string) (*store.NotionConfig, error) {
	return f.cfg, nil
}

func (f *fakeConfigStore) UpsertNotionConfig(ctx context.Context, c *store.NotionConfig) error {
	f.cfg = c
	return nil
}

func (f *fakeConfigStore) InsertSyncLog(ctx context.Context, l *model.SyncLog) error {
	f.logs = append(f.logs, l)
	return nil
}

func newTestIngestor(t *testing.T, secret string) (*Ingestor, *fakeConfigStore, cache.Store) {
	t.Helper()
	cipher := store.NewCipher("test-encryption-key")
	cfg := &store.NotionConfig{
		Env:         "test",
		DatabaseIDs: map[string]string{"task": "db-tasks", "member": "db-members"},
	}
	if secret != "" {
		enc, err := cipher.Encrypt(secret)
		require.NoError(t, err)
		cfg.WebhookSecret = enc
	}
	pg := &fakeConfigStore{cfg: cfg}
	cacheStore := cache.NewMemoryStore()
	return NewIngestor("test", pg, cacheStore, cipher, events.NewBus()), pg, cacheStore
}

func TestAcceptValidSignature(t *testing.T) {
	ing, _, _ := newTestIngestor(t, "hook-secret")

	body := []byte(`{"type":"page.updated","data":{"id":"p1","parent":{"database_id":"db-tasks"}}}`)
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("hook-secret", body))

	env, err := ing.Accept(context.Background(), headers, body)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "page.updated", env.Type)
	assert.Equal(t, "db-tasks", env.SourceID())
}

func TestAcceptRejectsTamperedBody(t *testing.T) {
	ing, _, _ := newTestIngestor(t, "hook-secret")

	body := []byte(`{"type":"page.updated","data":{"id":"p1"}}`)
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("hook-secret", body))

	// One flipped byte invalidates the digest.
	tampered := append([]byte(nil), body...)
	tampered[10] ^= 0x01

	_, err := ing.Accept(context.Background(), headers, tampered)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAcceptRejectsMissingOrMalformedSignature(t *testing.T) {
	ing, _, _ := newTestIngestor(t, "hook-secret")
	body := []byte(`{}`)

	_, err := ing.Accept(context.Background(), http.Header{}, body)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	headers := http.Header{}
	headers.Set(SignatureHeader, "md5=abcdef")
	_, err = ing.Accept(context.Background(), headers, body)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAcceptWithoutConfiguredSecret(t *testing.T) {
	ing, _, _ := newTestIngestor(t, "")

	_, err := ing.Accept(context.Background(), http.Header{}, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestCaptureModeRecordsSecret(t *testing.T) {
	ing, pg, _ := newTestIngestor(t, "")
	ctx := context.Background()

	require.NoError(t, ing.EnableCapture(ctx, "admin-1"))
	assert.True(t, pg.cfg.Capture.Enabled)

	headers := http.Header{}
	headers.Set("X-Hook-Secret", "captured-secret")
	env, err := ing.Accept(ctx, headers, []byte(`{"type":"setup"}`))
	require.NoError(t, err)
	assert.Nil(t, env, "capture consumes the request")

	// Capture auto-disables and the secret becomes active.
	assert.False(t, pg.cfg.Capture.Enabled)
	require.NotEmpty(t, pg.cfg.WebhookSecret)

	// Next delivery must verify against the captured secret.
	body := []byte(`{"type":"page.updated","data":{"id":"p1","parent":{"database_id":"db-tasks"}}}`)
	signed := http.Header{}
	signed.Set(SignatureHeader, Sign("captured-secret", body))
	env, err = ing.Accept(ctx, signed, body)
	require.NoError(t, err)
	assert.NotNil(t, env)
}

func TestCaptureModeExpires(t *testing.T) {
	ing, pg, _ := newTestIngestor(t, "hook-secret")
	ctx := context.Background()

	pg.cfg.Capture = store.CaptureBlock{Enabled: true, EnabledAt: time.Now().Add(-6 * time.Minute)}

	body := []byte(`{"type":"page.updated","data":{"id":"p1","parent":{"database_id":"db-tasks"}}}`)
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("hook-secret", body))

	// Past the window: capture disables itself and HMAC applies as usual.
	env, err := ing.Accept(ctx, headers, body)
	require.NoError(t, err)
	assert.NotNil(t, env)
	assert.False(t, pg.cfg.Capture.Enabled)
}

func TestProcessInvalidatesKindPrefixes(t *testing.T) {
	ing, pg, cacheStore := newTestIngestor(t, "hook-secret")
	ctx := context.Background()

	seed := []string{"task:t1", "task:t2", "tasks:all", "tasks:calendar:w1", "member:m1"}
	for _, key := range seed {
		require.NoError(t, cacheStore.Set(ctx, key, "v", model.KindTask))
	}

	var env Envelope
	env.Type = "page.updated"
	env.Data.ID = "p1"
	env.Data.Parent.DatabaseID = "db-tasks"
	ing.Process(ctx, env, "evt-1")

	// Task prefixes cleared, member untouched.
	for _, key := range []string{"task:t1", "task:t2", "tasks:all", "tasks:calendar:w1"} {
		_, ok, _ := cacheStore.Get(ctx, key)
		assert.False(t, ok, key)
	}
	_, ok, _ := cacheStore.Get(ctx, "member:m1")
	assert.True(t, ok)

	// One sync log row with the webhook method.
	require.Len(t, pg.logs, 1)
	assert.Equal(t, model.SyncMethodWebhook, pg.logs[0].Method)
	assert.Equal(t, model.KindTask, pg.logs[0].EntityKind)
	assert.Equal(t, "evt-1", pg.logs[0].WebhookEventID)
	assert.Equal(t, "success", pg.logs[0].Status)
}

func TestProcessUnknownSourceSkips(t *testing.T) {
	ing, pg, _ := newTestIngestor(t, "hook-secret")

	var env Envelope
	env.Data.Parent.DatabaseID = "db-unknown"
	ing.Process(context.Background(), env, "evt-2")

	assert.Empty(t, pg.logs, "unknown sources produce no sync log")
}

func TestSignVerifyRoundtrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte("{}"), sig))
	assert.False(t, VerifySignature("s3cret", body, "not-a-signature"))
}
