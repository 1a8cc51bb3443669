package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/idempotency"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/ratelimit"
)

func newTestAPI() *API {
	return &API{
		idem: idempotency.NewStore(cache.NewMemoryStore()),
		rec:  observability.NewRecorder(),
	}
}

func TestWithIdempotencyReplays(t *testing.T) {
	a := newTestAPI()

	calls := 0
	handler := a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusCreated, map[string]int{"call": calls})
	})

	do := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{}`))
		if key != "" {
			req.Header.Set("X-Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		handler(rec, req)
		return rec
	}

	first := do("k1")
	assert.Equal(t, http.StatusCreated, first.Code)

	// Same key: recorded response replayed, handler not re-run.
	second := do("k1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)

	// Different key and no key both run the handler.
	do("k2")
	do("")
	assert.Equal(t, 3, calls)
}

func TestWriteErrorMapsKinds(t *testing.T) {
	a := newTestAPI()

	cases := []struct {
		err    error
		status int
		label  string
	}{
		{apperr.New(apperr.KindValidation, "bad"), http.StatusBadRequest, "validation_error"},
		{apperr.New(apperr.KindNotFound, "missing"), http.StatusNotFound, "not_found"},
		{apperr.New(apperr.KindVersionMismatch, "stale"), http.StatusConflict, "version_mismatch"},
		{apperr.New(apperr.KindUpstream, "down"), http.StatusBadGateway, "upstream_failure"},
		{assert.AnError, http.StatusInternalServerError, "internal_error"},
		// A dropped queue slot surfaces as rate limiting, whatever wrapped it.
		{apperr.Wrap(apperr.KindUpstream, "enqueue", ratelimit.ErrDropped), http.StatusTooManyRequests, "rate_limited"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		a.writeError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code)
		assert.Contains(t, rec.Body.String(), tc.label)
	}
}

func TestDecodeJSONRejectsMalformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	var v map[string]any
	err := decodeJSON(req, &v)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAsyncModeDefaultsOn(t *testing.T) {
	assert.True(t, asyncMode(httptest.NewRequest(http.MethodPost, "/tasks", nil)))
	assert.True(t, asyncMode(httptest.NewRequest(http.MethodPost, "/tasks?async=true", nil)))
	assert.False(t, asyncMode(httptest.NewRequest(http.MethodPost, "/tasks?async=false", nil)))
}

func TestStatusOf(t *testing.T) {
	s := statusOf(model.SyncFlags{PendingSync: true, SyncError: true, SyncErrorMsg: "upstream down"})
	assert.True(t, s.Pending)
	assert.False(t, s.Temporary)
	assert.True(t, s.SyncError)
	assert.Equal(t, "upstream down", s.SyncErrorMsg)
}

func TestParseDateParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks/calendar?startDate=2026-03-02&endDate=bogus", nil)

	start, err := parseDateParam(req, "startDate")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", start.Format("2006-01-02"))

	_, err = parseDateParam(req, "endDate")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = parseDateParam(req, "missing")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	rfc := httptest.NewRequest(http.MethodGet, "/x?d=2026-03-02T15:04:05Z", nil)
	got, err := parseDateParam(rfc, "d")
	require.NoError(t, err)
	assert.Equal(t, 15, got.Hour())
}
