// Package idempotency replays recorded responses for repeated write
// requests carrying the same X-Idempotency-Key, so client retries of a
// create never enqueue the work twice.
package idempotency

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/planware/syncd/server/cache"
	"github.com/planware/syncd/server/model"
)

const keyPrefix = "idempotency:"

// kind drives the TTL; the cache store's default (1h) is the replay window.
const kind = model.EntityKind("idempotency")

// Response is the recorded outcome of the first request.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Body       []byte      `json:"body"`
	Header     http.Header `json:"header"`
}

// Store keeps recorded responses in the shared cache so replays survive a
// cache-backed deployment's process restarts.
type Store struct {
	cache cache.Store
}

// NewStore wraps the cache store.
func NewStore(c cache.Store) *Store {
	return &Store{cache: c}
}

// Get returns the recorded response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	raw, ok, err := s.cache.Get(ctx, keyPrefix+key)
	if err != nil || !ok {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

// Set records a response. Failures are ignored; idempotency is best effort.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	_ = s.cache.Set(ctx, keyPrefix+key, resp, kind)
}
