package idempotency

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planware/syncd/server/cache"
)

func TestStoreRoundtrip(t *testing.T) {
	s := NewStore(cache.NewMemoryStore())
	ctx := context.Background()

	_, found := s.Get(ctx, "key-1")
	assert.False(t, found)

	s.Set(ctx, "key-1", Response{
		StatusCode: http.StatusCreated,
		Body:       []byte(`{"id":"temp_abc"}`),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	})

	resp, found := s.Get(ctx, "key-1")
	require.True(t, found)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"temp_abc"}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	// Keys are namespaced away from entity records.
	_, ok, _ := s.cache.Get(ctx, "idempotency:key-1")
	assert.True(t, ok)
}
