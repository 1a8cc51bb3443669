package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActivityTrackerActiveUsers(t *testing.T) {
	a := NewActivityTracker()
	now := time.Now()
	a.now = func() time.Time { return now }

	a.TrackRequest("u1")
	a.TrackRequest("u2")
	a.TrackRequest("u1")
	a.TrackRequest("") // anonymous requests count toward rate only

	snap := a.Snapshot()
	assert.Equal(t, 2, snap.ActiveUsers)
	assert.Equal(t, 4, snap.RequestsPerMin)

	// u2 goes idle past the TTL; the request window also rolls over.
	now = now.Add(activeUserTTL + time.Second)
	a.TrackRequest("u1")

	snap = a.Snapshot()
	assert.Equal(t, 1, snap.ActiveUsers)
	assert.Equal(t, 1, snap.RequestsPerMin)
}

func TestActivityTrackerErrorGrouping(t *testing.T) {
	a := NewActivityTracker()

	a.TrackError("db connection lost")
	a.TrackError("db connection lost")
	a.TrackError("upstream 502")

	snap := a.Snapshot()
	assert.Len(t, snap.RecentErrors, 2)

	byMessage := map[string]int{}
	for _, e := range snap.RecentErrors {
		byMessage[e.Message] = e.Count
	}
	assert.Equal(t, 2, byMessage["db connection lost"])
	assert.Equal(t, 1, byMessage["upstream 502"])
}

func TestActivityTrackerReset(t *testing.T) {
	a := NewActivityTracker()
	a.TrackRequest("u1")
	a.TrackError("boom")

	a.Reset()
	snap := a.Snapshot()
	assert.Zero(t, snap.ActiveUsers)
	assert.Zero(t, snap.RequestsPerMin)
	assert.Empty(t, snap.RecentErrors)
}

func TestRecorderCacheStats(t *testing.T) {
	r := NewRecorder()

	r.RecordCacheAccess("task", true, time.Millisecond)
	r.RecordCacheAccess("task", true, time.Millisecond)
	r.RecordCacheAccess("task", false, 5*time.Millisecond)
	r.RecordCacheAccess("member", true, time.Millisecond)

	snap := r.CacheStats()
	assert.Equal(t, int64(3), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.InDelta(t, 0.75, snap.HitRate, 0.001)
	assert.Equal(t, int64(2), snap.Prefixes["task"].Hits)
	assert.Equal(t, int64(1), snap.Prefixes["task"].Misses)

	r.ResetCache()
	assert.Zero(t, r.CacheStats().Hits)
}
