package observability

import (
	"sync"
	"time"
)

const (
	activeUserTTL     = 5 * time.Minute
	requestRateWindow = 60 * time.Second
	errorRingSize     = 100
	errorGroupTTL    = 24 * time.Hour
)

// ActivityTracker keeps a rolling view of who is using the API and what is
// going wrong, for the dashboard endpoint.
type ActivityTracker struct {
	mu        sync.Mutex
	lastSeen  map[string]time.Time
	requests  []time.Time
	errors    []*trackedError
	now       func() time.Time
}

type trackedError struct {
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// TrackRequest records a request from userID (may be empty for anonymous).
func (a *ActivityTracker) TrackRequest(userID string) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	if userID != "" {
		a.lastSeen[userID] = now
	}
	a.requests = append(a.requests, now)
	a.pruneLocked(now)
}

// TrackError records an error message, grouping identical messages within
// the 24h window.
func (a *ActivityTracker) TrackError(message string) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.errors {
		if e.Message == message && now.Sub(e.FirstSeen) < errorGroupTTL {
			e.Count++
			e.LastSeen = now
			return
		}
	}
	a.errors = append(a.errors, &trackedError{
		Message:   message,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	})
	if len(a.errors) > errorRingSize {
		a.errors = a.errors[len(a.errors)-errorRingSize:]
	}
}

// ActivitySnapshot is the dashboard view of the tracker.
type ActivitySnapshot struct {
	ActiveUsers     int            `json:"activeUsers"`
	RequestsPerMin  int            `json:"requestsPerMinute"`
	RecentErrors    []trackedError `json:"recentErrors"`
}

// Snapshot returns the current rolling counters.
func (a *ActivityTracker) Snapshot() ActivitySnapshot {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(now)

	snap := ActivitySnapshot{
		ActiveUsers:    len(a.lastSeen),
		RequestsPerMin: len(a.requests),
	}
	for _, e := range a.errors {
		if now.Sub(e.LastSeen) < errorGroupTTL {
			snap.RecentErrors = append(snap.RecentErrors, *e)
		}
	}
	return snap
}

// Reset clears all rolling state.
func (a *ActivityTracker) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen = make(map[string]time.Time)
	a.requests = nil
	a.errors = nil
}

func (a *ActivityTracker) pruneLocked(now time.Time) {
	for id, seen := range a.lastSeen {
		if now.Sub(seen) > activeUserTTL {
			delete(a.lastSeen, id)
		}
	}
	cutoff := now.Add(-requestRateWindow)
	i := 0
	for i < len(a.requests) && a.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.requests = a.requests[i:]
	}
}
