package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/planware/syncd/server/model"
)

// Key layout: `<kind>:<id>` for entities, `tasks:calendar:start=<d>:end=<d>`
// for derived range aggregates. The colon hierarchy lets pattern
// invalidation target a whole kind with `<kind>:*`.

// Key builds the cache key for a single entity.
func Key(kind model.EntityKind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

// CalendarKey builds the derived key for a calendar range query.
func CalendarKey(start, end time.Time) string {
	return fmt.Sprintf("tasks:calendar:start=%s:end=%s",
		start.Format("2006-01-02"), end.Format("2006-01-02"))
}

// ListKey builds the derived key for a full listing of one kind.
func ListKey(kind model.EntityKind) string {
	return fmt.Sprintf("%ss:all", kind)
}

// Prefix returns the first key segment, used to label hit/miss metrics.
func Prefix(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// TTLFor returns the time-to-live for a kind. Hot task data expires fast;
// slow-moving org data (members, teams) lives for a week.
func TTLFor(kind model.EntityKind) time.Duration {
	switch kind {
	case model.KindTask:
		return time.Hour
	case model.KindProject:
		return 24 * time.Hour
	case model.KindClient:
		return 12 * time.Hour
	case model.KindMember, model.KindTeam:
		return 7 * 24 * time.Hour
	case model.KindCalendar:
		return 15 * time.Minute
	default:
		return time.Hour
	}
}
