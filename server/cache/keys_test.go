package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/planware/syncd/server/model"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "task:abc", Key(model.KindTask, "abc"))
	assert.Equal(t, "members:all", ListKey(model.KindMember))

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "tasks:calendar:start=2026-03-02:end=2026-03-08", CalendarKey(start, end))

	assert.Equal(t, "task", Prefix("task:abc"))
	assert.Equal(t, "tasks", Prefix("tasks:calendar:start=x"))
	assert.Equal(t, "plain", Prefix("plain"))
}

func TestTTLFor(t *testing.T) {
	assert.Equal(t, time.Hour, TTLFor(model.KindTask))
	assert.Equal(t, 24*time.Hour, TTLFor(model.KindProject))
	assert.Equal(t, 12*time.Hour, TTLFor(model.KindClient))
	assert.Equal(t, 7*24*time.Hour, TTLFor(model.KindMember))
	assert.Equal(t, 7*24*time.Hour, TTLFor(model.KindTeam))
	assert.Equal(t, 15*time.Minute, TTLFor(model.KindCalendar))
	assert.Equal(t, time.Hour, TTLFor(model.EntityKind("idempotency")))
}
