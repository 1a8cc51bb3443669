package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(TopicCreated, func(e Event) { got = append(got, e) })
	bus.Subscribe(TopicDeleted, func(e Event) { t.Fatal("wrong topic delivered") })

	bus.Publish(TopicCreated, map[string]string{"tempId": "temp_1", "realId": "abc"})

	require.Len(t, got, 1)
	assert.Equal(t, TopicCreated, got[0].Topic)
	assert.NotEmpty(t, got[0].ID)

	var payload struct {
		TempID string `json:"tempId"`
		RealID string `json:"realId"`
	}
	require.NoError(t, got[0].Decode(&payload))
	assert.Equal(t, "temp_1", payload.TempID)
	assert.Equal(t, "abc", payload.RealID)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsub := bus.Subscribe(TopicUpdated, func(Event) { calls++ })
	bus.Publish(TopicUpdated, nil)
	unsub()
	bus.Publish(TopicUpdated, nil)

	assert.Equal(t, 1, calls)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(TopicFailed, func(Event) { panic("handler bug") })
	delivered := false
	bus.Subscribe(TopicFailed, func(Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(TopicFailed, nil) })
	assert.True(t, delivered, "other handlers still run")
}
