package syncqueue

import (
	"time"

	"github.com/planware/syncd/server/model"
)

// ItemType is the write intent carried by a queue item.
type ItemType string

const (
	ItemCreate ItemType = "create"
	ItemUpdate ItemType = "update"
	ItemDelete ItemType = "delete"
)

// Item is one pending write. Ownership is exclusive to the queue after
// enqueue; callers hold no reference.
type Item struct {
	ID   string           `json:"id"`
	Type ItemType         `json:"type"`
	Kind model.EntityKind `json:"kind"`

	// EntityID targets the cached record: the synthetic temp id for
	// creates, the real (or not-yet-reconciled temp) id otherwise.
	EntityID string           `json:"entityId"`
	Task     *model.Task      `json:"task,omitempty"`
	Patch    *model.TaskPatch `json:"patch,omitempty"`

	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"maxRetries"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// CreatedEvent is published after a create reconciles its synthetic id.
// Subscribers rewrite dependent state keyed by the temp id.
type CreatedEvent struct {
	TempID string `json:"tempId"`
	RealID string `json:"realId"`
}

// UpdatedEvent is published after an update commits upstream.
type UpdatedEvent struct {
	ID string `json:"id"`
}

// DeletedEvent is published after a delete commits upstream.
type DeletedEvent struct {
	ID string `json:"id"`
}

// FailedEvent is published when an item exhausts its retry budget or hits a
// terminal error. The cache has already been compensated.
type FailedEvent struct {
	ItemID   string   `json:"itemId"`
	EntityID string   `json:"entityId"`
	Type     ItemType `json:"type"`
	Error    string   `json:"error"`
}

// DroppedEvent is published per item evicted on queue overflow or drained
// by an operator ClearQueue.
type DroppedEvent struct {
	ItemID   string   `json:"itemId"`
	EntityID string   `json:"entityId"`
	Type     ItemType `json:"type"`
}

// Metrics is the queue's observability snapshot.
type Metrics struct {
	Queued              int     `json:"queued"`
	Processed           int64   `json:"processed"`
	Failed              int64   `json:"failed"`
	Retries             int64   `json:"retries"`
	Dropped             int64   `json:"dropped"`
	AvgProcessingTimeMS float64 `json:"avgProcessingTimeMs"`
}
