package model

import "time"

// EntityKind identifies the five upstream entity kinds plus derived
// aggregates. Lowercase values double as cache key prefixes.
type EntityKind string

const (
	KindTask    EntityKind = "task"
	KindProject EntityKind = "project"
	KindClient  EntityKind = "client"
	KindMember  EntityKind = "member"
	KindTeam    EntityKind = "team"
	// KindCalendar covers derived range aggregates (tasks:calendar:...).
	KindCalendar EntityKind = "calendar"
)

// TaskType distinguishes real work from absence-style entries.
type TaskType string

const (
	TaskTypeTask    TaskType = "task"
	TaskTypeHoliday TaskType = "holiday"
	TaskTypeSchool  TaskType = "school"
	TaskTypeRemote  TaskType = "remote"
)

// TaskStatus is the upstream workflow status.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// WorkPeriod is a half-open date-time interval. Either bound may be nil when
// the upstream record has no dates yet.
type WorkPeriod struct {
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
}

// Overlaps reports whether two periods intersect. Nil bounds never overlap.
func (p WorkPeriod) Overlaps(other WorkPeriod) bool {
	if p.StartDate == nil || p.EndDate == nil || other.StartDate == nil || other.EndDate == nil {
		return false
	}
	return p.StartDate.Before(*other.EndDate) && other.StartDate.Before(*p.EndDate)
}

// Task is the richest entity kind. Relations are stored as ids only; callers
// resolve them lazily through the cache manager.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title" validate:"required"`
	WorkPeriod      WorkPeriod `json:"workPeriod"`
	AssignedMembers []string   `json:"assignedMembers"`
	ProjectID       string     `json:"projectId,omitempty"`
	TaskType        TaskType   `json:"taskType,omitempty"`
	Status          TaskStatus `json:"status,omitempty"`
	BilledHours     float64    `json:"billedHours"`
	ActualHours     float64    `json:"actualHours"`
	AddToCalendar   bool       `json:"addToCalendar"`
	ClientPlanning  bool       `json:"clientPlanning"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Project groups tasks for a client.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ClientID  string    `json:"clientId,omitempty"`
	TaskIDs   []string  `json:"taskIds,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Client is an upstream customer record.
type Client struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ProjectIDs []string  `json:"projectIds,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Member is a person that tasks can be assigned to.
type Member struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TeamID    string    `json:"teamId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Team groups members.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MemberIDs []string  `json:"memberIds,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncFlags is the optimistic-write overlay stored alongside a cached entity.
// The JSON names keep the underscore prefix so cached payloads are
// self-describing to every consumer.
type SyncFlags struct {
	Temporary    bool   `json:"_temporary,omitempty"`
	PendingSync  bool   `json:"_pendingSync,omitempty"`
	Deleted      bool   `json:"_deleted,omitempty"`
	SyncError    bool   `json:"_syncError,omitempty"`
	SyncErrorMsg string `json:"_syncErrorMsg,omitempty"`
}

// CachedTask is a task plus its write-pipeline flags as it lives in the
// cache store.
type CachedTask struct {
	Task
	SyncFlags
}

// TaskPatch is a partial update. Nil fields are left untouched; the queue
// worker merges patches into the cached record in enqueue order.
type TaskPatch struct {
	Title           *string     `json:"title,omitempty"`
	WorkPeriod      *WorkPeriod `json:"workPeriod,omitempty"`
	AssignedMembers *[]string   `json:"assignedMembers,omitempty"`
	ProjectID       *string     `json:"projectId,omitempty"`
	TaskType        *TaskType   `json:"taskType,omitempty"`
	Status          *TaskStatus `json:"status,omitempty"`
	BilledHours     *float64    `json:"billedHours,omitempty"`
	ActualHours     *float64    `json:"actualHours,omitempty"`
	AddToCalendar   *bool       `json:"addToCalendar,omitempty"`
	ClientPlanning  *bool       `json:"clientPlanning,omitempty"`
	Notes           *string     `json:"notes,omitempty"`

	// ExpectedUpdatedAt enables optimistic concurrency on sync updates.
	ExpectedUpdatedAt *time.Time `json:"expectedUpdatedAt,omitempty"`
}

// Apply merges the patch into a copy of t and returns it.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.WorkPeriod != nil {
		t.WorkPeriod = *p.WorkPeriod
	}
	if p.AssignedMembers != nil {
		t.AssignedMembers = append([]string(nil), (*p.AssignedMembers)...)
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	if p.TaskType != nil {
		t.TaskType = *p.TaskType
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.BilledHours != nil {
		t.BilledHours = *p.BilledHours
	}
	if p.ActualHours != nil {
		t.ActualHours = *p.ActualHours
	}
	if p.AddToCalendar != nil {
		t.AddToCalendar = *p.AddToCalendar
	}
	if p.ClientPlanning != nil {
		t.ClientPlanning = *p.ClientPlanning
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	return t
}

// TouchesSchedule reports whether the patch changes dates or assignment,
// which decides whether stale persisted conflicts must be cleared.
func (p TaskPatch) TouchesSchedule() bool {
	return p.WorkPeriod != nil || p.AssignedMembers != nil
}

// ConflictType classifies a detected scheduling conflict.
type ConflictType string

const (
	ConflictOverlap         ConflictType = "overlap"
	ConflictHoliday         ConflictType = "holiday"
	ConflictSchool          ConflictType = "school"
	ConflictOverload        ConflictType = "overload"
	ConflictVersionMismatch ConflictType = "version_mismatch"
)

// ConflictSeverity orders conflicts for display.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// Resolution records how a persisted conflict was settled.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionNotionWins Resolution = "notion_wins"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// Conflict is a persisted conflict record. A task's records are always a
// full snapshot from the latest detection pass, never a partial overlay.
type Conflict struct {
	ID                string           `json:"id"`
	EntityKind        EntityKind       `json:"entityKind"`
	EntityID          string           `json:"entityId"`
	Type              ConflictType     `json:"type"`
	Severity          ConflictSeverity `json:"severity"`
	MemberID          string           `json:"memberId,omitempty"`
	ConflictingTaskID string           `json:"conflictingTaskId,omitempty"`
	DetectedAt        time.Time        `json:"detectedAt"`
	ResolvedAt        *time.Time       `json:"resolvedAt,omitempty"`
	Resolution        Resolution       `json:"resolution"`
	AutoResolved      bool             `json:"autoResolved"`
	AffectedFields    []string         `json:"affectedFields,omitempty"`
	Details           string           `json:"details"`
	LocalData         map[string]any   `json:"localData,omitempty"`
	RemoteData        map[string]any   `json:"remoteData,omitempty"`
}

// SyncLogMethod records what triggered a sync pass.
type SyncLogMethod string

const (
	SyncMethodWebhook   SyncLogMethod = "webhook"
	SyncMethodScheduled SyncLogMethod = "scheduled"
	SyncMethodManual    SyncLogMethod = "manual"
)

// SyncLog is one row per sync pass (webhook invalidation, scheduled refresh
// or manual trigger).
type SyncLog struct {
	ID             string        `json:"id"`
	EntityKind     EntityKind    `json:"entityKind"`
	SourceID       string        `json:"sourceId"`
	Method         SyncLogMethod `json:"method"`
	Status         string        `json:"status"` // success | failed
	ItemsProcessed int           `json:"itemsProcessed"`
	ItemsFailed    int           `json:"itemsFailed"`
	StartTime      time.Time     `json:"startTime"`
	EndTime        time.Time     `json:"endTime"`
	DurationMS     int64         `json:"duration"`
	WebhookEventID string        `json:"webhookEventId,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
}
