package store

import (
	"time"
)

// User is a local account. Credentials never leave this system; the
// upstream only knows member ids.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	Role          string     `json:"role"` // admin | member | viewer
	MemberID      string     `json:"memberId,omitempty"`
	FailedLogins  int        `json:"-"`
	LockedUntil   *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// RefreshToken is one member of a rotation family. Reusing a revoked token
// burns the whole family.
type RefreshToken struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"-"`
	UserID    string    `json:"userId"`
	FamilyID  string    `json:"familyId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"createdAt"`
}

// CaptureBlock is the one-shot webhook capture state. When enabled, the
// next webhook request is recorded verbatim and capture auto-disables.
type CaptureBlock struct {
	Enabled   bool              `json:"enabled"`
	EnabledAt time.Time         `json:"enabledAt,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Secret    string            `json:"secret,omitempty"` // inferred, encrypted at rest
}

// AuditEntry records config mutations for operators.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
}

// NotionConfig is the single per-environment configuration document:
// encrypted upstream credentials plus the database-id map.
type NotionConfig struct {
	Env            string            `json:"env"`
	TokenCipher    string            `json:"-"` // aes-256-ctr, iv_hex:cipher_hex
	WebhookSecret  string            `json:"-"` // same encoding
	DatabaseIDs    map[string]string `json:"databaseIds"` // kind -> database id
	Capture        CaptureBlock      `json:"capture"`
	Audit          []AuditEntry      `json:"audit,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}
