package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planware/syncd/server/model"
)

// Postgres is the document store behind users, refresh tokens, sync logs,
// conflict records and the per-environment upstream config.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres initializes the connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping reports backend reachability for the health endpoint.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *Postgres) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	query := `
		INSERT INTO users (id, email, password_hash, role, member_id, failed_logins, locked_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NULL, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query, u.ID, u.Email, u.PasswordHash, u.Role, u.MemberID)
	return err
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, password_hash, role, COALESCE(member_id, ''), failed_logins, locked_until, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u User
	err := s.pool.QueryRow(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.MemberID,
		&u.FailedLogins, &u.LockedUntil, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Postgres) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, email, password_hash, role, COALESCE(member_id, ''), failed_logins, locked_until, created_at, updated_at
		FROM users WHERE id = $1
	`
	var u User
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.MemberID,
		&u.FailedLogins, &u.LockedUntil, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RecordFailedLogin bumps the lockout counter and locks the account for 15
// minutes after 5 consecutive failures.
func (s *Postgres) RecordFailedLogin(ctx context.Context, userID string) error {
	query := `
		UPDATE users SET
			failed_logins = failed_logins + 1,
			locked_until = CASE WHEN failed_logins + 1 >= 5 THEN NOW() + INTERVAL '15 minutes' ELSE locked_until END,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, userID)
	return err
}

func (s *Postgres) ResetLockout(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET failed_logins = 0, locked_until = NULL, updated_at = NOW() WHERE id = $1`, userID)
	return err
}

// --- Refresh tokens ---

func (s *Postgres) InsertRefreshToken(ctx context.Context, t *RefreshToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	query := `
		INSERT INTO refresh_tokens (id, token_hash, user_id, family_id, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, false, NOW())
	`
	_, err := s.pool.Exec(ctx, query, t.ID, t.TokenHash, t.UserID, t.FamilyID, t.ExpiresAt)
	return err
}

func (s *Postgres) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT id, token_hash, user_id, family_id, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token_hash = $1
	`
	var t RefreshToken
	err := s.pool.QueryRow(ctx, query, tokenHash).Scan(
		&t.ID, &t.TokenHash, &t.UserID, &t.FamilyID, &t.ExpiresAt, &t.Revoked, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeToken marks a single token used (normal rotation).
func (s *Postgres) RevokeToken(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE id = $1`, id)
	return err
}

// RevokeFamily burns every token in a family. Called on refresh-token reuse.
func (s *Postgres) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE family_id = $1`, familyID)
	return err
}

// DeleteExpiredTokens prunes tokens past their expiry.
func (s *Postgres) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Sync logs ---

func (s *Postgres) InsertSyncLog(ctx context.Context, l *model.SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	errsJSON, err := json.Marshal(l.Errors)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sync_logs (id, entity_kind, source_id, method, status, items_processed, items_failed,
			start_time, end_time, duration_ms, webhook_event_id, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.pool.Exec(ctx, query,
		l.ID, l.EntityKind, l.SourceID, l.Method, l.Status, l.ItemsProcessed, l.ItemsFailed,
		l.StartTime, l.EndTime, l.DurationMS, nullable(l.WebhookEventID), errsJSON,
	)
	return err
}

func (s *Postgres) ListSyncLogs(ctx context.Context, limit int) ([]model.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, entity_kind, source_id, method, status, items_processed, items_failed,
			start_time, end_time, duration_ms, COALESCE(webhook_event_id, ''), errors
		FROM sync_logs ORDER BY start_time DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.SyncLog
	for rows.Next() {
		var l model.SyncLog
		var errsJSON []byte
		if err := rows.Scan(&l.ID, &l.EntityKind, &l.SourceID, &l.Method, &l.Status,
			&l.ItemsProcessed, &l.ItemsFailed, &l.StartTime, &l.EndTime, &l.DurationMS,
			&l.WebhookEventID, &errsJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(errsJSON, &l.Errors)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Conflict records ---

// ReplaceConflictsForTask swaps the full conflict snapshot for one task:
// delete-by-filter then insert-many inside one transaction. Concurrent
// detection passes on the same task race and the later one wins.
func (s *Postgres) ReplaceConflictsForTask(ctx context.Context, taskID string, conflicts []model.Conflict) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conflict_logs WHERE entity_kind = 'task' AND entity_id = $1`, taskID); err != nil {
		return err
	}

	for i := range conflicts {
		c := &conflicts[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		affected, err := json.Marshal(c.AffectedFields)
		if err != nil {
			return err
		}
		local, err := json.Marshal(c.LocalData)
		if err != nil {
			return err
		}
		remote, err := json.Marshal(c.RemoteData)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO conflict_logs (id, entity_kind, entity_id, type, severity, member_id,
				conflicting_task_id, detected_at, resolved_at, resolution, auto_resolved,
				affected_fields, details, local_data, remote_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`
		if _, err := tx.Exec(ctx, query,
			c.ID, c.EntityKind, c.EntityID, c.Type, c.Severity,
			nullable(c.MemberID), nullable(c.ConflictingTaskID),
			c.DetectedAt, c.ResolvedAt, c.Resolution, c.AutoResolved,
			affected, c.Details, local, remote,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ListConflictsForTask(ctx context.Context, taskID string) ([]model.Conflict, error) {
	query := `
		SELECT id, entity_kind, entity_id, type, severity, COALESCE(member_id, ''),
			COALESCE(conflicting_task_id, ''), detected_at, resolved_at, resolution,
			auto_resolved, affected_fields, details, local_data, remote_data
		FROM conflict_logs WHERE entity_kind = 'task' AND entity_id = $1
		ORDER BY detected_at DESC
	`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func (s *Postgres) ListUnresolvedConflicts(ctx context.Context, limit int) ([]model.Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, entity_kind, entity_id, type, severity, COALESCE(member_id, ''),
			COALESCE(conflicting_task_id, ''), detected_at, resolved_at, resolution,
			auto_resolved, affected_fields, details, local_data, remote_data
		FROM conflict_logs WHERE resolution = 'pending'
		ORDER BY detected_at DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// RewriteConflictTaskID repoints persisted conflicts after a synthetic
// create id reconciles to its real upstream id.
func (s *Postgres) RewriteConflictTaskID(ctx context.Context, oldID, newID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conflict_logs SET entity_id = $2 WHERE entity_kind = 'task' AND entity_id = $1`,
		oldID, newID)
	return err
}

// ResolveConflict stamps a resolution on one record.
func (s *Postgres) ResolveConflict(ctx context.Context, id string, resolution model.Resolution) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conflict_logs SET resolution = $2, resolved_at = NOW() WHERE id = $1`,
		id, resolution)
	return err
}

// PruneResolvedConflicts deletes records resolved more than 90 days ago.
// Unresolved records are never pruned.
func (s *Postgres) PruneResolvedConflicts(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conflict_logs WHERE resolved_at IS NOT NULL AND resolved_at < NOW() - INTERVAL '90 days'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanConflicts(rows pgx.Rows) ([]model.Conflict, error) {
	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var affected, local, remote []byte
		if err := rows.Scan(&c.ID, &c.EntityKind, &c.EntityID, &c.Type, &c.Severity,
			&c.MemberID, &c.ConflictingTaskID, &c.DetectedAt, &c.ResolvedAt,
			&c.Resolution, &c.AutoResolved, &affected, &c.Details, &local, &remote); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(affected, &c.AffectedFields)
		_ = json.Unmarshal(local, &c.LocalData)
		_ = json.Unmarshal(remote, &c.RemoteData)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Notion config ---

func (s *Postgres) GetNotionConfig(ctx context.Context, env string) (*NotionConfig, error) {
	query := `
		SELECT env, COALESCE(token_cipher, ''), COALESCE(webhook_secret_cipher, ''),
			database_ids, capture, audit, updated_at
		FROM notion_configs WHERE env = $1
	`
	var c NotionConfig
	var dbIDs, capture, audit []byte
	err := s.pool.QueryRow(ctx, query, env).Scan(
		&c.Env, &c.TokenCipher, &c.WebhookSecret, &dbIDs, &capture, &audit, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(dbIDs, &c.DatabaseIDs)
	_ = json.Unmarshal(capture, &c.Capture)
	_ = json.Unmarshal(audit, &c.Audit)
	return &c, nil
}

// UpsertNotionConfig writes the whole config document. env is unique.
func (s *Postgres) UpsertNotionConfig(ctx context.Context, c *NotionConfig) error {
	dbIDs, err := json.Marshal(c.DatabaseIDs)
	if err != nil {
		return err
	}
	capture, err := json.Marshal(c.Capture)
	if err != nil {
		return err
	}
	audit, err := json.Marshal(c.Audit)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO notion_configs (env, token_cipher, webhook_secret_cipher, database_ids, capture, audit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (env) DO UPDATE SET
			token_cipher = EXCLUDED.token_cipher,
			webhook_secret_cipher = EXCLUDED.webhook_secret_cipher,
			database_ids = EXCLUDED.database_ids,
			capture = EXCLUDED.capture,
			audit = EXCLUDED.audit,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, c.Env, c.TokenCipher, c.WebhookSecret, dbIDs, capture, audit)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
