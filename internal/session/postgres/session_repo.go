// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package postgres implements session persistence using PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/session"
)

// Querier is the subset of pgxpool.Pool used by the repository.
// pgxmock satisfies it in unit tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionRepository implements session.Repository using PostgreSQL.
type SessionRepository struct {
	db Querier
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db Querier) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, secret_hash, owner_id, type, status, device_type, device_id, ip, user_agent, location, permissions, preferences, metadata, created_at, last_activity_at, expires_at`

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, sess *session.Session) error {
	preferences, err := encodeJSON(sess.Preferences)
	if err != nil {
		return oops.Code("SESSION_ENCODE_FAILED").
			With("session_id", sess.ID.String()).
			Wrap(err)
	}
	metadata, err := encodeJSON(sess.Metadata)
	if err != nil {
		return oops.Code("SESSION_ENCODE_FAILED").
			With("session_id", sess.ID.String()).
			Wrap(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO sessions (id, secret_hash, owner_id, type, status, device_type, device_id, ip, user_agent, location, permissions, preferences, metadata, created_at, last_activity_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		sess.ID.String(),
		sess.SecretHash,
		sess.OwnerID.String(),
		string(sess.Type),
		string(sess.Status),
		string(sess.DeviceType),
		sess.DeviceID,
		sess.IP,
		sess.UserAgent,
		sess.Location,
		sess.Permissions,
		preferences,
		metadata,
		sess.CreatedAt,
		sess.LastActivityAt,
		sess.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("SESSION_DUPLICATE_HASH").
				With("session_id", sess.ID.String()).
				Wrap(err)
		}
		return storageErr("SESSION_CREATE_FAILED", "insert session", err)
	}
	return nil
}

// GetBySecretHash retrieves a session by its secret hash.
func (r *SessionRepository) GetBySecretHash(ctx context.Context, secretHash string) (*session.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE secret_hash = $1
	`, secretHash)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(credential.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("SESSION_GET_BY_HASH_FAILED", "get session by secret hash", err)
	}
	return sess, nil
}

// ListByOwner retrieves an owner's sessions, newest first.
func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID ulid.ULID, activeOnly bool) ([]*session.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`
	args := []any{ownerID.String()}
	if activeOnly {
		query = `
			SELECT ` + sessionColumns + `
			FROM sessions
			WHERE owner_id = $1 AND status = $2
			ORDER BY created_at DESC
		`
		args = append(args, string(session.StatusActive))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("SESSION_LIST_FAILED", "list sessions for owner", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// UpdateActivity bumps the last-activity timestamp.
func (r *SessionRepository) UpdateActivity(ctx context.Context, id ulid.ULID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET last_activity_at = $2
		WHERE id = $1
	`, id.String(), at)
	if err != nil {
		return storageErr("SESSION_UPDATE_ACTIVITY_FAILED", "update last_activity_at", err)
	}
	return nil
}

// UpdateExpiry sets a new expiry and bumps last-activity for active
// sessions only.
func (r *SessionRepository) UpdateExpiry(ctx context.Context, id ulid.ULID, expiresAt, lastActivity time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions
		SET expires_at = $2, last_activity_at = $3
		WHERE id = $1 AND status = $4
	`, id.String(), expiresAt, lastActivity, string(session.StatusActive))
	if err != nil {
		return false, storageErr("SESSION_UPDATE_EXPIRY_FAILED", "update session expiry", err)
	}
	return result.RowsAffected() > 0, nil
}

// Terminate transitions an active or suspended session to terminated.
// The WHERE clause is the arbiter under concurrency: exactly one caller
// observes RowsAffected == 1.
func (r *SessionRepository) Terminate(ctx context.Context, id ulid.ULID, at time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions
		SET status = $2, last_activity_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`,
		id.String(),
		string(session.StatusTerminated),
		at,
		string(session.StatusActive),
		string(session.StatusSuspended),
	)
	if err != nil {
		return false, storageErr("SESSION_TERMINATE_FAILED", "terminate session", err)
	}
	return result.RowsAffected() > 0, nil
}

// TerminateAllForOwner terminates every live session for the owner
// except excludeID and returns the terminated rows.
func (r *SessionRepository) TerminateAllForOwner(ctx context.Context, ownerID, excludeID ulid.ULID, at time.Time) ([]*session.Session, error) {
	exclude := ""
	if excludeID.Compare(ulid.ULID{}) != 0 {
		exclude = excludeID.String()
	}

	rows, err := r.db.Query(ctx, `
		UPDATE sessions
		SET status = $2, last_activity_at = $3
		WHERE owner_id = $1 AND status IN ($4, $5) AND id <> $6
		RETURNING `+sessionColumns+`
	`,
		ownerID.String(),
		string(session.StatusTerminated),
		at,
		string(session.StatusActive),
		string(session.StatusSuspended),
		exclude,
	)
	if err != nil {
		return nil, storageErr("SESSION_TERMINATE_ALL_FAILED", "terminate sessions for owner", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// SetStatus transitions a session between statuses with a conditional
// update.
func (r *SessionRepository) SetStatus(ctx context.Context, id ulid.ULID, from, to session.Status) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions SET status = $3
		WHERE id = $1 AND status = $2
	`, id.String(), string(from), string(to))
	if err != nil {
		return false, storageErr("SESSION_SET_STATUS_FAILED", "set session status", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkExpired transitions a session from active to expired. Idempotent.
func (r *SessionRepository) MarkExpired(ctx context.Context, id ulid.ULID) (bool, error) {
	return r.SetStatus(ctx, id, session.StatusActive, session.StatusExpired)
}

// ListExpired returns active sessions whose expiry has passed.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*session.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, string(session.StatusActive), now, limit)
	if err != nil {
		return nil, storageErr("SESSION_LIST_EXPIRED_FAILED", "list expired sessions", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// Stats aggregates session counts by status, type, and device. A zero
// owner aggregates across all owners.
func (r *SessionRepository) Stats(ctx context.Context, ownerID ulid.ULID) (*session.Statistics, error) {
	query := `
		SELECT status, type, device_type, COUNT(*)
		FROM sessions
		GROUP BY status, type, device_type
	`
	args := []any{}
	if ownerID.Compare(ulid.ULID{}) != 0 {
		query = `
			SELECT status, type, device_type, COUNT(*)
			FROM sessions
			WHERE owner_id = $1
			GROUP BY status, type, device_type
		`
		args = append(args, ownerID.String())
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("SESSION_STATS_FAILED", "aggregate session stats", err)
	}
	defer rows.Close()

	stats := &session.Statistics{
		ByStatus: make(map[session.Status]int),
		ByType:   make(map[session.Type]int),
		ByDevice: make(map[session.DeviceType]int),
	}
	for rows.Next() {
		var (
			statusStr string
			typeStr   string
			deviceStr string
			count     int
		)
		if err := rows.Scan(&statusStr, &typeStr, &deviceStr, &count); err != nil {
			return nil, oops.Code("SESSION_SCAN_FAILED").
				With("operation", "scan stats row").
				Wrap(err)
		}
		stats.Total += count
		stats.ByStatus[session.Status(statusStr)] += count
		stats.ByType[session.Type(typeStr)] += count
		stats.ByDevice[session.DeviceType(deviceStr)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("SESSION_ROWS_ERROR", "iterate stats rows", err)
	}
	return stats, nil
}

func collectSessions(rows pgx.Rows) ([]*session.Session, error) {
	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, oops.Code("SESSION_SCAN_FAILED").
				With("operation", "scan session row").
				Wrap(err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("SESSION_ROWS_ERROR", "iterate session rows", err)
	}
	return sessions, nil
}

// scanSession scans a single row into a Session. Callers handle
// pgx.ErrNoRows.
func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		idStr          string
		secretHash     string
		ownerIDStr     string
		typeStr        string
		statusStr      string
		deviceTypeStr  string
		deviceID       string
		ip             string
		userAgent      string
		location       string
		permissions    []string
		preferencesRaw []byte
		metadataRaw    []byte
		createdAt      time.Time
		lastActivityAt time.Time
		expiresAt      time.Time
	)

	err := row.Scan(&idStr, &secretHash, &ownerIDStr, &typeStr, &statusStr, &deviceTypeStr,
		&deviceID, &ip, &userAgent, &location, &permissions, &preferencesRaw, &metadataRaw,
		&createdAt, &lastActivityAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("id", idStr).
			Wrap(err)
	}
	ownerID, err := ulid.Parse(ownerIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_OWNER_ID").
			With("owner_id", ownerIDStr).
			Wrap(err)
	}

	preferences, err := decodeJSON(preferencesRaw)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_PREFERENCES").
			With("id", idStr).
			Wrap(err)
	}
	metadata, err := decodeJSON(metadataRaw)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_METADATA").
			With("id", idStr).
			Wrap(err)
	}

	return &session.Session{
		ID:             id,
		SecretHash:     secretHash,
		OwnerID:        ownerID,
		Type:           session.Type(typeStr),
		Status:         session.Status(statusStr),
		DeviceType:     session.DeviceType(deviceTypeStr),
		DeviceID:       deviceID,
		IP:             ip,
		UserAgent:      userAgent,
		Location:       location,
		Permissions:    permissions,
		Preferences:    preferences,
		Metadata:       metadata,
		CreatedAt:      createdAt,
		LastActivityAt: lastActivityAt,
		ExpiresAt:      expiresAt,
	}, nil
}

func encodeJSON(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m) //nolint:wrapcheck // callers wrap with record context
}

func decodeJSON(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with record context
	}
	return m, nil
}

// storageErr wraps a database failure so callers can classify it as
// transient via credential.ErrStorageUnavailable.
func storageErr(code, operation string, err error) error {
	return oops.Code(code).
		With("operation", operation).
		Wrap(errors.Join(credential.ErrStorageUnavailable, err))
}

// Compile-time interface check.
var _ session.Repository = (*SessionRepository)(nil)
