// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package postgres implements token persistence using PostgreSQL.
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
	"github.com/stayware/gatekeeper/internal/token"
)

// Querier is the subset of pgxpool.Pool used by the repository.
// pgxmock satisfies it in unit tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TokenRepository implements token.Repository using PostgreSQL.
type TokenRepository struct {
	db Querier
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db Querier) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, secret_hash, type, status, owner_id, scope, metadata, created_at, expires_at, last_used_at, revoked_at, revoked_reason`

// Create stores a new token.
func (r *TokenRepository) Create(ctx context.Context, t *token.Token) error {
	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return oops.Code("TOKEN_ENCODE_FAILED").
			With("token_id", t.ID.String()).
			Wrap(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO tokens (id, secret_hash, type, status, owner_id, scope, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		t.ID.String(),
		t.SecretHash,
		string(t.Type),
		string(t.Status),
		t.OwnerID.String(),
		t.Scope,
		metadata,
		t.CreatedAt,
		t.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("TOKEN_DUPLICATE_HASH").
				With("token_id", t.ID.String()).
				Wrap(err)
		}
		return storageErr("TOKEN_CREATE_FAILED", "insert token", err)
	}
	return nil
}

// GetByID retrieves a token by its ID.
func (r *TokenRepository) GetByID(ctx context.Context, id ulid.ULID) (*token.Token, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE id = $1
	`, id.String())

	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").
			With("id", id.String()).
			Wrap(credential.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("TOKEN_GET_BY_ID_FAILED", "get token by id", err)
	}
	return t, nil
}

// GetBySecretHash retrieves a token by its secret hash.
func (r *TokenRepository) GetBySecretHash(ctx context.Context, secretHash string) (*token.Token, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE secret_hash = $1
	`, secretHash)

	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(credential.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("TOKEN_GET_BY_HASH_FAILED", "get token by secret hash", err)
	}
	return t, nil
}

// Revoke transitions a token to revoked if it is active or suspended.
// The WHERE clause is the arbiter under concurrency: exactly one caller
// observes RowsAffected == 1.
func (r *TokenRepository) Revoke(ctx context.Context, id ulid.ULID, reason string, at time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE tokens
		SET status = $2, revoked_at = $3, revoked_reason = $4
		WHERE id = $1 AND status IN ($5, $6)
	`,
		id.String(),
		string(token.StatusRevoked),
		at,
		reason,
		string(token.StatusActive),
		string(token.StatusSuspended),
	)
	if err != nil {
		return false, storageErr("TOKEN_REVOKE_FAILED", "revoke token", err)
	}
	return result.RowsAffected() > 0, nil
}

// RevokeAllForOwner revokes every active token for the owner except
// excludeID and returns the revoked rows.
func (r *TokenRepository) RevokeAllForOwner(ctx context.Context, ownerID, excludeID ulid.ULID, reason string, at time.Time) ([]*token.Token, error) {
	exclude := ""
	if excludeID.Compare(ulid.ULID{}) != 0 {
		exclude = excludeID.String()
	}

	rows, err := r.db.Query(ctx, `
		UPDATE tokens
		SET status = $2, revoked_at = $3, revoked_reason = $4
		WHERE owner_id = $1 AND status = $5 AND id <> $6
		RETURNING `+tokenColumns+`
	`,
		ownerID.String(),
		string(token.StatusRevoked),
		at,
		reason,
		string(token.StatusActive),
		exclude,
	)
	if err != nil {
		return nil, storageErr("TOKEN_REVOKE_ALL_FAILED", "revoke tokens for owner", err)
	}
	defer rows.Close()

	return collectTokens(rows)
}

// MarkExpired transitions a token from active to expired. Idempotent.
func (r *TokenRepository) MarkExpired(ctx context.Context, id ulid.ULID) (bool, error) {
	return r.SetStatus(ctx, id, token.StatusActive, token.StatusExpired)
}

// SetStatus transitions a token between statuses with a conditional
// update.
func (r *TokenRepository) SetStatus(ctx context.Context, id ulid.ULID, from, to token.Status) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE tokens SET status = $3
		WHERE id = $1 AND status = $2
	`, id.String(), string(from), string(to))
	if err != nil {
		return false, storageErr("TOKEN_SET_STATUS_FAILED", "set token status", err)
	}
	return result.RowsAffected() > 0, nil
}

// UpdateLastUsed bumps the last-used timestamp.
func (r *TokenRepository) UpdateLastUsed(ctx context.Context, id ulid.ULID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tokens SET last_used_at = $2
		WHERE id = $1
	`, id.String(), at)
	if err != nil {
		return storageErr("TOKEN_UPDATE_LAST_USED_FAILED", "update last_used_at", err)
	}
	return nil
}

// ListExpired returns active tokens whose expiry has passed.
func (r *TokenRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*token.Token, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, string(token.StatusActive), now, limit)
	if err != nil {
		return nil, storageErr("TOKEN_LIST_EXPIRED_FAILED", "list expired tokens", err)
	}
	defer rows.Close()

	return collectTokens(rows)
}

func collectTokens(rows pgx.Rows) ([]*token.Token, error) {
	var tokens []*token.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, oops.Code("TOKEN_SCAN_FAILED").
				With("operation", "scan token row").
				Wrap(err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("TOKEN_ROWS_ERROR", "iterate token rows", err)
	}
	return tokens, nil
}

// scanToken scans a single row into a Token. Callers handle
// pgx.ErrNoRows.
func scanToken(row pgx.Row) (*token.Token, error) {
	var (
		idStr         string
		secretHash    string
		typeStr       string
		statusStr     string
		ownerIDStr    string
		scope         []string
		metadataRaw   []byte
		createdAt     time.Time
		expiresAt     time.Time
		lastUsedAt    *time.Time
		revokedAt     *time.Time
		revokedReason *string
	)

	err := row.Scan(&idStr, &secretHash, &typeStr, &statusStr, &ownerIDStr, &scope,
		&metadataRaw, &createdAt, &expiresAt, &lastUsedAt, &revokedAt, &revokedReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("TOKEN_SCAN_FAILED").
			With("operation", "scan token").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_ID").
			With("id", idStr).
			Wrap(err)
	}
	ownerID, err := ulid.Parse(ownerIDStr)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_OWNER_ID").
			With("owner_id", ownerIDStr).
			Wrap(err)
	}

	metadata, err := decodeMetadata(metadataRaw)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_METADATA").
			With("id", idStr).
			Wrap(err)
	}

	t := &token.Token{
		ID:         id,
		SecretHash: secretHash,
		Type:       token.Type(typeStr),
		Status:     token.Status(statusStr),
		OwnerID:    ownerID,
		Scope:      scope,
		Metadata:   metadata,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		LastUsedAt: lastUsedAt,
		RevokedAt:  revokedAt,
	}
	if revokedReason != nil {
		t.RevokedReason = *revokedReason
	}
	return t, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m) //nolint:wrapcheck // callers wrap with record context
}

func decodeMetadata(raw []byte) (map[string]string, error) {
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
var _ token.Repository = (*TokenRepository)(nil)
