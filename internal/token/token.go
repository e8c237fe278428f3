// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package token implements the bearer-token half of the credential
// core: issuance, validation, refresh, revocation, and lazy expiry.
package token

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Type identifies what a token is for.
type Type string

// Token types.
const (
	TypeAccess      Type = "access"
	TypeRefresh     Type = "refresh"
	TypeAPIKey      Type = "api_key"
	TypeReset       Type = "reset"
	TypeEmailVerify Type = "email_verify"
	TypeTwoFactor   Type = "two_factor"
	TypeInvitation  Type = "invitation"
	TypeWebhook     Type = "webhook"
	TypeIntegration Type = "integration"
	TypeCustom      Type = "custom"
)

// Status is the lifecycle state of a token.
//
// Transitions are monotone: active → expired (time-based, lazy),
// active → revoked (explicit), active ↔ suspended (reversible),
// suspended → revoked. Expired and revoked are terminal.
type Status string

// Token statuses.
const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusSuspended Status = "suspended"
)

// DefaultTTLs maps each token type to its default lifetime, applied
// when Issue is called without an explicit TTL.
var DefaultTTLs = map[Type]time.Duration{
	TypeAccess:      time.Hour,
	TypeRefresh:     30 * 24 * time.Hour,
	TypeAPIKey:      365 * 24 * time.Hour,
	TypeReset:       30 * time.Minute,
	TypeEmailVerify: 24 * time.Hour,
	TypeTwoFactor:   5 * time.Minute,
	TypeInvitation:  7 * 24 * time.Hour,
	TypeWebhook:     90 * 24 * time.Hour,
	TypeIntegration: 90 * 24 * time.Hour,
	TypeCustom:      24 * time.Hour,
}

// Token is a bearer-token record. The secret itself is never stored;
// SecretHash is the SHA256 of the signed secret and carries the unique
// constraint.
type Token struct {
	ID            ulid.ULID         `json:"id"`
	SecretHash    string            `json:"secret_hash"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	OwnerID       ulid.ULID         `json:"owner_id"`
	Scope         []string          `json:"scope,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	LastUsedAt    *time.Time        `json:"last_used_at,omitempty"`
	RevokedAt     *time.Time        `json:"revoked_at,omitempty"`
	RevokedReason string            `json:"revoked_reason,omitempty"`
}

// New creates a validated Token record in the active state. The ID is
// passed in because the signed secret binds it before the record exists.
func New(id, ownerID ulid.ULID, typ Type, secretHash string, scope []string, metadata map[string]string, now, expiresAt time.Time) (*Token, error) {
	if id.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("TOKEN_INVALID_ID").Errorf("token ID cannot be zero")
	}
	if ownerID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("TOKEN_INVALID_OWNER").Errorf("owner ID cannot be zero")
	}
	if secretHash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("secret hash cannot be empty")
	}
	if _, ok := DefaultTTLs[typ]; !ok {
		return nil, oops.Code("TOKEN_INVALID_TYPE").With("type", string(typ)).Errorf("unknown token type")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}

	return &Token{
		ID:         id,
		SecretHash: secretHash,
		Type:       typ,
		Status:     StatusActive,
		OwnerID:    ownerID,
		Scope:      slices.Clone(scope),
		Metadata:   cloneMetadata(metadata),
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}, nil
}

// IsExpiredAt returns true if the token would be expired at the given time.
func (t *Token) IsExpiredAt(at time.Time) bool {
	return !at.Before(t.ExpiresAt)
}

// HasScope returns true if the token's scope includes capability.
func (t *Token) HasScope(capability string) bool {
	return slices.Contains(t.Scope, capability)
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Repository manages token persistence. Implementations map missing
// rows to credential.ErrNotFound and connectivity failures to
// credential.ErrStorageUnavailable.
type Repository interface {
	// Create stores a new token. The secret hash carries a unique
	// constraint; violations surface as a conflict error.
	Create(ctx context.Context, token *Token) error

	// GetByID retrieves a token by its ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Token, error)

	// GetBySecretHash retrieves a token by its secret hash.
	GetBySecretHash(ctx context.Context, secretHash string) (*Token, error)

	// Revoke transitions a token to revoked if it is currently active
	// or suspended. Returns false when the token was already terminal,
	// which is how exactly one of two concurrent refreshes wins.
	Revoke(ctx context.Context, id ulid.ULID, reason string, at time.Time) (bool, error)

	// RevokeAllForOwner revokes every active token for the owner except
	// excludeID (zero means no exclusion). Returns the revoked tokens so
	// callers can invalidate their cache entries.
	RevokeAllForOwner(ctx context.Context, ownerID, excludeID ulid.ULID, reason string, at time.Time) ([]*Token, error)

	// MarkExpired transitions a token from active to expired. Idempotent:
	// returns false without error when the token was not active.
	MarkExpired(ctx context.Context, id ulid.ULID) (bool, error)

	// SetStatus transitions a token from one status to another.
	// Returns false when the token was not in the from status.
	SetStatus(ctx context.Context, id ulid.ULID, from, to Status) (bool, error)

	// UpdateLastUsed bumps the last-used timestamp.
	UpdateLastUsed(ctx context.Context, id ulid.ULID, at time.Time) error

	// ListExpired returns up to limit tokens that are still active but
	// whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Token, error)
}
