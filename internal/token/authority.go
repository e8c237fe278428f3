// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package token

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stayware/gatekeeper/internal/cache"
	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/usage"
)

// asyncTimeout bounds background last-used bumps so they cannot pile up
// behind a slow store.
const asyncTimeout = 5 * time.Second

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(clock credential.Clock) AuthorityOption {
	return func(a *Authority) { a.clock = clock }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) AuthorityOption {
	return func(a *Authority) { a.logger = logger }
}

// WithRecorder sets the usage recorder. When nil, usage events are not
// recorded.
func WithRecorder(recorder *usage.Recorder) AuthorityOption {
	return func(a *Authority) { a.recorder = recorder }
}

// WithTTL overrides the default TTL for a token type.
func WithTTL(typ Type, ttl time.Duration) AuthorityOption {
	return func(a *Authority) { a.ttls[typ] = ttl }
}

// Authority issues, validates, refreshes, and revokes bearer tokens.
// Tokens are resolved through the tiered cache with the repository as
// the authoritative tier; every mutation writes the repository first.
// Safe for concurrent use.
type Authority struct {
	repo     Repository
	cache    *cache.Tiered[*Token]
	codec    *Codec
	recorder *usage.Recorder
	ttls     map[Type]time.Duration
	clock    credential.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewAuthority creates an Authority. All dependencies are explicit;
// there is no package-level state beyond metrics.
func NewAuthority(repo Repository, tiered *cache.Tiered[*Token], codec *Codec, opts ...AuthorityOption) *Authority {
	a := &Authority{
		repo:   repo,
		cache:  tiered,
		codec:  codec,
		ttls:   make(map[Type]time.Duration, len(DefaultTTLs)),
		clock:  time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("gatekeeper/token"),
	}
	for typ, ttl := range DefaultTTLs {
		a.ttls[typ] = ttl
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// cacheKey namespaces token cache entries by secret hash.
func cacheKey(secretHash string) string {
	return "token:" + secretHash
}

// Issue creates and persists a new active token, returning the signed
// secret (shown to the caller exactly once) and the stored record.
// A non-positive ttl selects the per-type default.
func (a *Authority) Issue(ctx context.Context, ownerID ulid.ULID, typ Type, scope []string, ttl time.Duration, metadata map[string]string) (string, *Token, error) {
	ctx, span := a.tracer.Start(ctx, "token.issue")
	defer span.End()

	if ttl <= 0 {
		var ok bool
		if ttl, ok = a.ttls[typ]; !ok {
			return "", nil, oops.Code("TOKEN_INVALID_TYPE").
				With("type", string(typ)).
				Errorf("unknown token type")
		}
	}

	now := a.clock()
	id := credential.NewIDAt(now)
	expiresAt := now.Add(ttl)

	secret, err := a.codec.Sign(id, ownerID, typ, scope, now, expiresAt)
	if err != nil {
		return "", nil, err
	}

	record, err := New(id, ownerID, typ, credential.HashSecret(secret), scope, metadata, now, expiresAt)
	if err != nil {
		return "", nil, err
	}

	if err := a.repo.Create(ctx, record); err != nil {
		Operations.WithLabelValues("issue", "error").Inc()
		return "", nil, err
	}

	a.cache.Set(ctx, cacheKey(record.SecretHash), record)
	Operations.WithLabelValues("issue", "success").Inc()
	return secret, record, nil
}

// Validate verifies a bearer secret and returns its token record.
// Signature verification happens before any store access (fail-closed).
// Records past their expiry are lazily transitioned to expired and the
// call fails with ErrExpired. On success, last-used is bumped
// asynchronously.
func (a *Authority) Validate(ctx context.Context, secret string) (*Token, error) {
	ctx, span := a.tracer.Start(ctx, "token.validate")
	defer span.End()

	_, verifyErr := a.codec.Verify(secret)
	if verifyErr != nil && !errors.Is(verifyErr, credential.ErrExpired) {
		Operations.WithLabelValues("validate", "invalid_signature").Inc()
		return nil, verifyErr
	}

	record, err := a.resolve(ctx, credential.HashSecret(secret))
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			Operations.WithLabelValues("validate", "not_found").Inc()
			return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(credential.ErrNotFound)
		}
		Operations.WithLabelValues("validate", "storage_error").Inc()
		return nil, err
	}

	switch record.Status {
	case StatusRevoked:
		Operations.WithLabelValues("validate", "revoked").Inc()
		return nil, oops.Code("TOKEN_REVOKED").
			With("revoked_reason", record.RevokedReason).
			Wrap(credential.ErrRevoked)
	case StatusSuspended:
		Operations.WithLabelValues("validate", "suspended").Inc()
		return nil, oops.Code("TOKEN_SUSPENDED").Wrap(credential.ErrSuspended)
	case StatusExpired:
		Operations.WithLabelValues("validate", "expired").Inc()
		return nil, oops.Code("TOKEN_EXPIRED").Wrap(credential.ErrExpired)
	case StatusActive:
		// Checked below against the clock.
	}

	now := a.clock()
	if verifyErr != nil || record.IsExpiredAt(now) {
		a.lazyExpire(ctx, record)
		Operations.WithLabelValues("validate", "expired").Inc()
		return nil, oops.Code("TOKEN_EXPIRED").Wrap(credential.ErrExpired)
	}

	a.touchAsync(record, now)
	Operations.WithLabelValues("validate", "success").Inc()
	return record, nil
}

// Refreshed is the result of consuming a refresh token.
type Refreshed struct {
	AccessSecret  string
	AccessToken   *Token
	RefreshSecret string
	RefreshToken  *Token
}

// Refresh consumes a refresh token and issues a new access/refresh
// pair. The old token is revoked before the new pair is issued, so a
// refresh secret is single-use: replaying it fails with ErrRevoked.
// Two concurrent calls on one secret produce exactly one winner.
func (a *Authority) Refresh(ctx context.Context, refreshSecret string) (*Refreshed, error) {
	ctx, span := a.tracer.Start(ctx, "token.refresh")
	defer span.End()

	record, err := a.Validate(ctx, refreshSecret)
	if err != nil {
		return nil, err
	}
	if record.Type != TypeRefresh {
		Operations.WithLabelValues("refresh", "wrong_type").Inc()
		return nil, oops.Code("TOKEN_NOT_REFRESH").
			With("type", string(record.Type)).
			Wrap(credential.ErrPermissionDenied)
	}

	// Conditional revocation is the arbiter between concurrent
	// refreshes: the repository only flips active rows.
	won, err := a.repo.Revoke(ctx, record.ID, "refreshed", a.clock())
	if err != nil {
		Operations.WithLabelValues("refresh", "storage_error").Inc()
		return nil, err
	}
	a.invalidate(ctx, record.SecretHash)
	if !won {
		Operations.WithLabelValues("refresh", "replayed").Inc()
		return nil, oops.Code("TOKEN_REVOKED").Wrap(credential.ErrRevoked)
	}

	accessSecret, accessToken, err := a.Issue(ctx, record.OwnerID, TypeAccess, record.Scope, 0, record.Metadata)
	if err != nil {
		return nil, err
	}
	newRefreshSecret, newRefreshToken, err := a.Issue(ctx, record.OwnerID, TypeRefresh, record.Scope, 0, record.Metadata)
	if err != nil {
		return nil, err
	}

	Operations.WithLabelValues("refresh", "success").Inc()
	return &Refreshed{
		AccessSecret:  accessSecret,
		AccessToken:   accessToken,
		RefreshSecret: newRefreshSecret,
		RefreshToken:  newRefreshToken,
	}, nil
}

// Revoke revokes the token identified by its bearer secret. Revoking an
// already-terminal token is a no-op; a missing token is ErrNotFound.
// Success is only reported once the durable write is confirmed.
func (a *Authority) Revoke(ctx context.Context, secret, reason string) error {
	record, err := a.repo.GetBySecretHash(ctx, credential.HashSecret(secret))
	if err != nil {
		return err
	}
	return a.revokeRecord(ctx, record, reason)
}

// RevokeByID revokes a token by its ID.
func (a *Authority) RevokeByID(ctx context.Context, id ulid.ULID, reason string) error {
	record, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return a.revokeRecord(ctx, record, reason)
}

func (a *Authority) revokeRecord(ctx context.Context, record *Token, reason string) error {
	ctx, span := a.tracer.Start(ctx, "token.revoke")
	defer span.End()

	if _, err := a.repo.Revoke(ctx, record.ID, reason, a.clock()); err != nil {
		Operations.WithLabelValues("revoke", "storage_error").Inc()
		return err
	}
	a.invalidate(ctx, record.SecretHash)
	Operations.WithLabelValues("revoke", "success").Inc()
	return nil
}

// RevokeAll revokes every active token for the owner except the one
// identified by excludeSecret (empty means no exclusion). Returns the
// number revoked.
func (a *Authority) RevokeAll(ctx context.Context, ownerID ulid.ULID, excludeSecret, reason string) (int, error) {
	ctx, span := a.tracer.Start(ctx, "token.revoke_all")
	defer span.End()

	var excludeID ulid.ULID
	if excludeSecret != "" {
		kept, err := a.repo.GetBySecretHash(ctx, credential.HashSecret(excludeSecret))
		switch {
		case err == nil:
			excludeID = kept.ID
		case errors.Is(err, credential.ErrNotFound):
			// Unknown exclusion: revoke everything.
		default:
			return 0, err
		}
	}

	revoked, err := a.repo.RevokeAllForOwner(ctx, ownerID, excludeID, reason, a.clock())
	if err != nil {
		Operations.WithLabelValues("revoke_all", "storage_error").Inc()
		return 0, err
	}
	for _, record := range revoked {
		a.invalidate(ctx, record.SecretHash)
	}
	Operations.WithLabelValues("revoke_all", "success").Inc()
	return len(revoked), nil
}

// Suspend blocks an active token until Resume. Only active tokens can
// be suspended.
func (a *Authority) Suspend(ctx context.Context, secret string) error {
	return a.toggle(ctx, secret, StatusActive, StatusSuspended)
}

// Resume reactivates a suspended token.
func (a *Authority) Resume(ctx context.Context, secret string) error {
	return a.toggle(ctx, secret, StatusSuspended, StatusActive)
}

func (a *Authority) toggle(ctx context.Context, secret string, from, to Status) error {
	record, err := a.repo.GetBySecretHash(ctx, credential.HashSecret(secret))
	if err != nil {
		return err
	}

	ok, err := a.repo.SetStatus(ctx, record.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return statusError(record.Status)
	}
	a.invalidate(ctx, record.SecretHash)
	return nil
}

// statusError maps a blocking status to its taxonomy error.
func statusError(status Status) error {
	switch status {
	case StatusRevoked:
		return oops.Code("TOKEN_REVOKED").Wrap(credential.ErrRevoked)
	case StatusExpired:
		return oops.Code("TOKEN_EXPIRED").Wrap(credential.ErrExpired)
	case StatusSuspended:
		return oops.Code("TOKEN_SUSPENDED").Wrap(credential.ErrSuspended)
	default:
		return oops.Code("TOKEN_INVALID_TRANSITION").
			With("status", string(status)).
			Errorf("invalid status transition")
	}
}

// resolve fetches a token through the tiered cache by secret hash.
func (a *Authority) resolve(ctx context.Context, secretHash string) (*Token, error) {
	return a.cache.Get(ctx, cacheKey(secretHash), func(ctx context.Context) (*Token, error) {
		return a.repo.GetBySecretHash(ctx, secretHash)
	})
}

// invalidate deletes a token's cache entries. Store mutations have
// already been confirmed; a failed distributed delete only widens the
// bounded staleness window, so it is logged and absorbed.
func (a *Authority) invalidate(ctx context.Context, secretHash string) {
	if err := a.cache.Delete(ctx, cacheKey(secretHash)); err != nil {
		a.logger.Warn("token cache invalidation incomplete", "error", err)
	}
}

// lazyExpire transitions an overdue record to expired, write-through.
// The sweeper covers any failure here.
func (a *Authority) lazyExpire(ctx context.Context, record *Token) {
	if _, err := a.repo.MarkExpired(ctx, record.ID); err != nil {
		a.logger.Warn("lazy token expiry failed",
			"token_id", record.ID.String(), "error", err)
	}
	a.invalidate(ctx, record.SecretHash)
}

// touchAsync bumps last-used and records usage off the request path.
func (a *Authority) touchAsync(record *Token, now time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := a.repo.UpdateLastUsed(ctx, record.ID, now); err != nil {
			a.logger.Debug("last-used bump failed",
				"token_id", record.ID.String(), "error", err)
		}
	}()

	if a.recorder != nil {
		a.recorder.Record(usage.Entry{
			ID:        credential.NewIDAt(now),
			Kind:      usage.KindToken,
			SubjectID: record.ID,
			OwnerID:   record.OwnerID,
			Timestamp: now,
			Action:    "validate",
			Outcome:   "success",
		})
	}
}
