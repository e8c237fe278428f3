// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package session

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

// asyncTimeout bounds background expiry writes so they cannot pile up
// behind a slow store.
const asyncTimeout = 5 * time.Second

// CreateParams carries the client attributes captured at session
// creation. A non-positive TTL selects DefaultTTL.
type CreateParams struct {
	DeviceID    string
	IP          string
	UserAgent   string
	Location    string
	Permissions []string
	Preferences map[string]string
	Metadata    map[string]string
	TTL         time.Duration
}

// Activity describes one request attributed to a session.
type Activity struct {
	Action    string
	Resource  string
	IP        string
	UserAgent string
	Metadata  map[string]string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(clock credential.Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithRecorder sets the usage recorder. When nil, session activity is
// not recorded.
func WithRecorder(recorder *usage.Recorder) ServiceOption {
	return func(s *Service) { s.recorder = recorder }
}

// Service manages the session lifecycle. Sessions are resolved through
// the tiered cache with the repository as the authoritative tier; every
// mutation writes the repository first. Safe for concurrent use.
type Service struct {
	repo     Repository
	cache    *cache.Tiered[*Session]
	activity usage.Repository
	recorder *usage.Recorder
	clock    credential.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService creates a Service. The activity repository serves reads;
// writes go through the recorder when one is configured.
func NewService(repo Repository, tiered *cache.Tiered[*Session], activity usage.Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		cache:    tiered,
		activity: activity,
		clock:    time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer("gatekeeper/session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cacheKey namespaces session cache entries by secret hash.
func cacheKey(secretHash string) string {
	return "session:" + secretHash
}

// Create starts a new session and returns the record together with the
// opaque secret, shown to the caller exactly once.
func (s *Service) Create(ctx context.Context, ownerID ulid.ULID, typ Type, params CreateParams) (*Session, string, error) {
	ctx, span := s.tracer.Start(ctx, "session.create")
	defer span.End()

	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	secret, secretHash, err := credential.GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	now := s.clock()
	record, err := New(ownerID, typ, secretHash, params, now, now.Add(ttl))
	if err != nil {
		return nil, "", err
	}

	if err := s.repo.Create(ctx, record); err != nil {
		Operations.WithLabelValues("create", "error").Inc()
		return nil, "", err
	}

	s.cache.Set(ctx, cacheKey(secretHash), record)
	s.record(record, "create", "", params.IP, params.UserAgent, now)
	Operations.WithLabelValues("create", "success").Inc()
	return record, secret, nil
}

// Get retrieves the session for a secret. Expired sessions are treated
// as not found; the status transition happens asynchronously so lookups
// stay read-only on the hot path.
func (s *Service) Get(ctx context.Context, secret string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.get")
	defer span.End()

	record, err := s.resolve(ctx, credential.HashSecret(secret))
	if err != nil {
		return nil, err
	}

	if record.Status == StatusActive && record.IsExpiredAt(s.clock()) {
		s.expireAsync(record)
		Operations.WithLabelValues("get", "expired").Inc()
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(credential.ErrNotFound)
	}

	Operations.WithLabelValues("get", "success").Inc()
	return record, nil
}

// UpdateActivity bumps the session's last-activity timestamp and
// appends an activity entry. It never extends expiry; use Extend for
// that. Fails with ErrNotFound for missing or non-active sessions.
func (s *Service) UpdateActivity(ctx context.Context, secret string, act Activity) error {
	ctx, span := s.tracer.Start(ctx, "session.update_activity")
	defer span.End()

	record, err := s.active(ctx, secret)
	if err != nil {
		Operations.WithLabelValues("update_activity", "rejected").Inc()
		return err
	}

	now := s.clock()
	if err := s.repo.UpdateActivity(ctx, record.ID, now); err != nil {
		Operations.WithLabelValues("update_activity", "storage_error").Inc()
		return err
	}

	// Delete rather than overwrite: a Set here could race a concurrent
	// Terminate's cache delete and resurrect a live entry. The next
	// read backfills from the store.
	s.invalidate(ctx, record.SecretHash)

	if s.recorder != nil {
		s.recorder.Record(usage.Entry{
			ID:        credential.NewIDAt(now),
			Kind:      usage.KindSession,
			SubjectID: record.ID,
			OwnerID:   record.OwnerID,
			Timestamp: now,
			IP:        act.IP,
			UserAgent: act.UserAgent,
			Action:    act.Action,
			Resource:  act.Resource,
			Outcome:   "success",
			Metadata:  act.Metadata,
		})
	}
	Operations.WithLabelValues("update_activity", "success").Inc()
	return nil
}

// Extend pushes the session's expiry out to now+by and bumps
// last-activity. A non-positive duration selects DefaultTTL. Only
// active sessions can be extended.
func (s *Service) Extend(ctx context.Context, secret string, by time.Duration) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.extend")
	defer span.End()

	if by <= 0 {
		by = DefaultTTL
	}

	record, err := s.active(ctx, secret)
	if err != nil {
		Operations.WithLabelValues("extend", "rejected").Inc()
		return nil, err
	}

	now := s.clock()
	expiresAt := now.Add(by)
	ok, err := s.repo.UpdateExpiry(ctx, record.ID, expiresAt, now)
	if err != nil {
		Operations.WithLabelValues("extend", "storage_error").Inc()
		return nil, err
	}
	if !ok {
		Operations.WithLabelValues("extend", "rejected").Inc()
		return nil, statusError(record.Status)
	}

	// Delete rather than overwrite, for the same reason as
	// UpdateActivity: overwriting races a concurrent Terminate.
	s.invalidate(ctx, record.SecretHash)

	updated := *record
	updated.ExpiresAt = expiresAt
	updated.LastActivityAt = now
	Operations.WithLabelValues("extend", "success").Inc()
	return &updated, nil
}

// Terminate ends a session. The durable write is confirmed before the
// cache entry is deleted; success is only reported after both.
// Terminating an already-terminal session is a no-op.
func (s *Service) Terminate(ctx context.Context, secret, reason string) error {
	ctx, span := s.tracer.Start(ctx, "session.terminate")
	defer span.End()

	record, err := s.repo.GetBySecretHash(ctx, credential.HashSecret(secret))
	if err != nil {
		return err
	}

	now := s.clock()
	if _, err := s.repo.Terminate(ctx, record.ID, now); err != nil {
		Operations.WithLabelValues("terminate", "storage_error").Inc()
		return err
	}
	s.invalidate(ctx, record.SecretHash)
	s.record(record, "terminate", reason, "", "", now)
	Operations.WithLabelValues("terminate", "success").Inc()
	return nil
}

// TerminateAll ends every live session for the owner except the one
// identified by excludeSecret (empty means no exclusion). Returns the
// number terminated.
func (s *Service) TerminateAll(ctx context.Context, ownerID ulid.ULID, excludeSecret, reason string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "session.terminate_all")
	defer span.End()

	var excludeID ulid.ULID
	if excludeSecret != "" {
		kept, err := s.repo.GetBySecretHash(ctx, credential.HashSecret(excludeSecret))
		switch {
		case err == nil:
			excludeID = kept.ID
		case errors.Is(err, credential.ErrNotFound):
			// Unknown exclusion: terminate everything.
		default:
			return 0, err
		}
	}

	now := s.clock()
	terminated, err := s.repo.TerminateAllForOwner(ctx, ownerID, excludeID, now)
	if err != nil {
		Operations.WithLabelValues("terminate_all", "storage_error").Inc()
		return 0, err
	}
	for _, record := range terminated {
		s.invalidate(ctx, record.SecretHash)
		s.record(record, "terminate", reason, "", "", now)
	}
	Operations.WithLabelValues("terminate_all", "success").Inc()
	return len(terminated), nil
}

// Suspend pauses an active session until Resume. The cache entry is
// deleted rather than overwritten so the next lookup sees the store.
func (s *Service) Suspend(ctx context.Context, secret, reason string) error {
	ctx, span := s.tracer.Start(ctx, "session.suspend")
	defer span.End()

	record, err := s.repo.GetBySecretHash(ctx, credential.HashSecret(secret))
	if err != nil {
		return err
	}

	ok, err := s.repo.SetStatus(ctx, record.ID, StatusActive, StatusSuspended)
	if err != nil {
		Operations.WithLabelValues("suspend", "storage_error").Inc()
		return err
	}
	if !ok {
		Operations.WithLabelValues("suspend", "rejected").Inc()
		return statusError(record.Status)
	}
	s.invalidate(ctx, record.SecretHash)
	s.record(record, "suspend", reason, "", "", s.clock())
	Operations.WithLabelValues("suspend", "success").Inc()
	return nil
}

// Resume reactivates a suspended session.
func (s *Service) Resume(ctx context.Context, secret string) error {
	ctx, span := s.tracer.Start(ctx, "session.resume")
	defer span.End()

	record, err := s.repo.GetBySecretHash(ctx, credential.HashSecret(secret))
	if err != nil {
		return err
	}

	ok, err := s.repo.SetStatus(ctx, record.ID, StatusSuspended, StatusActive)
	if err != nil {
		Operations.WithLabelValues("resume", "storage_error").Inc()
		return err
	}
	if !ok {
		Operations.WithLabelValues("resume", "rejected").Inc()
		return statusError(record.Status)
	}
	s.invalidate(ctx, record.SecretHash)
	s.record(record, "resume", "", "", "", s.clock())
	Operations.WithLabelValues("resume", "success").Inc()
	return nil
}

// Validate reports whether the secret identifies a live session holding
// every required permission. Lifecycle and permission failures return
// false with a nil error; only infrastructure failures return an error.
// Overdue sessions are lazily transitioned to expired.
func (s *Service) Validate(ctx context.Context, secret string, required []string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "session.validate")
	defer span.End()

	record, err := s.resolve(ctx, credential.HashSecret(secret))
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			Operations.WithLabelValues("validate", "not_found").Inc()
			return false, nil
		}
		Operations.WithLabelValues("validate", "storage_error").Inc()
		return false, err
	}

	if record.Status != StatusActive {
		Operations.WithLabelValues("validate", "inactive").Inc()
		return false, nil
	}
	if record.IsExpiredAt(s.clock()) {
		s.expireAsync(record)
		Operations.WithLabelValues("validate", "expired").Inc()
		return false, nil
	}
	if !record.HasPermissions(required) {
		Operations.WithLabelValues("validate", "denied").Inc()
		return false, nil
	}

	Operations.WithLabelValues("validate", "success").Inc()
	return true, nil
}

// GetUserSessions lists an owner's sessions, newest first. This is a
// fan-out query so it bypasses the per-secret cache and reads the store.
func (s *Service) GetUserSessions(ctx context.Context, ownerID ulid.ULID, activeOnly bool) ([]*Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.list")
	defer span.End()

	sessions, err := s.repo.ListByOwner(ctx, ownerID, activeOnly)
	if err != nil {
		Operations.WithLabelValues("list", "storage_error").Inc()
		return nil, err
	}
	Operations.WithLabelValues("list", "success").Inc()
	return sessions, nil
}

// GetSessionActivities returns the newest activity entries for a
// session, up to limit.
func (s *Service) GetSessionActivities(ctx context.Context, sessionID ulid.ULID, limit int) ([]usage.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "session.activities")
	defer span.End()

	return s.activity.ListBySubject(ctx, usage.KindSession, sessionID, limit)
}

// GetStatistics aggregates session counts by status, type, and device.
// A zero owner aggregates across all owners.
func (s *Service) GetStatistics(ctx context.Context, ownerID ulid.ULID) (*Statistics, error) {
	ctx, span := s.tracer.Start(ctx, "session.stats")
	defer span.End()

	return s.repo.Stats(ctx, ownerID)
}

// active resolves a session and rejects anything but a live, unexpired
// one.
func (s *Service) active(ctx context.Context, secret string) (*Session, error) {
	record, err := s.resolve(ctx, credential.HashSecret(secret))
	if err != nil {
		return nil, err
	}
	if record.Status != StatusActive {
		return nil, statusError(record.Status)
	}
	if record.IsExpiredAt(s.clock()) {
		s.expireAsync(record)
		return nil, oops.Code("SESSION_EXPIRED").Wrap(credential.ErrExpired)
	}
	return record, nil
}

// statusError maps a blocking status to its taxonomy error.
func statusError(status Status) error {
	switch status {
	case StatusTerminated:
		return oops.Code("SESSION_TERMINATED").Wrap(credential.ErrRevoked)
	case StatusExpired:
		return oops.Code("SESSION_EXPIRED").Wrap(credential.ErrExpired)
	case StatusSuspended:
		return oops.Code("SESSION_SUSPENDED").Wrap(credential.ErrSuspended)
	default:
		return oops.Code("SESSION_INVALID_TRANSITION").
			With("status", string(status)).
			Errorf("invalid status transition")
	}
}

// resolve fetches a session through the tiered cache by secret hash.
func (s *Service) resolve(ctx context.Context, secretHash string) (*Session, error) {
	return s.cache.Get(ctx, cacheKey(secretHash), func(ctx context.Context) (*Session, error) {
		return s.repo.GetBySecretHash(ctx, secretHash)
	})
}

// invalidate deletes a session's cache entries. Store mutations have
// already been confirmed; a failed distributed delete only widens the
// bounded staleness window, so it is logged and absorbed.
func (s *Service) invalidate(ctx context.Context, secretHash string) {
	if err := s.cache.Delete(ctx, cacheKey(secretHash)); err != nil {
		s.logger.Warn("session cache invalidation incomplete", "error", err)
	}
}

// expireAsync transitions an overdue record to expired off the request
// path. The sweeper covers any failure here.
func (s *Service) expireAsync(record *Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if _, err := s.repo.MarkExpired(ctx, record.ID); err != nil {
			s.logger.Warn("lazy session expiry failed",
				"session_id", record.ID.String(), "error", err)
		}
		s.invalidate(ctx, record.SecretHash)
	}()
}

// record appends a lifecycle event when a recorder is configured.
func (s *Service) record(record *Session, action, reason, ip, userAgent string, now time.Time) {
	if s.recorder == nil {
		return
	}
	var metadata map[string]string
	if reason != "" {
		metadata = map[string]string{"reason": reason}
	}
	s.recorder.Record(usage.Entry{
		ID:        credential.NewIDAt(now),
		Kind:      usage.KindSession,
		SubjectID: record.ID,
		OwnerID:   record.OwnerID,
		Timestamp: now,
		IP:        ip,
		UserAgent: userAgent,
		Action:    action,
		Outcome:   "success",
		Metadata:  metadata,
	})
}
