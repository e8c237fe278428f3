// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package session implements session lifecycle tracking: creation,
// activity, extension, suspension, termination, and lazy expiry across
// the tiered cache and the durable store.
package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/stayware/gatekeeper/internal/credential"
)

// Type identifies the kind of client holding the session.
type Type string

// Session types.
const (
	TypeWeb    Type = "web"
	TypeMobile Type = "mobile"
	TypeAPI    Type = "api"
	TypeAdmin  Type = "admin"
	TypeGuest  Type = "guest"
)

// Status is the lifecycle state of a session.
//
// Transitions: active ↔ suspended (reversible), active → expired
// (time-based, lazy), active/suspended → terminated (explicit).
// Expired and terminated are terminal.
type Status string

// Session statuses.
const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	StatusSuspended  Status = "suspended"
)

// DeviceType is inferred from the user agent at creation.
type DeviceType string

// Device types.
const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
	DeviceUnknown DeviceType = "unknown"
)

// DefaultTTL is the session lifetime applied when Create is called
// without an explicit TTL.
const DefaultTTL = 24 * time.Hour

// deviceMarkers maps device categories to user-agent substrings.
// Categories are checked in order; the first match wins, so an Android
// tablet UA containing both "android" and "tablet" classifies as mobile.
var deviceMarkers = []struct {
	device  DeviceType
	markers []string
}{
	{DeviceMobile, []string{"mobile", "android", "iphone", "ipod"}},
	{DeviceTablet, []string{"tablet", "ipad"}},
	{DeviceDesktop, []string{"windows", "macintosh", "linux", "x11"}},
}

// InferDeviceType classifies a user agent into a device type.
func InferDeviceType(userAgent string) DeviceType {
	ua := strings.ToLower(userAgent)
	for _, category := range deviceMarkers {
		for _, marker := range category.markers {
			if strings.Contains(ua, marker) {
				return category.device
			}
		}
	}
	return DeviceUnknown
}

// Session is a live client session. The secret itself is never stored;
// SecretHash is the SHA256 of the opaque secret and carries the unique
// constraint. Session secrets are single-purpose: they are not tokens
// and never pass through the token authority.
type Session struct {
	ID             ulid.ULID         `json:"id"`
	SecretHash     string            `json:"secret_hash"`
	OwnerID        ulid.ULID         `json:"owner_id"`
	Type           Type              `json:"type"`
	Status         Status            `json:"status"`
	DeviceType     DeviceType        `json:"device_type"`
	DeviceID       string            `json:"device_id,omitempty"`
	IP             string            `json:"ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Location       string            `json:"location,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	Preferences    map[string]string `json:"preferences,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// IsExpiredAt returns true if the session would be expired at the given time.
func (s *Session) IsExpiredAt(at time.Time) bool {
	return !at.Before(s.ExpiresAt)
}

// HasPermissions returns true if the session's permission set includes
// every required permission.
func (s *Session) HasPermissions(required []string) bool {
	for _, perm := range required {
		if !slices.Contains(s.Permissions, perm) {
			return false
		}
	}
	return true
}

// New creates a validated Session record in the active state.
func New(ownerID ulid.ULID, typ Type, secretHash string, params CreateParams, now, expiresAt time.Time) (*Session, error) {
	if ownerID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_OWNER").Errorf("owner ID cannot be zero")
	}
	if secretHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("secret hash cannot be empty")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}

	return &Session{
		ID:             credential.NewIDAt(now),
		SecretHash:     secretHash,
		OwnerID:        ownerID,
		Type:           typ,
		Status:         StatusActive,
		DeviceType:     InferDeviceType(params.UserAgent),
		DeviceID:       params.DeviceID,
		IP:             params.IP,
		UserAgent:      params.UserAgent,
		Location:       params.Location,
		Permissions:    slices.Clone(params.Permissions),
		Preferences:    cloneMap(params.Preferences),
		Metadata:       cloneMap(params.Metadata),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      expiresAt,
	}, nil
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Statistics aggregates session counts.
type Statistics struct {
	Total    int                `json:"total"`
	ByStatus map[Status]int     `json:"by_status"`
	ByType   map[Type]int       `json:"by_type"`
	ByDevice map[DeviceType]int `json:"by_device"`
}

// Repository manages session persistence. Implementations map missing
// rows to credential.ErrNotFound and connectivity failures to
// credential.ErrStorageUnavailable.
type Repository interface {
	// Create stores a new session. The secret hash carries a unique
	// constraint.
	Create(ctx context.Context, session *Session) error

	// GetBySecretHash retrieves a session by its secret hash.
	GetBySecretHash(ctx context.Context, secretHash string) (*Session, error)

	// ListByOwner retrieves sessions for an owner, newest first.
	ListByOwner(ctx context.Context, ownerID ulid.ULID, activeOnly bool) ([]*Session, error)

	// UpdateActivity bumps the last-activity timestamp.
	UpdateActivity(ctx context.Context, id ulid.ULID, at time.Time) error

	// UpdateExpiry sets a new expiry and bumps last-activity, only for
	// active sessions. Returns false when the session was not active.
	UpdateExpiry(ctx context.Context, id ulid.ULID, expiresAt, lastActivity time.Time) (bool, error)

	// Terminate transitions an active or suspended session to
	// terminated. Returns false when the session was already terminal.
	Terminate(ctx context.Context, id ulid.ULID, at time.Time) (bool, error)

	// TerminateAllForOwner terminates every active or suspended session
	// for the owner except excludeID (zero means no exclusion). Returns
	// the terminated sessions so callers can invalidate cache entries.
	TerminateAllForOwner(ctx context.Context, ownerID, excludeID ulid.ULID, at time.Time) ([]*Session, error)

	// SetStatus transitions a session between statuses with a
	// conditional update. Returns false when the session was not in the
	// from status.
	SetStatus(ctx context.Context, id ulid.ULID, from, to Status) (bool, error)

	// MarkExpired transitions a session from active to expired.
	// Idempotent: returns false without error when not active.
	MarkExpired(ctx context.Context, id ulid.ULID) (bool, error)

	// ListExpired returns up to limit sessions that are still active but
	// whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	// Stats aggregates counts by status, type, and device. A zero owner
	// aggregates across all owners.
	Stats(ctx context.Context, ownerID ulid.ULID) (*Statistics, error)
}
