// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package usage provides best-effort, append-only recording of token
// and session access events. Recording is never allowed to fail the
// operation that produced the event.
package usage

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies which entity an entry belongs to.
type Kind string

// Entry kinds.
const (
	KindToken   Kind = "token"
	KindSession Kind = "session"
)

// Entry is a single access event. Entries are append-only and never
// mutated.
type Entry struct {
	ID        ulid.ULID         `json:"id"`
	Kind      Kind              `json:"kind"`
	SubjectID ulid.ULID         `json:"subject_id"`
	OwnerID   ulid.ULID         `json:"owner_id"`
	Timestamp time.Time         `json:"timestamp"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Repository persists usage entries.
type Repository interface {
	// Append stores an entry.
	Append(ctx context.Context, entry Entry) error

	// ListBySubject returns the most recent entries for a subject,
	// newest first, up to limit.
	ListBySubject(ctx context.Context, kind Kind, subjectID ulid.ULID, limit int) ([]Entry, error)
}
