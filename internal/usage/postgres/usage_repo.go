// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package postgres implements usage persistence using PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/usage"
)

// Querier is the subset of pgxpool.Pool used by the repository.
// pgxmock satisfies it in unit tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UsageRepository implements usage.Repository using PostgreSQL.
type UsageRepository struct {
	db Querier
}

// NewUsageRepository creates a new UsageRepository.
func NewUsageRepository(db Querier) *UsageRepository {
	return &UsageRepository{db: db}
}

// Append stores a usage entry.
func (r *UsageRepository) Append(ctx context.Context, entry usage.Entry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return oops.Code("USAGE_ENCODE_FAILED").
				With("entry_id", entry.ID.String()).
				Wrap(err)
		}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_entries (id, kind, subject_id, owner_id, timestamp, ip, user_agent, action, resource, outcome, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID.String(),
		string(entry.Kind),
		entry.SubjectID.String(),
		entry.OwnerID.String(),
		entry.Timestamp,
		entry.IP,
		entry.UserAgent,
		entry.Action,
		entry.Resource,
		entry.Outcome,
		metadata,
	)
	if err != nil {
		return storageErr("USAGE_APPEND_FAILED", "insert usage entry", err)
	}
	return nil
}

// ListBySubject returns the newest entries for a subject, up to limit.
func (r *UsageRepository) ListBySubject(ctx context.Context, kind usage.Kind, subjectID ulid.ULID, limit int) ([]usage.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, subject_id, owner_id, timestamp, ip, user_agent, action, resource, outcome, metadata
		FROM usage_entries
		WHERE kind = $1 AND subject_id = $2
		ORDER BY timestamp DESC
		LIMIT $3
	`, string(kind), subjectID.String(), limit)
	if err != nil {
		return nil, storageErr("USAGE_LIST_FAILED", "list usage entries", err)
	}
	defer rows.Close()

	var entries []usage.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("USAGE_ROWS_ERROR", "iterate usage rows", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (usage.Entry, error) {
	var (
		entry        usage.Entry
		idStr        string
		kindStr      string
		subjectIDStr string
		ownerIDStr   string
		timestamp    time.Time
		metadataRaw  []byte
	)

	err := row.Scan(&idStr, &kindStr, &subjectIDStr, &ownerIDStr, &timestamp,
		&entry.IP, &entry.UserAgent, &entry.Action, &entry.Resource, &entry.Outcome, &metadataRaw)
	if err != nil {
		return usage.Entry{}, oops.Code("USAGE_SCAN_FAILED").
			With("operation", "scan usage entry").
			Wrap(err)
	}

	entry.ID, err = ulid.Parse(idStr)
	if err != nil {
		return usage.Entry{}, oops.Code("USAGE_INVALID_ID").With("id", idStr).Wrap(err)
	}
	entry.SubjectID, err = ulid.Parse(subjectIDStr)
	if err != nil {
		return usage.Entry{}, oops.Code("USAGE_INVALID_SUBJECT_ID").With("subject_id", subjectIDStr).Wrap(err)
	}
	entry.OwnerID, err = ulid.Parse(ownerIDStr)
	if err != nil {
		return usage.Entry{}, oops.Code("USAGE_INVALID_OWNER_ID").With("owner_id", ownerIDStr).Wrap(err)
	}
	entry.Kind = usage.Kind(kindStr)
	entry.Timestamp = timestamp

	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &entry.Metadata); err != nil {
			return usage.Entry{}, oops.Code("USAGE_INVALID_METADATA").With("id", idStr).Wrap(err)
		}
	}
	return entry, nil
}

// storageErr wraps a database failure so callers can classify it as
// transient via credential.ErrStorageUnavailable.
func storageErr(code, operation string, err error) error {
	return oops.Code(code).
		With("operation", operation).
		Wrap(errors.Join(credential.ErrStorageUnavailable, err))
}

// Compile-time interface check.
var _ usage.Repository = (*UsageRepository)(nil)
