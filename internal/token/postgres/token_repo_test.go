// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/token"
	"github.com/stayware/gatekeeper/internal/token/postgres"
)

var tokenCols = []string{
	"id", "secret_hash", "type", "status", "owner_id", "scope", "metadata",
	"created_at", "expires_at", "last_used_at", "revoked_at", "revoked_reason",
}

func sampleToken(t *testing.T) *token.Token {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec, err := token.New(
		credential.NewIDAt(now), credential.NewIDAt(now),
		token.TypeAccess, "hash-abc",
		[]string{"bookings:read"}, map[string]string{"client": "web"},
		now, now.Add(time.Hour),
	)
	require.NoError(t, err)
	return rec
}

func TestTokenRepositoryCreate(t *testing.T) {
	t.Run("inserts a token", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		mock.ExpectExec(`INSERT INTO tokens`).
			WithArgs(rec.ID.String(), rec.SecretHash, "access", "active",
				rec.OwnerID.String(), rec.Scope, pgxmock.AnyArg(),
				rec.CreatedAt, rec.ExpiresAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		repo := postgres.NewTokenRepository(mock)
		require.NoError(t, repo.Create(context.Background(), rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate hash surfaces a conflict", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		mock.ExpectExec(`INSERT INTO tokens`).
			WithArgs(rec.ID.String(), rec.SecretHash, "access", "active",
				rec.OwnerID.String(), rec.Scope, pgxmock.AnyArg(),
				rec.CreatedAt, rec.ExpiresAt).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		repo := postgres.NewTokenRepository(mock)
		err = repo.Create(context.Background(), rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TOKEN_DUPLICATE_HASH")
	})

	t.Run("connection failure maps to storage unavailable", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		mock.ExpectExec(`INSERT INTO tokens`).
			WithArgs(rec.ID.String(), rec.SecretHash, "access", "active",
				rec.OwnerID.String(), rec.Scope, pgxmock.AnyArg(),
				rec.CreatedAt, rec.ExpiresAt).
			WillReturnError(errors.New("connection refused"))

		repo := postgres.NewTokenRepository(mock)
		err = repo.Create(context.Background(), rec)
		assert.ErrorIs(t, err, credential.ErrStorageUnavailable)
	})
}

func TestTokenRepositoryGetBySecretHash(t *testing.T) {
	t.Run("scans a full row", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		rows := pgxmock.NewRows(tokenCols).AddRow(
			rec.ID.String(), rec.SecretHash, "access", "active",
			rec.OwnerID.String(), rec.Scope, []byte(`{"client":"web"}`),
			rec.CreatedAt, rec.ExpiresAt, nil, nil, nil,
		)
		mock.ExpectQuery(`SELECT .+ FROM tokens`).
			WithArgs(rec.SecretHash).
			WillReturnRows(rows)

		repo := postgres.NewTokenRepository(mock)
		got, err := repo.GetBySecretHash(context.Background(), rec.SecretHash)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, token.TypeAccess, got.Type)
		assert.Equal(t, map[string]string{"client": "web"}, got.Metadata)
	})

	t.Run("missing row maps to not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT .+ FROM tokens`).
			WithArgs("unknown").
			WillReturnRows(pgxmock.NewRows(tokenCols))

		repo := postgres.NewTokenRepository(mock)
		_, err = repo.GetBySecretHash(context.Background(), "unknown")
		assert.ErrorIs(t, err, credential.ErrNotFound)
	})
}

func TestTokenRepositoryRevoke(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("active token flips", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		mock.ExpectExec(`UPDATE tokens`).
			WithArgs(rec.ID.String(), "revoked", now, "compromised", "active", "suspended").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := postgres.NewTokenRepository(mock)
		won, err := repo.Revoke(context.Background(), rec.ID, "compromised", now)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("terminal token reports no rows", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		mock.ExpectExec(`UPDATE tokens`).
			WithArgs(rec.ID.String(), "revoked", now, "again", "active", "suspended").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		repo := postgres.NewTokenRepository(mock)
		won, err := repo.Revoke(context.Background(), rec.ID, "again", now)
		require.NoError(t, err)
		assert.False(t, won)
	})
}

func TestTokenRepositoryListExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("collects overdue rows", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		first := sampleToken(t)
		second := sampleToken(t)
		rows := pgxmock.NewRows(tokenCols).
			AddRow(first.ID.String(), first.SecretHash, "access", "active",
				first.OwnerID.String(), first.Scope, nil,
				first.CreatedAt, first.ExpiresAt, nil, nil, nil).
			AddRow(second.ID.String(), second.SecretHash, "access", "active",
				second.OwnerID.String(), second.Scope, nil,
				second.CreatedAt, second.ExpiresAt, nil, nil, nil)
		mock.ExpectQuery(`SELECT .+ FROM tokens`).
			WithArgs("active", now, 100).
			WillReturnRows(rows)

		repo := postgres.NewTokenRepository(mock)
		got, err := repo.ListExpired(context.Background(), now, 100)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("corrupt id in a row fails the scan", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rec := sampleToken(t)
		rows := pgxmock.NewRows(tokenCols).AddRow(
			"not-a-ulid", rec.SecretHash, "access", "active",
			rec.OwnerID.String(), rec.Scope, nil,
			rec.CreatedAt, rec.ExpiresAt, nil, nil, nil,
		)
		mock.ExpectQuery(`SELECT .+ FROM tokens`).
			WithArgs("active", now, 100).
			WillReturnRows(rows)

		repo := postgres.NewTokenRepository(mock)
		_, err = repo.ListExpired(context.Background(), now, 100)
		assert.Error(t, err)
	})
}
