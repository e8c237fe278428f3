// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package credential_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stayware/gatekeeper/internal/credential"
)

func TestGenerateSecret(t *testing.T) {
	t.Run("generates secure secret", func(t *testing.T) {
		secret, hash, err := credential.GenerateSecret()
		require.NoError(t, err)
		assert.Len(t, secret, 64) // 32 bytes hex-encoded
		assert.NotEmpty(t, hash)
		assert.NotEqual(t, secret, hash)
	})

	t.Run("generates unique secrets", func(t *testing.T) {
		secret1, hash1, err := credential.GenerateSecret()
		require.NoError(t, err)

		secret2, hash2, err := credential.GenerateSecret()
		require.NoError(t, err)

		assert.NotEqual(t, secret1, secret2)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("hash is SHA256 hex-encoded", func(t *testing.T) {
		_, hash, err := credential.GenerateSecret()
		require.NoError(t, err)
		// SHA256 produces 32 bytes = 64 hex chars
		assert.Len(t, hash, 64)
	})
}

func TestHashSecret(t *testing.T) {
	t.Run("produces consistent hash", func(t *testing.T) {
		secret := "testsecret123"
		assert.Equal(t, credential.HashSecret(secret), credential.HashSecret(secret))
	})

	t.Run("produces different hashes for different secrets", func(t *testing.T) {
		assert.NotEqual(t, credential.HashSecret("secret1"), credential.HashSecret("secret2"))
	})
}

func TestVerifySecret(t *testing.T) {
	t.Run("matches generated pair", func(t *testing.T) {
		secret, hash, err := credential.GenerateSecret()
		require.NoError(t, err)

		ok, err := credential.VerifySecret(secret, hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		_, hash, err := credential.GenerateSecret()
		require.NoError(t, err)

		ok, err := credential.VerifySecret("wrong", hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects empty secret", func(t *testing.T) {
		_, err := credential.VerifySecret("", "somehash")
		assert.Error(t, err)
	})

	t.Run("rejects empty hash", func(t *testing.T) {
		_, err := credential.VerifySecret("somesecret", "")
		assert.Error(t, err)
	})
}

func TestNewIDAt(t *testing.T) {
	t.Run("ids sort by timestamp", func(t *testing.T) {
		earlier := credential.NewIDAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		later := credential.NewIDAt(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
		assert.Negative(t, earlier.Compare(later))
	})

	t.Run("ids at the same instant are monotonic", func(t *testing.T) {
		at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		first := credential.NewIDAt(at)
		second := credential.NewIDAt(at)
		assert.Negative(t, first.Compare(second))
	})
}

func TestParseID(t *testing.T) {
	t.Run("round-trips a generated id", func(t *testing.T) {
		id := credential.NewID()
		parsed, err := credential.ParseID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := credential.ParseID("not-a-ulid")
		assert.Error(t, err)
	})
}
