// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package token_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/token"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewCodec(t *testing.T) {
	t.Run("rejects short key", func(t *testing.T) {
		_, err := token.NewCodec([]byte("too short"), nil)
		assert.Error(t, err)
	})

	t.Run("accepts 32-byte key", func(t *testing.T) {
		codec, err := token.NewCodec(testKey, nil)
		require.NoError(t, err)
		assert.NotNil(t, codec)
	})
}

func TestCodecSignVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	codec, err := token.NewCodec(testKey, clock)
	require.NoError(t, err)

	id := credential.NewIDAt(now)
	owner := credential.NewIDAt(now)

	t.Run("round-trips claims", func(t *testing.T) {
		secret, err := codec.Sign(id, owner, token.TypeAccess, []string{"bookings:read"}, now, now.Add(time.Hour))
		require.NoError(t, err)

		claims, err := codec.Verify(secret)
		require.NoError(t, err)
		assert.Equal(t, id.String(), claims.ID)
		assert.Equal(t, owner.String(), claims.Subject)
		assert.Equal(t, token.TypeAccess, claims.TokenType)
		assert.Equal(t, []string{"bookings:read"}, claims.Scope)
	})

	t.Run("expired secret maps to ErrExpired", func(t *testing.T) {
		secret, err := codec.Sign(id, owner, token.TypeAccess, nil, now.Add(-2*time.Hour), now.Add(-time.Hour))
		require.NoError(t, err)

		_, err = codec.Verify(secret)
		assert.ErrorIs(t, err, credential.ErrExpired)
	})

	t.Run("tampered secret maps to ErrInvalidSignature", func(t *testing.T) {
		secret, err := codec.Sign(id, owner, token.TypeAccess, nil, now, now.Add(time.Hour))
		require.NoError(t, err)

		parts := strings.Split(secret, ".")
		require.Len(t, parts, 3)
		tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]

		_, err = codec.Verify(tampered)
		assert.ErrorIs(t, err, credential.ErrInvalidSignature)
	})

	t.Run("secret signed with another key is rejected", func(t *testing.T) {
		other, err := token.NewCodec([]byte("ffffffffffffffffffffffffffffffff"), clock)
		require.NoError(t, err)

		secret, err := other.Sign(id, owner, token.TypeAccess, nil, now, now.Add(time.Hour))
		require.NoError(t, err)

		_, err = codec.Verify(secret)
		assert.ErrorIs(t, err, credential.ErrInvalidSignature)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := codec.Verify("not-a-jwt")
		assert.ErrorIs(t, err, credential.ErrInvalidSignature)
	})
}
