// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/stayware/gatekeeper/internal/credential"
)

// Claims is the payload bound into a signed bearer secret. The record
// in the durable store stays authoritative; claims exist so validation
// can fail closed on a forged or truncated secret before touching the
// store at all.
type Claims struct {
	jwt.RegisteredClaims

	TokenType Type     `json:"typ"`
	Scope     []string `json:"scope,omitempty"`
}

// Codec signs and verifies bearer secrets as HS256 JWTs.
type Codec struct {
	key   []byte
	clock credential.Clock
}

// NewCodec creates a Codec with the given signing key. Keys shorter
// than 32 bytes are rejected. A nil clock defaults to time.Now.
func NewCodec(key []byte, clock credential.Clock) (*Codec, error) {
	if len(key) < 32 {
		return nil, oops.Code("CODEC_KEY_TOO_SHORT").
			With("key_bytes", len(key)).
			Errorf("signing key must be at least 32 bytes")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Codec{key: key, clock: clock}, nil
}

// Sign produces a signed secret binding the token's identity, owner,
// type, scope, and expiry.
func (c *Codec) Sign(id, ownerID ulid.ULID, typ Type, scope []string, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   ownerID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: typ,
		Scope:     scope,
	}

	secret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", oops.Code("CODEC_SIGN_FAILED").
			With("token_id", id.String()).
			Wrap(err)
	}
	return secret, nil
}

// Verify checks the signature on a bearer secret and decodes its
// claims. Fail-closed: any parse or signature problem maps to
// ErrInvalidSignature, an expired exp claim to ErrExpired. Expiry here
// is a cheap pre-check; the durable record is still consulted.
func (c *Codec) Verify(secret string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(secret, &claims, func(t *jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.clock() }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, oops.Code("TOKEN_EXPIRED").Wrap(credential.ErrExpired)
		}
		return nil, oops.Code("TOKEN_BAD_SIGNATURE").
			Wrap(errors.Join(credential.ErrInvalidSignature, err))
	}

	return &claims, nil
}
