// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package credential provides shared primitives for the token and
// session subsystems: secret generation and hashing, the injectable
// clock, and the error taxonomy.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SecretBytes is the entropy of a generated secret. 32 bytes = 64 hex chars.
const SecretBytes = 32

// Clock is an injectable time source. Services take it at construction
// so tests can use deterministic time.
type Clock func() time.Time

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new ULID using the shared monotonic entropy source.
func NewID() ulid.ULID {
	return NewIDAt(time.Now())
}

// NewIDAt generates a new ULID with the given timestamp. Services pass
// their injected clock's time so IDs sort consistently with record
// timestamps.
func NewIDAt(at time.Time) ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy)
}

// ParseID parses a ULID string.
func ParseID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.Code("CREDENTIAL_INVALID_ID").With("id", s).Wrap(err)
	}
	return id, nil
}

// GenerateSecret creates a secure random secret and its hash.
// Returns (plaintext_secret, sha256_hash, error).
// The plaintext is handed to the client once; only the hash is stored.
func GenerateSecret() (secret, hash string, err error) {
	buf := make([]byte, SecretBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", oops.Code("CREDENTIAL_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SecretBytes).
			Wrap(err)
	}

	secret = hex.EncodeToString(buf)
	hash = HashSecret(secret)

	return secret, hash, nil
}

// HashSecret computes the SHA256 hash of a secret. Secrets are
// high-entropy random values, so a fast unsalted hash is sufficient;
// the stored hash is what the unique constraint covers.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// VerifySecret checks if the plaintext secret matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
func VerifySecret(secret, hash string) (bool, error) {
	if secret == "" {
		return false, oops.Code("CREDENTIAL_SECRET_EMPTY").Errorf("secret cannot be empty")
	}
	if hash == "" {
		return false, oops.Code("CREDENTIAL_HASH_EMPTY").Errorf("stored hash cannot be empty")
	}
	computed := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1, nil
}
