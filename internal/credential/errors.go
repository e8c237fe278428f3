// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package credential

import "errors"

// Validation failure kinds. Callers at the transport boundary collapse
// all of these into a single generic unauthorized outcome; the distinct
// kinds exist for logging and metrics only.
var (
	// ErrNotFound is returned when a credential or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a credential or session has passed its expiry.
	ErrExpired = errors.New("expired")

	// ErrRevoked is returned when a token has been explicitly revoked.
	ErrRevoked = errors.New("revoked")

	// ErrSuspended is returned when a credential or session is suspended.
	ErrSuspended = errors.New("suspended")

	// ErrInvalidSignature is returned when a bearer secret fails
	// signature verification. Checked before any store access.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrPermissionDenied is returned when a session lacks a required permission.
	ErrPermissionDenied = errors.New("permission denied")
)

// Infrastructure failure kinds.
var (
	// ErrStorageUnavailable indicates the durable store could not be
	// reached. Transient; callers may retry reads. Security mutations
	// surfacing this error must be assumed not to have happened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCacheUnavailable indicates the distributed cache could not be
	// reached. Non-fatal; operations degrade to the durable store.
	ErrCacheUnavailable = errors.New("cache unavailable")
)
