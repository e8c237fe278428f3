// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package usage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/usage"
)

// collectingRepo records appended entries; fail makes every append error.
type collectingRepo struct {
	mu      sync.Mutex
	entries []usage.Entry
	fail    bool
}

func (r *collectingRepo) Append(_ context.Context, entry usage.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("store down")
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *collectingRepo) ListBySubject(_ context.Context, kind usage.Kind, subjectID ulid.ULID, limit int) ([]usage.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []usage.Entry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.entries[i].Kind == kind && r.entries[i].SubjectID == subjectID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

func (r *collectingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func entryAt(now time.Time) usage.Entry {
	return usage.Entry{
		ID:        credential.NewIDAt(now),
		Kind:      usage.KindToken,
		SubjectID: credential.NewIDAt(now),
		OwnerID:   credential.NewIDAt(now),
		Timestamp: now,
		Action:    "validate",
		Outcome:   "success",
	}
}

func TestRecorderAsync(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("records are persisted and drained on close", func(t *testing.T) {
		repo := &collectingRepo{}
		recorder := usage.NewRecorder(repo, nil)

		now := time.Now()
		for range 10 {
			recorder.Record(entryAt(now))
		}
		recorder.Close()

		assert.Equal(t, 10, repo.count())
	})

	t.Run("write failures never surface to the caller", func(t *testing.T) {
		repo := &collectingRepo{fail: true}
		recorder := usage.NewRecorder(repo, nil)

		recorder.Record(entryAt(time.Now()))
		recorder.Close()

		assert.Equal(t, 0, repo.count())
	})
}

func TestRecorderSync(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("writes inline", func(t *testing.T) {
		repo := &collectingRepo{}
		recorder := usage.NewRecorder(repo, nil)
		defer recorder.Close()

		recorder.RecordSync(context.Background(), entryAt(time.Now()))
		assert.Equal(t, 1, repo.count())
	})

	t.Run("swallows failures", func(t *testing.T) {
		repo := &collectingRepo{fail: true}
		recorder := usage.NewRecorder(repo, nil)
		defer recorder.Close()

		// Must not panic or block.
		recorder.RecordSync(context.Background(), entryAt(time.Now()))
	})
}

func TestRecorderListBySubject(t *testing.T) {
	repo := &collectingRepo{}
	recorder := usage.NewRecorder(repo, nil)

	now := time.Now()
	subject := credential.NewIDAt(now)
	for i := range 5 {
		entry := entryAt(now.Add(time.Duration(i) * time.Second))
		entry.SubjectID = subject
		recorder.RecordSync(context.Background(), entry)
	}
	recorder.Close()

	entries, err := repo.ListBySubject(context.Background(), usage.KindToken, subject, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
