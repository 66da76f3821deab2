package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/agos/internal/ir"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a content record with minimal required fields.
func createTestRecord(key string, at time.Time) ir.StateRecord {
	return ir.StateRecord{
		Key:             ir.DedupKey(key),
		Kind:            ir.KindContent,
		Status:          ir.StatusInserted,
		FirstSeenAt:     at,
		LastSeenAt:      at,
		LastSentAt:      at,
		TraceID:         "trace-" + key,
		OccurrenceCount: 1,
	}
}

// createTestAlert creates a failing_alerted alert record.
func createTestAlert(key string, at time.Time) ir.StateRecord {
	return ir.StateRecord{
		Key:             ir.DedupKey(key),
		Kind:            ir.KindAlert,
		Status:          ir.StatusFailingAlerted,
		FirstSeenAt:     at,
		LastSeenAt:      at,
		LastSentAt:      at,
		TraceID:         "trace-" + key,
		OccurrenceCount: 1,
	}
}
