package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/agos/internal/ir"
)

// Timestamps are stored as RFC 3339 text in UTC so that lexical order in
// SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatOptionalTime maps the zero time to NULL.
func formatOptionalTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseOptionalTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

// marshalMetadata converts metadata to canonical JSON TEXT for storage.
func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// unmarshalMetadata parses JSON TEXT to metadata. Empty objects decode to nil.
func unmarshalMetadata(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

// recordColumns is the column list shared by every state_records SELECT.
const recordColumns = `key, kind, status, revision, version, first_seen_at, last_seen_at,
	last_sent_at, trace_id, occurrence_count, silenced_count, payload_digest, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row selected with recordColumns.
func scanRecord(row rowScanner) (ir.StateRecord, error) {
	var rec ir.StateRecord
	var key, kind, status, firstSeen, lastSeen, metadata string
	var lastSent sql.NullString
	err := row.Scan(&key, &kind, &status, &rec.Revision, &rec.Version, &firstSeen, &lastSeen,
		&lastSent, &rec.TraceID, &rec.OccurrenceCount, &rec.SilencedCount, &rec.PayloadDigest, &metadata)
	if err != nil {
		return ir.StateRecord{}, err
	}

	rec.Key = ir.DedupKey(key)
	rec.Kind = ir.Kind(kind)
	rec.Status = ir.Status(status)

	if rec.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return ir.StateRecord{}, err
	}
	if rec.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return ir.StateRecord{}, err
	}
	if rec.LastSentAt, err = parseOptionalTime(lastSent); err != nil {
		return ir.StateRecord{}, err
	}
	if rec.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return ir.StateRecord{}, err
	}
	return rec, nil
}

// recordArgs returns the bind values for every column after key, in
// recordColumns order, excluding revision and version.
func recordArgs(rec ir.StateRecord) ([]any, error) {
	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		string(rec.Kind),
		string(rec.Status),
		formatTime(rec.FirstSeenAt),
		formatTime(rec.LastSeenAt),
		formatOptionalTime(rec.LastSentAt),
		rec.TraceID,
		rec.OccurrenceCount,
		rec.SilencedCount,
		rec.PayloadDigest,
		metadata,
	}, nil
}
