package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agos/internal/ir"
)

// UpsertIfAbsent inserts rec unless a row with the same key already exists.
// Uses ON CONFLICT(key) DO NOTHING: of any number of concurrent callers with
// the same key, exactly one sees inserted=true.
//
// Revision defaults to 1 and Version is always 1 for a new row.
func (s *Store) UpsertIfAbsent(ctx context.Context, rec ir.StateRecord) (inserted bool, err error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}
	if rec.Revision < 1 {
		rec.Revision = 1
	}

	args, err := recordArgs(rec)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", rec.Key, err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO state_records
		(key, revision, version, kind, status, first_seen_at, last_seen_at, last_sent_at,
		 trace_id, occurrence_count, silenced_count, payload_digest, metadata)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, append([]any{string(rec.Key), rec.Revision}, args...)...)
	if err != nil {
		return false, storageErr("upsert", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("upsert: rows affected", err)
	}
	return n > 0, nil
}

// Get returns the record for key, or an error wrapping ir.ErrNotFound.
func (s *Store) Get(ctx context.Context, key ir.DedupKey) (ir.StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE key = ?`, string(key))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.StateRecord{}, fmt.Errorf("get %s: %w", key, ir.ErrNotFound)
	}
	if err != nil {
		return ir.StateRecord{}, storageErr("get", err)
	}
	return rec, nil
}

// Transition atomically moves req.Key from one of req.From to req.To.
//
// The current status and version are read and the new row written inside one
// IMMEDIATE transaction. StatusAbsent in From matches a missing row or a
// resolved one. When the precondition does not hold the store is unchanged
// and a *ir.ConflictError is returned.
//
// The returned record carries the stored version. Revision is preserved from
// the existing row.
func (s *Store) Transition(ctx context.Context, req ir.TransitionRequest) (ir.StateRecord, error) {
	rec := req.Record.Clone()
	rec.Key = req.Key
	rec.Status = req.To
	if err := validateRecord(rec); err != nil {
		return ir.StateRecord{}, err
	}
	if len(req.From) == 0 {
		return ir.StateRecord{}, ir.NewValidationError("from", "transition needs at least one source status")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.StateRecord{}, storageErr("transition: begin", err)
	}
	defer tx.Rollback() // No-op if committed

	current, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE key = ?`, string(req.Key)))
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		current = ir.StateRecord{Status: ir.StatusAbsent}
	} else if err != nil {
		return ir.StateRecord{}, storageErr("transition: read", err)
	}

	if !req.Allows(current.Status) || (req.IfVersion > 0 && current.Version != req.IfVersion) {
		return ir.StateRecord{}, &ir.ConflictError{
			Key:             req.Key,
			Expected:        req.From,
			Actual:          current.Status,
			ExpectedVersion: req.IfVersion,
			ActualVersion:   current.Version,
		}
	}

	args, err := recordArgs(rec)
	if err != nil {
		return ir.StateRecord{}, fmt.Errorf("transition %s: %w", req.Key, err)
	}

	if exists {
		rec.Revision = current.Revision
		rec.Version = current.Version + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE state_records SET
				kind = ?, status = ?, first_seen_at = ?, last_seen_at = ?, last_sent_at = ?,
				trace_id = ?, occurrence_count = ?, silenced_count = ?, payload_digest = ?, metadata = ?,
				version = version + 1
			WHERE key = ? AND version = ?
		`, append(args, string(req.Key), current.Version)...)
	} else {
		rec.Revision = 1
		rec.Version = 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_records
			(key, revision, version, kind, status, first_seen_at, last_seen_at, last_sent_at,
			 trace_id, occurrence_count, silenced_count, payload_digest, metadata)
			VALUES (?, 1, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, append([]any{string(req.Key)}, args...)...)
	}
	if err != nil {
		return ir.StateRecord{}, storageErr("transition: write", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.StateRecord{}, storageErr("transition: commit", err)
	}
	return rec, nil
}

// Revise replaces the row for rec.Key with a new revision, copying the
// previous row into record_revisions. A missing row is inserted as
// revision 1. Used for forced re-inserts.
func (s *Store) Revise(ctx context.Context, rec ir.StateRecord, now time.Time) (ir.StateRecord, error) {
	if err := validateRecord(rec); err != nil {
		return ir.StateRecord{}, err
	}
	rec = rec.Clone()

	args, err := recordArgs(rec)
	if err != nil {
		return ir.StateRecord{}, fmt.Errorf("revise %s: %w", rec.Key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.StateRecord{}, storageErr("revise: begin", err)
	}
	defer tx.Rollback() // No-op if committed

	current, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE key = ?`, string(rec.Key)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec.Revision = 1
		rec.Version = 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_records
			(key, revision, version, kind, status, first_seen_at, last_seen_at, last_sent_at,
			 trace_id, occurrence_count, silenced_count, payload_digest, metadata)
			VALUES (?, 1, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, append([]any{string(rec.Key)}, args...)...)
		if err != nil {
			return ir.StateRecord{}, storageErr("revise: insert", err)
		}
	case err != nil:
		return ir.StateRecord{}, storageErr("revise: read", err)
	default:
		snapshot, err := json.Marshal(current)
		if err != nil {
			return ir.StateRecord{}, fmt.Errorf("revise %s: snapshot: %w", rec.Key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO record_revisions (key, revision, snapshot, replaced_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key, revision) DO NOTHING
		`, string(rec.Key), current.Revision, string(snapshot), formatTime(now))
		if err != nil {
			return ir.StateRecord{}, storageErr("revise: snapshot", err)
		}

		rec.Revision = current.Revision + 1
		rec.Version = current.Version + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE state_records SET
				kind = ?, status = ?, first_seen_at = ?, last_seen_at = ?, last_sent_at = ?,
				trace_id = ?, occurrence_count = ?, silenced_count = ?, payload_digest = ?, metadata = ?,
				revision = revision + 1, version = version + 1
			WHERE key = ?
		`, append(args, string(rec.Key))...)
		if err != nil {
			return ir.StateRecord{}, storageErr("revise: update", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ir.StateRecord{}, storageErr("revise: commit", err)
	}
	return rec, nil
}

// Revisions returns the archived snapshots for key, oldest first.
func (s *Store) Revisions(ctx context.Context, key ir.DedupKey) ([]ir.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM record_revisions
		WHERE key = ?
		ORDER BY revision ASC
	`, string(key))
	if err != nil {
		return nil, storageErr("revisions", err)
	}
	defer rows.Close()

	var out []ir.StateRecord
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, storageErr("revisions: scan", err)
		}
		var rec ir.StateRecord
		if err := json.Unmarshal([]byte(snapshot), &rec); err != nil {
			return nil, storageErr("revisions: decode", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("revisions", err)
	}
	return out, nil
}

// RecordFilter narrows ListRecords. Zero fields match everything.
type RecordFilter struct {
	Kind      ir.Kind
	Status    ir.Status
	KeyPrefix string
	Limit     int
}

// ListRecords returns records ordered by key.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]ir.StateRecord, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.KeyPrefix != "" {
		where = append(where, "substr(key, 1, ?) = ?")
		args = append(args, len(f.KeyPrefix), f.KeyPrefix)
	}

	query := `SELECT ` + recordColumns + ` FROM state_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY key COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var out []ir.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("list records: scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return out, nil
}

// PurgeOptions selects records to delete. Exactly one of Key or OlderThan
// must be set.
type PurgeOptions struct {
	Key ir.DedupKey

	// OlderThan deletes records last seen strictly before this instant.
	OlderThan time.Time
}

// Purge deletes records and their archived revisions. It is the only way a
// state record is ever removed.
func (s *Store) Purge(ctx context.Context, opts PurgeOptions) (int64, error) {
	switch {
	case opts.Key == "" && opts.OlderThan.IsZero():
		return 0, ir.NewValidationError("purge", "need a key or an age cutoff")
	case opts.Key != "" && !opts.OlderThan.IsZero():
		return 0, ir.NewValidationError("purge", "key and age cutoff are exclusive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("purge: begin", err)
	}
	defer tx.Rollback() // No-op if committed

	var result sql.Result
	if opts.Key != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_revisions WHERE key = ?`, string(opts.Key)); err != nil {
			return 0, storageErr("purge: revisions", err)
		}
		result, err = tx.ExecContext(ctx, `DELETE FROM state_records WHERE key = ?`, string(opts.Key))
	} else {
		cutoff := formatTime(opts.OlderThan)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM record_revisions
			WHERE key IN (SELECT key FROM state_records WHERE last_seen_at < ?)
		`, cutoff); err != nil {
			return 0, storageErr("purge: revisions", err)
		}
		result, err = tx.ExecContext(ctx, `DELETE FROM state_records WHERE last_seen_at < ?`, cutoff)
	}
	if err != nil {
		return 0, storageErr("purge", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("purge: rows affected", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("purge: commit", err)
	}
	return n, nil
}

func validateRecord(rec ir.StateRecord) error {
	if strings.TrimSpace(string(rec.Key)) == "" {
		return ir.NewValidationError("key", "empty")
	}
	if !rec.Kind.Valid() {
		return ir.NewValidationError("kind", "unknown kind %q", rec.Kind)
	}
	if rec.Status == "" || rec.Status == ir.StatusAbsent {
		return ir.NewValidationError("status", "%q cannot be stored", rec.Status)
	}
	if rec.FirstSeenAt.IsZero() || rec.LastSeenAt.IsZero() {
		return ir.NewValidationError("last_seen_at", "timestamps required")
	}
	if !rec.LastSentAt.IsZero() && rec.LastSentAt.After(rec.LastSeenAt) {
		return ir.NewValidationError("last_sent_at", "after last_seen_at")
	}
	return nil
}
