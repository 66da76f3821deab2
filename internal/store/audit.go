package store

import (
	"context"
	"strings"

	"github.com/roach88/agos/internal/ir"
)

// AppendAudit writes one decision to audit_log and returns its row id.
func (s *Store) AppendAudit(ctx context.Context, e ir.AuditEntry) (int64, error) {
	if e.Decision == "" || e.Reason == "" {
		return 0, ir.NewValidationError("audit", "decision and reason required")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, key, kind, decision, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.TraceID,
		string(e.Key),
		string(e.Kind),
		string(e.Decision),
		string(e.Reason),
		e.Detail,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, storageErr("append audit", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, storageErr("append audit: last insert id", err)
	}
	return id, nil
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	Key     ir.DedupKey
	TraceID string
	Limit   int
}

// ListAudit returns audit entries in insertion order.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]ir.AuditEntry, error) {
	var where []string
	var args []any
	if f.Key != "" {
		where = append(where, "key = ?")
		args = append(args, string(f.Key))
	}
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}

	query := `SELECT id, trace_id, key, kind, decision, reason, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	defer rows.Close()

	var out []ir.AuditEntry
	for rows.Next() {
		var (
			e                              ir.AuditEntry
			key, kind, decision, reason, t string
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &key, &kind, &decision, &reason, &e.Detail, &t); err != nil {
			return nil, storageErr("list audit: scan", err)
		}
		created, err := parseTime(t)
		if err != nil {
			return nil, storageErr("list audit: decode", err)
		}
		e.Key = ir.DedupKey(key)
		e.Kind = ir.Kind(kind)
		e.Decision = ir.Action(decision)
		e.Reason = ir.Reason(reason)
		e.CreatedAt = created
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audit", err)
	}
	return out, nil
}
