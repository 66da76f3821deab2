package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/retry"
)

// ContentItem is one candidate for ingestion.
type ContentItem struct {
	Key      ir.DedupKey
	Metadata map[string]string

	// Force records a new revision even when the key is already stored.
	Force bool
}

// DeliverFunc performs the external insert for a new item, for example
// writing a note. It is retried like any other delivery.
type DeliverFunc = retry.Op

// InsertIfNew records item unless its key is already stored.
//
// A stored key is a duplicate regardless of age. For a new key, deliver
// (which may be nil) runs first and the record is written only after it
// succeeds. With Force the duplicate check is skipped and the stored record
// is replaced by a new revision.
func (e *Engine) InsertIfNew(ctx context.Context, item ContentItem, deliver DeliverFunc) (Outcome, error) {
	return e.insert(ctx, item, deliver, ir.ReasonNewItem)
}

// ImportStats counts the results of ImportLegacy.
type ImportStats struct {
	Imported   int
	Duplicates int
}

// ImportLegacy seeds keys from an older dedup store without delivering
// anything, so items already handled elsewhere are treated as duplicates.
// It stops at the first storage error.
func (e *Engine) ImportLegacy(ctx context.Context, items []ContentItem) (ImportStats, error) {
	var stats ImportStats
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item.Force = false
		out, err := e.insert(ctx, item, nil, ir.ReasonLegacyImport)
		if err != nil {
			return stats, fmt.Errorf("import %s: %w", item.Key, err)
		}
		if out.Action == ir.ActionInserted {
			stats.Imported++
		} else {
			stats.Duplicates++
		}
	}
	return stats, nil
}

func (e *Engine) insert(ctx context.Context, item ContentItem, deliver DeliverFunc, reason ir.Reason) (Outcome, error) {
	if strings.TrimSpace(string(item.Key)) == "" {
		return Outcome{}, ir.NewValidationError("key", "empty")
	}
	digest, err := ir.PayloadDigest(item.Metadata)
	if err != nil {
		return Outcome{}, ir.NewValidationError("metadata", "%v", err)
	}

	traceID := e.traces.Generate()
	out := Outcome{Key: item.Key, TraceID: traceID}

	existing, err := e.load(ctx, item.Key)
	if err != nil {
		e.logAbort(ctx, traceID, item.Key, err)
		return out, err
	}
	if existing != nil && !item.Force {
		return e.duplicate(ctx, out, *existing, "")
	}

	if deliver != nil {
		res, err := e.retrier.Do(ctx, deliver)
		out.Attempts = res.Attempts
		if err != nil {
			out.Action, out.Reason = ir.ActionAbort, deliveryReason(err)
			if aerr := e.audit(ctx, ir.AuditEntry{
				TraceID:  traceID,
				Key:      item.Key,
				Kind:     ir.KindContent,
				Decision: ir.ActionAbort,
				Reason:   out.Reason,
				Detail:   fmt.Sprintf("insert not delivered: %v", err),
			}); aerr != nil {
				return out, aerr
			}
			return out, err
		}
	}

	now := e.clock.Now()
	rec := ir.StateRecord{
		Key:             item.Key,
		Kind:            ir.KindContent,
		Status:          ir.StatusInserted,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		TraceID:         traceID,
		OccurrenceCount: 1,
		Metadata:        item.Metadata,
	}
	if item.Metadata != nil {
		rec.PayloadDigest = digest
	}

	if existing != nil {
		rec.FirstSeenAt = existing.FirstSeenAt
		stored, err := e.store.Revise(ctx, rec, now)
		if err != nil {
			e.logAbort(ctx, traceID, item.Key, err)
			return out, err
		}
		out.Action, out.Reason, out.Record = ir.ActionInserted, ir.ReasonForcedRevision, stored
		return out, e.audit(ctx, ir.AuditEntry{
			TraceID:  traceID,
			Key:      item.Key,
			Kind:     ir.KindContent,
			Decision: ir.ActionInserted,
			Reason:   ir.ReasonForcedRevision,
			Detail:   fmt.Sprintf("revision %d", stored.Revision),
		})
	}

	inserted, err := e.store.UpsertIfAbsent(ctx, rec)
	if err != nil {
		e.logAbort(ctx, traceID, item.Key, err)
		return out, err
	}
	if !inserted {
		// Another writer stored the key between our read and insert.
		winner, err := e.store.Get(ctx, item.Key)
		if err != nil {
			e.logAbort(ctx, traceID, item.Key, err)
			return out, err
		}
		detail := ""
		if deliver != nil {
			detail = "delivered before losing the insert race"
		}
		return e.duplicate(ctx, out, winner, detail)
	}

	rec.Revision, rec.Version = 1, 1
	out.Action, out.Reason, out.Record = ir.ActionInserted, reason, rec
	return out, e.audit(ctx, ir.AuditEntry{
		TraceID:  traceID,
		Key:      item.Key,
		Kind:     ir.KindContent,
		Decision: ir.ActionInserted,
		Reason:   reason,
	})
}

// duplicate records another sighting of a stored key. The record keeps its
// status and trace; last_seen_at and the occurrence count move forward so
// age-based purges only drop items that stopped appearing.
func (e *Engine) duplicate(ctx context.Context, out Outcome, existing ir.StateRecord, detail string) (Outcome, error) {
	seen, err := e.refreshSeen(ctx, existing)
	if err != nil {
		e.logAbort(ctx, out.TraceID, out.Key, err)
		return out, err
	}

	out.Action, out.Reason, out.Record = ir.ActionDuplicate, ir.ReasonDuplicateKey, seen
	return out, e.audit(ctx, ir.AuditEntry{
		TraceID:  out.TraceID,
		Key:      out.Key,
		Kind:     seen.Kind,
		Decision: ir.ActionDuplicate,
		Reason:   ir.ReasonDuplicateKey,
		Detail:   detail,
	})
}

// refreshSeen bumps last_seen_at and the occurrence count. Losing every
// retry to concurrent sightings is not an error: those writers refreshed the
// record already.
func (e *Engine) refreshSeen(ctx context.Context, rec ir.StateRecord) (ir.StateRecord, error) {
	for attempt := 1; ; attempt++ {
		now := e.clock.Now()
		next := rec.Clone()
		if now.After(next.LastSeenAt) {
			next.LastSeenAt = now
		}
		next.OccurrenceCount++

		stored, err := e.store.Transition(ctx, ir.TransitionRequest{
			Key:       rec.Key,
			From:      []ir.Status{rec.Status},
			To:        rec.Status,
			IfVersion: rec.Version,
			Record:    next,
		})
		if err == nil {
			return stored, nil
		}
		if !ir.IsConflict(err) {
			return ir.StateRecord{}, err
		}

		fresh, err := e.store.Get(ctx, rec.Key)
		if errors.Is(err, ir.ErrNotFound) {
			// Purged between the read and the refresh.
			return rec, nil
		}
		if err != nil {
			return ir.StateRecord{}, err
		}
		if attempt >= e.conflictRetries {
			e.logger.DebugContext(ctx, "sighting refresh lost to concurrent writers",
				"key", string(rec.Key), "attempts", attempt)
			return fresh, nil
		}
		rec = fresh
	}
}
