package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/keycodec"
	"github.com/roach88/agos/internal/notify"
)

// Condition is one observation of an alert condition.
type Condition struct {
	Key     ir.DedupKey
	Failing bool

	// Title and Text are rendered into the alert message.
	Title string
	Text  string

	// Metadata is stored on the record and forwarded to the sender.
	Metadata map[string]string
}

// Outcome describes what a decision did.
type Outcome struct {
	Key     ir.DedupKey
	TraceID string
	Action  ir.Action
	Reason  ir.Reason

	// Record is the stored record after the decision. It is the zero value
	// when nothing is stored for the key.
	Record ir.StateRecord

	// Attempts is the number of delivery attempts made.
	Attempts int
}

// DecideAndRecord applies the cooldown policy to one observation, delivers
// the resulting alert or recovery, and commits the new state once delivery
// is confirmed.
//
// Errors: *ir.ValidationError for a bad key, *ir.DeliveryError when the
// send failed (state unchanged), *ir.ConflictError when concurrent writers
// won ConflictRetries times in a row, *ir.StorageError when the store is
// unusable.
func (e *Engine) DecideAndRecord(ctx context.Context, c Condition) (Outcome, error) {
	if strings.TrimSpace(string(c.Key)) == "" {
		return Outcome{}, ir.NewValidationError("key", "empty")
	}
	if !strings.HasPrefix(string(c.Key), keycodec.PrefixAlert) {
		return Outcome{}, ir.NewValidationError("key", "%q is not an alert key", c.Key)
	}

	traceID := e.traces.Generate()
	out := Outcome{Key: c.Key, TraceID: traceID}

	digest, err := ir.PayloadDigest(c.Metadata)
	if err != nil {
		return out, ir.NewValidationError("metadata", "%v", err)
	}

	// delivered is the action this call already sent, if any. A re-read
	// after a conflict must not send it again.
	var delivered ir.Action
	for attempt := 1; ; attempt++ {
		current, err := e.load(ctx, c.Key)
		if err != nil {
			e.logAbort(ctx, traceID, c.Key, err)
			return out, err
		}

		now := e.clock.Now()
		d := e.policy.Decide(now, current, c.Failing)
		out.Action, out.Reason = d.Action, d.Reason

		if !d.Writes() {
			if current != nil {
				out.Record = *current
			}
			return out, e.audit(ctx, ir.AuditEntry{
				TraceID:  traceID,
				Key:      c.Key,
				Kind:     ir.KindAlert,
				Decision: d.Action,
				Reason:   d.Reason,
				Detail:   redecidedDetail(delivered, d.Action),
			})
		}

		if d.Action.Sends() && d.Action != delivered {
			payload := notify.Payload{
				Key:      c.Key,
				Kind:     ir.KindAlert,
				Action:   d.Action,
				TraceID:  traceID,
				Title:    c.Title,
				Text:     c.Text,
				Metadata: c.Metadata,
			}
			res, err := e.retrier.Do(ctx, func(ctx context.Context) error {
				return e.sender.Send(ctx, payload)
			})
			out.Attempts += res.Attempts
			if err != nil {
				out.Action, out.Reason = ir.ActionAbort, deliveryReason(err)
				if aerr := e.audit(ctx, ir.AuditEntry{
					TraceID:  traceID,
					Key:      c.Key,
					Kind:     ir.KindAlert,
					Decision: ir.ActionAbort,
					Reason:   out.Reason,
					Detail:   fmt.Sprintf("%s not delivered: %v", d.Action, err),
				}); aerr != nil {
					return out, aerr
				}
				return out, err
			}
			delivered = d.Action
		}

		next := d.Record
		next.Key = c.Key
		next.Kind = ir.KindAlert
		next.TraceID = traceID
		if c.Metadata != nil {
			next.Metadata = c.Metadata
			next.PayloadDigest = digest
		}

		var ifVersion int64
		if current != nil {
			ifVersion = current.Version
		}
		stored, err := e.store.Transition(ctx, ir.TransitionRequest{
			Key:       c.Key,
			From:      d.From,
			To:        d.To,
			IfVersion: ifVersion,
			Record:    next,
		})
		if ir.IsConflict(err) {
			if attempt < e.conflictRetries {
				e.logger.DebugContext(ctx, "transition conflict, re-reading",
					"key", string(c.Key), "attempt", attempt, "error", err)
				continue
			}
			out.Action, out.Reason = ir.ActionAbort, ir.ReasonConflictExhausted
			if aerr := e.audit(ctx, ir.AuditEntry{
				TraceID:  traceID,
				Key:      c.Key,
				Kind:     ir.KindAlert,
				Decision: ir.ActionAbort,
				Reason:   ir.ReasonConflictExhausted,
				Detail:   conflictDetail(delivered, err),
			}); aerr != nil {
				return out, aerr
			}
			return out, err
		}
		if err != nil {
			e.logAbort(ctx, traceID, c.Key, err)
			return out, err
		}

		out.Record = stored
		return out, e.audit(ctx, ir.AuditEntry{
			TraceID:  traceID,
			Key:      c.Key,
			Kind:     ir.KindAlert,
			Decision: d.Action,
			Reason:   d.Reason,
			Detail:   redecidedDetail(delivered, d.Action),
		})
	}
}

// load returns the stored record for key, or nil when there is none.
func (e *Engine) load(ctx context.Context, key ir.DedupKey) (*ir.StateRecord, error) {
	rec, err := e.store.Get(ctx, key)
	if errors.Is(err, ir.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func conflictDetail(delivered ir.Action, err error) string {
	if delivered != "" {
		return fmt.Sprintf("%s delivered but not recorded: %v", delivered, err)
	}
	return err.Error()
}

// redecidedDetail notes a delivery made before a concurrent update changed
// the decision that gets recorded.
func redecidedDetail(delivered, decided ir.Action) string {
	if delivered == "" || delivered == decided {
		return ""
	}
	return fmt.Sprintf("%s delivered before a concurrent update", delivered)
}
