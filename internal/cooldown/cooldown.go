// Package cooldown implements the alert suppression and recovery state
// machine as a pure function of (now, stored record, condition).
//
// States and moves:
//
//	absent  --fail, silenced-->   pending            no_op_silenced
//	absent  --fail-->             failing_alerted    send_alert
//	pending --fail, silenced-->   pending            no_op_silenced
//	pending --fail-->             failing_alerted    send_alert
//	failing_* --fail, in window-> failing_suppressed suppress
//	failing_* --fail, elapsed-->  failing_alerted    send_alert (renewed)
//	failing_* --clear-->          resolved           send_recovery
//	pending --clear-->            resolved           noop
//	absent  --clear-->            (unchanged)        noop
//
// resolved is stored but behaves exactly like absent.
package cooldown

import (
	"time"

	"github.com/roach88/agos/internal/ir"
)

// Policy holds the two windows that gate alert sends.
type Policy struct {
	// Cooldown is the minimum time between two sent alerts for one key.
	Cooldown time.Duration

	// StartupSilenceUntil is the end of the startup silence window. Failures
	// observed before it are recorded but never sent.
	StartupSilenceUntil time.Time
}

// Decision is the outcome of Decide.
type Decision struct {
	Action ir.Action
	Reason ir.Reason

	// From is the status the decision was made against; the caller uses it
	// as the transition precondition.
	From []ir.Status

	// To is the status to store. Empty means nothing is written.
	To ir.Status

	// Record is the record to store once any send is confirmed. Key, Kind
	// and TraceID are left for the caller to fill on new records.
	Record ir.StateRecord
}

// Writes reports whether the decision changes stored state.
func (d Decision) Writes() bool {
	return d.To != ""
}

// Decide returns the action for one observation of a condition. rec is the
// stored record, or nil when none exists. Decide never mutates rec.
func (p Policy) Decide(now time.Time, rec *ir.StateRecord, failing bool) Decision {
	current := ir.StatusAbsent
	if rec != nil && !rec.Status.IsAbsent() {
		current = rec.Status
	}
	silenced := now.Before(p.StartupSilenceUntil)

	if !failing {
		return p.clear(now, rec, current)
	}

	switch {
	case current == ir.StatusAbsent:
		next := ir.StateRecord{FirstSeenAt: now, LastSeenAt: now}
		if rec != nil {
			// A resolved record keeps its identity but starts a new episode.
			next = rec.Clone()
			next.FirstSeenAt = now
			next.LastSeenAt = now
			next.LastSentAt = time.Time{}
			next.OccurrenceCount = 0
			next.SilencedCount = 0
		}
		if silenced {
			next.SilencedCount = 1
			return decision(ir.ActionSilenced, ir.ReasonStartupSilence, current, ir.StatusPending, next)
		}
		next.LastSentAt = now
		next.OccurrenceCount = 1
		return decision(ir.ActionSendAlert, ir.ReasonFirstFailure, current, ir.StatusFailingAlerted, next)

	case current == ir.StatusPending:
		next := rec.Clone()
		next.LastSeenAt = now
		if silenced {
			next.SilencedCount++
			return decision(ir.ActionSilenced, ir.ReasonStartupSilence, current, ir.StatusPending, next)
		}
		next.LastSentAt = now
		next.OccurrenceCount++
		return decision(ir.ActionSendAlert, ir.ReasonSilenceElapsed, current, ir.StatusFailingAlerted, next)

	default: // failing_alerted, failing_suppressed
		next := rec.Clone()
		next.LastSeenAt = now
		if now.Sub(rec.LastSentAt) < p.Cooldown {
			next.OccurrenceCount++
			return decision(ir.ActionSuppress, ir.ReasonWithinCooldown, current, ir.StatusFailingSuppressed, next)
		}
		if silenced {
			next.SilencedCount++
			return decision(ir.ActionSilenced, ir.ReasonStartupSilence, current, current, next)
		}
		next.LastSentAt = now
		next.OccurrenceCount++
		return decision(ir.ActionSendAlert, ir.ReasonCooldownElapsed, current, ir.StatusFailingAlerted, next)
	}
}

// clear handles an observation where the condition is no longer failing.
// Recovery is sent regardless of cooldown and startup silence.
func (p Policy) clear(now time.Time, rec *ir.StateRecord, current ir.Status) Decision {
	switch {
	case current == ir.StatusAbsent:
		d := decision(ir.ActionNoop, ir.ReasonHealthy, current, "", ir.StateRecord{})
		if rec != nil {
			d.Record = rec.Clone()
		}
		return d

	case current == ir.StatusPending:
		next := rec.Clone()
		next.LastSeenAt = now
		return decision(ir.ActionNoop, ir.ReasonRecoveredUnalerted, current, ir.StatusResolved, next)

	default:
		next := rec.Clone()
		next.LastSeenAt = now
		next.LastSentAt = now
		return decision(ir.ActionSendRecovery, ir.ReasonConditionCleared, current, ir.StatusResolved, next)
	}
}

func decision(action ir.Action, reason ir.Reason, from, to ir.Status, rec ir.StateRecord) Decision {
	if to != "" {
		rec.Status = to
	}
	return Decision{
		Action: action,
		Reason: reason,
		From:   []ir.Status{from},
		To:     to,
		Record: rec,
	}
}
