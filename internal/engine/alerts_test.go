package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agos/internal/cooldown"
	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/notify"
	"github.com/roach88/agos/internal/store"
)

const diskKey = ir.DedupKey("alert:bouncer:disk_full:host-a")

func failing() Condition {
	return Condition{Key: diskKey, Failing: true, Title: "disk full", Text: "/var at 99%"}
}

func cleared() Condition {
	return Condition{Key: diskKey}
}

// An alert storm: one send, suppression inside the window, a renewed send
// after it, then a recovery that ignores the window.
func TestDecideAndRecord_Storm(t *testing.T) {
	f := newFixture(t, WithPolicy(cooldown.Policy{Cooldown: 60 * time.Minute}))
	ctx := context.Background()

	out, err := f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSendAlert, out.Action)
	assert.Equal(t, ir.ReasonFirstFailure, out.Reason)
	assert.Equal(t, ir.StatusFailingAlerted, out.Record.Status)
	assert.Equal(t, t0, out.Record.LastSentAt)
	assert.Equal(t, 1, out.Attempts)

	f.clock.Advance(10 * time.Minute)
	out, err = f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSuppress, out.Action)
	assert.Equal(t, ir.StatusFailingSuppressed, out.Record.Status)
	assert.Equal(t, t0, out.Record.LastSentAt)
	assert.Zero(t, out.Attempts)

	f.clock.Set(t0.Add(70 * time.Minute))
	out, err = f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSendAlert, out.Action)
	assert.Equal(t, ir.ReasonCooldownElapsed, out.Reason)
	assert.Equal(t, t0.Add(70*time.Minute), out.Record.LastSentAt)
	assert.EqualValues(t, 3, out.Record.OccurrenceCount)

	f.clock.Advance(10 * time.Minute)
	out, err = f.engine.DecideAndRecord(ctx, cleared())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSendRecovery, out.Action)
	assert.Equal(t, ir.StatusResolved, out.Record.Status)

	f.clock.Advance(10 * time.Minute)
	out, err = f.engine.DecideAndRecord(ctx, cleared())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionNoop, out.Action)
	assert.Equal(t, ir.ReasonHealthy, out.Reason)

	assert.Equal(t, []ir.Action{ir.ActionSendAlert, ir.ActionSendAlert, ir.ActionSendRecovery}, f.sender.actions())
	assert.Equal(t, []string{
		"send_alert/first_failure",
		"suppress/within_cooldown",
		"send_alert/cooldown_elapsed",
		"send_recovery/condition_cleared",
		"noop/healthy",
	}, f.trail(t, diskKey))

	rec, err := f.store.Get(ctx, diskKey)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusResolved, rec.Status)
	assert.EqualValues(t, 4, rec.Version)
}

func TestDecideAndRecord_PayloadCarriesTrace(t *testing.T) {
	f := newFixture(t)

	c := failing()
	c.Metadata = map[string]string{"host": "host-a"}
	out, err := f.engine.DecideAndRecord(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, f.sender.sent, 1)
	p := f.sender.sent[0]
	assert.Equal(t, out.TraceID, p.TraceID)
	assert.Equal(t, "disk full", p.Title)
	assert.Equal(t, ir.KindAlert, p.Kind)
	assert.Equal(t, "host-a", p.Metadata["host"])

	assert.Equal(t, out.TraceID, out.Record.TraceID)
	assert.NotEmpty(t, out.Record.PayloadDigest)
	assert.Equal(t, "host-a", out.Record.Metadata["host"])
}

// A failed send leaves stored state untouched so the next run retries the
// alert instead of treating it as sent.
func TestDecideAndRecord_DeliveryFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	down := &notify.SendError{URL: "https://hooks.example/hook/***", StatusCode: http.StatusBadGateway}
	f.sender.errs = []error{down, down, down}

	out, err := f.engine.DecideAndRecord(ctx, failing())
	require.Error(t, err)
	assert.True(t, ir.IsDelivery(err))
	assert.Equal(t, ir.ActionAbort, out.Action)
	assert.Equal(t, ir.ReasonDeliveryFailed, out.Reason)
	assert.Equal(t, 3, out.Attempts)

	_, err = f.store.Get(ctx, diskKey)
	assert.True(t, errors.Is(err, ir.ErrNotFound), "got %v", err)

	f.clock.Advance(5 * time.Minute)
	out, err = f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSendAlert, out.Action)
	assert.Equal(t, ir.ReasonFirstFailure, out.Reason)

	assert.Equal(t, []string{"abort/delivery_failed", "send_alert/first_failure"}, f.trail(t, diskKey))
}

func TestDecideAndRecord_FatalDeliveryStopsRetrying(t *testing.T) {
	f := newFixture(t)
	f.sender.errs = []error{&notify.SendError{URL: "https://hooks.example/hook/***", StatusCode: http.StatusUnauthorized}}

	out, err := f.engine.DecideAndRecord(context.Background(), failing())
	var de *ir.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ir.DeliveryFatal, de.Class)
	assert.Equal(t, ir.ReasonDeliveryFatal, out.Reason)
	assert.Equal(t, 1, f.sender.calls)

	entries := f.trail(t, diskKey)
	assert.Equal(t, []string{"abort/delivery_fatal"}, entries)
}

// A recovery whose send fails keeps the record failing, so recovery is
// attempted again on the next clear observation.
func TestDecideAndRecord_RecoveryRetriedAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.sender.errs = []error{errors.New("connection reset"), errors.New("connection reset"), errors.New("connection reset")}
	_, err = f.engine.DecideAndRecord(ctx, cleared())
	require.Error(t, err)

	rec, err := f.store.Get(ctx, diskKey)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailingAlerted, rec.Status)

	out, err := f.engine.DecideAndRecord(ctx, cleared())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSendRecovery, out.Action)
}

func TestDecideAndRecord_StartupSilence(t *testing.T) {
	f := newFixture(t, WithPolicy(cooldown.Policy{
		Cooldown:            60 * time.Minute,
		StartupSilenceUntil: t0.Add(10 * time.Minute),
	}))
	ctx := context.Background()

	out, err := f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSilenced, out.Action)
	assert.Equal(t, ir.StatusPending, out.Record.Status)
	assert.EqualValues(t, 1, out.Record.SilencedCount)

	f.clock.Advance(5 * time.Minute)
	out, err = f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSilenced, out.Action)
	assert.EqualValues(t, 2, out.Record.SilencedCount)
	assert.Empty(t, f.sender.sent)

	f.clock.Advance(6 * time.Minute)
	out, err = f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSendAlert, out.Action)
	assert.Equal(t, ir.ReasonSilenceElapsed, out.Reason)
	assert.Len(t, f.sender.sent, 1)
}

func TestDecideAndRecord_PendingClearsWithoutRecovery(t *testing.T) {
	f := newFixture(t, WithPolicy(cooldown.Policy{
		Cooldown:            60 * time.Minute,
		StartupSilenceUntil: t0.Add(10 * time.Minute),
	}))
	ctx := context.Background()

	_, err := f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	out, err := f.engine.DecideAndRecord(ctx, cleared())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionNoop, out.Action)
	assert.Equal(t, ir.ReasonRecoveredUnalerted, out.Reason)
	assert.Equal(t, ir.StatusResolved, out.Record.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDecideAndRecord_HealthyWritesNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.DecideAndRecord(ctx, cleared())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionNoop, out.Action)
	assert.Equal(t, ir.ReasonHealthy, out.Reason)
	assert.Zero(t, out.Record)

	_, err = f.store.Get(ctx, diskKey)
	assert.True(t, errors.Is(err, ir.ErrNotFound))
	assert.Equal(t, []string{"noop/healthy"}, f.trail(t, diskKey))
}

// Another run records the alert while ours is delivering. The transition
// conflicts, the decision is re-made against the new state, and the alert
// is not sent a second time.
func TestDecideAndRecord_ConflictRereadsWithoutResending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sender.onSend = func(notify.Payload) {
		f.sender.onSend = nil
		_, err := f.store.Transition(ctx, ir.TransitionRequest{
			Key:  diskKey,
			From: []ir.Status{ir.StatusAbsent},
			To:   ir.StatusFailingAlerted,
			Record: ir.StateRecord{
				Kind:            ir.KindAlert,
				FirstSeenAt:     t0,
				LastSeenAt:      t0,
				LastSentAt:      t0,
				TraceID:         "other-run",
				OccurrenceCount: 1,
			},
		})
		require.NoError(t, err)
	}

	out, err := f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSuppress, out.Action)
	assert.Equal(t, ir.ReasonWithinCooldown, out.Reason)
	assert.EqualValues(t, 2, out.Record.Version)
	assert.Equal(t, 1, f.sender.calls)
	assert.Contains(t, f.logs.String(), "transition conflict, re-reading")

	entries, err := f.store.ListAudit(ctx, store.AuditFilter{Key: diskKey})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.ActionSuppress, entries[0].Decision)
	assert.Equal(t, "send_alert delivered before a concurrent update", entries[0].Detail)
}

func TestDecideAndRecord_ConflictExhausted(t *testing.T) {
	f := newFixture(t, WithConflictRetries(1))
	ctx := context.Background()

	f.sender.onSend = func(notify.Payload) {
		_, err := f.store.Transition(ctx, ir.TransitionRequest{
			Key:    diskKey,
			From:   []ir.Status{ir.StatusAbsent},
			To:     ir.StatusFailingAlerted,
			Record: ir.StateRecord{Kind: ir.KindAlert, FirstSeenAt: t0, LastSeenAt: t0, TraceID: "other-run"},
		})
		require.NoError(t, err)
	}

	out, err := f.engine.DecideAndRecord(ctx, failing())
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Equal(t, ir.ReasonConflictExhausted, out.Reason)

	entries, lerr := f.store.ListAudit(ctx, store.AuditFilter{Key: diskKey})
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.ActionAbort, entries[0].Decision)
	assert.True(t, strings.HasPrefix(entries[0].Detail, "send_alert delivered but not recorded"), entries[0].Detail)
}

func TestDecideAndRecord_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, key := range []ir.DedupKey{"", "  ", "src:https://example.com/a"} {
		_, err := f.engine.DecideAndRecord(ctx, Condition{Key: key, Failing: true})
		assert.True(t, ir.IsValidation(err), "key %q: got %v", key, err)
	}
	assert.Zero(t, f.sender.calls)
}

func TestDecideAndRecord_StorageFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	out, err := f.engine.DecideAndRecord(context.Background(), failing())
	require.Error(t, err)
	assert.True(t, ir.IsStorage(err), "got %v", err)
	assert.Zero(t, f.sender.calls)
	assert.NotEmpty(t, out.TraceID)
	assert.Contains(t, f.logs.String(), "reason=storage_error")
}

func TestDecideAndRecord_CountsDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.engine.DecideAndRecord(ctx, failing())
	require.NoError(t, err)

	expected := `
# HELP agos_decisions_total Governance decisions by record kind, decision and reason
# TYPE agos_decisions_total counter
agos_decisions_total{decision="send_alert",kind="alert",reason="first_failure"} 1
agos_decisions_total{decision="suppress",kind="alert",reason="within_cooldown"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "agos_decisions_total"))
}
