package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agos/internal/ir"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// apply stores a decision the way the engine does after a confirmed send.
func apply(d Decision, prev *ir.StateRecord) *ir.StateRecord {
	if !d.Writes() {
		return prev
	}
	rec := d.Record
	rec.Key = "alert:x:y"
	rec.Kind = ir.KindAlert
	return &rec
}

func TestDecide_ScenarioB(t *testing.T) {
	p := Policy{Cooldown: 60 * time.Minute}

	d1 := p.Decide(t0, nil, true)
	assert.Equal(t, ir.ActionSendAlert, d1.Action)
	assert.Equal(t, ir.ReasonFirstFailure, d1.Reason)
	assert.Equal(t, []ir.Status{ir.StatusAbsent}, d1.From)
	assert.Equal(t, ir.StatusFailingAlerted, d1.To)
	assert.Equal(t, t0, d1.Record.LastSentAt)
	rec := apply(d1, nil)

	d2 := p.Decide(t0.Add(time.Minute), rec, true)
	assert.Equal(t, ir.ActionSuppress, d2.Action)
	assert.Equal(t, ir.ReasonWithinCooldown, d2.Reason)
	assert.Equal(t, ir.StatusFailingSuppressed, d2.To)
	assert.Equal(t, int64(2), d2.Record.OccurrenceCount)
	assert.Equal(t, t0, d2.Record.LastSentAt, "suppress must not move last_sent_at")
	assert.Equal(t, t0.Add(time.Minute), d2.Record.LastSeenAt)
	rec = apply(d2, rec)

	d3 := p.Decide(t0.Add(61*time.Minute), rec, true)
	assert.Equal(t, ir.ActionSendAlert, d3.Action)
	assert.Equal(t, ir.ReasonCooldownElapsed, d3.Reason)
	assert.Equal(t, ir.StatusFailingAlerted, d3.To)
	assert.Equal(t, t0.Add(61*time.Minute), d3.Record.LastSentAt)
	assert.Equal(t, int64(3), d3.Record.OccurrenceCount)
	assert.Equal(t, t0, d3.Record.FirstSeenAt)
}

func TestDecide_CooldownBoundaryIsInclusive(t *testing.T) {
	p := Policy{Cooldown: time.Hour}
	rec := apply(p.Decide(t0, nil, true), nil)

	assert.Equal(t, ir.ActionSuppress, p.Decide(t0.Add(time.Hour-time.Nanosecond), rec, true).Action)
	assert.Equal(t, ir.ActionSendAlert, p.Decide(t0.Add(time.Hour), rec, true).Action)
}

func TestDecide_ExactlyOneSendPerWindow(t *testing.T) {
	p := Policy{Cooldown: 60 * time.Minute}
	var rec *ir.StateRecord
	sends := 0

	// One failure per minute for two hours.
	for m := 0; m < 120; m++ {
		d := p.Decide(t0.Add(time.Duration(m)*time.Minute), rec, true)
		if d.Action.Sends() {
			sends++
		}
		rec = apply(d, rec)
	}
	assert.Equal(t, 2, sends, "sends at minute 0 and minute 60 only")
}

func TestDecide_RecoveryAlwaysSends(t *testing.T) {
	p := Policy{Cooldown: 24 * time.Hour}
	rec := apply(p.Decide(t0, nil, true), nil)
	rec = apply(p.Decide(t0.Add(time.Minute), rec, true), rec)
	require.Equal(t, ir.StatusFailingSuppressed, rec.Status)

	d := p.Decide(t0.Add(2*time.Minute), rec, false)
	assert.Equal(t, ir.ActionSendRecovery, d.Action)
	assert.Equal(t, ir.ReasonConditionCleared, d.Reason)
	assert.Equal(t, []ir.Status{ir.StatusFailingSuppressed}, d.From)
	assert.Equal(t, ir.StatusResolved, d.To)
	assert.Equal(t, t0.Add(2*time.Minute), d.Record.LastSentAt)
}

func TestDecide_RecoveryIgnoresStartupSilence(t *testing.T) {
	rec := apply(Policy{Cooldown: time.Hour}.Decide(t0, nil, true), nil)

	p := Policy{Cooldown: time.Hour, StartupSilenceUntil: t0.Add(time.Hour)}
	d := p.Decide(t0.Add(5*time.Minute), rec, false)
	assert.Equal(t, ir.ActionSendRecovery, d.Action)
}

func TestDecide_RefailAfterResolvedStartsNewEpisode(t *testing.T) {
	p := Policy{Cooldown: time.Hour}
	rec := apply(p.Decide(t0, nil, true), nil)
	rec = apply(p.Decide(t0.Add(time.Minute), rec, true), rec)
	rec = apply(p.Decide(t0.Add(2*time.Minute), rec, false), rec)
	require.Equal(t, ir.StatusResolved, rec.Status)

	// Inside the old cooldown window, but the previous episode is over.
	d := p.Decide(t0.Add(3*time.Minute), rec, true)
	assert.Equal(t, ir.ActionSendAlert, d.Action)
	assert.Equal(t, ir.ReasonFirstFailure, d.Reason)
	assert.Equal(t, []ir.Status{ir.StatusAbsent}, d.From)
	assert.Equal(t, t0.Add(3*time.Minute), d.Record.FirstSeenAt)
	assert.Equal(t, int64(1), d.Record.OccurrenceCount)
	assert.Equal(t, ir.DedupKey("alert:x:y"), d.Record.Key)
}

func TestDecide_StartupSilence(t *testing.T) {
	p := Policy{Cooldown: time.Hour, StartupSilenceUntil: t0.Add(10 * time.Minute)}

	d1 := p.Decide(t0, nil, true)
	assert.Equal(t, ir.ActionSilenced, d1.Action)
	assert.Equal(t, ir.ReasonStartupSilence, d1.Reason)
	assert.Equal(t, ir.StatusPending, d1.To)
	assert.True(t, d1.Record.LastSentAt.IsZero(), "silenced occurrence is not a send")
	assert.Equal(t, int64(0), d1.Record.OccurrenceCount)
	assert.Equal(t, int64(1), d1.Record.SilencedCount)
	rec := apply(d1, nil)

	d2 := p.Decide(t0.Add(5*time.Minute), rec, true)
	assert.Equal(t, ir.ActionSilenced, d2.Action)
	assert.Equal(t, int64(2), d2.Record.SilencedCount)
	rec = apply(d2, rec)

	d3 := p.Decide(t0.Add(10*time.Minute), rec, true)
	assert.Equal(t, ir.ActionSendAlert, d3.Action)
	assert.Equal(t, ir.ReasonSilenceElapsed, d3.Reason)
	assert.Equal(t, []ir.Status{ir.StatusPending}, d3.From)
	assert.Equal(t, int64(1), d3.Record.OccurrenceCount)
	assert.Equal(t, int64(2), d3.Record.SilencedCount)
	assert.Equal(t, t0, d3.Record.FirstSeenAt)
}

func TestDecide_SilenceHoldsRenewedSends(t *testing.T) {
	rec := apply(Policy{Cooldown: time.Hour}.Decide(t0, nil, true), nil)

	p := Policy{Cooldown: time.Hour, StartupSilenceUntil: t0.Add(3 * time.Hour)}
	d := p.Decide(t0.Add(2*time.Hour), rec, true)
	assert.Equal(t, ir.ActionSilenced, d.Action)
	assert.Equal(t, ir.StatusFailingAlerted, d.To)
	assert.Equal(t, t0, d.Record.LastSentAt)
}

func TestDecide_ClearWithoutAlert(t *testing.T) {
	p := Policy{Cooldown: time.Hour, StartupSilenceUntil: t0.Add(10 * time.Minute)}

	healthy := p.Decide(t0, nil, false)
	assert.Equal(t, ir.ActionNoop, healthy.Action)
	assert.Equal(t, ir.ReasonHealthy, healthy.Reason)
	assert.False(t, healthy.Writes())

	rec := apply(p.Decide(t0, nil, true), nil)
	d := p.Decide(t0.Add(time.Minute), rec, false)
	assert.Equal(t, ir.ActionNoop, d.Action)
	assert.Equal(t, ir.ReasonRecoveredUnalerted, d.Reason)
	assert.Equal(t, ir.StatusResolved, d.To)
	assert.True(t, d.Record.LastSentAt.IsZero())
}

func TestDecide_DoesNotMutateInput(t *testing.T) {
	p := Policy{Cooldown: time.Hour}
	rec := apply(p.Decide(t0, nil, true), nil)
	rec.Metadata = map[string]string{"detail": "x"}
	before := rec.Clone()

	d := p.Decide(t0.Add(time.Minute), rec, true)
	d.Record.Metadata["detail"] = "changed"

	assert.Equal(t, before, *rec)
}

func TestDecide_LastSentNeverAfterLastSeen(t *testing.T) {
	p := Policy{Cooldown: 15 * time.Minute, StartupSilenceUntil: t0.Add(20 * time.Minute)}
	var rec *ir.StateRecord

	pattern := []bool{true, true, false, true, true, true, false, false, true}
	for i := 0; i < 90; i++ {
		now := t0.Add(time.Duration(i) * 7 * time.Minute)
		d := p.Decide(now, rec, pattern[i%len(pattern)])
		if d.Writes() {
			r := d.Record
			assert.False(t, r.LastSentAt.After(r.LastSeenAt), "step %d: %+v", i, r)
		}
		rec = apply(d, rec)
	}
}
