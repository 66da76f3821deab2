package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/agos/internal/cooldown"
	"github.com/roach88/agos/internal/engine"
	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/keycodec"
	"github.com/roach88/agos/internal/notify"
	"github.com/roach88/agos/internal/retry"
	"github.com/roach88/agos/internal/store"
	"github.com/roach88/agos/internal/testutil"
)

// Harness replays one scenario.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.FixedClock
	sender *scriptedSender
	codec  *keycodec.Codec
	start  time.Time
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and engine
// 2. Run each step at start+at, checking its expect clause
// 3. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	start = start.UTC()

	policy := cooldown.Policy{Cooldown: engine.DefaultCooldown}
	if scenario.Policy.Cooldown > 0 {
		policy.Cooldown = scenario.Policy.Cooldown.Std()
	}
	if scenario.Policy.StartupSilence > 0 {
		policy.StartupSilenceUntil = start.Add(scenario.Policy.StartupSilence.Std())
	}

	clock := testutil.NewFixedClock(start)
	sender := &scriptedSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Harness{
		store: st,
		engine: engine.New(st,
			engine.WithPolicy(policy),
			engine.WithSender(sender),
			engine.WithRetrier(retry.Retrier{
				MaxRetries: scenario.Delivery.MaxRetries,
				Sleep:      func(context.Context, time.Duration) error { return nil },
			}),
			engine.WithClock(clock),
			engine.WithTraceIDGenerator(testutil.NewSequenceTraceGenerator(scenario.Name)),
			engine.WithLogger(logger),
		),
		clock:  clock,
		sender: sender,
		codec:  keycodec.Default(),
		start:  start,
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		event := h.runStep(ctx, i+1, step)
		result.AddTrace(event)
		if msg := checkExpect(event, step.Expect); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d]: %s", i, msg))
		}
	}
	result.Sent = sender.messages()

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) runStep(ctx context.Context, seq int, step Step) TraceEvent {
	h.clock.Set(h.start.Add(step.At.Std()))
	h.sender.script(seq, step.FailSends)

	event := TraceEvent{Seq: seq, At: step.At.String()}
	var out engine.Outcome
	var err error

	switch {
	case step.Alert != nil:
		event.Op = "alert"
		out, err = h.engine.DecideAndRecord(ctx, engine.Condition{
			Key:      ir.DedupKey(step.Alert.Key),
			Failing:  step.Alert.Failing,
			Title:    step.Alert.Title,
			Metadata: step.Alert.Metadata,
		})
		if out.Key == "" {
			out.Key = ir.DedupKey(step.Alert.Key)
		}

	case step.Ingest != nil:
		event.Op = "ingest"
		var key ir.DedupKey
		key, err = h.codec.ContentKey(step.Ingest.URL, step.Ingest.SourceHost, step.Ingest.Title)
		if err != nil {
			break
		}
		var deliver engine.DeliverFunc
		if step.Ingest.Deliver {
			deliver = func(ctx context.Context) error {
				return h.sender.Send(ctx, notify.Payload{
					Key:    key,
					Kind:   ir.KindContent,
					Action: ir.ActionInserted,
					Title:  step.Ingest.Title,
				})
			}
		}
		out, err = h.engine.InsertIfNew(ctx, engine.ContentItem{Key: key, Force: step.Ingest.Force}, deliver)
		out.Key = key
	}

	event.Key = string(out.Key)
	event.TraceID = out.TraceID
	event.Decision = string(out.Action)
	event.Reason = string(out.Reason)
	event.Status = string(out.Record.Status)
	event.Attempts = out.Attempts
	event.Error = errorCategory(err)
	if event.Error == "validation" && event.Decision == "" {
		event.Decision = string(ir.ActionAbort)
		event.Reason = string(ir.ReasonValidationError)
	}
	return event
}

func checkExpect(event TraceEvent, expect *Expect) string {
	if expect == nil {
		return ""
	}
	check := func(field, want, got string) string {
		if want != "" && want != got {
			return fmt.Sprintf("expected %s %q, got %q", field, want, got)
		}
		return ""
	}
	for _, msg := range []string{
		check("decision", expect.Decision, event.Decision),
		check("reason", expect.Reason, event.Reason),
		check("status", expect.Status, event.Status),
		check("error", expect.Error, event.Error),
	} {
		if msg != "" {
			return msg
		}
	}
	if expect.Error == "" && event.Error != "" {
		return fmt.Sprintf("unexpected %s error", event.Error)
	}
	return ""
}

// scriptedSender fails the next sends of a step with scripted HTTP
// statuses and accepts everything else.
type scriptedSender struct {
	mu      sync.Mutex
	seq     int
	pending []int
	sent    []SentMessage
}

func (s *scriptedSender) script(seq int, statuses []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq
	s.pending = append([]int(nil), statuses...)
}

func (s *scriptedSender) Send(_ context.Context, p notify.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		status := s.pending[0]
		s.pending = s.pending[1:]
		return &notify.SendError{URL: "https://hooks.invalid/hook/***", StatusCode: status}
	}
	s.sent = append(s.sent, SentMessage{
		Seq:     s.seq,
		Action:  string(p.Action),
		Key:     string(p.Key),
		TraceID: p.TraceID,
	})
	return nil
}

func (s *scriptedSender) messages() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage{}, s.sent...)
}
