package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] +%s %s %s %s/%s\n",
				event.Seq, event.At, event.Op, event.Key, event.Decision, event.Reason)
		}
	}
	return buf.String()
}

// AssertionContext gives state assertions access to the store.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertDecisionCount:
		return assertDecisionCount(result.Trace, a)
	case AssertDecisionOrder:
		return assertDecisionOrder(result.Trace, a)
	case AssertSentCount:
		return assertSentCount(result, a)
	case AssertFinalState:
		return assertFinalState(actx, result.Trace, a)
	case AssertAuditCount:
		return assertAuditCount(actx, result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertDecisionCount checks that a decision, optionally with a reason,
// appears exactly Count times.
func assertDecisionCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Decision == a.Decision && (a.Reason == "" || event.Reason == a.Reason) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}

	what := a.Decision
	if a.Reason != "" {
		what += "/" + a.Reason
	}
	return &AssertionError{
		Type:     AssertDecisionCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, what),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Trace:    trace,
	}
}

// assertDecisionOrder checks that the decisions appear in the given
// relative order. Other decisions may appear in between, and a decision may
// be listed more than once.
func assertDecisionOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, want := range a.Decisions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Decision == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertDecisionOrder,
				Expected: fmt.Sprintf("decisions in order: %v", a.Decisions),
				Actual:   fmt.Sprintf("no %s after step %d", want, pos),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertSentCount(result *Result, a Assertion) error {
	if len(result.Sent) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertSentCount,
		Expected: fmt.Sprintf("%d messages sent", a.Count),
		Actual:   fmt.Sprintf("%d messages sent", len(result.Sent)),
		Trace:    result.Trace,
	}
}

// assertFinalState compares record fields with the expected values. The
// pseudo-field "exists" asserts presence or absence of the record.
func assertFinalState(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	if actx == nil || actx.Store == nil {
		return fmt.Errorf("final_state requires a store")
	}

	rec, err := actx.Store.Get(actx.Ctx, ir.DedupKey(a.Key))
	exists := err == nil
	if err != nil && !errors.Is(err, ir.ErrNotFound) {
		return fmt.Errorf("read %s: %w", a.Key, err)
	}

	if want, ok := a.Expect["exists"]; ok {
		if fmt.Sprint(want) != fmt.Sprint(exists) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s exists=%v", a.Key, want),
				Actual:   fmt.Sprintf("exists=%v", exists),
				Trace:    trace,
			}
		}
	}
	if !exists {
		if len(a.Expect) == 1 && a.Expect["exists"] != nil {
			return nil
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %s", a.Key),
			Actual:   "no record",
			Trace:    trace,
		}
	}

	actual := recordFields(rec)
	fields := make([]string, 0, len(a.Expect))
	for field := range a.Expect {
		if field != "exists" {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	var mismatches []string
	for _, field := range fields {
		got, ok := actual[field]
		if !ok {
			return fmt.Errorf("final_state: unknown record field %q", field)
		}
		if want := expectString(a.Expect[field]); want != got {
			mismatches = append(mismatches, fmt.Sprintf("%s=%s (want %s)", field, got, want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %v", a.Key, a.Expect),
			Actual:   strings.Join(mismatches, ", "),
			Trace:    trace,
		}
	}
	return nil
}

// expectString renders an expected YAML value the way recordFields renders
// the actual one. Unquoted YAML timestamps decode as time.Time.
func expectString(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func recordFields(rec ir.StateRecord) map[string]string {
	formatTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return map[string]string{
		"kind":             string(rec.Kind),
		"status":           string(rec.Status),
		"revision":         fmt.Sprint(rec.Revision),
		"version":          fmt.Sprint(rec.Version),
		"occurrence_count": fmt.Sprint(rec.OccurrenceCount),
		"silenced_count":   fmt.Sprint(rec.SilencedCount),
		"trace_id":         rec.TraceID,
		"first_seen_at":    formatTime(rec.FirstSeenAt),
		"last_seen_at":     formatTime(rec.LastSeenAt),
		"last_sent_at":     formatTime(rec.LastSentAt),
	}
}

func assertAuditCount(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	if actx == nil || actx.Store == nil {
		return fmt.Errorf("audit_count requires a store")
	}
	entries, err := actx.Store.ListAudit(actx.Ctx, store.AuditFilter{Key: ir.DedupKey(a.Key)})
	if err != nil {
		return fmt.Errorf("list audit for %s: %w", a.Key, err)
	}
	if len(entries) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditCount,
		Expected: fmt.Sprintf("%d audit entries for %s", a.Count, a.Key),
		Actual:   fmt.Sprintf("%d entries", len(entries)),
		Trace:    trace,
	}
}
