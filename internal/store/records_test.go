package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roach88/agos/internal/ir"
)

func TestUpsertIfAbsent_FirstWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inserted, err := s.UpsertIfAbsent(ctx, createTestRecord("src:https://x.com/a", t0))
	if err != nil {
		t.Fatalf("first UpsertIfAbsent() failed: %v", err)
	}
	if !inserted {
		t.Fatal("first UpsertIfAbsent() should insert")
	}

	later := createTestRecord("src:https://x.com/a", t0.Add(time.Hour))
	later.TraceID = "other"
	inserted, err = s.UpsertIfAbsent(ctx, later)
	if err != nil {
		t.Fatalf("second UpsertIfAbsent() failed: %v", err)
	}
	if inserted {
		t.Fatal("second UpsertIfAbsent() should not insert")
	}

	rec, err := s.Get(ctx, "src:https://x.com/a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.TraceID != "trace-src:https://x.com/a" {
		t.Errorf("TraceID = %q, second write must not overwrite", rec.TraceID)
	}
	if rec.Version != 1 || rec.Revision != 1 {
		t.Errorf("version/revision = %d/%d, want 1/1", rec.Version, rec.Revision)
	}
}

func TestUpsertIfAbsent_Concurrent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpsertIfAbsent(ctx, createTestRecord("src:https://x.com/race", t0))
			if err != nil {
				t.Errorf("UpsertIfAbsent() failed: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("inserted=true returned %d times, want exactly 1", got)
	}
}

func TestUpsertIfAbsent_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*ir.StateRecord)
	}{
		{"empty key", func(r *ir.StateRecord) { r.Key = "" }},
		{"unknown kind", func(r *ir.StateRecord) { r.Kind = "widget" }},
		{"absent status", func(r *ir.StateRecord) { r.Status = ir.StatusAbsent }},
		{"missing timestamps", func(r *ir.StateRecord) { r.LastSeenAt = time.Time{} }},
		{"sent after seen", func(r *ir.StateRecord) { r.LastSentAt = r.LastSeenAt.Add(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := createTestRecord("src:https://x.com/v", t0)
			tt.mutate(&rec)
			_, err := s.UpsertIfAbsent(ctx, rec)
			if !ir.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Get(context.Background(), "src:https://missing.example/")
	if !errors.Is(err, ir.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if ir.IsStorage(err) {
		t.Error("a missing row is not a storage failure")
	}
}

func TestGet_RoundTripsFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := createTestAlert("alert:ingest:timeout", t0)
	rec.LastSeenAt = t0.Add(90 * time.Second)
	rec.SilencedCount = 2
	rec.Metadata = map[string]string{"component": "ingest", "detail": "feed timed out"}
	rec.PayloadDigest = ir.MustPayloadDigest(rec.Metadata)
	if _, err := s.UpsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("UpsertIfAbsent() failed: %v", err)
	}

	got, err := s.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Kind != ir.KindAlert || got.Status != ir.StatusFailingAlerted {
		t.Errorf("kind/status = %s/%s", got.Kind, got.Status)
	}
	if !got.LastSeenAt.Equal(rec.LastSeenAt) || !got.LastSentAt.Equal(rec.LastSentAt) {
		t.Errorf("timestamps not preserved: %+v", got)
	}
	if got.SilencedCount != 2 || got.OccurrenceCount != 1 {
		t.Errorf("counts = %d/%d", got.OccurrenceCount, got.SilencedCount)
	}
	if got.Metadata["detail"] != "feed timed out" || got.PayloadDigest != rec.PayloadDigest {
		t.Errorf("metadata not preserved: %+v", got.Metadata)
	}
}

func TestGet_NeverSentIsZero(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := createTestAlert("alert:boot:silenced", t0)
	rec.Status = ir.StatusPending
	rec.LastSentAt = time.Time{}
	if _, err := s.UpsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("UpsertIfAbsent() failed: %v", err)
	}

	got, err := s.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.LastSentAt.IsZero() {
		t.Errorf("LastSentAt = %v, want zero", got.LastSentAt)
	}
}

func TestTransition_FromAbsentInserts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.Transition(ctx, ir.TransitionRequest{
		Key:    "alert:x:y",
		From:   []ir.Status{ir.StatusAbsent},
		To:     ir.StatusFailingAlerted,
		Record: createTestAlert("alert:x:y", t0),
	})
	if err != nil {
		t.Fatalf("Transition() failed: %v", err)
	}
	if got.Version != 1 || got.Status != ir.StatusFailingAlerted {
		t.Errorf("got version %d status %s", got.Version, got.Status)
	}
}

func TestTransition_ResolvedCountsAsAbsent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	resolved := createTestAlert("alert:x:y", t0)
	resolved.Status = ir.StatusResolved
	if _, err := s.UpsertIfAbsent(ctx, resolved); err != nil {
		t.Fatalf("UpsertIfAbsent() failed: %v", err)
	}

	refail := createTestAlert("alert:x:y", t0.Add(time.Hour))
	got, err := s.Transition(ctx, ir.TransitionRequest{
		Key:    "alert:x:y",
		From:   []ir.Status{ir.StatusAbsent},
		To:     ir.StatusFailingAlerted,
		Record: refail,
	})
	if err != nil {
		t.Fatalf("Transition() failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if !got.FirstSeenAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("FirstSeenAt = %v, want reset to re-failure time", got.FirstSeenAt)
	}
}

func TestTransition_ConflictLeavesStoreUnchanged(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertIfAbsent(ctx, createTestAlert("alert:x:y", t0)); err != nil {
		t.Fatalf("UpsertIfAbsent() failed: %v", err)
	}

	// A second writer that still believes the key is absent loses.
	_, err := s.Transition(ctx, ir.TransitionRequest{
		Key:    "alert:x:y",
		From:   []ir.Status{ir.StatusAbsent},
		To:     ir.StatusFailingAlerted,
		Record: createTestAlert("alert:x:y", t0.Add(time.Minute)),
	})
	var ce *ir.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Actual != ir.StatusFailingAlerted {
		t.Errorf("ConflictError.Actual = %s", ce.Actual)
	}

	rec, err := s.Get(ctx, "alert:x:y")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Version != 1 || !rec.LastSeenAt.Equal(t0) {
		t.Errorf("store changed after conflict: %+v", rec)
	}
}

func TestTransition_IfVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertIfAbsent(ctx, createTestAlert("alert:x:y", t0)); err != nil {
		t.Fatalf("UpsertIfAbsent() failed: %v", err)
	}

	req := ir.TransitionRequest{
		Key:       "alert:x:y",
		From:      []ir.Status{ir.StatusFailingAlerted, ir.StatusFailingSuppressed},
		To:        ir.StatusFailingAlerted,
		IfVersion: 1,
		Record:    createTestAlert("alert:x:y", t0.Add(2*time.Hour)),
	}

	first, err := s.Transition(ctx, req)
	if err != nil {
		t.Fatalf("first Transition() failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version = %d, want 2", first.Version)
	}

	// Same precondition again: status still matches, version does not.
	_, err = s.Transition(ctx, req)
	if !ir.IsConflict(err) {
		t.Errorf("expected ConflictError on stale version, got %v", err)
	}
}

func TestTransition_ConcurrentSingleWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, ir.TransitionRequest{
				Key:    "alert:race:x",
				From:   []ir.Status{ir.StatusAbsent},
				To:     ir.StatusFailingAlerted,
				Record: createTestAlert("alert:race:x", t0),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case ir.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != 7 {
		t.Errorf("wins=%d conflicts=%d, want 1/7", wins.Load(), conflicts.Load())
	}
}

func TestTransition_RequiresFrom(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Transition(context.Background(), ir.TransitionRequest{
		Key:    "alert:x:y",
		To:     ir.StatusFailingAlerted,
		Record: createTestAlert("alert:x:y", t0),
	})
	if !ir.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestRevise_KeepsHistory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	orig := createTestRecord("src:https://x.com/a", t0)
	orig.Metadata = map[string]string{"title": "v1"}
	if _, err := s.UpsertIfAbsent(ctx, orig); err != nil {
		t.Fatalf("UpsertIfAbsent() failed: %v", err)
	}

	next := createTestRecord("src:https://x.com/a", t0.Add(time.Hour))
	next.Metadata = map[string]string{"title": "v2"}
	got, err := s.Revise(ctx, next, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Revise() failed: %v", err)
	}
	if got.Revision != 2 || got.Version != 2 {
		t.Errorf("revision/version = %d/%d, want 2/2", got.Revision, got.Version)
	}

	history, err := s.Revisions(ctx, "src:https://x.com/a")
	if err != nil {
		t.Fatalf("Revisions() failed: %v", err)
	}
	if len(history) != 1 || history[0].Metadata["title"] != "v1" || history[0].Revision != 1 {
		t.Errorf("history = %+v", history)
	}

	cur, err := s.Get(ctx, "src:https://x.com/a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cur.Metadata["title"] != "v2" || cur.Revision != 2 {
		t.Errorf("current = %+v", cur)
	}
}

func TestRevise_MissingInsertsFirstRevision(t *testing.T) {
	s := createTestStore(t)

	got, err := s.Revise(context.Background(), createTestRecord("src:https://x.com/new", t0), t0)
	if err != nil {
		t.Fatalf("Revise() failed: %v", err)
	}
	if got.Revision != 1 {
		t.Errorf("Revision = %d, want 1", got.Revision)
	}
}

func TestListRecords_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, rec := range []ir.StateRecord{
		createTestRecord("src:https://b.example/", t0),
		createTestRecord("src:https://a.example/", t0),
		createTestAlert("alert:ingest:timeout", t0),
	} {
		if _, err := s.UpsertIfAbsent(ctx, rec); err != nil {
			t.Fatalf("UpsertIfAbsent() failed: %v", err)
		}
	}

	all, err := s.ListRecords(ctx, RecordFilter{})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(all) != 3 || all[0].Key != "alert:ingest:timeout" || all[1].Key != "src:https://a.example/" {
		t.Errorf("unexpected order: %v", keysOf(all))
	}

	content, err := s.ListRecords(ctx, RecordFilter{Kind: ir.KindContent, Limit: 1})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(content) != 1 || content[0].Kind != ir.KindContent {
		t.Errorf("kind filter: %v", keysOf(content))
	}

	prefixed, err := s.ListRecords(ctx, RecordFilter{KeyPrefix: "alert:"})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(prefixed) != 1 {
		t.Errorf("prefix filter: %v", keysOf(prefixed))
	}
}

func TestListRecords_StatusFilterSortedAndLimited(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"src:https://c.example/", "src:https://a.example/", "src:https://b.example/"} {
		if _, err := s.UpsertIfAbsent(ctx, createTestRecord(key, t0)); err != nil {
			t.Fatalf("UpsertIfAbsent() failed: %v", err)
		}
	}

	got, err := s.ListRecords(ctx, RecordFilter{Status: ir.StatusInserted, KeyPrefix: "src:", Limit: 2})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	keys := keysOf(got)
	if len(keys) != 2 || keys[0] != "src:https://a.example/" || keys[1] != "src:https://b.example/" {
		t.Errorf("ListRecords() = %v, want [a b]", keys)
	}
}

func TestPurge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	old := createTestRecord("src:https://old.example/", t0.Add(-48*time.Hour))
	fresh := createTestRecord("src:https://fresh.example/", t0)
	for _, rec := range []ir.StateRecord{old, fresh} {
		if _, err := s.UpsertIfAbsent(ctx, rec); err != nil {
			t.Fatalf("UpsertIfAbsent() failed: %v", err)
		}
	}

	if _, err := s.Purge(ctx, PurgeOptions{}); !ir.IsValidation(err) {
		t.Errorf("empty purge should be a ValidationError, got %v", err)
	}

	n, err := s.Purge(ctx, PurgeOptions{OlderThan: t0.Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.Get(ctx, old.Key); !errors.Is(err, ir.ErrNotFound) {
		t.Errorf("old record still present: %v", err)
	}

	n, err = s.Purge(ctx, PurgeOptions{Key: fresh.Key})
	if err != nil || n != 1 {
		t.Errorf("Purge(key) = %d, %v", n, err)
	}
}

func keysOf(recs []ir.StateRecord) []ir.DedupKey {
	out := make([]ir.DedupKey, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}
