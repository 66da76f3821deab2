package ir

import (
	"slices"
	"time"
)

// DedupKey is the canonical identity of a logical item or event.
// Identical logical input always yields the same key across processes.
type DedupKey string

// Kind separates alert records from content-item records sharing one table.
type Kind string

const (
	KindAlert   Kind = "alert"
	KindContent Kind = "content"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindAlert || k == KindContent
}

// Status is the state-machine position of a StateRecord.
type Status string

const (
	// StatusAbsent is never stored. In a transition's From set it matches a
	// missing row or a resolved alert.
	StatusAbsent Status = "absent"

	// StatusPending marks a failure observed during startup silence that was
	// never sent.
	StatusPending Status = "pending"

	StatusFailingAlerted    Status = "failing_alerted"
	StatusFailingSuppressed Status = "failing_suppressed"

	// StatusResolved is the stored form of "recovered": the condition cleared
	// and the record is equivalent to absent for the next decision.
	StatusResolved Status = "resolved"

	// StatusInserted marks a recorded content item.
	StatusInserted Status = "inserted"
)

// IsAbsent reports whether s behaves like no record at all.
func (s Status) IsAbsent() bool {
	return s == "" || s == StatusAbsent || s == StatusResolved
}

// IsFailing reports whether s is one of the alerted failure states.
func (s Status) IsFailing() bool {
	return s == StatusFailingAlerted || s == StatusFailingSuppressed
}

// StateRecord is one durable keyed record.
//
// INVARIANTS:
//   - Key is unique
//   - LastSentAt.IsZero() or !LastSentAt.After(LastSeenAt)
//   - Status changes only through cooldown decisions or content insertion
type StateRecord struct {
	Key             DedupKey          `json:"key"`
	Kind            Kind              `json:"kind"`
	Status          Status            `json:"status"`
	Revision        int64             `json:"revision"`
	Version         int64             `json:"version"`
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	LastSentAt      time.Time         `json:"last_sent_at,omitzero"`
	TraceID         string            `json:"trace_id"`
	OccurrenceCount int64             `json:"occurrence_count"`
	SilencedCount   int64             `json:"silenced_count"`
	PayloadDigest   string            `json:"payload_digest,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so decisions never mutate a caller's record.
func (r StateRecord) Clone() StateRecord {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// TransitionRequest describes one optimistic state change.
type TransitionRequest struct {
	Key  DedupKey
	From []Status
	To   Status

	// IfVersion, when > 0, additionally requires the stored version to match.
	IfVersion int64

	// Record carries the fields written with the new status. Key and Status
	// are taken from the request; Version is assigned by the store.
	Record StateRecord
}

// Allows reports whether the current status satisfies the From set.
func (r TransitionRequest) Allows(current Status) bool {
	if current.IsAbsent() && slices.Contains(r.From, StatusAbsent) {
		return true
	}
	return slices.Contains(r.From, current)
}

// Lock is an ephemeral advisory lock on a named resource.
type Lock struct {
	Resource   string        `json:"resource"`
	HolderID   string        `json:"holder_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// Age returns how long the lock has been held at now.
func (l Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// Stale reports whether the lock may be reclaimed at now.
func (l Lock) Stale(now time.Time) bool {
	return l.Age(now) > l.TTL
}
