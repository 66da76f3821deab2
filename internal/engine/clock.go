package engine

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies decision timestamps. Cooldown windows, lock ages and audit
// times all come from the same Clock so a run sees one consistent "now".
//
// Production uses WallClock; tests use testutil.FixedClock.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock in UTC.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// TraceIDGenerator produces the correlation id stamped on every record and
// audit entry written by one decision.
type TraceIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 trace ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
