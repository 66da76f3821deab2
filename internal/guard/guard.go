// Package guard serializes overlapping scheduled runs with a TTL-bounded
// advisory lock held in the state store.
//
// A run that finds the lock held and fresh gets *ir.LockBusyError and
// should exit quietly. A lock older than its TTL belongs to a crashed run
// and is reclaimed; the reclaim is logged with the previous holder and age.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/metrics"
)

// DefaultTTL is used when Acquire is called with a non-positive ttl.
const DefaultTTL = 30 * time.Minute

// Locker is the lock table of the state store.
type Locker interface {
	AcquireLock(ctx context.Context, lock ir.Lock, now time.Time) (*ir.Lock, error)
	ReleaseLock(ctx context.Context, resource, holderID string) error
}

// Clock supplies the wall time used for lock ages.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Guard acquires and releases run locks.
type Guard struct {
	locks   Locker
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger used for reclaim and release messages.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics counts reclaims on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(g *Guard) { g.metrics = r }
}

// New creates a Guard over locks.
func New(locks Locker, opts ...Option) *Guard {
	g := &Guard{
		locks:  locks,
		clock:  wallClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle is proof of a held lock. Pass it back to Release.
type Handle struct {
	Resource   string
	HolderID   string
	AcquiredAt time.Time
	TTL        time.Duration

	// Reclaimed is the stale lock this acquisition replaced, if any.
	Reclaimed *ir.Lock
}

// Acquire takes resource for holderID. It never blocks waiting for the
// holder; a fresh lock held by someone else yields *ir.LockBusyError.
func (g *Guard) Acquire(ctx context.Context, resource, holderID string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if holderID == "" {
		holderID = DefaultHolderID()
	}

	now := g.clock.Now()
	prev, err := g.locks.AcquireLock(ctx, ir.Lock{
		Resource: resource,
		HolderID: holderID,
		TTL:      ttl,
	}, now)
	if err != nil {
		if ir.IsLockBusy(err) {
			g.logger.Info("lock busy", "resource", resource, "error", err)
		}
		return nil, err
	}

	if prev != nil {
		g.logger.Warn("lock reclaimed",
			"resource", resource,
			"previous_holder", prev.HolderID,
			"age", prev.Age(now).Round(time.Second).String(),
			"ttl", prev.TTL.String(),
			"holder", holderID,
		)
		g.metrics.LockReclaimed()
	}

	g.logger.Debug("lock acquired", "resource", resource, "holder", holderID, "ttl", ttl.String())
	return &Handle{
		Resource:   resource,
		HolderID:   holderID,
		AcquiredAt: now,
		TTL:        ttl,
		Reclaimed:  prev,
	}, nil
}

// Release gives the lock back. If another run reclaimed it in the meantime
// the error wraps ir.ErrNotHolder and the other run's lock is left alone.
func (g *Guard) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := g.locks.ReleaseLock(ctx, h.Resource, h.HolderID); err != nil {
		return fmt.Errorf("release %s: %w", h.Resource, err)
	}
	g.logger.Debug("lock released", "resource", h.Resource, "holder", h.HolderID)
	return nil
}

// DefaultHolderID identifies this process: "<hostname>:<pid>:<uuidv7>".
// The uuid keeps ids unique across pid reuse.
func DefaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.Must(uuid.NewV7()).String())
}
