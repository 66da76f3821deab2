package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/agos/internal/cooldown"
	"github.com/roach88/agos/internal/guard"
	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/metrics"
	"github.com/roach88/agos/internal/notify"
	"github.com/roach88/agos/internal/retry"
	"github.com/roach88/agos/internal/store"
)

// Defaults.
const (
	DefaultCooldown        = 60 * time.Minute
	DefaultConflictRetries = 3
)

// Engine makes and records governance decisions against one store.
//
// Thread-safety: all methods are safe for concurrent use on distinct keys.
// The store serializes writes; optimistic transitions catch races on the
// same key.
type Engine struct {
	store           *store.Store
	policy          cooldown.Policy
	sender          notify.Sender
	retrier         retry.Retrier
	clock           Clock
	traces          TraceIDGenerator
	logger          *slog.Logger
	metrics         *metrics.Recorder
	conflictRetries int

	guard    *guard.Guard
	holderID string
	lockTTL  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the cooldown and startup-silence windows.
func WithPolicy(p cooldown.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithSender sets the alert channel. Defaults to notify.LogSender.
func WithSender(s notify.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithRetrier sets the delivery retry policy. A retrier without a
// classifier gets notify.ClassifyHTTP.
func WithRetrier(r retry.Retrier) Option {
	return func(e *Engine) { e.retrier = r }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTraceIDGenerator overrides UUIDv7 trace ids.
func WithTraceIDGenerator(g TraceIDGenerator) Option {
	return func(e *Engine) { e.traces = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithConflictRetries bounds re-reads after an optimistic conflict.
func WithConflictRetries(n int) Option {
	return func(e *Engine) { e.conflictRetries = n }
}

// WithLock sets the holder id and TTL used by RunGuarded.
func WithLock(holderID string, ttl time.Duration) Option {
	return func(e *Engine) {
		e.holderID = holderID
		e.lockTTL = ttl
	}
}

// New creates an Engine over s.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		policy:          cooldown.Policy{Cooldown: DefaultCooldown},
		clock:           WallClock{},
		traces:          UUIDv7Generator{},
		logger:          slog.Default(),
		conflictRetries: DefaultConflictRetries,
		lockTTL:         guard.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.sender == nil {
		e.sender = notify.LogSender{Logger: e.logger}
	}
	if e.retrier.Classify == nil {
		e.retrier.Classify = notify.ClassifyHTTP
	}
	if e.retrier.Logger == nil {
		e.retrier.Logger = e.logger
	}
	if e.retrier.Metrics == nil {
		e.retrier.Metrics = e.metrics
	}
	if e.conflictRetries < 1 {
		e.conflictRetries = 1
	}
	if e.holderID == "" {
		e.holderID = guard.DefaultHolderID()
	}
	e.guard = guard.New(s,
		guard.WithClock(e.clock),
		guard.WithLogger(e.logger),
		guard.WithMetrics(e.metrics),
	)
	return e
}

// Store returns the engine's state store.
func (e *Engine) Store() *store.Store { return e.store }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// audit writes one entry, counts it and logs it. Every decision, skip and
// abort that reaches the store goes through here exactly once.
func (e *Engine) audit(ctx context.Context, entry ir.AuditEntry) error {
	entry.CreatedAt = e.clock.Now()
	if _, err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logAbort(ctx, entry.TraceID, entry.Key, err)
		return err
	}
	e.metrics.Decision(entry.Kind, entry.Decision, entry.Reason)

	attrs := []any{
		"key", string(entry.Key),
		"decision", string(entry.Decision),
		"reason", string(entry.Reason),
		"trace_id", entry.TraceID,
	}
	if entry.Detail != "" {
		attrs = append(attrs, "detail", entry.Detail)
	}
	e.logger.InfoContext(ctx, "decision", attrs...)
	return nil
}

// logAbort reports a storage failure. The store cannot take the audit
// entry, so the abort decision is only logged.
func (e *Engine) logAbort(ctx context.Context, traceID string, key ir.DedupKey, err error) {
	e.metrics.Decision("", ir.ActionAbort, ir.ReasonStorageError)
	e.logger.ErrorContext(ctx, "decision",
		"key", string(key),
		"decision", string(ir.ActionAbort),
		"reason", string(ir.ReasonStorageError),
		"trace_id", traceID,
		"error", err,
	)
}

// deliveryReason maps a failed delivery to its audit reason.
func deliveryReason(err error) ir.Reason {
	var de *ir.DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ir.ReasonDeliveryFailed
}
