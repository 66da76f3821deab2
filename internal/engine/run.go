package engine

import (
	"context"

	"github.com/roach88/agos/internal/ir"
)

// RunFunc is the body of a guarded run.
type RunFunc func(ctx context.Context) error

// RunGuarded runs fn while holding the lock on resource.
//
// When another fresh run holds the lock, fn is not called, a skip/lock_busy
// audit entry is written and RunGuarded returns ran=false with a nil error.
// A stale lock is reclaimed (and logged by the guard). The lock is released
// when fn returns, whatever its result.
func (e *Engine) RunGuarded(ctx context.Context, resource string, fn RunFunc) (ran bool, err error) {
	if resource == "" {
		return false, ir.NewValidationError("resource", "empty")
	}
	start := e.clock.Now()

	h, err := e.guard.Acquire(ctx, resource, e.holderID, e.lockTTL)
	if ir.IsLockBusy(err) {
		if aerr := e.audit(ctx, ir.AuditEntry{
			TraceID:  e.traces.Generate(),
			Key:      lockKey(resource),
			Decision: ir.ActionSkip,
			Reason:   ir.ReasonLockBusy,
			Detail:   err.Error(),
		}); aerr != nil {
			return false, aerr
		}
		return false, nil
	}
	if err != nil {
		e.logAbort(ctx, "", lockKey(resource), err)
		return false, err
	}

	defer func() {
		if rerr := e.guard.Release(ctx, h); rerr != nil {
			e.logger.WarnContext(ctx, "lock release failed", "resource", resource, "error", rerr)
		}
		e.metrics.RunFinished(start, e.clock.Now(), err == nil)
	}()

	err = fn(ctx)
	if ir.IsStorage(err) {
		e.logger.ErrorContext(ctx, "run aborted", "resource", resource, "reason", string(ir.ReasonStorageError), "error", err)
	}
	return true, err
}

func lockKey(resource string) ir.DedupKey {
	return ir.DedupKey("lock:" + resource)
}
