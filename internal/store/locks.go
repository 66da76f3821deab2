package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agos/internal/ir"
)

// AcquireLock takes lock.Resource for lock.HolderID at now.
//
// Check and write happen in one IMMEDIATE transaction, so two callers can
// never both succeed. A held lock that is not stale yields *ir.LockBusyError.
// A stale lock is replaced and returned as previous so the caller can log
// the reclaim. previous is nil when the resource was free.
func (s *Store) AcquireLock(ctx context.Context, lock ir.Lock, now time.Time) (previous *ir.Lock, err error) {
	if strings.TrimSpace(lock.Resource) == "" {
		return nil, ir.NewValidationError("resource", "empty")
	}
	if strings.TrimSpace(lock.HolderID) == "" {
		return nil, ir.NewValidationError("holder_id", "empty")
	}
	// TTLs are stored with millisecond precision.
	if lock.TTL < time.Millisecond {
		return nil, ir.NewValidationError("ttl", "must be at least 1ms, got %s", lock.TTL)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("acquire lock: begin", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := scanLock(tx.QueryRowContext(ctx, `
		SELECT resource, holder_id, acquired_at, ttl_ms FROM locks WHERE resource = ?
	`, lock.Resource))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO locks (resource, holder_id, acquired_at, ttl_ms) VALUES (?, ?, ?, ?)
		`, lock.Resource, lock.HolderID, formatTime(now), lock.TTL.Milliseconds())
		if err != nil {
			return nil, storageErr("acquire lock: insert", err)
		}
	case err != nil:
		return nil, storageErr("acquire lock: read", err)
	case !existing.Stale(now):
		return nil, &ir.LockBusyError{
			Resource: lock.Resource,
			Holder:   existing.HolderID,
			Age:      existing.Age(now),
		}
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE locks SET holder_id = ?, acquired_at = ?, ttl_ms = ?
			WHERE resource = ? AND holder_id = ?
		`, lock.HolderID, formatTime(now), lock.TTL.Milliseconds(), lock.Resource, existing.HolderID)
		if err != nil {
			return nil, storageErr("acquire lock: reclaim", err)
		}
		previous = &existing
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("acquire lock: commit", err)
	}
	return previous, nil
}

// ReleaseLock deletes the lock on resource if holderID still owns it.
// Returns an error wrapping ir.ErrNotHolder when the lock is gone or was
// reclaimed by another holder.
func (s *Store) ReleaseLock(ctx context.Context, resource, holderID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND holder_id = ?`, resource, holderID)
	if err != nil {
		return storageErr("release lock", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("release lock: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("release %s by %s: %w", resource, holderID, ir.ErrNotHolder)
	}
	return nil
}

// GetLock returns the current lock on resource, or an error wrapping
// ir.ErrNotFound.
func (s *Store) GetLock(ctx context.Context, resource string) (ir.Lock, error) {
	lock, err := scanLock(s.db.QueryRowContext(ctx, `
		SELECT resource, holder_id, acquired_at, ttl_ms FROM locks WHERE resource = ?
	`, resource))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Lock{}, fmt.Errorf("lock %s: %w", resource, ir.ErrNotFound)
	}
	if err != nil {
		return ir.Lock{}, storageErr("get lock", err)
	}
	return lock, nil
}

func scanLock(row rowScanner) (ir.Lock, error) {
	var (
		lock     ir.Lock
		acquired string
		ttlMS    int64
	)
	if err := row.Scan(&lock.Resource, &lock.HolderID, &acquired, &ttlMS); err != nil {
		return ir.Lock{}, err
	}
	t, err := parseTime(acquired)
	if err != nil {
		return ir.Lock{}, err
	}
	lock.AcquiredAt = t
	lock.TTL = time.Duration(ttlMS) * time.Millisecond
	return lock, nil
}
