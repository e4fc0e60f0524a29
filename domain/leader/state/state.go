// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state implements the named advisory lock used for leader
// election. The lock is a single row with a renewal-enforced TTL: a
// holder that stops renewing loses the lock as soon as another
// candidate tries to acquire it past the expiry.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"

	"github.com/newsloom/loom/core/audit"
	auditstate "github.com/newsloom/loom/domain/audit/state"
	"github.com/newsloom/loom/internal/database"
)

const (
	// ErrHeld indicates another process holds a live lock.
	ErrHeld = errors.ConstError("lock held")

	// ErrLost indicates the caller's handle no longer owns the lock.
	ErrLost = errors.ConstError("lock lost")
)

// Handle identifies one acquisition of a named lock.
type Handle struct {
	Name   string
	ID     string
	Holder string
}

// State describes acquisition and renewal of advisory locks.
type State struct {
	runner *database.TxnRunner
}

// NewState returns a new state reference.
func NewState(runner *database.TxnRunner) *State {
	return &State{runner: runner}
}

// TryAcquire attempts to take the named lock for the given holder. It
// succeeds when no row exists or the existing row has expired;
// otherwise it returns ErrHeld.
func (s *State) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (Handle, error) {
	handle := Handle{
		Name:   name,
		ID:     uuid.New().String(),
		Holder: holder,
	}

	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO orchestrator_locks (name, handle, holder, expires)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET
    handle = EXCLUDED.handle,
    holder = EXCLUDED.holder,
    expires = EXCLUDED.expires
WHERE orchestrator_locks.expires <= $5`,
			name, handle.ID, holder, now.Add(ttl).UTC(), now.UTC())
		if err != nil {
			return errors.Trace(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return ErrHeld
		}
		return errors.Trace(auditstate.Record(ctx, tx, now, audit.LeaderAcquired, name, map[string]string{
			"holder": holder,
		}))
	})
	if err != nil {
		return Handle{}, errors.Trace(err)
	}
	return handle, nil
}

// Renew extends the lock expiry. If the handle no longer owns the lock
// the caller has lost leadership and must stop enforcing.
func (s *State) Renew(ctx context.Context, h Handle, ttl time.Duration, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE orchestrator_locks
SET    expires = $3
WHERE  name = $1 AND handle = $2`,
			h.Name, h.ID, now.Add(ttl).UTC())
		if err != nil {
			return errors.Trace(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return ErrLost
		}
		return nil
	}))
}

// Release drops the lock if the handle still owns it. Releasing a
// lock already taken over by someone else is a no-op.
func (s *State) Release(ctx context.Context, h Handle, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM orchestrator_locks WHERE name = $1 AND handle = $2`, h.Name, h.ID)
		if err != nil {
			return errors.Trace(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return nil
		}
		return errors.Trace(auditstate.Record(ctx, tx, now, audit.LeaderLost, h.Name, map[string]string{
			"holder": h.Holder,
		}))
	}))
}
