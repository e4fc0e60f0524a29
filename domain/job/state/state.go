// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists the job table. Claims are atomic status
// transitions with attempt accounting; submissions are idempotent by
// job id. All mutators write an audit row in the same transaction.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"

	"github.com/newsloom/loom/core/audit"
	corejob "github.com/newsloom/loom/core/job"
	auditstate "github.com/newsloom/loom/domain/audit/state"
	"github.com/newsloom/loom/internal/database"
)

// State describes retrieval and persistence methods for jobs.
type State struct {
	runner *database.TxnRunner
}

// NewState returns a new state reference.
func NewState(runner *database.TxnRunner) *State {
	return &State{runner: runner}
}

type jobRow struct {
	ID        string         `db:"job_id"`
	Type      string         `db:"job_type"`
	Payload   []byte         `db:"payload"`
	Status    string         `db:"status"`
	Pool      sql.NullString `db:"pool_id"`
	Worker    sql.NullString `db:"worker_id"`
	Attempts  int            `db:"attempts"`
	Created   time.Time      `db:"created_at"`
	Updated   time.Time      `db:"updated_at"`
	LastError sql.NullString `db:"last_error"`
}

func (r jobRow) job() corejob.Job {
	return corejob.Job{
		ID:        r.ID,
		Type:      r.Type,
		Payload:   json.RawMessage(r.Payload),
		Status:    corejob.Status(r.Status),
		PoolID:    r.Pool.String,
		Attempts:  r.Attempts,
		Created:   r.Created,
		Updated:   r.Updated,
		LastError: r.LastError.String,
	}
}

// Put inserts the job in pending state. A resubmission with the same
// id, type and payload is a no-op; a mismatched resubmission returns
// ErrDuplicate.
func (s *State) Put(ctx context.Context, now time.Time, j corejob.Job) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO orchestrator_jobs
    (job_id, job_type, payload, status, pool_id, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
ON CONFLICT (job_id) DO NOTHING`,
			j.ID, j.Type, nullPayload(j.Payload), string(corejob.Pending),
			nullString(j.PoolID), now.UTC())
		if err != nil {
			return errors.Trace(err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if inserted == 0 {
			// Idempotent iff the stored row carries identical type and
			// payload. jsonb comparison is semantic, so formatting
			// differences do not break idempotency.
			var matching int
			err := tx.GetContext(ctx, &matching, `
SELECT COUNT(*) FROM orchestrator_jobs
WHERE  job_id = $1 AND job_type = $2
AND    (payload = $3::jsonb OR (payload IS NULL AND $3 IS NULL))`,
				j.ID, j.Type, nullPayload(j.Payload))
			if err != nil {
				return errors.Trace(err)
			}
			if matching == 0 {
				return corejob.ErrDuplicate
			}
			return nil
		}

		return errors.Trace(auditstate.Record(ctx, tx, now, audit.JobSubmitted, j.ID, map[string]string{
			"type": j.Type,
		}))
	}))
}

// Get returns the job with the given id.
func (s *State) Get(ctx context.Context, id string) (corejob.Job, error) {
	var row jobRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
SELECT job_id, job_type, payload, status, pool_id, worker_id, attempts, created_at, updated_at, last_error
FROM   orchestrator_jobs
WHERE  job_id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return corejob.ErrNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return corejob.Job{}, errors.Trace(err)
	}
	return row.job(), nil
}

// Claim atomically transitions pending, or failed-with-attempts-left,
// to claimed, incrementing the attempt counter and recording the
// claiming worker identity. Any other status returns ErrAlreadyClaimed.
func (s *State) Claim(ctx context.Context, id, workerID string, now time.Time, maxAttempts int) (corejob.Job, error) {
	var row jobRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
UPDATE orchestrator_jobs
SET    status = $2, worker_id = $3, attempts = attempts + 1, updated_at = $4
WHERE  job_id = $1
AND    (status = $5 OR (status = $6 AND attempts < $7))
RETURNING job_id, job_type, payload, status, pool_id, worker_id, attempts, created_at, updated_at, last_error`,
			id, string(corejob.Claimed), workerID, now.UTC(),
			string(corejob.Pending), string(corejob.Failed), maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing job from one in the wrong state.
			var n int
			if err := tx.GetContext(ctx, &n, `
SELECT COUNT(*) FROM orchestrator_jobs WHERE job_id = $1`, id); err != nil {
				return errors.Trace(err)
			}
			if n == 0 {
				return corejob.ErrNotFound
			}
			return corejob.ErrAlreadyClaimed
		} else if err != nil {
			return errors.Trace(err)
		}

		return errors.Trace(auditstate.Record(ctx, tx, now, audit.JobClaimed, id, map[string]string{
			"worker":  workerID,
			"attempt": strconv.Itoa(row.Attempts),
		}))
	})
	if err != nil {
		return corejob.Job{}, errors.Trace(err)
	}
	return row.job(), nil
}

// MarkRunning transitions a claimed job to running for the claiming
// worker.
func (s *State) MarkRunning(ctx context.Context, id, workerID string, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE orchestrator_jobs
SET    status = $2, updated_at = $3
WHERE  job_id = $1 AND status = $4 AND worker_id = $5`,
			id, string(corejob.Running), now.UTC(), string(corejob.Claimed), workerID)
		if err != nil {
			return errors.Trace(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return corejob.ErrAlreadyClaimed
		}
		return errors.Trace(auditstate.Record(ctx, tx, now, audit.JobRunning, id, map[string]string{
			"worker": workerID,
		}))
	}))
}

// Finalize sets a terminal-or-failed status, validating the transition
// against the job state machine. Two races are distinguished from
// invariant violations: retry exhaustion can catch a job anywhere
// short of a terminal state (it passes through failed on the way to
// the dead letter, in one transaction, mirroring Requeue), and a
// worker can outlive its claim — by the time it reports, the
// reclaimer has already moved the job on. The latter returns
// ErrAlreadyClaimed so the worker discards its result.
func (s *State) Finalize(ctx context.Context, id string, status corejob.Status, lastError string, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `
SELECT status FROM orchestrator_jobs WHERE job_id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return corejob.ErrNotFound
		} else if err != nil {
			return errors.Trace(err)
		}

		cur := corejob.Status(current)
		if !corejob.ValidTransition(cur, status) {
			switch {
			case status == corejob.DeadLetter && !cur.Terminal():
			case cur == corejob.Pending || cur.Terminal():
				return errors.Annotatef(corejob.ErrAlreadyClaimed, "job %q is already %s", id, cur)
			default:
				return errors.Annotatef(database.ErrFatal,
					"illegal job transition %s -> %s for %q", current, status, id)
			}
		}

		_, err = tx.ExecContext(ctx, `
UPDATE orchestrator_jobs
SET    status = $2, last_error = $3, updated_at = $4
WHERE  job_id = $1`, id, string(status), nullString(lastError), now.UTC())
		if err != nil {
			return errors.Trace(err)
		}

		kind := audit.JobFinalized
		if status == corejob.DeadLetter {
			kind = audit.JobDeadLetter
		}
		return errors.Trace(auditstate.Record(ctx, tx, now, kind, id, map[string]string{
			"status": string(status),
			"error":  lastError,
		}))
	}))
}

// Requeue returns an interrupted job to pending so a reclaimed bus
// entry can be claimed again. The observable status sequence stays
// legal: claimed/running pass through failed before re-entering
// pending, in one transaction.
func (s *State) Requeue(ctx context.Context, id string, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `
SELECT status FROM orchestrator_jobs WHERE job_id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return corejob.ErrNotFound
		} else if err != nil {
			return errors.Trace(err)
		}

		switch corejob.Status(current) {
		case corejob.Claimed, corejob.Running, corejob.Failed:
		case corejob.Pending:
			return nil
		default:
			return errors.Annotatef(corejob.ErrAlreadyClaimed, "job %q is %s", id, current)
		}

		_, err = tx.ExecContext(ctx, `
UPDATE orchestrator_jobs
SET    status = $2, worker_id = NULL, updated_at = $3
WHERE  job_id = $1`, id, string(corejob.Pending), now.UTC())
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(auditstate.Record(ctx, tx, now, audit.JobReclaimed, id, map[string]string{
			"from": current,
		}))
	}))
}

func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
