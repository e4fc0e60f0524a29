// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists worker pools, validating every status change
// against the pool lifecycle DAG.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"

	"github.com/newsloom/loom/core/audit"
	corepool "github.com/newsloom/loom/core/pool"
	auditstate "github.com/newsloom/loom/domain/audit/state"
	"github.com/newsloom/loom/internal/database"
)

// State describes retrieval and persistence methods for worker pools.
type State struct {
	runner *database.TxnRunner
}

// NewState returns a new state reference.
func NewState(runner *database.TxnRunner) *State {
	return &State{runner: runner}
}

type poolRow struct {
	ID            string         `db:"pool_id"`
	Agent         string         `db:"agent"`
	ModelID       string         `db:"model_id"`
	AdapterID     sql.NullString `db:"adapter_id"`
	Desired       int            `db:"desired"`
	Spawned       int            `db:"spawned"`
	StartedAt     time.Time      `db:"started_at"`
	LastHeartbeat time.Time      `db:"last_heartbeat"`
	Status        string         `db:"status"`
	HoldSeconds   int            `db:"hold_seconds"`
	Metadata      []byte         `db:"metadata"`
}

func (r poolRow) pool() (corepool.Pool, error) {
	p := corepool.Pool{
		ID:            r.ID,
		Agent:         r.Agent,
		ModelID:       r.ModelID,
		AdapterID:     r.AdapterID.String,
		Desired:       r.Desired,
		Spawned:       r.Spawned,
		StartedAt:     r.StartedAt,
		LastHeartbeat: r.LastHeartbeat,
		Status:        corepool.Status(r.Status),
		HoldSeconds:   r.HoldSeconds,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &p.Metadata); err != nil {
			return corepool.Pool{}, errors.Annotatef(err, "decoding pool %q metadata", r.ID)
		}
	}
	return p, nil
}

const selectPool = `
SELECT pool_id, agent, model_id, adapter_id, desired, spawned, started_at, last_heartbeat, status, hold_seconds, metadata
FROM   worker_pools`

// Upsert inserts or updates the pool. On update the status transition
// must be a legal edge of the lifecycle DAG.
func (s *State) Upsert(ctx context.Context, now time.Time, p corepool.Pool) error {
	metadata, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `
SELECT status FROM worker_pools WHERE pool_id = $1 FOR UPDATE`, p.ID)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return errors.Trace(err)
		}

		if exists && !corepool.ValidTransition(corepool.Status(current), p.Status) {
			return errors.Annotatef(corepool.ErrBadTransition,
				"%s -> %s for pool %q", current, p.Status, p.ID)
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO worker_pools
    (pool_id, agent, model_id, adapter_id, desired, spawned, started_at, last_heartbeat, status, hold_seconds, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (pool_id) DO UPDATE SET
    desired = EXCLUDED.desired,
    spawned = EXCLUDED.spawned,
    last_heartbeat = EXCLUDED.last_heartbeat,
    status = EXCLUDED.status,
    hold_seconds = EXCLUDED.hold_seconds,
    metadata = EXCLUDED.metadata`,
			p.ID, p.Agent, p.ModelID, nullString(p.AdapterID),
			p.Desired, p.Spawned, p.StartedAt.UTC(), p.LastHeartbeat.UTC(),
			string(p.Status), p.HoldSeconds, metadata)
		if err != nil {
			return errors.Trace(err)
		}

		if !exists || current != string(p.Status) {
			return errors.Trace(auditstate.Record(ctx, tx, now, audit.PoolStatus, p.ID, map[string]string{
				"status": string(p.Status),
			}))
		}
		return nil
	}))
}

// Get returns the pool with the given id.
func (s *State) Get(ctx context.Context, id string) (corepool.Pool, error) {
	var row poolRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, selectPool+` WHERE pool_id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return corepool.ErrNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return corepool.Pool{}, errors.Trace(err)
	}
	return row.pool()
}

// List returns all pools, optionally filtered by status.
func (s *State) List(ctx context.Context, statuses ...corepool.Status) ([]corepool.Pool, error) {
	query := selectPool
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		args = append(args, names)
	}
	query += ` ORDER BY pool_id`

	var rows []poolRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return errors.Trace(tx.SelectContext(ctx, &rows, query, args...))
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	pools := make([]corepool.Pool, 0, len(rows))
	for _, row := range rows {
		p, err := row.pool()
		if err != nil {
			return nil, errors.Trace(err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// SetStatus transitions the pool to the given status, validating the
// edge.
func (s *State) SetStatus(ctx context.Context, id string, status corepool.Status, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `
SELECT status FROM worker_pools WHERE pool_id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return corepool.ErrNotFound
		} else if err != nil {
			return errors.Trace(err)
		}
		if current == string(status) {
			return nil
		}
		if !corepool.ValidTransition(corepool.Status(current), status) {
			return errors.Annotatef(corepool.ErrBadTransition,
				"%s -> %s for pool %q", current, status, id)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE worker_pools SET status = $2, last_heartbeat = $3 WHERE pool_id = $1`,
			id, string(status), now.UTC())
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(auditstate.Record(ctx, tx, now, audit.PoolStatus, id, map[string]string{
			"status": string(status),
		}))
	}))
}

// RecordHeartbeat updates the observed spawned-worker count and the
// heartbeat time for a live pool.
func (s *State) RecordHeartbeat(ctx context.Context, id string, spawned int, now time.Time) error {
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE worker_pools
SET    spawned = $2, last_heartbeat = $3
WHERE  pool_id = $1 AND status IN ($4, $5)`,
			id, spawned, now.UTC(), string(corepool.Starting), string(corepool.Running))
		if err != nil {
			return errors.Trace(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return corepool.ErrNotFound
		}
		return nil
	}))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
