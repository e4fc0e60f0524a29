// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists the GPU lease table. All mutators write an
// audit row in the same transaction.
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
	corelease "github.com/newsloom/loom/core/lease"
	auditstate "github.com/newsloom/loom/domain/audit/state"
	"github.com/newsloom/loom/internal/database"
)

// State describes retrieval and persistence methods for leases.
type State struct {
	runner *database.TxnRunner
}

// NewState returns a new state reference.
func NewState(runner *database.TxnRunner) *State {
	return &State{runner: runner}
}

type leaseRow struct {
	Token         string         `db:"token"`
	Agent         string         `db:"agent"`
	Device        sql.NullInt64  `db:"device_index"`
	Mode          string         `db:"mode"`
	Created       time.Time      `db:"created_at"`
	Expires       time.Time      `db:"expires_at"`
	LastHeartbeat time.Time      `db:"last_heartbeat"`
	Expired       bool           `db:"expired"`
	Pool          sql.NullString `db:"pool_id"`
	Metadata      []byte         `db:"metadata"`
}

func (r leaseRow) lease() (corelease.Lease, error) {
	l := corelease.Lease{
		Token:         r.Token,
		Agent:         r.Agent,
		Device:        corelease.NoDevice,
		Mode:          corelease.Mode(r.Mode),
		Created:       r.Created,
		Expires:       r.Expires,
		LastHeartbeat: r.LastHeartbeat,
		Pool:          r.Pool.String,
	}
	if r.Device.Valid {
		l.Device = int(r.Device.Int64)
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &l.Metadata); err != nil {
			return corelease.Lease{}, errors.Annotatef(err, "decoding lease %q metadata", r.Token)
		}
	}
	return l, nil
}

// Put atomically verifies that no conflicting active lease exists for
// the (agent, device) pair and inserts the new lease. GPU devices are
// exclusive; CPU-mode leases never conflict.
func (s *State) Put(ctx context.Context, now time.Time, l corelease.Lease) (corelease.Lease, error) {
	metadata, err := json.Marshal(orEmpty(l.Metadata))
	if err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}

	err = s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if l.Mode == corelease.ModeGPU {
			var held int
			err := tx.GetContext(ctx, &held, `
SELECT COUNT(*) FROM orchestrator_leases
WHERE  agent = $1 AND device_index = $2
AND    NOT expired AND expires_at > $3`, l.Agent, l.Device, now.UTC())
			if err != nil {
				return errors.Trace(err)
			}
			if held > 0 {
				return corelease.ErrConflict
			}
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO orchestrator_leases
    (token, agent, device_index, mode, created_at, expires_at, last_heartbeat, expired, pool_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
			l.Token, l.Agent, nullDevice(l), string(l.Mode),
			l.Created.UTC(), l.Expires.UTC(), l.LastHeartbeat.UTC(),
			nullString(l.Pool), metadata)
		if err != nil {
			return errors.Trace(err)
		}

		return errors.Trace(auditstate.Record(ctx, tx, now, audit.LeaseGranted, l.Token, map[string]string{
			"agent":  l.Agent,
			"device": strconv.Itoa(l.Device),
			"mode":   string(l.Mode),
		}))
	})
	if err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}
	return l, nil
}

// Get returns the lease with the given token.
func (s *State) Get(ctx context.Context, token string) (corelease.Lease, error) {
	var row leaseRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
SELECT token, agent, device_index, mode, created_at, expires_at, last_heartbeat, expired, pool_id, metadata
FROM   orchestrator_leases
WHERE  token = $1`, token)
		if errors.Is(err, sql.ErrNoRows) {
			return corelease.ErrNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}
	return row.lease()
}

// Extend refreshes the lease expiry from now, never extending past
// maxTTL from creation. A heartbeat arriving at or after the current
// expiry is rejected with ErrExpired; last_heartbeat stays monotonic.
func (s *State) Extend(ctx context.Context, token string, now time.Time, ttl, maxTTL time.Duration) (corelease.Lease, error) {
	var out corelease.Lease
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var row leaseRow
		err := tx.GetContext(ctx, &row, `
SELECT token, agent, device_index, mode, created_at, expires_at, last_heartbeat, expired, pool_id, metadata
FROM   orchestrator_leases
WHERE  token = $1
FOR UPDATE`, token)
		if errors.Is(err, sql.ErrNoRows) {
			return corelease.ErrNotFound
		} else if err != nil {
			return errors.Trace(err)
		}

		if row.Expired || !now.Before(row.Expires) {
			return corelease.ErrExpired
		}

		expires := now.Add(ttl)
		if ceiling := row.Created.Add(maxTTL); expires.After(ceiling) {
			expires = ceiling
		}
		// A heartbeat never shrinks the window the holder already has.
		if expires.Before(row.Expires) {
			expires = row.Expires
		}
		heartbeat := now
		if heartbeat.Before(row.LastHeartbeat) {
			heartbeat = row.LastHeartbeat
		}

		_, err = tx.ExecContext(ctx, `
UPDATE orchestrator_leases
SET    expires_at = $2, last_heartbeat = $3
WHERE  token = $1`, token, expires.UTC(), heartbeat.UTC())
		if err != nil {
			return errors.Trace(err)
		}

		row.Expires = expires
		row.LastHeartbeat = heartbeat
		if out, err = row.lease(); err != nil {
			return errors.Trace(err)
		}

		return errors.Trace(auditstate.Record(ctx, tx, now, audit.LeaseExtended, token, map[string]string{
			"expires": expires.UTC().Format(time.RFC3339),
		}))
	})
	if err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}
	return out, nil
}

// Release removes the lease, reporting whether a row was actually
// deleted. Releasing an unknown token is a no-op.
func (s *State) Release(ctx context.Context, token string, now time.Time) (bool, error) {
	var removed bool
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		removed = false
		res, err := tx.ExecContext(ctx, `
DELETE FROM orchestrator_leases WHERE token = $1`, token)
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
		removed = true
		return errors.Trace(auditstate.Record(ctx, tx, now, audit.LeaseReleased, token, nil))
	})
	return removed, errors.Trace(err)
}

// PurgeExpired marks every lease past its expiry and returns their
// tokens. Rows are marked, not deleted: in-flight compute is never
// cancelled, the holder just fails its next heartbeat.
func (s *State) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	var tokens []string
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		tokens = tokens[:0]
		rows, err := tx.QueryxContext(ctx, `
UPDATE orchestrator_leases
SET    expired = TRUE
WHERE  NOT expired AND expires_at <= $1
RETURNING token`, now.UTC())
		if err != nil {
			return errors.Trace(err)
		}
		defer rows.Close()
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err != nil {
				return errors.Trace(err)
			}
			tokens = append(tokens, token)
		}
		if err := rows.Err(); err != nil {
			return errors.Trace(err)
		}

		for _, token := range tokens {
			if err := auditstate.Record(ctx, tx, now, audit.LeaseExpired, token, nil); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return tokens, nil
}

// ActiveDeviceCounts returns the number of live leases per GPU device,
// used to rank devices during selection.
func (s *State) ActiveDeviceCounts(ctx context.Context, now time.Time) (map[int]int, error) {
	type countRow struct {
		Device int `db:"device_index"`
		Count  int `db:"n"`
	}
	var rows []countRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return errors.Trace(tx.SelectContext(ctx, &rows, `
SELECT device_index, COUNT(*) AS n
FROM   orchestrator_leases
WHERE  mode = 'gpu' AND NOT expired AND expires_at > $1
GROUP BY device_index`, now.UTC()))
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	counts := make(map[int]int, len(rows))
	for _, row := range rows {
		counts[row.Device] = row.Count
	}
	return counts, nil
}

// CountPoolLeases returns the number of live leases referencing the
// given pool. The reconciler uses it for the drain-to-stopped check.
func (s *State) CountPoolLeases(ctx context.Context, poolID string, now time.Time) (int, error) {
	var n int
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return errors.Trace(tx.GetContext(ctx, &n, `
SELECT COUNT(*) FROM orchestrator_leases
WHERE  pool_id = $1 AND NOT expired AND expires_at > $2`, poolID, now.UTC()))
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return n, nil
}

func nullDevice(l corelease.Lease) any {
	if l.Mode != corelease.ModeGPU || l.Device == corelease.NoDevice {
		return nil
	}
	return l.Device
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
