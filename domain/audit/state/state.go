// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists and reads the append-only audit trail. The
// Record helper is called by the other domain state packages from
// inside their own transactions, keeping every audit row transactional
// with its mutator.
package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"

	"github.com/newsloom/loom/core/audit"
	"github.com/newsloom/loom/internal/database"
)

// Record appends one audit row inside the caller's transaction.
func Record(ctx context.Context, tx *sqlx.Tx, at time.Time, kind audit.Kind, entity string, detail map[string]string) error {
	if detail == nil {
		detail = map[string]string{}
	}
	blob, err := json.Marshal(detail)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO orchestrator_audit (at, kind, entity, detail)
VALUES ($1, $2, $3, $4)`, at.UTC(), string(kind), entity, blob)
	return errors.Trace(err)
}

// State reads the audit trail.
type State struct {
	runner *database.TxnRunner
}

// NewState returns a new audit state reference.
func NewState(runner *database.TxnRunner) *State {
	return &State{runner: runner}
}

type auditRow struct {
	ID     int64     `db:"id"`
	At     time.Time `db:"at"`
	Kind   string    `db:"kind"`
	Entity string    `db:"entity"`
	Detail []byte    `db:"detail"`
}

// ForEntity returns the audit entries for one entity, oldest first.
// Entries are ordered by their monotonic id.
func (s *State) ForEntity(ctx context.Context, entity string) ([]audit.Entry, error) {
	var rows []auditRow
	err := s.runner.Txn(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return errors.Trace(tx.SelectContext(ctx, &rows, `
SELECT id, at, kind, entity, detail
FROM   orchestrator_audit
WHERE  entity = $1
ORDER BY id`, entity))
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	entries := make([]audit.Entry, 0, len(rows))
	for _, row := range rows {
		detail := map[string]string{}
		if len(row.Detail) > 0 {
			if err := json.Unmarshal(row.Detail, &detail); err != nil {
				return nil, errors.Annotatef(err, "decoding audit detail %d", row.ID)
			}
		}
		entries = append(entries, audit.Entry{
			ID:     row.ID,
			Time:   row.At,
			Kind:   audit.Kind(row.Kind),
			Entity: row.Entity,
			Detail: detail,
		})
	}
	return entries, nil
}
