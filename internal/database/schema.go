// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"
)

// schemaDDL is the bootstrap schema for the orchestration core. It is
// idempotent; wider platform migrations are managed elsewhere.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS orchestrator_leases (
    token          TEXT PRIMARY KEY,
    agent          TEXT NOT NULL,
    device_index   INTEGER,
    mode           TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL,
    expired        BOOLEAN NOT NULL DEFAULT FALSE,
    pool_id        TEXT,
    metadata       JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_leases_agent ON orchestrator_leases (agent);

CREATE TABLE IF NOT EXISTS worker_pools (
    pool_id        TEXT PRIMARY KEY,
    agent          TEXT NOT NULL,
    model_id       TEXT NOT NULL,
    adapter_id     TEXT,
    desired        INTEGER NOT NULL,
    spawned        INTEGER NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL,
    status         TEXT NOT NULL,
    hold_seconds   INTEGER NOT NULL,
    metadata       JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS orchestrator_jobs (
    job_id     TEXT PRIMARY KEY,
    job_type   TEXT NOT NULL,
    payload    JSONB,
    status     TEXT NOT NULL,
    pool_id    TEXT,
    worker_id  TEXT,
    attempts   INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON orchestrator_jobs (status);

CREATE TABLE IF NOT EXISTS orchestrator_audit (
    id      BIGSERIAL PRIMARY KEY,
    at      TIMESTAMPTZ NOT NULL,
    kind    TEXT NOT NULL,
    entity  TEXT NOT NULL,
    detail  JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS orchestrator_locks (
    name    TEXT PRIMARY KEY,
    handle  TEXT NOT NULL,
    holder  TEXT NOT NULL,
    expires TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the core tables if they are missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return errors.Annotatef(ErrFatal, "ensuring schema: %v", err)
	}
	return nil
}
