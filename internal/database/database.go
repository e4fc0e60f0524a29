// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database provides the state store plumbing shared by the
// domain state packages: connection handling, the retrying transaction
// runner, and the transient/fatal error classification every adapter
// consults. Retries live here and nowhere else; the domain packages
// never loop on I/O errors themselves.
package database

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

const (
	// ErrTransient marks retry-safe I/O failures. Callers that see it
	// have already been through the bounded retry policy.
	ErrTransient = errors.ConstError("transient state store error")

	// ErrFatal marks schema or invariant violations that must abort
	// the process.
	ErrFatal = errors.ConstError("fatal state store error")
)

// Open connects to the state store and verifies it is reachable.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening state store")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(ErrTransient, "pinging state store: %v", err)
	}
	return db, nil
}

// TxnRunner runs transactions against the state store, retrying
// transient failures with bounded doubling backoff.
type TxnRunner struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewTxnRunner returns a runner over the given connection.
func NewTxnRunner(db *sqlx.DB, clk clock.Clock) *TxnRunner {
	return &TxnRunner{db: db, clock: clk}
}

// retryAttempts bounds how often a transient failure is retried before
// it surfaces to the caller as ErrTransient.
const retryAttempts = 4

// Txn runs fn inside a transaction. The transaction is committed when
// fn returns nil and rolled back otherwise. Transient errors restart
// the whole transaction.
func (r *TxnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return r.runOnce(ctx, fn)
		},
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		Attempts:    retryAttempts,
		Delay:       50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		return errors.Annotatef(ErrTransient, "%v", retry.LastError(err))
	}
	return errors.Trace(err)
}

func (r *TxnRunner) runOnce(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Trace(maybeTransient(err))
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return errors.Trace(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Trace(maybeTransient(err))
	}
	return nil
}

// IsTransient reports whether the error is safe to retry: connection
// failures, serialization conflicts and deadlocks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03": // cannot_connect_now
			return true
		}
	}
	return false
}

func maybeTransient(err error) error {
	if IsTransient(err) {
		return errors.Annotatef(ErrTransient, "%v", err)
	}
	return err
}
