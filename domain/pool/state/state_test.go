// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corepool "github.com/newsloom/loom/core/pool"
	"github.com/newsloom/loom/domain/pool/state"
	"github.com/newsloom/loom/internal/database"
)

var poolColumns = []string{
	"pool_id", "agent", "model_id", "adapter_id", "desired", "spawned",
	"started_at", "last_heartbeat", "status", "hold_seconds", "metadata",
}

type poolStateSuite struct {
	db    *sqlx.DB
	mock  sqlmock.Sqlmock
	state *state.State
	t0    time.Time
}

var _ = gc.Suite(&poolStateSuite{})

func (s *poolStateSuite) SetUpTest(c *gc.C) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	c.Assert(err, jc.ErrorIsNil)
	s.db = sqlx.NewDb(db, "pgx")
	s.mock = mock
	s.t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.state = state.NewState(database.NewTxnRunner(s.db, clock.WallClock))
}

func (s *poolStateSuite) TearDownTest(c *gc.C) {
	c.Check(s.mock.ExpectationsWereMet(), jc.ErrorIsNil)
	_ = s.db.Close()
}

func (s *poolStateSuite) pool(status corepool.Status) corepool.Pool {
	return corepool.Pool{
		ID:            "p-1",
		Agent:         "analyst",
		ModelID:       "llama-70b",
		Desired:       2,
		StartedAt:     s.t0,
		LastHeartbeat: s.t0,
		Status:        status,
		HoldSeconds:   300,
	}
}

func (s *poolStateSuite) TestUpsertNewPool(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	s.mock.ExpectExec(`INSERT INTO worker_pools`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(`INSERT INTO orchestrator_audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.mock.ExpectCommit()

	c.Assert(s.state.Upsert(context.Background(), s.t0, s.pool(corepool.Starting)), jc.ErrorIsNil)
}

func (s *poolStateSuite) TestUpsertLegalTransition(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("starting"))
	s.mock.ExpectExec(`INSERT INTO worker_pools`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(`INSERT INTO orchestrator_audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.mock.ExpectCommit()

	c.Assert(s.state.Upsert(context.Background(), s.t0, s.pool(corepool.Running)), jc.ErrorIsNil)
}

func (s *poolStateSuite) TestUpsertSelfTransitionSkipsAudit(c *gc.C) {
	// Heartbeat-style updates reuse the upsert path without adding
	// audit noise.
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	s.mock.ExpectExec(`INSERT INTO worker_pools`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	c.Assert(s.state.Upsert(context.Background(), s.t0, s.pool(corepool.Running)), jc.ErrorIsNil)
}

func (s *poolStateSuite) TestUpsertIllegalTransition(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("stopped"))
	s.mock.ExpectRollback()

	err := s.state.Upsert(context.Background(), s.t0, s.pool(corepool.Running))
	c.Check(err, jc.ErrorIs, corepool.ErrBadTransition)
	c.Check(err, gc.ErrorMatches, `stopped -> running for pool "p-1".*`)
}

func (s *poolStateSuite) TestGet(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`FROM\s+worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(poolColumns).AddRow(
			"p-1", "analyst", "llama-70b", nil, 2, 1,
			s.t0, s.t0, "running", 300, []byte(`{"region":"eu"}`)))
	s.mock.ExpectCommit()

	p, err := s.state.Get(context.Background(), "p-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p.Status, gc.Equals, corepool.Running)
	c.Check(p.Spawned, gc.Equals, 1)
	c.Check(p.Metadata, gc.DeepEquals, map[string]string{"region": "eu"})
}

func (s *poolStateSuite) TestGetUnknown(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`FROM\s+worker_pools`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(poolColumns))
	s.mock.ExpectRollback()

	_, err := s.state.Get(context.Background(), "ghost")
	c.Check(err, jc.ErrorIs, corepool.ErrNotFound)
}

func (s *poolStateSuite) TestSetStatus(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	s.mock.ExpectExec(`UPDATE worker_pools`).
		WithArgs("p-1", "draining", s.t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(`INSERT INTO orchestrator_audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.mock.ExpectCommit()

	c.Assert(s.state.SetStatus(context.Background(), "p-1", corepool.Draining, s.t0), jc.ErrorIsNil)
}

func (s *poolStateSuite) TestSetStatusNoChangeIsNoOp(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("draining"))
	s.mock.ExpectCommit()

	c.Assert(s.state.SetStatus(context.Background(), "p-1", corepool.Draining, s.t0), jc.ErrorIsNil)
}

func (s *poolStateSuite) TestSetStatusIllegalEdge(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`SELECT status FROM worker_pools`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("starting"))
	s.mock.ExpectRollback()

	err := s.state.SetStatus(context.Background(), "p-1", corepool.Stopped, s.t0)
	c.Check(err, jc.ErrorIs, corepool.ErrBadTransition)
}

func (s *poolStateSuite) TestRecordHeartbeat(c *gc.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectExec(`UPDATE worker_pools`).
		WithArgs("p-1", 2, s.t0, "starting", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	c.Assert(s.state.RecordHeartbeat(context.Background(), "p-1", 2, s.t0), jc.ErrorIsNil)
}

func (s *poolStateSuite) TestRecordHeartbeatOnTerminalPool(c *gc.C) {
	// Heartbeats only land on starting or running pools.
	s.mock.ExpectBegin()
	s.mock.ExpectExec(`UPDATE worker_pools`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectRollback()

	err := s.state.RecordHeartbeat(context.Background(), "p-1", 2, s.t0)
	c.Check(err, jc.ErrorIs, corepool.ErrNotFound)
}
