// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package leader_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	leaderstate "github.com/newsloom/loom/domain/leader/state"
	"github.com/newsloom/loom/internal/orchestrator"
	"github.com/newsloom/loom/internal/worker/leader"
)

const longWait = 10 * time.Second

// elector is the surface of the worker under test.
type elector interface {
	worker.Worker
	Check() bool
	Healthy() error
}

type fakeLocks struct {
	mu         sync.Mutex
	acquireErr error
	renewErr   error
	released   []leaderstate.Handle
	calls      chan string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{calls: make(chan string, 16)}
}

func (f *fakeLocks) setAcquireErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireErr = err
}

func (f *fakeLocks) setRenewErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErr = err
}

func (f *fakeLocks) TryAcquire(_ context.Context, name, holder string, _ time.Duration, _ time.Time) (leaderstate.Handle, error) {
	f.mu.Lock()
	err := f.acquireErr
	f.mu.Unlock()
	f.calls <- "acquire"
	if err != nil {
		return leaderstate.Handle{}, err
	}
	return leaderstate.Handle{Name: name, ID: "handle-1", Holder: holder}, nil
}

func (f *fakeLocks) Renew(_ context.Context, _ leaderstate.Handle, _ time.Duration, _ time.Time) error {
	f.mu.Lock()
	err := f.renewErr
	f.mu.Unlock()
	f.calls <- "renew"
	return err
}

func (f *fakeLocks) Release(_ context.Context, h leaderstate.Handle, _ time.Time) error {
	f.mu.Lock()
	f.released = append(f.released, h)
	f.mu.Unlock()
	f.calls <- "release"
	return nil
}

type electorSuite struct {
	clock   *testclock.Clock
	locks   *fakeLocks
	hub     *pubsub.SimpleHub
	changes chan leader.Change
	unsub   func()
}

var _ = gc.Suite(&electorSuite{})

func (s *electorSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s.locks = newFakeLocks()
	s.hub = pubsub.NewSimpleHub(nil)
	s.changes = make(chan leader.Change, 16)
	s.unsub = s.hub.Subscribe(leader.Topic, func(_ string, data interface{}) {
		s.changes <- data.(leader.Change)
	})
}

func (s *electorSuite) TearDownTest(c *gc.C) {
	s.unsub()
}

func (s *electorSuite) newWorker(c *gc.C) elector {
	w, err := leader.NewWorker(leader.Config{
		Locks:   s.locks,
		Holder:  "host-1",
		TTL:     30 * time.Second,
		Clock:   s.clock,
		Logger:  loggo.GetLogger("test.leader"),
		Hub:     s.hub,
		Metrics: orchestrator.NewMetrics(),
	})
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *electorSuite) tick(c *gc.C, d time.Duration) {
	c.Assert(s.clock.WaitAdvance(d, longWait, 1), jc.ErrorIsNil)
}

func (s *electorSuite) expectCall(c *gc.C, want string) {
	select {
	case got := <-s.locks.calls:
		c.Assert(got, gc.Equals, want)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for %s call", want)
	}
}

func (s *electorSuite) expectChange(c *gc.C, want leader.Change) {
	select {
	case got := <-s.changes:
		c.Assert(got, gc.Equals, want)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for leadership change")
	}
}

func (s *electorSuite) TestValidate(c *gc.C) {
	_, err := leader.NewWorker(leader.Config{})
	c.Check(err, gc.ErrorMatches, "missing Locks not valid")
}

func (s *electorSuite) TestAcquiresLeadership(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})
	c.Check(w.Check(), jc.IsTrue)
}

func (s *electorSuite) TestStaysFollowerWhileHeld(c *gc.C) {
	s.locks.setAcquireErr(leaderstate.ErrHeld)
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	c.Check(w.Check(), jc.IsFalse)

	// Once the rival lets go the next attempt wins.
	s.locks.setAcquireErr(nil)
	s.tick(c, 10*time.Second)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})
	c.Check(w.Check(), jc.IsTrue)
}

func (s *electorSuite) TestRenewsWhileLeading(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})

	s.tick(c, 10*time.Second)
	s.expectCall(c, "renew")
	c.Check(w.Check(), jc.IsTrue)
}

func (s *electorSuite) TestLostLockDropsToFollower(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})

	s.locks.setRenewErr(leaderstate.ErrLost)
	s.tick(c, 10*time.Second)
	s.expectCall(c, "renew")
	s.expectChange(c, leader.Change{Leader: false, Holder: "host-1"})
	c.Check(w.Check(), jc.IsFalse)

	// A follower goes back to trying the lock.
	s.locks.setRenewErr(nil)
	s.tick(c, 10*time.Second)
	s.expectCall(c, "acquire")
}

func (s *electorSuite) TestRenewIOFailureKeepsLeading(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})

	s.locks.setRenewErr(context.DeadlineExceeded)
	s.tick(c, 10*time.Second)
	s.expectCall(c, "renew")
	c.Check(w.Check(), jc.IsTrue)
}

func (s *electorSuite) TestStepDownReleasesOnShutdown(c *gc.C) {
	w := s.newWorker(c)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})

	workertest.CleanKill(c, w)
	s.expectCall(c, "release")
	s.expectChange(c, leader.Change{Leader: false, Holder: "host-1"})

	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()
	c.Assert(s.locks.released, gc.HasLen, 1)
	c.Check(s.locks.released[0].ID, gc.Equals, "handle-1")
}

func (s *electorSuite) TestHealthyTracksLoop(c *gc.C) {
	w := s.newWorker(c)
	c.Check(w.Healthy(), jc.ErrorIsNil)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	s.expectChange(c, leader.Change{Leader: true, Holder: "host-1"})
	c.Check(w.Healthy(), jc.ErrorIsNil)

	workertest.CleanKill(c, w)
	c.Check(w.Healthy(), gc.ErrorMatches, "leader elector stopped")
}

func (s *electorSuite) TestFollowerShutdownSkipsRelease(c *gc.C) {
	s.locks.setAcquireErr(leaderstate.ErrHeld)
	w := s.newWorker(c)

	s.tick(c, 0)
	s.expectCall(c, "acquire")
	workertest.CleanKill(c, w)

	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()
	c.Check(s.locks.released, gc.HasLen, 0)
}

type flagSuite struct{}

var _ = gc.Suite(&flagSuite{})

func (s *flagSuite) TestFlagFollowsChanges(c *gc.C) {
	hub := pubsub.NewSimpleHub(nil)
	flag := leader.NewFlag(hub)
	defer flag.Close()

	c.Check(flag.Check(), jc.IsFalse)

	done := hub.Publish(leader.Topic, leader.Change{Leader: true, Holder: "host-1"})
	waitDone(c, done)
	c.Check(flag.Check(), jc.IsTrue)

	done = hub.Publish(leader.Topic, leader.Change{Leader: false, Holder: "host-1"})
	waitDone(c, done)
	c.Check(flag.Check(), jc.IsFalse)
}

// waitDone bounds the completer Publish returns, which blocks until
// every subscriber has run.
func waitDone(c *gc.C, wait func()) {
	delivered := make(chan struct{})
	go func() {
		wait()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for hub delivery")
	}
}
