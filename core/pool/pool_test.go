// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pool_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/newsloom/loom/core/pool"
)

type poolSuite struct{}

var _ = gc.Suite(&poolSuite{})

func (s *poolSuite) TestLifecycleDAG(c *gc.C) {
	legal := []struct {
		from, to pool.Status
	}{
		{pool.Starting, pool.Running},
		{pool.Starting, pool.Evicted},
		{pool.Running, pool.Draining},
		{pool.Running, pool.Evicted},
		{pool.Draining, pool.Stopped},
		{pool.Draining, pool.Evicted},
	}
	for _, t := range legal {
		c.Check(pool.ValidTransition(t.from, t.to), jc.IsTrue,
			gc.Commentf("%s -> %s", t.from, t.to))
	}

	illegal := []struct {
		from, to pool.Status
	}{
		{pool.Starting, pool.Draining},
		{pool.Starting, pool.Stopped},
		{pool.Running, pool.Stopped},
		{pool.Draining, pool.Running},
		{pool.Stopped, pool.Running},
		{pool.Stopped, pool.Starting},
		{pool.Evicted, pool.Running},
	}
	for _, t := range illegal {
		c.Check(pool.ValidTransition(t.from, t.to), jc.IsFalse,
			gc.Commentf("%s -> %s", t.from, t.to))
	}
}

func (s *poolSuite) TestSelfTransitionAllowed(c *gc.C) {
	for _, st := range []pool.Status{
		pool.Starting, pool.Running, pool.Draining, pool.Stopped, pool.Evicted,
	} {
		c.Check(pool.ValidTransition(st, st), jc.IsTrue, gc.Commentf("%s", st))
	}
}

func (s *poolSuite) TestTerminal(c *gc.C) {
	c.Check(pool.Stopped.Terminal(), jc.IsTrue)
	c.Check(pool.Evicted.Terminal(), jc.IsTrue)
	c.Check(pool.Starting.Terminal(), jc.IsFalse)
	c.Check(pool.Running.Terminal(), jc.IsFalse)
	c.Check(pool.Draining.Terminal(), jc.IsFalse)
}

func (s *poolSuite) TestAcceptsJobs(c *gc.C) {
	c.Check(pool.Starting.AcceptsJobs(), jc.IsTrue)
	c.Check(pool.Running.AcceptsJobs(), jc.IsTrue)
	c.Check(pool.Draining.AcceptsJobs(), jc.IsFalse)
	c.Check(pool.Stopped.AcceptsJobs(), jc.IsFalse)
	c.Check(pool.Evicted.AcceptsJobs(), jc.IsFalse)
}

func (s *poolSuite) TestValidate(c *gc.C) {
	p := pool.Pool{ID: "p-1", Agent: "analyst", ModelID: "m-1"}
	c.Assert(p.Validate(), jc.ErrorIsNil)

	c.Check(pool.Pool{Agent: "a", ModelID: "m"}.Validate(), gc.ErrorMatches, ".*pool id.*")
	c.Check(pool.Pool{ID: "p", ModelID: "m"}.Validate(), gc.ErrorMatches, ".*owning agent.*")
	c.Check(pool.Pool{ID: "p", Agent: "a"}.Validate(), gc.ErrorMatches, ".*model id.*")
	c.Check(pool.Pool{ID: "p", Agent: "a", ModelID: "m", Desired: -1}.Validate(),
		gc.ErrorMatches, ".*desired worker count.*")
}
