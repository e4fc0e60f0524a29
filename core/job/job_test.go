// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package job_test

import (
	"encoding/json"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/newsloom/loom/core/job"
)

type jobSuite struct{}

var _ = gc.Suite(&jobSuite{})

func (s *jobSuite) TestLegalTransitions(c *gc.C) {
	legal := []struct {
		from, to job.Status
	}{
		{job.Pending, job.Claimed},
		{job.Claimed, job.Running},
		{job.Claimed, job.Failed},
		{job.Running, job.Done},
		{job.Running, job.Failed},
		{job.Failed, job.Pending},
		{job.Failed, job.Claimed},
		{job.Failed, job.DeadLetter},
	}
	for _, t := range legal {
		c.Check(job.ValidTransition(t.from, t.to), jc.IsTrue,
			gc.Commentf("%s -> %s", t.from, t.to))
	}
}

func (s *jobSuite) TestIllegalTransitions(c *gc.C) {
	illegal := []struct {
		from, to job.Status
	}{
		{job.Pending, job.Running},
		{job.Pending, job.Done},
		{job.Claimed, job.Done},
		{job.Running, job.Claimed},
		{job.Done, job.Pending},
		{job.Done, job.Failed},
		{job.DeadLetter, job.Pending},
		{job.DeadLetter, job.Claimed},
		{job.Failed, job.Running},
	}
	for _, t := range illegal {
		c.Check(job.ValidTransition(t.from, t.to), jc.IsFalse,
			gc.Commentf("%s -> %s", t.from, t.to))
	}
}

func (s *jobSuite) TestTerminal(c *gc.C) {
	c.Check(job.Done.Terminal(), jc.IsTrue)
	c.Check(job.DeadLetter.Terminal(), jc.IsTrue)
	c.Check(job.Pending.Terminal(), jc.IsFalse)
	c.Check(job.Claimed.Terminal(), jc.IsFalse)
	c.Check(job.Running.Terminal(), jc.IsFalse)
	c.Check(job.Failed.Terminal(), jc.IsFalse)
}

func (s *jobSuite) TestValidate(c *gc.C) {
	j := job.Job{ID: "j-1", Type: "inference"}
	c.Assert(j.Validate(), jc.ErrorIsNil)

	c.Check(job.Job{Type: "inference"}.Validate(), gc.ErrorMatches, ".*job id.*")
	c.Check(job.Job{ID: "j-1"}.Validate(), gc.ErrorMatches, ".*job type.*")
}

func (s *jobSuite) TestSamePayload(c *gc.C) {
	j := job.Job{
		ID:      "j-1",
		Type:    "inference",
		Payload: json.RawMessage(`{"text":"hello"}`),
	}
	c.Check(j.SamePayload("inference", json.RawMessage(`{"text":"hello"}`)), jc.IsTrue)
	c.Check(j.SamePayload("inference", json.RawMessage(`{"text":"bye"}`)), jc.IsFalse)
	c.Check(j.SamePayload("ingest", json.RawMessage(`{"text":"hello"}`)), jc.IsFalse)
}
