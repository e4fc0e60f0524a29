// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pool defines the long-lived groups of workers serving a
// model/adapter pair, and the DAG of their lifecycle states.
package pool

import (
	"time"

	"github.com/juju/errors"
)

const (
	// ErrNotFound indicates no pool exists with the given id.
	ErrNotFound = errors.ConstError("pool not found")

	// ErrBadTransition indicates an upsert attempted an illegal
	// status edge.
	ErrBadTransition = errors.ConstError("illegal pool status transition")
)

// Status is a point in the pool lifecycle DAG.
type Status string

const (
	Starting Status = "starting"
	Running  Status = "running"
	Draining Status = "draining"
	Stopped  Status = "stopped"
	Evicted  Status = "evicted"
)

var validTransitions = map[Status][]Status{
	Starting: {Running, Evicted},
	Running:  {Draining, Evicted},
	Draining: {Stopped, Evicted},
}

// ValidTransition reports whether moving between the two statuses is a
// legal edge. Self-transitions are allowed so that heartbeat updates
// can reuse the upsert path.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the pool can never leave this status.
func (s Status) Terminal() bool {
	return s == Stopped || s == Evicted
}

// AcceptsJobs reports whether new jobs may target the pool. A draining
// pool accepts no new jobs.
func (s Status) AcceptsJobs() bool {
	return s == Starting || s == Running
}

// Pool is a named, long-lived group of workers serving a model.
type Pool struct {
	ID            string
	Agent         string
	ModelID       string
	AdapterID     string
	Desired       int
	Spawned       int
	StartedAt     time.Time
	LastHeartbeat time.Time
	Status        Status
	HoldSeconds   int
	Metadata      map[string]string
}

// Validate checks the fields a pool request must carry.
func (p Pool) Validate() error {
	if p.ID == "" {
		return errors.NotValidf("empty pool id")
	}
	if p.Agent == "" {
		return errors.NotValidf("empty owning agent")
	}
	if p.ModelID == "" {
		return errors.NotValidf("empty model id")
	}
	if p.Desired < 0 {
		return errors.NotValidf("negative desired worker count")
	}
	return nil
}
