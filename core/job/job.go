// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package job defines the unit of work moving through the orchestrator
// and the legal transitions of its status state machine.
package job

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

const (
	// ErrAlreadyClaimed indicates an atomic claim lost the race, or
	// that the job is already past the claimable states.
	ErrAlreadyClaimed = errors.ConstError("job already claimed")

	// ErrNotFound indicates no job exists with the given id.
	ErrNotFound = errors.ConstError("job not found")

	// ErrDuplicate indicates a submission reused an id with a
	// different type or payload. Identical resubmission is not an
	// error.
	ErrDuplicate = errors.ConstError("duplicate job id with mismatched content")
)

// Status is a point in the job state machine.
type Status string

const (
	Pending    Status = "pending"
	Claimed    Status = "claimed"
	Running    Status = "running"
	Done       Status = "done"
	Failed     Status = "failed"
	DeadLetter Status = "dead_letter"
)

// validTransitions holds the edges of the job status DAG. Failed jobs
// with remaining attempts re-enter pending; dead_letter and done are
// terminal.
var validTransitions = map[Status][]Status{
	Pending: {Claimed},
	Claimed: {Running, Failed},
	Running: {Done, Failed},
	Failed:  {Pending, Claimed, DeadLetter},
}

// ValidTransition reports whether moving from one status to another is
// a legal edge in the state machine.
func ValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == Done || s == DeadLetter
}

// Job is a unit of work with an externally stable identifier.
type Job struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	Status    Status
	PoolID    string
	Attempts  int
	Created   time.Time
	Updated   time.Time
	LastError string
}

// Validate checks the fields a submission must carry.
func (j Job) Validate() error {
	if j.ID == "" {
		return errors.NotValidf("empty job id")
	}
	if j.Type == "" {
		return errors.NotValidf("empty job type")
	}
	return nil
}

// SamePayload reports whether a resubmission matches the stored row,
// which makes the duplicate submission idempotent rather than an error.
func (j Job) SamePayload(typ string, payload json.RawMessage) bool {
	return j.Type == typ && string(j.Payload) == string(payload)
}
