// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package audit defines the append-only trail of orchestrator state
// transitions. Every state store mutator writes one of these rows in
// the same transaction as its mutation.
package audit

import "time"

// Kind names a category of state transition.
type Kind string

const (
	LeaseGranted   Kind = "lease-granted"
	LeaseExtended  Kind = "lease-extended"
	LeaseReleased  Kind = "lease-released"
	LeaseExpired   Kind = "lease-expired"
	PoolStatus     Kind = "pool-status"
	JobSubmitted   Kind = "job-submitted"
	JobClaimed     Kind = "job-claimed"
	JobRunning     Kind = "job-running"
	JobFinalized   Kind = "job-finalized"
	JobReclaimed   Kind = "job-reclaimed"
	JobDeadLetter  Kind = "job-dead-letter"
	LeaderAcquired Kind = "leader-acquired"
	LeaderLost     Kind = "leader-lost"
)

// Entry is one audit row. IDs are monotonic per store, so entries for
// one entity are totally ordered.
type Entry struct {
	ID     int64
	Time   time.Time
	Kind   Kind
	Entity string
	Detail map[string]string
}
