// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease defines the time-bounded reservation of an accelerator
// (or CPU fallback slot) held by a named agent. The state store is the
// authority for lease rows; everything here is value types and the
// error vocabulary shared by the orchestrator and its adapters.
package lease

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	// ErrConflict indicates a conflicting active lease already exists
	// for the requested (agent, device) pair.
	ErrConflict = errors.ConstError("conflicting lease held")

	// ErrExpired indicates the lease passed its expiry time. A
	// heartbeat arriving at exactly the expiry boundary is rejected
	// with this error.
	ErrExpired = errors.ConstError("lease expired")

	// ErrNotFound indicates no lease exists for the given token.
	ErrNotFound = errors.ConstError("lease not found")

	// ErrNoCapacity indicates no device can satisfy the request.
	ErrNoCapacity = errors.ConstError("no capacity")
)

// Mode distinguishes GPU leases from CPU fallback slots.
type Mode string

const (
	ModeGPU Mode = "gpu"
	ModeCPU Mode = "cpu"
)

// NoDevice is the device index recorded for CPU-mode leases.
const NoDevice = -1

// Lease is a reservation of a device, bounded in time and kept alive
// by heartbeats.
type Lease struct {
	// Token uniquely identifies the lease.
	Token string

	// Agent is the holder's registered name.
	Agent string

	// Device is the integer device index, or NoDevice for CPU mode.
	Device int

	// Mode records whether a GPU was reserved.
	Mode Mode

	// Created is when the lease was granted.
	Created time.Time

	// Expires is the current expiry; extended by heartbeats, never
	// past the maximum TTL from Created.
	Expires time.Time

	// LastHeartbeat is monotonic per token.
	LastHeartbeat time.Time

	// Pool is the worker pool this lease serves, if any. Draining
	// pools wait for their referencing leases to go away.
	Pool string

	// Metadata carries free-form holder annotations.
	Metadata map[string]string
}

// Expired reports whether the lease is no longer live at the given
// time. The boundary instant itself counts as expired.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expires)
}

// NewToken returns a fresh, unique lease token.
func NewToken() string {
	return uuid.New().String()
}

// Request describes what a caller wants from the lease table.
type Request struct {
	Agent       string
	Mode        Mode
	MinMemoryMB int
	TTL         time.Duration
	Model       string
	Pool        string
	Metadata    map[string]string
}

// Validate returns an error if the request cannot be acted upon.
func (r Request) Validate() error {
	if r.Agent == "" {
		return errors.NotValidf("empty agent name")
	}
	if r.TTL <= 0 {
		return errors.NotValidf("non-positive TTL %v", r.TTL)
	}
	if r.MinMemoryMB < 0 {
		return errors.NotValidf("negative memory requirement")
	}
	if r.Mode != "" && r.Mode != ModeGPU && r.Mode != ModeCPU {
		return errors.NotValidf("mode %q", r.Mode)
	}
	return nil
}
