// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry maintains the process-wide set of live agents and
// routes synchronous tool invocations to the addressed agent's
// endpoint. The registry map is copy-on-write: readers take a
// snapshot and never contend with writers.
package registry

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

const (
	// ErrNoAgent indicates no agent is registered under the name.
	// Routing is exact-match with no fallback.
	ErrNoAgent = errors.ConstError("no such agent")

	// ErrNoTool indicates the agent does not declare the tool.
	ErrNoTool = errors.ConstError("no such tool")
)

// AgentInfo describes one registered agent.
type AgentInfo struct {
	Name          string
	Address       string
	Tools         []string
	LastHeartbeat time.Time
}

// staleAfter is how long an agent may go without re-registering or
// heartbeating before it is dropped from listings.
const staleAfter = 5 * time.Minute

// Registry is the in-memory agent registry.
type Registry struct {
	clock clock.Clock

	mu       sync.Mutex
	snapshot map[string]agentEntry
}

type agentEntry struct {
	info  AgentInfo
	tools set.Strings
}

// NewRegistry returns an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		clock:    clk,
		snapshot: map[string]agentEntry{},
	}
}

// Register adds or overwrites the agent. Re-registering is idempotent
// and doubles as a heartbeat.
func (r *Registry) Register(name, address string, tools []string) error {
	if name == "" {
		return errors.NotValidf("empty agent name")
	}
	if address == "" {
		return errors.NotValidf("empty agent address")
	}

	entry := agentEntry{
		info: AgentInfo{
			Name:          name,
			Address:       address,
			Tools:         append([]string(nil), tools...),
			LastHeartbeat: r.clock.Now(),
		},
		tools: set.NewStrings(tools...),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]agentEntry, len(r.snapshot)+1)
	for k, v := range r.snapshot {
		next[k] = v
	}
	next[name] = entry
	r.snapshot = next
	return nil
}

// Deregister removes the agent. Unknown names are a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshot[name]; !ok {
		return
	}
	next := make(map[string]agentEntry, len(r.snapshot))
	for k, v := range r.snapshot {
		if k != name {
			next[k] = v
		}
	}
	r.snapshot = next
}

// List returns the live agents, oldest heartbeat excluded once stale.
func (r *Registry) List() []AgentInfo {
	snap := r.take()
	cutoff := r.clock.Now().Add(-staleAfter)

	agents := make([]AgentInfo, 0, len(snap))
	for _, entry := range snap {
		if entry.info.LastHeartbeat.Before(cutoff) {
			continue
		}
		agents = append(agents, entry.info)
	}
	return agents
}

// lookup returns the entry for an exact name match.
func (r *Registry) lookup(name string) (agentEntry, bool) {
	entry, ok := r.take()[name]
	return entry, ok
}

func (r *Registry) take() map[string]agentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}
