// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package orchestrator implements the scheduling engine: admission
// policy, the GPU lease table, pool lifecycle, job submission and the
// reconciliation machinery. The state store is the authority for all
// of it; the engine sequences the decisions.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	corejob "github.com/newsloom/loom/core/job"
	corelease "github.com/newsloom/loom/core/lease"
	corepool "github.com/newsloom/loom/core/pool"
	"github.com/newsloom/loom/core/policy"
	"github.com/newsloom/loom/internal/eventbus"
)

// Logger is the logging surface the engine needs.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

// LeaseStore is the state store surface for leases.
type LeaseStore interface {
	Put(ctx context.Context, now time.Time, l corelease.Lease) (corelease.Lease, error)
	Get(ctx context.Context, token string) (corelease.Lease, error)
	Extend(ctx context.Context, token string, now time.Time, ttl, maxTTL time.Duration) (corelease.Lease, error)
	Release(ctx context.Context, token string, now time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
	ActiveDeviceCounts(ctx context.Context, now time.Time) (map[int]int, error)
	CountPoolLeases(ctx context.Context, poolID string, now time.Time) (int, error)
}

// JobStore is the state store surface for jobs.
type JobStore interface {
	Put(ctx context.Context, now time.Time, j corejob.Job) error
	Get(ctx context.Context, id string) (corejob.Job, error)
	Finalize(ctx context.Context, id string, status corejob.Status, lastError string, now time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error
}

// PoolStore is the state store surface for worker pools.
type PoolStore interface {
	Upsert(ctx context.Context, now time.Time, p corepool.Pool) error
	Get(ctx context.Context, id string) (corepool.Pool, error)
	List(ctx context.Context, statuses ...corepool.Status) ([]corepool.Pool, error)
	SetStatus(ctx context.Context, id string, status corepool.Status, now time.Time) error
	RecordHeartbeat(ctx context.Context, id string, spawned int, now time.Time) error
}

// BusAppender is the event bus surface the engine dispatches over.
type BusAppender interface {
	Append(ctx context.Context, stream eventbus.Stream, e eventbus.Entry) (string, error)
}

// ModelStore answers whether a model's weights are locally available.
type ModelStore interface {
	Available(model string) bool
}

// LeadershipFlag reports whether this process currently holds the
// orchestrator leader lock.
type LeadershipFlag interface {
	Check() bool
}

// EngineConfig holds the engine's collaborators and policy.
type EngineConfig struct {
	Leases     LeaseStore
	Jobs       JobStore
	Pools      PoolStore
	Bus        BusAppender
	Models     ModelStore
	Sampler    Sampler
	Leadership LeadershipFlag
	Policy     policy.Config
	Clock      clock.Clock
	Logger     Logger
	Metrics    *Metrics
}

// Validate ensures the configuration is populated.
func (c EngineConfig) Validate() error {
	if c.Leases == nil {
		return errors.NotValidf("missing Leases")
	}
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Pools == nil {
		return errors.NotValidf("missing Pools")
	}
	if c.Bus == nil {
		return errors.NotValidf("missing Bus")
	}
	if c.Sampler == nil {
		return errors.NotValidf("missing Sampler")
	}
	if c.Leadership == nil {
		return errors.NotValidf("missing Leadership")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.Metrics == nil {
		return errors.NotValidf("missing Metrics")
	}
	return errors.Trace(c.Policy.Validate())
}

// Engine is the orchestrator engine.
type Engine struct {
	cfg       EngineConfig
	admission *admission

	// mu makes admission pressure checks and device selection
	// mutually exclusive in-process. The state store's conflict check
	// remains the cross-process authority.
	mu      sync.Mutex
	devices *deviceTracker
}

// NewEngine returns an engine over the given collaborators.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{
		cfg:       cfg,
		admission: newAdmission(cfg.Policy.PerAgentRate, cfg.Policy.PerAgentBurst),
		devices: newDeviceTracker(
			cfg.Policy.GPUCount, cfg.Policy.GPUMemoryMB,
			cfg.Policy.PressureHighPct, cfg.Policy.PressureLowPct),
	}, nil
}

// LeaseGPU runs the admission chain and grants a lease: agent
// rate/burst, global pressure with hysteresis, model availability,
// then device selection and the authoritative state store insert.
// Denials carry a structured reason.
func (e *Engine) LeaseGPU(ctx context.Context, req corelease.Request) (corelease.Lease, error) {
	if err := req.Validate(); err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}
	mode := req.Mode
	if mode == "" {
		mode = corelease.ModeGPU
	}

	if !e.admission.allow(req.Agent) {
		return corelease.Lease{}, e.deny(ReasonRateLimited)
	}

	if req.Model != "" && e.cfg.Models != nil && !e.cfg.Models.Available(req.Model) {
		if e.cfg.Policy.StrictModelStore {
			return corelease.Lease{}, e.deny(ReasonModelUnavailable)
		}
		// Degraded grant: run the agent on CPU rather than refusing.
		e.cfg.Logger.Warningf("model %q unavailable, granting CPU fallback to %q", req.Model, req.Agent)
		mode = corelease.ModeCPU
	}

	now := e.cfg.Clock.Now()
	device := corelease.NoDevice

	if mode == corelease.ModeGPU {
		e.mu.Lock()
		utils := e.cfg.Sampler.Utilization()
		if e.devices.observe(utils) {
			e.mu.Unlock()
			return corelease.Lease{}, e.deny(ReasonPressureHigh)
		}
		counts, err := e.cfg.Leases.ActiveDeviceCounts(ctx, now)
		if err != nil {
			e.mu.Unlock()
			return corelease.Lease{}, errors.Trace(err)
		}
		selected, ok := e.devices.selectDevice(utils, counts, req.MinMemoryMB)
		if !ok {
			e.mu.Unlock()
			return corelease.Lease{}, e.deny(ReasonNoDevice)
		}
		device = selected
		e.mu.Unlock()
	}

	ttl := req.TTL
	if ttl > e.cfg.Policy.MaxLeaseTTL {
		ttl = e.cfg.Policy.MaxLeaseTTL
	}

	granted, err := e.cfg.Leases.Put(ctx, now, corelease.Lease{
		Token:         corelease.NewToken(),
		Agent:         req.Agent,
		Device:        device,
		Mode:          mode,
		Created:       now,
		Expires:       now.Add(ttl),
		LastHeartbeat: now,
		Pool:          req.Pool,
		Metadata:      req.Metadata,
	})
	if errors.Is(err, corelease.ErrConflict) {
		return corelease.Lease{}, e.deny(ReasonQuotaExceeded)
	} else if err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}

	e.cfg.Metrics.LeasesActive.Inc()
	e.cfg.Logger.Debugf("granted lease %s to %q on device %d (%s)",
		granted.Token, granted.Agent, granted.Device, granted.Mode)
	return granted, nil
}

// HeartbeatLease refreshes the lease. ErrExpired aborts the caller's
// work: the lease has been reclaimed and future heartbeats will keep
// failing.
func (e *Engine) HeartbeatLease(ctx context.Context, token string) (corelease.Lease, error) {
	l, err := e.cfg.Leases.Extend(ctx, token,
		e.cfg.Clock.Now(), e.cfg.Policy.LeaseHeartbeatGrace, e.cfg.Policy.MaxLeaseTTL)
	return l, errors.Trace(err)
}

// ReleaseLease drops the lease. Idempotent: re-releasing a token that
// is already gone leaves the active gauge alone.
func (e *Engine) ReleaseLease(ctx context.Context, token string) error {
	removed, err := e.cfg.Leases.Release(ctx, token, e.cfg.Clock.Now())
	if err != nil {
		return errors.Trace(err)
	}
	if removed {
		e.cfg.Metrics.LeasesActive.Dec()
	}
	return nil
}

// Submission is a job submission.
type Submission struct {
	ID      string
	Type    string
	Payload json.RawMessage
	Pool    string

	// Agent is the submitting agent, used as the admission bucket
	// key. Anonymous submissions share a bucket per job type.
	Agent string
}

// SubmitJob persists the job and appends it to its stream, returning
// the job id. Idempotent on job id: a duplicate submission with
// identical content succeeds and appends another delivery, which
// consumers detect at claim time.
func (e *Engine) SubmitJob(ctx context.Context, sub Submission) (string, error) {
	j := corejob.Job{
		ID:      sub.ID,
		Type:    sub.Type,
		Payload: sub.Payload,
		Status:  corejob.Pending,
		PoolID:  sub.Pool,
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if err := j.Validate(); err != nil {
		return "", errors.Trace(err)
	}

	bucket := sub.Agent
	if bucket == "" {
		bucket = "type:" + sub.Type
	}
	if !e.admission.allow(bucket) {
		return "", e.deny(ReasonRateLimited)
	}

	if sub.Pool != "" {
		p, err := e.cfg.Pools.Get(ctx, sub.Pool)
		if err != nil {
			return "", errors.Trace(err)
		}
		if !p.Status.AcceptsJobs() {
			return "", errors.Annotatef(corepool.ErrBadTransition,
				"pool %q is %s and accepts no new jobs", p.ID, p.Status)
		}
	}

	now := e.cfg.Clock.Now()
	if err := e.cfg.Jobs.Put(ctx, now, j); err != nil {
		return "", errors.Trace(err)
	}

	if _, err := e.cfg.Bus.Append(ctx, eventbus.StreamForType(j.Type), eventbus.Entry{
		JobID:   j.ID,
		Type:    j.Type,
		Payload: j.Payload,
	}); err != nil {
		return "", errors.Trace(err)
	}
	return j.ID, nil
}

// RequestPool persists a starting pool row and publishes a preload
// message so workers can warm the model. Leader-only: followers do not
// forward, the caller retries against the leader.
func (e *Engine) RequestPool(ctx context.Context, spec corepool.Pool) (string, error) {
	if !e.cfg.Leadership.Check() {
		return "", ErrNotLeader
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.HoldSeconds == 0 {
		spec.HoldSeconds = e.cfg.Policy.PoolHoldSeconds
	}
	spec.Status = corepool.Starting
	now := e.cfg.Clock.Now()
	spec.StartedAt = now
	spec.LastHeartbeat = now
	if err := spec.Validate(); err != nil {
		return "", errors.Trace(err)
	}

	if err := e.cfg.Pools.Upsert(ctx, now, spec); err != nil {
		return "", errors.Trace(err)
	}

	payload, err := json.Marshal(map[string]string{
		"pool_id": spec.ID,
		"model":   spec.ModelID,
		"adapter": spec.AdapterID,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	_, err = e.cfg.Bus.Append(ctx, eventbus.Preloads, eventbus.Entry{
		JobID:   spec.ID,
		Type:    "preload",
		Payload: payload,
	})
	return spec.ID, errors.Trace(err)
}

// DrainPool transitions the pool to draining. Leader-only.
func (e *Engine) DrainPool(ctx context.Context, id string) error {
	if !e.cfg.Leadership.Check() {
		return ErrNotLeader
	}
	return errors.Trace(e.cfg.Pools.SetStatus(ctx, id, corepool.Draining, e.cfg.Clock.Now()))
}

// EvictPool transitions the pool to evicted. Leader-only.
func (e *Engine) EvictPool(ctx context.Context, id string) error {
	if !e.cfg.Leadership.Check() {
		return ErrNotLeader
	}
	return errors.Trace(e.cfg.Pools.SetStatus(ctx, id, corepool.Evicted, e.cfg.Clock.Now()))
}

// PoolHeartbeat records a pool's observed worker count.
func (e *Engine) PoolHeartbeat(ctx context.Context, id string, spawned int) error {
	return errors.Trace(e.cfg.Pools.RecordHeartbeat(ctx, id, spawned, e.cfg.Clock.Now()))
}

// ListPools returns pools, optionally filtered by status.
func (e *Engine) ListPools(ctx context.Context, statuses ...corepool.Status) ([]corepool.Pool, error) {
	pools, err := e.cfg.Pools.List(ctx, statuses...)
	return pools, errors.Trace(err)
}

// GetJob returns the job with the given id.
func (e *Engine) GetJob(ctx context.Context, id string) (corejob.Job, error) {
	j, err := e.cfg.Jobs.Get(ctx, id)
	return j, errors.Trace(err)
}

func (e *Engine) deny(reason DenialReason) error {
	e.cfg.Metrics.AdmissionDenials.WithLabelValues(string(reason)).Inc()
	return Denied(reason)
}
