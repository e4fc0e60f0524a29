// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package policy holds the process-wide orchestrator configuration.
// Configuration is loaded once at startup from the environment and
// passed around by value, so readers always hold a consistent
// snapshot.
package policy

import (
	"strconv"
	"time"

	"github.com/juju/errors"
)

// Environment keys recognised at startup. Unknown keys in the
// environment are ignored; missing required keys abort startup.
const (
	KeyStateURL            = "LOOM_STATE_URL"
	KeyBusURL              = "LOOM_BUS_URL"
	KeyHTTPAddr            = "LOOM_HTTP_ADDR"
	KeyGPUCount            = "LOOM_GPU_COUNT"
	KeyGPUMemoryMB         = "LOOM_GPU_MEMORY_MB"
	KeyMaxLeaseTTL         = "LOOM_MAX_LEASE_TTL_SECONDS"
	KeyLeaseHeartbeatGrace = "LOOM_LEASE_HEARTBEAT_GRACE_SECONDS"
	KeyJobClaimIdleMS      = "LOOM_JOB_CLAIM_IDLE_MS"
	KeyJobMaxAttempts      = "LOOM_JOB_MAX_ATTEMPTS"
	KeyPressureHighPct     = "LOOM_GLOBAL_GPU_PRESSURE_HIGH_PCT"
	KeyPressureLowPct      = "LOOM_GLOBAL_GPU_PRESSURE_LOW_PCT"
	KeyPerAgentRate        = "LOOM_PER_AGENT_RATE"
	KeyPerAgentBurst       = "LOOM_PER_AGENT_BURST"
	KeyPoolHoldSeconds     = "LOOM_POOL_HOLD_SECONDS_DEFAULT"
	KeyPoolDrainGrace      = "LOOM_POOL_DRAIN_GRACE_SECONDS"
	KeyRequireBus          = "LOOM_REQUIRE_BUS"
	KeyStrictModelStore    = "LOOM_STRICT_MODEL_STORE"
	KeyLeaderLockTTL       = "LOOM_LEADER_LOCK_TTL_SECONDS"
	KeyReconcileInterval   = "LOOM_RECONCILE_INTERVAL_SECONDS"
)

// Config is the orchestrator policy snapshot.
type Config struct {
	// StateURL is the postgres DSN for the state store.
	StateURL string

	// BusURL is the redis address for the event bus.
	BusURL string

	// HTTPAddr is the submission/control API listen address.
	HTTPAddr string

	// GPUCount and GPUMemoryMB describe the fixed accelerator pool.
	GPUCount    int
	GPUMemoryMB int

	// MaxLeaseTTL is the upper bound on lease expiry from creation.
	MaxLeaseTTL time.Duration

	// LeaseHeartbeatGrace is the idle threshold before a lease is
	// considered abandoned and reclaimable.
	LeaseHeartbeatGrace time.Duration

	// JobClaimIdle is the bus pending-entry idle threshold before the
	// reclaimer transfers ownership.
	JobClaimIdle time.Duration

	// JobMaxAttempts bounds retries before dead-letter.
	JobMaxAttempts int

	// PressureHighPct and PressureLowPct are the admission gate
	// watermarks; denial latches at high and releases at low.
	PressureHighPct int
	PressureLowPct  int

	// PerAgentRate and PerAgentBurst parameterise the token-bucket
	// admission per agent.
	PerAgentRate  float64
	PerAgentBurst int64

	// PoolHoldSeconds is the default minimum pool TTL.
	PoolHoldSeconds int

	// PoolDrainGrace bounds how long leases may still reference a
	// stopped or evicted pool.
	PoolDrainGrace time.Duration

	// RequireBus makes startup block on event bus reachability.
	RequireBus bool

	// StrictModelStore makes lease requests fail when the required
	// model is unavailable, instead of falling back to CPU mode.
	StrictModelStore bool

	// LeaderLockTTL is the advisory lock TTL; renewal runs at a third
	// of it.
	LeaderLockTTL time.Duration

	// ReconcileInterval is the leader's reconciliation tick.
	ReconcileInterval time.Duration
}

// Lookup resolves one environment key, reporting whether it was set.
type Lookup func(key string) (string, bool)

// FromLookup builds a Config from the given environment lookup,
// applying defaults for optional keys.
func FromLookup(lookup Lookup) (Config, error) {
	cfg := Config{
		HTTPAddr:            ":17014",
		GPUCount:            1,
		GPUMemoryMB:         24576,
		MaxLeaseTTL:         15 * time.Minute,
		LeaseHeartbeatGrace: time.Minute,
		JobClaimIdle:        time.Minute,
		JobMaxAttempts:      3,
		PressureHighPct:     90,
		PressureLowPct:      75,
		PerAgentRate:        5,
		PerAgentBurst:       10,
		PoolHoldSeconds:     300,
		PoolDrainGrace:      30 * time.Second,
		LeaderLockTTL:       30 * time.Second,
		ReconcileInterval:   10 * time.Second,
	}

	var ok bool
	if cfg.StateURL, ok = lookup(KeyStateURL); !ok {
		return Config{}, errors.NotValidf("missing required %s", KeyStateURL)
	}
	if cfg.BusURL, ok = lookup(KeyBusURL); !ok {
		return Config{}, errors.NotValidf("missing required %s", KeyBusURL)
	}
	if v, ok := lookup(KeyHTTPAddr); ok {
		cfg.HTTPAddr = v
	}

	var err error
	if cfg.GPUCount, err = intKey(lookup, KeyGPUCount, cfg.GPUCount); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.GPUMemoryMB, err = intKey(lookup, KeyGPUMemoryMB, cfg.GPUMemoryMB); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.MaxLeaseTTL, err = secondsKey(lookup, KeyMaxLeaseTTL, cfg.MaxLeaseTTL); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.LeaseHeartbeatGrace, err = secondsKey(lookup, KeyLeaseHeartbeatGrace, cfg.LeaseHeartbeatGrace); err != nil {
		return Config{}, errors.Trace(err)
	}
	if v, ok := lookup(KeyJobClaimIdleMS); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.NotValidf("%s=%q", KeyJobClaimIdleMS, v)
		}
		cfg.JobClaimIdle = time.Duration(ms) * time.Millisecond
	}
	if cfg.JobMaxAttempts, err = intKey(lookup, KeyJobMaxAttempts, cfg.JobMaxAttempts); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.PressureHighPct, err = intKey(lookup, KeyPressureHighPct, cfg.PressureHighPct); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.PressureLowPct, err = intKey(lookup, KeyPressureLowPct, cfg.PressureLowPct); err != nil {
		return Config{}, errors.Trace(err)
	}
	if v, ok := lookup(KeyPerAgentRate); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, errors.NotValidf("%s=%q", KeyPerAgentRate, v)
		}
		cfg.PerAgentRate = rate
	}
	if v, ok := lookup(KeyPerAgentBurst); ok {
		burst, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, errors.NotValidf("%s=%q", KeyPerAgentBurst, v)
		}
		cfg.PerAgentBurst = burst
	}
	if cfg.PoolHoldSeconds, err = intKey(lookup, KeyPoolHoldSeconds, cfg.PoolHoldSeconds); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.PoolDrainGrace, err = secondsKey(lookup, KeyPoolDrainGrace, cfg.PoolDrainGrace); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.RequireBus, err = boolKey(lookup, KeyRequireBus, false); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.StrictModelStore, err = boolKey(lookup, KeyStrictModelStore, false); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.LeaderLockTTL, err = secondsKey(lookup, KeyLeaderLockTTL, cfg.LeaderLockTTL); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.ReconcileInterval, err = secondsKey(lookup, KeyReconcileInterval, cfg.ReconcileInterval); err != nil {
		return Config{}, errors.Trace(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.StateURL == "" {
		return errors.NotValidf("empty state URL")
	}
	if c.BusURL == "" {
		return errors.NotValidf("empty bus URL")
	}
	if c.GPUCount < 0 {
		return errors.NotValidf("negative GPU count")
	}
	if c.MaxLeaseTTL <= 0 {
		return errors.NotValidf("non-positive max lease TTL")
	}
	if c.PressureLowPct > c.PressureHighPct {
		return errors.NotValidf("pressure low watermark %d above high %d",
			c.PressureLowPct, c.PressureHighPct)
	}
	if c.PressureHighPct > 100 || c.PressureLowPct < 0 {
		return errors.NotValidf("pressure watermarks outside [0,100]")
	}
	if c.JobMaxAttempts < 1 {
		return errors.NotValidf("job max attempts %d", c.JobMaxAttempts)
	}
	if c.PerAgentRate <= 0 || c.PerAgentBurst < 1 {
		return errors.NotValidf("per-agent rate/burst")
	}
	if c.LeaderLockTTL <= 0 || c.ReconcileInterval <= 0 {
		return errors.NotValidf("non-positive leader/reconcile interval")
	}
	return nil
}

func intKey(lookup Lookup, key string, dflt int) (int, error) {
	v, ok := lookup(key)
	if !ok {
		return dflt, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.NotValidf("%s=%q", key, v)
	}
	return n, nil
}

func secondsKey(lookup Lookup, key string, dflt time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok {
		return dflt, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.NotValidf("%s=%q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func boolKey(lookup Lookup, key string, dflt bool) (bool, error) {
	v, ok := lookup(key)
	if !ok {
		return dflt, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.NotValidf("%s=%q", key, v)
	}
	return b, nil
}
