// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler runs the leader-only convergence loop: purge
// expired leases, reclaim idle pending bus entries, and converge
// worker pools to their desired size. Followers run the loop too but
// skip every tick until the leadership flag is up.
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	corejob "github.com/newsloom/loom/core/job"
	corepool "github.com/newsloom/loom/core/pool"
	"github.com/newsloom/loom/core/policy"
	"github.com/newsloom/loom/internal/eventbus"
	"github.com/newsloom/loom/internal/orchestrator"
)

// reclaimConsumer is the consumer name the reconciler claims idle
// entries under before redistributing them.
const reclaimConsumer = "reconciler"

// Bus is the event bus surface the reclaimer needs.
type Bus interface {
	Append(ctx context.Context, stream eventbus.Stream, e eventbus.Entry) (string, error)
	Ack(ctx context.Context, stream eventbus.Stream, group string, ids ...string) error
	Pending(ctx context.Context, stream eventbus.Stream, group string, idle time.Duration, count int64) ([]eventbus.PendingEntry, error)
	Reclaim(ctx context.Context, stream eventbus.Stream, group, consumer string, minIdle time.Duration, ids ...string) ([]eventbus.Message, error)
}

// JobStore is the job state surface the reclaimer needs.
type JobStore interface {
	Get(ctx context.Context, id string) (corejob.Job, error)
	Requeue(ctx context.Context, id string, now time.Time) error
	Finalize(ctx context.Context, id string, status corejob.Status, lastError string, now time.Time) error
}

// LeaseStore is the lease state surface the purger needs.
type LeaseStore interface {
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
	CountPoolLeases(ctx context.Context, poolID string, now time.Time) (int, error)
}

// PoolStore is the pool state surface the converger needs.
type PoolStore interface {
	List(ctx context.Context, statuses ...corepool.Status) ([]corepool.Pool, error)
	SetStatus(ctx context.Context, id string, status corepool.Status, now time.Time) error
}

// StreamGroup names one consumer group the reclaimer watches.
type StreamGroup struct {
	Stream eventbus.Stream
	Group  string
}

// DefaultStreamGroups covers the standing consumer groups.
func DefaultStreamGroups() []StreamGroup {
	return []StreamGroup{
		{Stream: eventbus.Preloads, Group: eventbus.GroupPreloadWorkers},
		{Stream: eventbus.InferenceJobs, Group: eventbus.GroupInferenceWorkers},
		{Stream: eventbus.IngestEvents, Group: eventbus.GroupIngestWorkers},
	}
}

// Config holds the reconciler's collaborators and policy.
type Config struct {
	Leases     LeaseStore
	Jobs       JobStore
	Pools      PoolStore
	Bus        Bus
	Leadership orchestrator.LeadershipFlag
	Groups     []StreamGroup
	Policy     policy.Config
	Clock      clock.Clock
	Logger     orchestrator.Logger
	Metrics    *orchestrator.Metrics
}

// Validate ensures that the configuration is correctly populated.
func (c Config) Validate() error {
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
	if c.Leadership == nil {
		return errors.NotValidf("missing Leadership")
	}
	if len(c.Groups) == 0 {
		return errors.NotValidf("missing Groups")
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
	return nil
}

type reconcilerWorker struct {
	catacomb catacomb.Catacomb
	cfg      Config
	trigger  chan struct{}
}

// NewWorker starts the reconciliation loop.
func NewWorker(cfg Config) (*reconcilerWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &reconcilerWorker{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Trigger requests an immediate reconcile pass. No-op on a follower.
func (w *reconcilerWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *reconcilerWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.cfg.Clock.NewTimer(w.cfg.Policy.ReconcileInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
		case <-w.trigger:
		}

		if w.cfg.Leadership.Check() {
			if err := w.tick(ctx); err != nil {
				return errors.Trace(err)
			}
		}
		timer.Reset(w.cfg.Policy.ReconcileInterval)
	}
}

// tick runs one reconcile pass. Leadership is re-checked between
// phases: once the lock is lost mid-pass, no further writes are
// issued.
func (w *reconcilerWorker) tick(ctx context.Context) error {
	if err := w.purgeLeases(ctx); err != nil {
		return errors.Trace(err)
	}
	if !w.cfg.Leadership.Check() {
		return nil
	}
	if err := w.reclaimIdle(ctx); err != nil {
		return errors.Trace(err)
	}
	if !w.cfg.Leadership.Check() {
		return nil
	}
	return errors.Trace(w.convergePools(ctx))
}

func (w *reconcilerWorker) purgeLeases(ctx context.Context) error {
	tokens, err := w.cfg.Leases.PurgeExpired(ctx, w.cfg.Clock.Now())
	if err != nil {
		return errors.Trace(err)
	}
	if len(tokens) > 0 {
		// Expired leases are marked, never revoked: the holder finds
		// out at its next heartbeat and aborts at its own checkpoint.
		w.cfg.Metrics.LeasesExpired.Add(float64(len(tokens)))
		w.cfg.Logger.Infof("purged %d expired leases", len(tokens))
	}
	return nil
}

// reclaimIdle transfers ownership of pending entries idle past the
// claim threshold. Entries with attempts left are requeued on their
// own stream; exhausted ones move to the dead letter partition.
func (w *reconcilerWorker) reclaimIdle(ctx context.Context) error {
	for _, sg := range w.cfg.Groups {
		pending, err := w.cfg.Bus.Pending(ctx, sg.Stream, sg.Group, w.cfg.Policy.JobClaimIdle, 128)
		if err != nil {
			return errors.Trace(err)
		}
		for _, p := range pending {
			if !w.cfg.Leadership.Check() {
				return nil
			}
			if err := w.reclaimOne(ctx, sg, p.ID); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (w *reconcilerWorker) reclaimOne(ctx context.Context, sg StreamGroup, msgID string) error {
	msgs, err := w.cfg.Bus.Reclaim(ctx, sg.Stream, sg.Group, reclaimConsumer, w.cfg.Policy.JobClaimIdle, msgID)
	if err != nil {
		return errors.Trace(err)
	}
	now := w.cfg.Clock.Now()

	for _, msg := range msgs {
		if msg.JobID == "" {
			// Not job-carrying; drop it from the pending list.
			if err := w.cfg.Bus.Ack(ctx, sg.Stream, sg.Group, msg.ID); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		j, err := w.cfg.Jobs.Get(ctx, msg.JobID)
		if errors.Is(err, corejob.ErrNotFound) || (err == nil && j.Status.Terminal()) {
			// Stale delivery for a finished job; just clear it.
			if err := w.cfg.Bus.Ack(ctx, sg.Stream, sg.Group, msg.ID); err != nil {
				return errors.Trace(err)
			}
			continue
		} else if err != nil {
			return errors.Trace(err)
		}

		if j.Attempts < w.cfg.Policy.JobMaxAttempts {
			if err := w.cfg.Jobs.Requeue(ctx, j.ID, now); err != nil {
				return errors.Trace(err)
			}
			if _, err := w.cfg.Bus.Append(ctx, sg.Stream, eventbus.Entry{
				JobID:       j.ID,
				Type:        j.Type,
				Payload:     j.Payload,
				Attempts:    j.Attempts,
				OriginMsgID: msg.ID,
			}); err != nil {
				return errors.Trace(err)
			}
			w.cfg.Metrics.Reclaims.WithLabelValues("requeued").Inc()
			w.cfg.Logger.Infof("requeued job %q after idle delivery (attempt %d)", j.ID, j.Attempts)
		} else {
			if _, err := w.cfg.Bus.Append(ctx, eventbus.DLQ, eventbus.Entry{
				JobID:       j.ID,
				Type:        j.Type,
				Payload:     j.Payload,
				Attempts:    j.Attempts,
				OriginMsgID: msg.ID,
			}); err != nil {
				return errors.Trace(err)
			}
			if err := w.cfg.Jobs.Finalize(ctx, j.ID, corejob.DeadLetter, "retry budget exhausted", now); err != nil {
				return errors.Trace(err)
			}
			w.cfg.Metrics.Reclaims.WithLabelValues("dead_letter").Inc()
			w.cfg.Metrics.DeadLetters.Inc()
			w.cfg.Logger.Warningf("dead-lettered job %q after %d attempts", j.ID, j.Attempts)
		}

		if err := w.cfg.Bus.Ack(ctx, sg.Stream, sg.Group, msg.ID); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// convergePools drives spawned toward desired, finishes drains whose
// leases are gone, and starts draining pools idle past their hold.
func (w *reconcilerWorker) convergePools(ctx context.Context) error {
	pools, err := w.cfg.Pools.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	now := w.cfg.Clock.Now()

	for _, p := range pools {
		if !w.cfg.Leadership.Check() {
			return nil
		}
		switch p.Status {
		case corepool.Starting, corepool.Running:
			if p.Spawned < p.Desired {
				if err := w.publishPreload(ctx, p); err != nil {
					return errors.Trace(err)
				}
				continue
			}
			if p.Status == corepool.Starting {
				if err := w.cfg.Pools.SetStatus(ctx, p.ID, corepool.Running, now); err != nil {
					return errors.Trace(err)
				}
				w.cfg.Logger.Infof("pool %q running (%d/%d workers up)", p.ID, p.Spawned, p.Desired)
				continue
			}
			hold := time.Duration(p.HoldSeconds) * time.Second
			if p.Status == corepool.Running && now.Sub(p.LastHeartbeat) > hold {
				refs, err := w.cfg.Leases.CountPoolLeases(ctx, p.ID, now)
				if err != nil {
					return errors.Trace(err)
				}
				if refs == 0 {
					if err := w.cfg.Pools.SetStatus(ctx, p.ID, corepool.Draining, now); err != nil {
						return errors.Trace(err)
					}
					w.cfg.Logger.Infof("draining idle pool %q (hold %ds elapsed)", p.ID, p.HoldSeconds)
				}
			}
		case corepool.Draining:
			refs, err := w.cfg.Leases.CountPoolLeases(ctx, p.ID, now)
			if err != nil {
				return errors.Trace(err)
			}
			if refs == 0 {
				if err := w.cfg.Pools.SetStatus(ctx, p.ID, corepool.Stopped, now); err != nil {
					return errors.Trace(err)
				}
				w.cfg.Logger.Infof("pool %q drained, stopped", p.ID)
			}
		}
	}
	return nil
}

func (w *reconcilerWorker) publishPreload(ctx context.Context, p corepool.Pool) error {
	payload, err := json.Marshal(map[string]string{
		"pool_id": p.ID,
		"model":   p.ModelID,
		"adapter": p.AdapterID,
	})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = w.cfg.Bus.Append(ctx, eventbus.Preloads, eventbus.Entry{
		JobID:   p.ID,
		Type:    "preload",
		Payload: payload,
	})
	return errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *reconcilerWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *reconcilerWorker) Wait() error {
	return w.catacomb.Wait()
}
