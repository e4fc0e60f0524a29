// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package leader runs the election loop over the state store's
// advisory lock. Exactly one process across the cluster holds the
// lock; everyone else stays a candidate, retrying at a third of the
// TTL so a dead leader is replaced within one TTL.
package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	leaderstate "github.com/newsloom/loom/domain/leader/state"
	"github.com/newsloom/loom/internal/orchestrator"
)

// LockName is the single cluster-wide advisory lock.
const LockName = "gpu_orchestrator_leader"

// Topic carries leadership changes on the local hub.
const Topic = "orchestrator.leadership"

// Change is published on Topic whenever leadership flips.
type Change struct {
	Leader bool
	Holder string
}

// LockStore is the advisory lock surface.
type LockStore interface {
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (leaderstate.Handle, error)
	Renew(ctx context.Context, h leaderstate.Handle, ttl time.Duration, now time.Time) error
	Release(ctx context.Context, h leaderstate.Handle, now time.Time) error
}

// Config holds the elector's collaborators.
type Config struct {
	Locks   LockStore
	Holder  string
	TTL     time.Duration
	Clock   clock.Clock
	Logger  orchestrator.Logger
	Hub     *pubsub.SimpleHub
	Metrics *orchestrator.Metrics
}

// Validate ensures that the configuration is correctly populated.
func (c Config) Validate() error {
	if c.Locks == nil {
		return errors.NotValidf("missing Locks")
	}
	if c.Holder == "" {
		return errors.NotValidf("missing Holder")
	}
	if c.TTL <= 0 {
		return errors.NotValidf("non-positive TTL")
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

type electorWorker struct {
	catacomb catacomb.Catacomb
	cfg      Config

	leading atomic.Bool
	handle  leaderstate.Handle
}

// NewWorker starts the election loop.
func NewWorker(cfg Config) (*electorWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &electorWorker{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Check reports whether this process is the leader right now. It
// satisfies the engine's LeadershipFlag.
func (w *electorWorker) Check() bool {
	return w.leading.Load()
}

// Healthy reports whether the election loop is still running,
// regardless of which side of the lock it is on. The readiness probe
// consults it.
func (w *electorWorker) Healthy() error {
	select {
	case <-w.catacomb.Dying():
		return errors.New("leader elector stopped")
	default:
		return nil
	}
}

func (w *electorWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	// Renewal interval at a third of the TTL keeps two renewal
	// failures survivable before the lock lapses.
	interval := w.cfg.TTL / 3
	timer := w.cfg.Clock.NewTimer(0)
	defer timer.Stop()

	defer w.stepDown()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
		}

		if w.leading.Load() {
			err := w.cfg.Locks.Renew(ctx, w.handle, w.cfg.TTL, w.cfg.Clock.Now())
			if errors.Is(err, leaderstate.ErrLost) {
				w.cfg.Logger.Warningf("leader lock lost, dropping to follower")
				w.setLeading(false)
			} else if err != nil {
				// Renewal I/O failure is not loss; leadership lapses
				// on its own if the store stays unreachable.
				w.cfg.Logger.Errorf("renewing leader lock: %v", err)
			}
		} else {
			handle, err := w.cfg.Locks.TryAcquire(ctx, LockName, w.cfg.Holder, w.cfg.TTL, w.cfg.Clock.Now())
			if errors.Is(err, leaderstate.ErrHeld) {
				// Someone else is leading; keep waiting.
			} else if err != nil {
				w.cfg.Logger.Errorf("acquiring leader lock: %v", err)
			} else {
				w.handle = handle
				w.cfg.Logger.Infof("acquired leader lock as %q", w.cfg.Holder)
				w.setLeading(true)
			}
		}

		timer.Reset(interval)
	}
}

func (w *electorWorker) setLeading(leading bool) {
	w.leading.Store(leading)
	if leading {
		w.cfg.Metrics.Leader.Set(1)
	} else {
		w.cfg.Metrics.Leader.Set(0)
	}
	if w.cfg.Hub != nil {
		w.cfg.Hub.Publish(Topic, Change{Leader: leading, Holder: w.cfg.Holder})
	}
}

// stepDown releases the lock on clean shutdown so a follower can take
// over immediately instead of waiting out the TTL.
func (w *electorWorker) stepDown() {
	if !w.leading.Load() {
		return
	}
	w.setLeading(false)
	// The catacomb context is already cancelled by the time the loop
	// unwinds, so the release gets its own bounded one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cfg.Locks.Release(ctx, w.handle, w.cfg.Clock.Now()); err != nil {
		w.cfg.Logger.Errorf("releasing leader lock: %v", err)
	}
}

// Kill is part of the worker.Worker interface.
func (w *electorWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *electorWorker) Wait() error {
	return w.catacomb.Wait()
}
