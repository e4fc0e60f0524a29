// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package runtime is the stateless consumer that executes agent work:
// it claims jobs off the bus, acquires a lease when the handler needs
// a device, runs the handler under heartbeat-driven cancellation, and
// persists the outcome. Delivery is at-least-once, so handlers must
// consult job status before side-effecting external systems.
package runtime

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	corejob "github.com/newsloom/loom/core/job"
	corelease "github.com/newsloom/loom/core/lease"
	"github.com/newsloom/loom/core/policy"
	"github.com/newsloom/loom/internal/eventbus"
	"github.com/newsloom/loom/internal/orchestrator"
)

// readBlock bounds each consumer-group read so the loop can notice it
// is dying.
const readBlock = 5 * time.Second

// heartbeatFailureLimit is how many consecutive heartbeat failures
// abort the handler cooperatively.
const heartbeatFailureLimit = 3

// Handler executes one job type and declares the resources it needs.
// Ephemeral handlers serve messages with no backing job row (preloads,
// control): they run straight from the delivery and skip the claim,
// lease and finalize machinery.
type Handler struct {
	Run         func(ctx context.Context, j corejob.Job) error
	GPU         bool
	MinMemoryMB int
	Model       string
	TTL         time.Duration
	Ephemeral   bool
}

// LeaseManager is the orchestrator surface the consumer leases
// through.
type LeaseManager interface {
	LeaseGPU(ctx context.Context, req corelease.Request) (corelease.Lease, error)
	HeartbeatLease(ctx context.Context, token string) (corelease.Lease, error)
	ReleaseLease(ctx context.Context, token string) error
}

// JobStore is the job state surface the consumer advances jobs
// through.
type JobStore interface {
	Claim(ctx context.Context, id, workerID string, now time.Time, maxAttempts int) (corejob.Job, error)
	MarkRunning(ctx context.Context, id, workerID string, now time.Time) error
	Finalize(ctx context.Context, id string, status corejob.Status, lastError string, now time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error
}

// Bus is the event bus surface the consumer reads from.
type Bus interface {
	EnsureGroup(ctx context.Context, stream eventbus.Stream, group string, fromStart bool) error
	ReadGroup(ctx context.Context, stream eventbus.Stream, group, consumer string, count int64, block time.Duration) ([]eventbus.Message, error)
	Ack(ctx context.Context, stream eventbus.Stream, group string, ids ...string) error
	Append(ctx context.Context, stream eventbus.Stream, e eventbus.Entry) (string, error)
}

// Config holds the consumer's collaborators.
type Config struct {
	WorkerID string
	Stream   eventbus.Stream
	Group    string
	Handlers map[string]Handler
	Leases   LeaseManager
	Jobs     JobStore
	Bus      Bus
	Policy   policy.Config
	Clock    clock.Clock
	Logger   orchestrator.Logger
	Metrics  *orchestrator.Metrics
}

// Validate ensures that the configuration is correctly populated.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return errors.NotValidf("missing WorkerID")
	}
	if c.Stream == "" {
		return errors.NotValidf("missing Stream")
	}
	if c.Group == "" {
		return errors.NotValidf("missing Group")
	}
	if len(c.Handlers) == 0 {
		return errors.NotValidf("no Handlers")
	}
	if c.Leases == nil {
		return errors.NotValidf("missing Leases")
	}
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Bus == nil {
		return errors.NotValidf("missing Bus")
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

type consumerWorker struct {
	catacomb catacomb.Catacomb
	cfg      Config
}

// NewWorker starts a consumer for one stream.
func NewWorker(cfg Config) (*consumerWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &consumerWorker{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *consumerWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	if err := w.cfg.Bus.EnsureGroup(ctx, w.cfg.Stream, w.cfg.Group, true); err != nil {
		return errors.Trace(err)
	}

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}

		msgs, err := w.cfg.Bus.ReadGroup(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.WorkerID, 1, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return w.catacomb.ErrDying()
			}
			w.cfg.Logger.Errorf("reading %s: %v", w.cfg.Stream, err)
			continue
		}
		for _, msg := range msgs {
			if err := w.process(ctx, msg); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// process advances one delivery through claim, lease, run, finalize,
// ack. A nil return with no ack deliberately leaves the message
// pending for the reclaimer.
func (w *consumerWorker) process(ctx context.Context, msg eventbus.Message) error {
	if handler, ok := w.cfg.Handlers[msg.Type]; ok && handler.Ephemeral {
		err := handler.Run(ctx, corejob.Job{ID: msg.JobID, Type: msg.Type, Payload: msg.Payload})
		if err != nil {
			// Leave the delivery pending; the reconciler republishes
			// what still matters.
			w.cfg.Logger.Errorf("%s message %s: %v", msg.Type, msg.ID, err)
			return nil
		}
		return errors.Trace(w.ack(ctx, msg))
	}

	if msg.JobID == "" {
		return errors.Trace(w.ack(ctx, msg))
	}

	j, err := w.cfg.Jobs.Claim(ctx, msg.JobID, w.cfg.WorkerID, w.cfg.Clock.Now(), w.cfg.Policy.JobMaxAttempts)
	if errors.Is(err, corejob.ErrAlreadyClaimed) || errors.Is(err, corejob.ErrNotFound) {
		// Duplicate or stale delivery; the claim is the idempotency
		// gate, so just clear it.
		return errors.Trace(w.ack(ctx, msg))
	} else if err != nil {
		return errors.Trace(err)
	}

	handler, ok := w.cfg.Handlers[j.Type]
	if !ok {
		if _, err := w.finalize(ctx, j.ID, corejob.Failed, "no handler for type "+j.Type, w.cfg.Clock.Now()); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(w.ack(ctx, msg))
	}

	var granted corelease.Lease
	if handler.GPU {
		granted, err = w.cfg.Leases.LeaseGPU(ctx, corelease.Request{
			Agent:       w.cfg.WorkerID,
			Mode:        corelease.ModeGPU,
			MinMemoryMB: handler.MinMemoryMB,
			TTL:         handler.TTL,
			Model:       handler.Model,
			Pool:        j.PoolID,
		})
		if reason, denied := orchestrator.IsDenied(err); denied {
			if reason.Retryable() {
				// Leave the delivery pending; the reclaimer hands it
				// to someone else once it idles past the threshold.
				w.cfg.Logger.Debugf("lease denied (%s) for job %q, leaving pending", reason, j.ID)
				return nil
			}
			if _, err := w.finalize(ctx, j.ID, corejob.Failed, string(reason), w.cfg.Clock.Now()); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(w.ack(ctx, msg))
		} else if err != nil {
			return errors.Trace(err)
		}
		defer func() {
			if rErr := w.cfg.Leases.ReleaseLease(ctx, granted.Token); rErr != nil {
				w.cfg.Logger.Errorf("releasing lease %s: %v", granted.Token, rErr)
			}
		}()
	}

	if err := w.cfg.Jobs.MarkRunning(ctx, j.ID, w.cfg.WorkerID, w.cfg.Clock.Now()); err != nil {
		return errors.Trace(err)
	}

	runErr := w.run(ctx, handler, j, granted.Token)

	now := w.cfg.Clock.Now()
	if runErr == nil {
		stale, err := w.finalize(ctx, j.ID, corejob.Done, "", now)
		if err != nil {
			return errors.Trace(err)
		}
		if !stale {
			w.cfg.Metrics.JobLatency.Observe(now.Sub(j.Created).Seconds())
		}
		return errors.Trace(w.ack(ctx, msg))
	}

	stale, err := w.finalize(ctx, j.ID, corejob.Failed, runErr.Error(), now)
	if err != nil {
		return errors.Trace(err)
	}
	if stale {
		return errors.Trace(w.ack(ctx, msg))
	}
	if j.Attempts < w.cfg.Policy.JobMaxAttempts {
		if err := w.cfg.Jobs.Requeue(ctx, j.ID, now); errors.Is(err, corejob.ErrAlreadyClaimed) {
			return errors.Trace(w.ack(ctx, msg))
		} else if err != nil {
			return errors.Trace(err)
		}
		if _, err := w.cfg.Bus.Append(ctx, w.cfg.Stream, eventbus.Entry{
			JobID:       j.ID,
			Type:        j.Type,
			Payload:     j.Payload,
			Attempts:    j.Attempts,
			OriginMsgID: msg.ID,
		}); err != nil {
			return errors.Trace(err)
		}
		w.cfg.Logger.Infof("job %q failed (attempt %d), requeued: %v", j.ID, j.Attempts, runErr)
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
		if _, err := w.finalize(ctx, j.ID, corejob.DeadLetter, runErr.Error(), now); err != nil {
			return errors.Trace(err)
		}
		w.cfg.Metrics.DeadLetters.Inc()
		w.cfg.Logger.Warningf("job %q dead-lettered after %d attempts: %v", j.ID, j.Attempts, runErr)
	}
	return errors.Trace(w.ack(ctx, msg))
}

// finalize persists the outcome, tolerating loss of the claim: by the
// time a slow worker reports, the reclaimer may already have requeued
// or dead-lettered the job. The result is discarded and the caller
// just acks the delivery.
func (w *consumerWorker) finalize(ctx context.Context, id string, status corejob.Status, lastError string, now time.Time) (stale bool, _ error) {
	err := w.cfg.Jobs.Finalize(ctx, id, status, lastError, now)
	if errors.Is(err, corejob.ErrAlreadyClaimed) {
		w.cfg.Logger.Warningf("job %q moved on while this worker ran it, discarding %s outcome", id, status)
		return true, nil
	}
	return false, errors.Trace(err)
}

// run executes the handler with a cancellation signal driven by lease
// heartbeat failures. Without a lease the handler still gets a
// cancellable context tied to the worker's lifetime.
func (w *consumerWorker) run(ctx context.Context, handler Handler, j corejob.Job, token string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if token != "" {
		stop := make(chan struct{})
		defer close(stop)
		go w.heartbeat(runCtx, token, cancel, stop)
	}

	return handler.Run(runCtx, j)
}

// heartbeat extends the lease at a third of the grace interval and
// cancels the handler after three consecutive failures, or at once if
// the lease has expired under us.
func (w *consumerWorker) heartbeat(ctx context.Context, token string, cancel context.CancelFunc, stop <-chan struct{}) {
	interval := w.cfg.Policy.LeaseHeartbeatGrace / 3
	timer := w.cfg.Clock.NewTimer(interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}

		_, err := w.cfg.Leases.HeartbeatLease(ctx, token)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, corelease.ErrExpired), errors.Is(err, corelease.ErrNotFound):
			w.cfg.Logger.Warningf("lease %s gone (%v), aborting handler", token, err)
			cancel()
			return
		default:
			failures++
			if failures >= heartbeatFailureLimit {
				w.cfg.Logger.Warningf("%d consecutive heartbeat failures on %s, aborting handler", failures, token)
				cancel()
				return
			}
		}
		timer.Reset(interval)
	}
}

func (w *consumerWorker) ack(ctx context.Context, msg eventbus.Message) error {
	return errors.Trace(w.cfg.Bus.Ack(ctx, w.cfg.Stream, w.cfg.Group, msg.ID))
}

// Kill is part of the worker.Worker interface.
func (w *consumerWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *consumerWorker) Wait() error {
	return w.catacomb.Wait()
}
