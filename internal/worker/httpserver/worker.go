// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httpserver exposes the orchestrator over HTTP/JSON: lease
// and job operations, pool lifecycle, synchronous agent calls, agent
// registration, readiness and metrics.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	corejob "github.com/newsloom/loom/core/job"
	corelease "github.com/newsloom/loom/core/lease"
	corepool "github.com/newsloom/loom/core/pool"
	"github.com/newsloom/loom/internal/orchestrator"
	"github.com/newsloom/loom/internal/registry"
)

// shutdownTimeout bounds the drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Orchestrator is the engine surface the API serves.
type Orchestrator interface {
	LeaseGPU(ctx context.Context, req corelease.Request) (corelease.Lease, error)
	HeartbeatLease(ctx context.Context, token string) (corelease.Lease, error)
	ReleaseLease(ctx context.Context, token string) error
	SubmitJob(ctx context.Context, sub orchestrator.Submission) (string, error)
	GetJob(ctx context.Context, id string) (corejob.Job, error)
	RequestPool(ctx context.Context, spec corepool.Pool) (string, error)
	DrainPool(ctx context.Context, id string) error
	EvictPool(ctx context.Context, id string) error
	PoolHeartbeat(ctx context.Context, id string, spawned int) error
	ListPools(ctx context.Context, statuses ...corepool.Status) ([]corepool.Pool, error)
}

// Caller routes synchronous tool invocations to agents.
type Caller interface {
	Call(ctx context.Context, agent, tool string, args []registry.Value, kwargs map[string]registry.Value, timeout time.Duration) (registry.Value, error)
}

// AgentRegistry is the registration surface the API fronts.
type AgentRegistry interface {
	Register(name, address string, tools []string) error
	Deregister(name string)
	List() []registry.AgentInfo
}

// Reconciler lets operators force a reconciliation pass.
type Reconciler interface {
	Trigger()
}

// Config holds the server's collaborators.
type Config struct {
	Addr       string
	Engine     Orchestrator
	Registry   AgentRegistry
	Router     Caller
	Reconciler Reconciler
	Gatherer   prometheus.Gatherer
	Clock      clock.Clock
	Logger     orchestrator.Logger

	// Probe reports whether the daemon's dependencies are reachable.
	// A nil Probe means always ready.
	Probe func(context.Context) error
}

// Validate ensures that the configuration is correctly populated.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.NotValidf("missing Addr")
	}
	if c.Engine == nil {
		return errors.NotValidf("missing Engine")
	}
	if c.Registry == nil {
		return errors.NotValidf("missing Registry")
	}
	if c.Router == nil {
		return errors.NotValidf("missing Router")
	}
	if c.Reconciler == nil {
		return errors.NotValidf("missing Reconciler")
	}
	if c.Gatherer == nil {
		return errors.NotValidf("missing Gatherer")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

type serverWorker struct {
	catacomb catacomb.Catacomb
	cfg      Config
	server   *http.Server
	listener net.Listener
}

// NewWorker binds the listen address and starts serving.
func NewWorker(cfg Config) (*serverWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "binding %q", cfg.Addr)
	}

	w := &serverWorker{
		cfg:      cfg,
		listener: listener,
	}
	w.server = &http.Server{
		Handler:           newHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (w *serverWorker) Addr() string {
	return w.listener.Addr().String()
}

func (w *serverWorker) loop() error {
	w.cfg.Logger.Infof("serving orchestrator API on %s", w.Addr())

	served := make(chan error, 1)
	go func() {
		served <- w.server.Serve(w.listener)
	}()

	select {
	case <-w.catacomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.cfg.Logger.Errorf("shutting down API server: %v", err)
		}
		<-served
		return w.catacomb.ErrDying()
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return w.catacomb.ErrDying()
		}
		return errors.Trace(err)
	}
}

// Kill is part of the worker.Worker interface.
func (w *serverWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *serverWorker) Wait() error {
	return w.catacomb.Wait()
}
