// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// loomd is the orchestration daemon: it owns the state store schema,
// runs the leader elector, the reconciler and the HTTP/JSON API under
// a single supervising runner.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/newsloom/loom/core/policy"
	jobstate "github.com/newsloom/loom/domain/job/state"
	leaderstate "github.com/newsloom/loom/domain/leader/state"
	leasestate "github.com/newsloom/loom/domain/lease/state"
	poolstate "github.com/newsloom/loom/domain/pool/state"
	"github.com/newsloom/loom/internal/database"
	"github.com/newsloom/loom/internal/eventbus"
	"github.com/newsloom/loom/internal/orchestrator"
	"github.com/newsloom/loom/internal/registry"
	"github.com/newsloom/loom/internal/worker/httpserver"
	"github.com/newsloom/loom/internal/worker/leader"
	"github.com/newsloom/loom/internal/worker/reconciler"
)

var logger = loggo.GetLogger("loom.cmd.loomd")

// Exit codes follow the sysexits convention the rest of the platform
// expects from its daemons.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	if spec, ok := os.LookupEnv(envLoggingConfig); ok {
		if err := loggo.ConfigureLoggers(spec); err != nil {
			fmt.Fprintf(os.Stderr, "loomd: invalid %s: %v\n", envLoggingConfig, err)
			return exitUsage
		}
	}

	cfg, err := policy.FromLookup(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.WallClock

	db, err := database.Open(ctx, cfg.StateURL)
	if err != nil {
		logger.Errorf("opening state store: %v", err)
		return exitSoftware
	}
	defer func() { _ = db.Close() }()
	if err := database.EnsureSchema(ctx, db); err != nil {
		logger.Errorf("ensuring state store schema: %v", err)
		return exitSoftware
	}
	txnRunner := database.NewTxnRunner(db, clk)

	bus := eventbus.New(redis.NewClient(&redis.Options{Addr: cfg.BusURL}), clk)
	defer func() { _ = bus.Close() }()
	if err := bus.Ping(ctx); err != nil {
		if cfg.RequireBus {
			logger.Errorf("event bus unreachable: %v", err)
			return exitUnavailable
		}
		logger.Warningf("event bus unreachable at startup, continuing: %v", err)
	}

	metrics := orchestrator.NewMetrics()
	registerer := prometheus.NewRegistry()
	registerer.MustRegister(metrics)

	hub := pubsub.NewSimpleHub(nil)
	flag := leader.NewFlag(hub)
	defer flag.Close()

	leases := leasestate.NewState(txnRunner)
	jobs := jobstate.NewState(txnRunner)
	pools := poolstate.NewState(txnRunner)
	locks := leaderstate.NewState(txnRunner)

	engine, err := orchestrator.NewEngine(orchestrator.EngineConfig{
		Leases:     leases,
		Jobs:       jobs,
		Pools:      pools,
		Bus:        bus,
		Models:     modelStoreFromEnv(),
		Sampler:    samplerFromEnv(cfg.GPUCount),
		Leadership: flag,
		Policy:     cfg,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Errorf("building engine: %v", err)
		return exitSoftware
	}

	agents := registry.NewRegistry(clk)
	router := registry.NewRouter(agents)

	// Worker death is fatal to the whole daemon; the process exit code
	// tells the supervisor whether a restart is worthwhile.
	supervisor := worker.NewRunner(worker.RunnerParams{
		IsFatal:      func(error) bool { return true },
		RestartDelay: 3 * time.Second,
		Clock:        clk,
	})

	elector, err := leader.NewWorker(leader.Config{
		Locks:   locks,
		Holder:  holderName(),
		TTL:     cfg.LeaderLockTTL,
		Clock:   clk,
		Logger:  logger,
		Hub:     hub,
		Metrics: metrics,
	})
	if err != nil {
		logger.Errorf("starting leader elector: %v", err)
		supervisor.Kill()
		_ = supervisor.Wait()
		return exitSoftware
	}
	_ = supervisor.StartWorker("leader", adopt(elector))

	recon, err := reconciler.NewWorker(reconciler.Config{
		Leases:     leases,
		Jobs:       jobs,
		Pools:      pools,
		Bus:        bus,
		Leadership: flag,
		Groups:     reconciler.DefaultStreamGroups(),
		Policy:     cfg,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Errorf("starting reconciler: %v", err)
		supervisor.Kill()
		_ = supervisor.Wait()
		return exitSoftware
	}
	_ = supervisor.StartWorker("reconciler", adopt(recon))

	api, err := httpserver.NewWorker(httpserver.Config{
		Addr:       cfg.HTTPAddr,
		Engine:     engine,
		Registry:   agents,
		Router:     router,
		Reconciler: recon,
		Gatherer:   registerer,
		Clock:      clk,
		Logger:     logger,
		Probe: func(ctx context.Context) error {
			if err := elector.Healthy(); err != nil {
				return errors.Trace(err)
			}
			if cfg.RequireBus {
				if err := bus.Ping(ctx); err != nil {
					return errors.Annotate(err, "event bus")
				}
			}
			return db.PingContext(ctx)
		},
	})
	if err != nil {
		logger.Errorf("starting API server: %v", err)
		supervisor.Kill()
		_ = supervisor.Wait()
		return exitSoftware
	}
	_ = supervisor.StartWorker("httpserver", adopt(api))

	done := make(chan error, 1)
	go func() {
		done <- supervisor.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutting down on signal")
		supervisor.Kill()
		<-done
		return exitOK
	case err := <-done:
		return exitCode(err)
	}
}

// adopt hands an already-started worker to the runner.
func adopt(w worker.Worker) func() (worker.Worker, error) {
	return func() (worker.Worker, error) {
		return w, nil
	}
}

func holderName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "loomd"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// exitCode classifies a fatal runner error: transient infrastructure
// failures ask the supervisor for a retry, everything else is a bug.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, database.ErrTransient), errors.Is(err, eventbus.ErrUnavailable):
		logger.Errorf("transient failure: %v", err)
		return exitTempFail
	default:
		logger.Errorf("fatal: %v", err)
		return exitSoftware
	}
}
