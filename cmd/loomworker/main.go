// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// loomworker is the worker runtime daemon: it consumes the
// orchestrator streams, claims jobs against the state store, leases
// devices through the orchestrator API and forwards the work to its
// local agent process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/redis/go-redis/v9"

	"github.com/newsloom/loom/core/policy"
	jobstate "github.com/newsloom/loom/domain/job/state"
	"github.com/newsloom/loom/internal/database"
	"github.com/newsloom/loom/internal/eventbus"
	"github.com/newsloom/loom/internal/orchestrator"
	"github.com/newsloom/loom/internal/worker/runtime"
)

var logger = loggo.GetLogger("loom.cmd.loomworker")

const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
)

// Daemon-edge environment keys, outside the policy snapshot.
const (
	envLoggingConfig   = "LOOM_LOGGING_CONFIG"
	envWorkerID        = "LOOM_WORKER_ID"
	envOrchestratorURL = "LOOM_ORCHESTRATOR_URL"
	envAgentEndpoint   = "LOOM_AGENT_ENDPOINT"
	envMinGPUMemoryMB  = "LOOM_MIN_GPU_MEMORY_MB"
)

func main() {
	os.Exit(run())
}

func run() int {
	if spec, ok := os.LookupEnv(envLoggingConfig); ok {
		if err := loggo.ConfigureLoggers(spec); err != nil {
			fmt.Fprintf(os.Stderr, "loomworker: invalid %s: %v\n", envLoggingConfig, err)
			return exitUsage
		}
	}

	cfg, err := policy.FromLookup(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomworker: %v\n", err)
		return exitUsage
	}

	agentEndpoint, ok := os.LookupEnv(envAgentEndpoint)
	if !ok {
		fmt.Fprintf(os.Stderr, "loomworker: missing required %s\n", envAgentEndpoint)
		return exitUsage
	}
	minMemoryMB := 0
	if v, ok := os.LookupEnv(envMinGPUMemoryMB); ok {
		if minMemoryMB, err = strconv.Atoi(v); err != nil {
			fmt.Fprintf(os.Stderr, "loomworker: invalid %s=%q\n", envMinGPUMemoryMB, v)
			return exitUsage
		}
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
	jobs := jobstate.NewState(database.NewTxnRunner(db, clk))

	bus := eventbus.New(redis.NewClient(&redis.Options{Addr: cfg.BusURL}), clk)
	defer func() { _ = bus.Close() }()
	if err := bus.Ping(ctx); err != nil {
		logger.Errorf("event bus unreachable: %v", err)
		return exitUnavailable
	}

	api := newAPIClient(orchestratorURL(cfg))
	agent := newForwarder(agentEndpoint)
	workerID := workerIdentity()
	metrics := orchestrator.NewMetrics()

	supervisor := worker.NewRunner(worker.RunnerParams{
		IsFatal:      func(error) bool { return true },
		RestartDelay: 3 * time.Second,
		Clock:        clk,
	})

	consumers := []struct {
		name     string
		stream   eventbus.Stream
		group    string
		handlers map[string]runtime.Handler
	}{
		{"preloads", eventbus.Preloads, eventbus.GroupPreloadWorkers, preloadHandlers(agent, api)},
		{"inference", eventbus.InferenceJobs, eventbus.GroupInferenceWorkers, inferenceHandlers(agent, cfg, minMemoryMB)},
		{"ingest", eventbus.IngestEvents, eventbus.GroupIngestWorkers, ingestHandlers(agent)},
	}
	for _, consumer := range consumers {
		w, err := runtime.NewWorker(runtime.Config{
			WorkerID: workerID,
			Stream:   consumer.stream,
			Group:    consumer.group,
			Handlers: consumer.handlers,
			Leases:   api,
			Jobs:     jobs,
			Bus:      bus,
			Policy:   cfg,
			Clock:    clk,
			Logger:   logger,
			Metrics:  metrics,
		})
		if err != nil {
			logger.Errorf("starting %s consumer: %v", consumer.name, err)
			supervisor.Kill()
			_ = supervisor.Wait()
			return exitSoftware
		}
		started := w
		_ = supervisor.StartWorker(consumer.name, func() (worker.Worker, error) {
			return started, nil
		})
	}

	logger.Infof("worker %s consuming %d streams", workerID, len(consumers))

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

func workerIdentity() string {
	if id, ok := os.LookupEnv(envWorkerID); ok {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "loomworker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// orchestratorURL defaults to the local API on the configured listen
// port when no explicit URL is given.
func orchestratorURL(cfg policy.Config) string {
	if url, ok := os.LookupEnv(envOrchestratorURL); ok {
		return strings.TrimRight(url, "/")
	}
	addr := cfg.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

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
