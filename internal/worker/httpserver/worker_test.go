// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	corejob "github.com/newsloom/loom/core/job"
	corelease "github.com/newsloom/loom/core/lease"
	corepool "github.com/newsloom/loom/core/pool"
	"github.com/newsloom/loom/internal/eventbus"
	"github.com/newsloom/loom/internal/orchestrator"
	"github.com/newsloom/loom/internal/registry"
	"github.com/newsloom/loom/internal/worker/httpserver"
)

type fakeEngine struct {
	mu sync.Mutex

	leaseReq corelease.Request
	leaseErr error

	heartbeatErr error

	submitted orchestrator.Submission
	submitErr error

	jobs map[string]corejob.Job

	poolSpec corepool.Pool
	poolErr  error
	pools    []corepool.Pool
	statuses []corepool.Status

	drainErr  error
	evictErr  error
	beatPools map[string]int
}

func (f *fakeEngine) LeaseGPU(_ context.Context, req corelease.Request) (corelease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaseReq = req
	if f.leaseErr != nil {
		return corelease.Lease{}, f.leaseErr
	}
	return corelease.Lease{
		Token: "lease-1", Agent: req.Agent, Device: 0, Mode: corelease.ModeGPU,
	}, nil
}

func (f *fakeEngine) HeartbeatLease(_ context.Context, token string) (corelease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeatErr != nil {
		return corelease.Lease{}, f.heartbeatErr
	}
	return corelease.Lease{Token: token, Agent: "analyst", Mode: corelease.ModeGPU}, nil
}

func (f *fakeEngine) ReleaseLease(context.Context, string) error { return nil }

func (f *fakeEngine) SubmitJob(_ context.Context, sub orchestrator.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = sub
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if sub.ID != "" {
		return sub.ID, nil
	}
	return "j-generated", nil
}

func (f *fakeEngine) GetJob(_ context.Context, id string) (corejob.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return corejob.Job{}, corejob.ErrNotFound
	}
	return j, nil
}

func (f *fakeEngine) RequestPool(_ context.Context, spec corepool.Pool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolSpec = spec
	if f.poolErr != nil {
		return "", f.poolErr
	}
	return "p-1", nil
}

func (f *fakeEngine) DrainPool(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drainErr
}

func (f *fakeEngine) EvictPool(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evictErr
}

func (f *fakeEngine) PoolHeartbeat(_ context.Context, id string, spawned int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beatPools == nil {
		return corepool.ErrNotFound
	}
	f.beatPools[id] = spawned
	return nil
}

func (f *fakeEngine) ListPools(_ context.Context, statuses ...corepool.Status) ([]corepool.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
	return f.pools, nil
}

type fakeCaller struct {
	mu      sync.Mutex
	callErr error
	agent   string
	tool    string
	timeout time.Duration
}

func (f *fakeCaller) Call(_ context.Context, agent, tool string, _ []registry.Value, _ map[string]registry.Value, timeout time.Duration) (registry.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent, f.tool, f.timeout = agent, tool, timeout
	if f.callErr != nil {
		return registry.Null, f.callErr
	}
	return registry.String("ran " + tool), nil
}

type fakeRegistry struct {
	mu           sync.Mutex
	agents       []registry.AgentInfo
	registerErr  error
	deregistered []string
}

func (f *fakeRegistry) Register(name, address string, tools []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.agents = append(f.agents, registry.AgentInfo{Name: name, Address: address, Tools: tools})
	return nil
}

func (f *fakeRegistry) Deregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, name)
}

func (f *fakeRegistry) List() []registry.AgentInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents
}

type fakeReconciler struct {
	mu       sync.Mutex
	triggers int
}

func (f *fakeReconciler) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

type apiWorker interface {
	worker.Worker
	Addr() string
}

type serverSuite struct {
	engine     *fakeEngine
	caller     *fakeCaller
	registry   *fakeRegistry
	reconciler *fakeReconciler
	worker     apiWorker
	base       string

	mu       sync.Mutex
	probeErr error
}

func (s *serverSuite) setProbeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.engine = &fakeEngine{jobs: map[string]corejob.Job{}, beatPools: map[string]int{}}
	s.caller = &fakeCaller{}
	s.registry = &fakeRegistry{}
	s.reconciler = &fakeReconciler{}
	s.probeErr = nil

	w, err := httpserver.NewWorker(httpserver.Config{
		Addr:       "127.0.0.1:0",
		Engine:     s.engine,
		Registry:   s.registry,
		Router:     s.caller,
		Reconciler: s.reconciler,
		Gatherer:   prometheus.NewRegistry(),
		Clock:      clock.WallClock,
		Logger:     loggo.GetLogger("test.httpserver"),
		Probe: func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.probeErr
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.worker = w
	s.base = "http://" + w.Addr()
}

func (s *serverSuite) TearDownTest(c *gc.C) {
	workertest.CleanKill(c, s.worker)
}

func (s *serverSuite) do(c *gc.C, method, path string, body any) (int, map[string]any) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, jc.ErrorIsNil)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.base+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()

	var decoded map[string]any
	c.Assert(json.NewDecoder(resp.Body).Decode(&decoded), jc.ErrorIsNil)
	return resp.StatusCode, decoded
}

func (s *serverSuite) TestValidate(c *gc.C) {
	_, err := httpserver.NewWorker(httpserver.Config{})
	c.Check(err, gc.ErrorMatches, "missing Addr not valid")
}

func (s *serverSuite) TestReady(c *gc.C) {
	status, body := s.do(c, "GET", "/ready", nil)
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["ready"], gc.Equals, true)
}

func (s *serverSuite) TestNotReadyWhileBusUnreachable(c *gc.C) {
	s.setProbeErr(eventbus.ErrUnavailable)

	status, body := s.do(c, "GET", "/ready", nil)
	c.Check(status, gc.Equals, http.StatusServiceUnavailable)
	c.Check(body["error"], gc.Equals, "event bus unavailable")
}

func (s *serverSuite) TestMetricsEndpoint(c *gc.C) {
	resp, err := http.Get(s.base + "/metrics")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), gc.Matches, "text/plain.*")
}

func (s *serverSuite) TestLeaseGrant(c *gc.C) {
	status, body := s.do(c, "POST", "/leases", map[string]any{
		"agent":         "analyst",
		"min_memory_mb": 4000,
		"ttl_seconds":   120,
		"model":         "llama-70b",
	})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["token"], gc.Equals, "lease-1")
	c.Check(body["agent"], gc.Equals, "analyst")
	c.Check(body["gpu_index"], gc.Equals, 0.0)

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	c.Check(s.engine.leaseReq.TTL, gc.Equals, 2*time.Minute)
	c.Check(s.engine.leaseReq.MinMemoryMB, gc.Equals, 4000)
	c.Check(s.engine.leaseReq.Model, gc.Equals, "llama-70b")
}

func (s *serverSuite) TestLeaseDenialCarriesReason(c *gc.C) {
	s.engine.leaseErr = orchestrator.Denied(orchestrator.ReasonRateLimited)
	status, body := s.do(c, "POST", "/leases", map[string]any{
		"agent": "analyst", "ttl_seconds": 60,
	})
	c.Check(status, gc.Equals, http.StatusTooManyRequests)
	c.Check(body["reason"], gc.Equals, "rate_limited")
}

func (s *serverSuite) TestHeartbeatExpiredLease(c *gc.C) {
	s.engine.heartbeatErr = corelease.ErrExpired
	status, body := s.do(c, "POST", "/leases/lease-1/heartbeat", nil)
	c.Check(status, gc.Equals, http.StatusGone)
	c.Check(body["error"], gc.Equals, "lease expired")
}

func (s *serverSuite) TestReleaseLease(c *gc.C) {
	status, body := s.do(c, "POST", "/leases/lease-1/release", nil)
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["released"], gc.Equals, true)
}

func (s *serverSuite) TestSubmitJob(c *gc.C) {
	status, body := s.do(c, "POST", "/jobs/submit", map[string]any{
		"type":    "inference",
		"payload": map[string]string{"prompt": "summarise"},
		"agent":   "analyst",
	})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, "ok")
	c.Check(body["job_id"], gc.Equals, "j-generated")

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	c.Check(s.engine.submitted.Type, gc.Equals, "inference")
	c.Check(s.engine.submitted.Agent, gc.Equals, "analyst")
}

func (s *serverSuite) TestVersionedPathsMirrorRoot(c *gc.C) {
	status, body := s.do(c, "POST", "/v1/jobs/submit", map[string]any{
		"type": "inference", "agent": "analyst",
	})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, "ok")
	c.Check(body["job_id"], gc.Equals, "j-generated")

	status, body = s.do(c, "POST", "/v1/leases", map[string]any{
		"agent": "analyst", "ttl_seconds": 60,
	})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["token"], gc.Equals, "lease-1")
}

func (s *serverSuite) TestSubmitDuplicateJob(c *gc.C) {
	s.engine.submitErr = corejob.ErrDuplicate
	status, _ := s.do(c, "POST", "/jobs/submit", map[string]any{
		"job_id": "j-1", "type": "inference",
	})
	c.Check(status, gc.Equals, http.StatusConflict)
}

func (s *serverSuite) TestSubmitMalformedBody(c *gc.C) {
	req, err := http.NewRequest("POST", s.base+"/jobs/submit", strings.NewReader("{not json"))
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusBadRequest)
}

func (s *serverSuite) TestGetJob(c *gc.C) {
	s.engine.jobs["j-1"] = corejob.Job{
		ID: "j-1", Type: "inference", Status: corejob.Running, Attempts: 2,
	}
	status, body := s.do(c, "GET", "/jobs/j-1", nil)
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["id"], gc.Equals, "j-1")
	c.Check(body["status"], gc.Equals, "running")
	c.Check(body["attempts"], gc.Equals, 2.0)
}

func (s *serverSuite) TestGetJobNotFound(c *gc.C) {
	status, _ := s.do(c, "GET", "/jobs/ghost", nil)
	c.Check(status, gc.Equals, http.StatusNotFound)
}

func (s *serverSuite) TestRequestPool(c *gc.C) {
	status, body := s.do(c, "POST", "/workers/pool", map[string]any{
		"agent": "analyst", "model_id": "llama-70b", "desired": 2,
	})
	c.Check(status, gc.Equals, http.StatusAccepted)
	c.Check(body["pool_id"], gc.Equals, "p-1")

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	c.Check(s.engine.poolSpec.ModelID, gc.Equals, "llama-70b")
	c.Check(s.engine.poolSpec.Desired, gc.Equals, 2)
}

func (s *serverSuite) TestRequestPoolOnFollower(c *gc.C) {
	s.engine.poolErr = orchestrator.ErrNotLeader
	status, _ := s.do(c, "POST", "/workers/pool", map[string]any{
		"agent": "analyst", "model_id": "llama-70b",
	})
	c.Check(status, gc.Equals, http.StatusServiceUnavailable)
}

func (s *serverSuite) TestListPoolsStatusFilter(c *gc.C) {
	s.engine.pools = []corepool.Pool{{ID: "p-1", Status: corepool.Running}}
	status, body := s.do(c, "GET", "/workers/pools?status=running&status=draining", nil)
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["pools"], gc.HasLen, 1)

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	c.Check(s.engine.statuses, gc.DeepEquals, []corepool.Status{corepool.Running, corepool.Draining})
}

func (s *serverSuite) TestPoolHeartbeat(c *gc.C) {
	status, body := s.do(c, "POST", "/workers/pool/p-1/heartbeat", map[string]any{"spawned": 2})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["ok"], gc.Equals, true)

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	c.Check(s.engine.beatPools["p-1"], gc.Equals, 2)
}

func (s *serverSuite) TestReconcileTrigger(c *gc.C) {
	status, body := s.do(c, "POST", "/control/reconcile", nil)
	c.Check(status, gc.Equals, http.StatusAccepted)
	c.Check(body["triggered"], gc.Equals, true)

	s.reconciler.mu.Lock()
	defer s.reconciler.mu.Unlock()
	c.Check(s.reconciler.triggers, gc.Equals, 1)
}

func (s *serverSuite) TestDrainPoolBadTransition(c *gc.C) {
	s.engine.drainErr = errors.Annotatef(corepool.ErrBadTransition, "stopped -> draining")
	status, _ := s.do(c, "POST", "/control/drain_pool", map[string]any{"pool_id": "p-1"})
	c.Check(status, gc.Equals, http.StatusConflict)
}

func (s *serverSuite) TestEvictPool(c *gc.C) {
	status, body := s.do(c, "POST", "/control/evict_pool", map[string]any{"pool_id": "p-1"})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["ok"], gc.Equals, true)
}

func (s *serverSuite) TestCall(c *gc.C) {
	status, body := s.do(c, "POST", "/call", map[string]any{
		"agent":           "analyst",
		"tool":            "summarise",
		"args":            []string{"text"},
		"timeout_seconds": 5,
	})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["result"], gc.Equals, "ran summarise")

	s.caller.mu.Lock()
	defer s.caller.mu.Unlock()
	c.Check(s.caller.agent, gc.Equals, "analyst")
	c.Check(s.caller.timeout, gc.Equals, 5*time.Second)
}

func (s *serverSuite) TestCallUnknownAgent(c *gc.C) {
	s.caller.callErr = registry.ErrNoAgent
	status, _ := s.do(c, "POST", "/call", map[string]any{
		"agent": "ghost", "tool": "summarise",
	})
	c.Check(status, gc.Equals, http.StatusNotFound)
}

func (s *serverSuite) TestRegisterAgent(c *gc.C) {
	status, body := s.do(c, "POST", "/agents/register", map[string]any{
		"name": "analyst", "address": "http://127.0.0.1:9001/call", "tools": []string{"summarise"},
	})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["registered"], gc.Equals, true)

	statusList, listBody := s.do(c, "GET", "/agents", nil)
	c.Check(statusList, gc.Equals, http.StatusOK)
	c.Check(listBody["agents"], gc.HasLen, 1)
}

func (s *serverSuite) TestRegisterAgentInvalid(c *gc.C) {
	s.registry.registerErr = errors.NotValidf("empty agent name")
	status, _ := s.do(c, "POST", "/agents/register", map[string]any{"name": ""})
	c.Check(status, gc.Equals, http.StatusBadRequest)
}

func (s *serverSuite) TestDeregisterAgent(c *gc.C) {
	status, body := s.do(c, "POST", "/agents/deregister", map[string]any{"name": "analyst"})
	c.Check(status, gc.Equals, http.StatusOK)
	c.Check(body["deregistered"], gc.Equals, true)

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	c.Check(s.registry.deregistered, gc.DeepEquals, []string{"analyst"})
}
