// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/juju/errors"

	corejob "github.com/newsloom/loom/core/job"
	"github.com/newsloom/loom/core/policy"
	"github.com/newsloom/loom/internal/worker/runtime"
)

// forwarder hands job payloads to the local agent process over HTTP.
// The agent does the actual work; the worker runtime owns claiming,
// leasing and finalization.
type forwarder struct {
	endpoint string
	client   *http.Client
}

func newForwarder(endpoint string) *forwarder {
	return &forwarder{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

func (f *forwarder) run(ctx context.Context, j corejob.Job) error {
	body, err := json.Marshal(map[string]any{
		"job_id":  j.ID,
		"type":    j.Type,
		"payload": j.Payload,
		"pool":    j.PoolID,
	})
	if err != nil {
		return errors.Trace(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "forwarding job %q to agent", j.ID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("agent returned %d for job %q: %s", resp.StatusCode, j.ID, detail)
	}
	return nil
}

// inferenceHandlers need a device; the lease TTL starts short and
// heartbeats extend it while the handler runs.
func inferenceHandlers(f *forwarder, cfg policy.Config, minMemoryMB int) map[string]runtime.Handler {
	return map[string]runtime.Handler{
		"inference": {
			Run:         f.run,
			GPU:         true,
			MinMemoryMB: minMemoryMB,
			TTL:         2 * cfg.LeaseHeartbeatGrace,
		},
	}
}

func ingestHandlers(f *forwarder) map[string]runtime.Handler {
	return map[string]runtime.Handler{
		"ingest": {Run: f.run},
	}
}

// preloadHandlers warm the model through the agent, then report the
// pool's worker as up. The count sent with the heartbeat is the total
// this process has spawned for the pool so far, so pools with
// desired > 1 converge as their preloads land.
func preloadHandlers(f *forwarder, api *apiClient) map[string]runtime.Handler {
	var mu sync.Mutex
	spawned := make(map[string]int)

	return map[string]runtime.Handler{
		"preload": {
			Run: func(ctx context.Context, j corejob.Job) error {
				if err := f.run(ctx, j); err != nil {
					return errors.Trace(err)
				}
				var spec struct {
					PoolID string `json:"pool_id"`
				}
				if err := json.Unmarshal(j.Payload, &spec); err != nil {
					return errors.Annotatef(err, "decoding preload payload for %q", j.ID)
				}
				if spec.PoolID == "" {
					return nil
				}
				mu.Lock()
				spawned[spec.PoolID]++
				count := spawned[spec.PoolID]
				mu.Unlock()
				return errors.Trace(api.PoolHeartbeat(ctx, spec.PoolID, count))
			},
			Ephemeral: true,
		},
	}
}
