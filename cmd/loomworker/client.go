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
	"time"

	"github.com/juju/errors"

	corelease "github.com/newsloom/loom/core/lease"
	"github.com/newsloom/loom/internal/orchestrator"
)

// apiClient speaks the orchestrator's HTTP/JSON contract. Admission
// lives with the orchestrator; the worker only ever asks.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type wireError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type wireLease struct {
	Token    string    `json:"token"`
	Agent    string    `json:"agent"`
	GPUIndex int       `json:"gpu_index"`
	Mode     string    `json:"mode"`
	Created  time.Time `json:"created_at"`
	Expires  time.Time `json:"expires_at"`
	Pool     string    `json:"pool,omitempty"`
}

func (l wireLease) lease() corelease.Lease {
	return corelease.Lease{
		Token:   l.Token,
		Agent:   l.Agent,
		Device:  l.GPUIndex,
		Mode:    corelease.Mode(l.Mode),
		Created: l.Created,
		Expires: l.Expires,
		Pool:    l.Pool,
	}
}

// LeaseGPU implements runtime.LeaseManager over the wire.
func (c *apiClient) LeaseGPU(ctx context.Context, req corelease.Request) (corelease.Lease, error) {
	body := map[string]any{
		"agent":       req.Agent,
		"mode":        string(req.Mode),
		"ttl_seconds": int(req.TTL / time.Second),
	}
	if req.MinMemoryMB > 0 {
		body["min_memory_mb"] = req.MinMemoryMB
	}
	if req.Model != "" {
		body["model"] = req.Model
	}
	if req.Pool != "" {
		body["pool"] = req.Pool
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var granted wireLease
	if err := c.post(ctx, "/leases", body, &granted); err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}
	return granted.lease(), nil
}

// HeartbeatLease implements runtime.LeaseManager over the wire.
func (c *apiClient) HeartbeatLease(ctx context.Context, token string) (corelease.Lease, error) {
	var l wireLease
	if err := c.post(ctx, "/leases/"+token+"/heartbeat", nil, &l); err != nil {
		return corelease.Lease{}, errors.Trace(err)
	}
	return l.lease(), nil
}

// ReleaseLease implements runtime.LeaseManager over the wire.
func (c *apiClient) ReleaseLease(ctx context.Context, token string) error {
	return errors.Trace(c.post(ctx, "/leases/"+token+"/release", nil, nil))
}

// PoolHeartbeat records the pool's observed worker count.
func (c *apiClient) PoolHeartbeat(ctx context.Context, poolID string, spawned int) error {
	return errors.Trace(c.post(ctx, "/workers/pool/"+poolID+"/heartbeat",
		map[string]int{"spawned": spawned}, nil))
}

func (c *apiClient) post(ctx context.Context, path string, body, into any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Trace(err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "calling orchestrator %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotatef(err, "reading orchestrator response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return apiError(resp.StatusCode, payload)
	}
	if into == nil {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(payload, into), "decoding orchestrator response")
}

// apiError maps the wire's status codes back onto the error vocabulary
// the runtime dispatches on.
func apiError(status int, payload []byte) error {
	var wire wireError
	_ = json.Unmarshal(payload, &wire)

	switch status {
	case http.StatusTooManyRequests:
		if wire.Reason != "" {
			return orchestrator.Denied(orchestrator.DenialReason(wire.Reason))
		}
		return orchestrator.Denied(orchestrator.ReasonRateLimited)
	case http.StatusGone:
		return errors.Annotatef(corelease.ErrExpired, "%s", wire.Error)
	case http.StatusNotFound:
		return errors.Annotatef(corelease.ErrNotFound, "%s", wire.Error)
	}
	if wire.Error != "" {
		return fmt.Errorf("orchestrator returned %d: %s", status, wire.Error)
	}
	return fmt.Errorf("orchestrator returned %d", status)
}
