// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sony/gobreaker"
)

const (
	// ErrTransport indicates the agent endpoint could not be reached
	// or answered with garbage. A tripped circuit breaker surfaces
	// the same way, without waiting out the timeout.
	ErrTransport = errors.ConstError("agent transport failure")

	// ErrTimeout indicates the call deadline elapsed.
	ErrTimeout = errors.ConstError("agent call timed out")
)

// CallRequest is the body forwarded to the agent endpoint.
type CallRequest struct {
	Tool   string           `json:"tool"`
	Args   []Value          `json:"args"`
	Kwargs map[string]Value `json:"kwargs"`
}

// CallResponse is the agent endpoint's answer.
type CallResponse struct {
	Result Value  `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Router forwards tool invocations to registered agents.
type Router struct {
	registry *Registry
	client   *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRouter returns a router over the given registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry: registry,
		client:   &http.Client{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Call invokes the named tool on the named agent. Routing is exact
// name match; unknown agents and undeclared tools are rejected before
// any transport happens.
func (r *Router) Call(ctx context.Context, agent, tool string, args []Value, kwargs map[string]Value, timeout time.Duration) (Value, error) {
	entry, ok := r.registry.lookup(agent)
	if !ok {
		return Null, errors.Annotatef(ErrNoAgent, "%q", agent)
	}
	if !entry.tools.Contains(tool) {
		return Null, errors.Annotatef(ErrNoTool, "%q on agent %q", tool, agent)
	}

	body, err := json.Marshal(CallRequest{Tool: tool, Args: args, Kwargs: kwargs})
	if err != nil {
		return Null, errors.Trace(err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := r.breaker(agent).Execute(func() (any, error) {
		return r.invoke(ctx, entry.info.Address, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Null, errors.Annotatef(ErrTransport, "agent %q circuit open", agent)
	} else if errors.Is(err, context.DeadlineExceeded) {
		return Null, errors.Annotatef(ErrTimeout, "calling %q on %q", tool, agent)
	} else if err != nil {
		return Null, errors.Trace(err)
	}
	return result.(Value), nil
}

func (r *Router) invoke(ctx context.Context, address string, body []byte) (Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return Null, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Null, context.DeadlineExceeded
		}
		return Null, errors.Annotatef(ErrTransport, "%v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Null, errors.Annotatef(ErrTransport, "reading agent response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Null, errors.Annotatef(ErrTransport, "agent returned %d", resp.StatusCode)
	}

	var out CallResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Null, errors.Annotatef(ErrTransport, "decoding agent response: %v", err)
	}
	if out.Error != "" {
		return Null, errors.Errorf("agent error: %s", out.Error)
	}
	return out.Result, nil
}

func (r *Router) breaker(agent string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agent]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "agent-" + agent,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		r.breakers[agent] = cb
	}
	return cb
}
