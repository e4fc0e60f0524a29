// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	corejob "github.com/newsloom/loom/core/job"
	corelease "github.com/newsloom/loom/core/lease"
	corepool "github.com/newsloom/loom/core/pool"
	"github.com/newsloom/loom/internal/database"
	"github.com/newsloom/loom/internal/eventbus"
	"github.com/newsloom/loom/internal/orchestrator"
	"github.com/newsloom/loom/internal/registry"
)

type handler struct {
	cfg Config
}

func newHandler(cfg Config) http.Handler {
	h := &handler{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// The API is served at the root, which is the published contract,
	// and mirrored under /v1 for clients that pin a version.
	h.register(r.PathPrefix("/v1").Subrouter())
	h.register(r)
	return r
}

func (h *handler) register(r *mux.Router) {
	r.HandleFunc("/leases", h.leaseGPU).Methods(http.MethodPost)
	r.HandleFunc("/leases/{token}/heartbeat", h.heartbeatLease).Methods(http.MethodPost)
	r.HandleFunc("/leases/{token}/release", h.releaseLease).Methods(http.MethodPost)
	r.HandleFunc("/jobs/submit", h.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	r.HandleFunc("/workers/pool", h.requestPool).Methods(http.MethodPost)
	r.HandleFunc("/workers/pools", h.listPools).Methods(http.MethodGet)
	r.HandleFunc("/workers/pool/{id}/heartbeat", h.poolHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/control/reconcile", h.reconcile).Methods(http.MethodPost)
	r.HandleFunc("/control/drain_pool", h.drainPool).Methods(http.MethodPost)
	r.HandleFunc("/control/evict_pool", h.evictPool).Methods(http.MethodPost)
	r.HandleFunc("/call", h.call).Methods(http.MethodPost)
	r.HandleFunc("/agents", h.listAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/register", h.registerAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents/deregister", h.deregisterAgent).Methods(http.MethodPost)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.cfg.Logger.Errorf("encoding response: %v", err)
	}
}

// writeError maps the orchestrator error vocabulary onto HTTP status
// codes. Denials keep their structured reason on the wire.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	if reason, ok := orchestrator.IsDenied(err); ok {
		h.writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:  err.Error(),
			Reason: string(reason),
		})
		return
	}

	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, orchestrator.ErrNotLeader):
		status = http.StatusServiceUnavailable
	case errors.Is(err, corejob.ErrDuplicate),
		errors.Is(err, corejob.ErrAlreadyClaimed),
		errors.Is(err, corepool.ErrBadTransition),
		errors.Is(err, corelease.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, corelease.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, corejob.ErrNotFound),
		errors.Is(err, corepool.ErrNotFound),
		errors.Is(err, corelease.ErrNotFound),
		errors.Is(err, registry.ErrNoAgent),
		errors.Is(err, registry.ErrNoTool):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrTransient),
		errors.Is(err, eventbus.ErrUnavailable),
		errors.Is(err, registry.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, registry.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, resp)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.cfg.Probe(ctx); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

type leaseRequest struct {
	Agent       string            `json:"agent"`
	Mode        string            `json:"mode,omitempty"`
	MinMemoryMB int               `json:"min_memory_mb,omitempty"`
	TTLSeconds  int               `json:"ttl_seconds"`
	Model       string            `json:"model,omitempty"`
	Pool        string            `json:"pool,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type leaseResponse struct {
	Token    string    `json:"token"`
	Agent    string    `json:"agent"`
	GPUIndex int       `json:"gpu_index"`
	Mode     string    `json:"mode"`
	Created  time.Time `json:"created_at"`
	Expires  time.Time `json:"expires_at"`
	Pool     string    `json:"pool,omitempty"`
}

func leaseToWire(l corelease.Lease) leaseResponse {
	return leaseResponse{
		Token:    l.Token,
		Agent:    l.Agent,
		GPUIndex: l.Device,
		Mode:     string(l.Mode),
		Created:  l.Created,
		Expires:  l.Expires,
		Pool:     l.Pool,
	}
}

func (h *handler) leaseGPU(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	granted, err := h.cfg.Engine.LeaseGPU(r.Context(), corelease.Request{
		Agent:       req.Agent,
		Mode:        corelease.Mode(req.Mode),
		MinMemoryMB: req.MinMemoryMB,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Model:       req.Model,
		Pool:        req.Pool,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, leaseToWire(granted))
}

func (h *handler) heartbeatLease(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	l, err := h.cfg.Engine.HeartbeatLease(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, leaseToWire(l))
}

func (h *handler) releaseLease(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if err := h.cfg.Engine.ReleaseLease(r.Context(), token); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

type submitRequest struct {
	JobID   string          `json:"job_id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Pool    string          `json:"pool,omitempty"`
	Agent   string          `json:"agent,omitempty"`
}

func (h *handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.cfg.Engine.SubmitJob(r.Context(), orchestrator.Submission{
		ID:      req.JobID,
		Type:    req.Type,
		Payload: req.Payload,
		Pool:    req.Pool,
		Agent:   req.Agent,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "job_id": id})
}

type jobResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Pool      string          `json:"pool,omitempty"`
	Attempts  int             `json:"attempts"`
	Created   time.Time       `json:"created"`
	Updated   time.Time       `json:"updated"`
	LastError string          `json:"last_error,omitempty"`
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.cfg.Engine.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Payload:   j.Payload,
		Status:    string(j.Status),
		Pool:      j.PoolID,
		Attempts:  j.Attempts,
		Created:   j.Created,
		Updated:   j.Updated,
		LastError: j.LastError,
	})
}

type poolRequest struct {
	Agent       string            `json:"agent"`
	ModelID     string            `json:"model_id"`
	AdapterID   string            `json:"adapter_id,omitempty"`
	Desired     int               `json:"desired"`
	HoldSeconds int               `json:"hold_seconds,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h *handler) requestPool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.cfg.Engine.RequestPool(r.Context(), corepool.Pool{
		Agent:       req.Agent,
		ModelID:     req.ModelID,
		AdapterID:   req.AdapterID,
		Desired:     req.Desired,
		HoldSeconds: req.HoldSeconds,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"pool_id": id})
}

type poolResponse struct {
	ID            string    `json:"id"`
	Agent         string    `json:"agent"`
	ModelID       string    `json:"model_id"`
	AdapterID     string    `json:"adapter_id,omitempty"`
	Desired       int       `json:"desired"`
	Spawned       int       `json:"spawned"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HoldSeconds   int       `json:"hold_seconds"`
}

func (h *handler) listPools(w http.ResponseWriter, r *http.Request) {
	var statuses []corepool.Status
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, corepool.Status(s))
	}
	pools, err := h.cfg.Engine.ListPools(r.Context(), statuses...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolResponse{
			ID:            p.ID,
			Agent:         p.Agent,
			ModelID:       p.ModelID,
			AdapterID:     p.AdapterID,
			Desired:       p.Desired,
			Spawned:       p.Spawned,
			Status:        string(p.Status),
			StartedAt:     p.StartedAt,
			LastHeartbeat: p.LastHeartbeat,
			HoldSeconds:   p.HoldSeconds,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

type poolHeartbeatRequest struct {
	Spawned int `json:"spawned"`
}

func (h *handler) poolHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req poolHeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.cfg.Engine.PoolHeartbeat(r.Context(), mux.Vars(r)["id"], req.Spawned); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	h.cfg.Reconciler.Trigger()
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

type poolIDRequest struct {
	PoolID string `json:"pool_id"`
}

func (h *handler) drainPool(w http.ResponseWriter, r *http.Request) {
	var req poolIDRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.cfg.Engine.DrainPool(r.Context(), req.PoolID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) evictPool(w http.ResponseWriter, r *http.Request) {
	var req poolIDRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.cfg.Engine.EvictPool(r.Context(), req.PoolID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type callRequest struct {
	Agent          string                    `json:"agent"`
	Tool           string                    `json:"tool"`
	Args           []registry.Value          `json:"args,omitempty"`
	Kwargs         map[string]registry.Value `json:"kwargs,omitempty"`
	TimeoutSeconds int                       `json:"timeout_seconds,omitempty"`
}

func (h *handler) call(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.cfg.Router.Call(r.Context(), req.Agent, req.Tool,
		req.Args, req.Kwargs, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]registry.Value{"result": result})
}

type agentResponse struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Tools         []string  `json:"tools"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (h *handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.cfg.Registry.List()
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentResponse{
			Name:          a.Name,
			Address:       a.Address,
			Tools:         a.Tools,
			LastHeartbeat: a.LastHeartbeat,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type registerRequest struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Tools   []string `json:"tools,omitempty"`
}

func (h *handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.cfg.Registry.Register(req.Name, req.Address, req.Tools); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

type deregisterRequest struct {
	Name string `json:"name"`
}

func (h *handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	var req deregisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.cfg.Registry.Deregister(req.Name)
	h.writeJSON(w, http.StatusOK, map[string]bool{"deregistered": true})
}
