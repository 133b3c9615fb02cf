// Package handler provides HTTP request handlers for the topology API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/service"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	topology *service.TopologyService
	nodeOps  *service.NodeOpsService
	logger   *zap.Logger
	timeout  time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(topology *service.TopologyService, nodeOps *service.NodeOpsService, logger *zap.Logger) *Handlers {
	return &Handlers{
		topology: topology,
		nodeOps:  nodeOps,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// NodeOps handles POST /v1/node-ops requests from coordinators.
func (h *Handlers) NodeOps(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req model.NodeOpsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), requestID)
		return
	}
	if req.Cmd == "" || req.OpsID == "" {
		h.writeError(w, http.StatusBadRequest, "cmd and ops_uuid are required", requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp, err := h.nodeOps.HandleCommand(ctx, &req)
	if err != nil {
		h.logger.Warn("node ops command failed",
			zap.String("cmd", string(req.Cmd)),
			zap.String("ops_id", string(req.OpsID)),
			zap.String("request_id", requestID),
			zap.Error(err))
		h.writeJSON(w, errors.HTTPStatusFor(err), &model.NodeOpsResponse{OK: false, Error: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Decommission handles POST /v1/topology/decommission requests.
func (h *Handlers) Decommission(w http.ResponseWriter, r *http.Request) {
	// Leaving the ring streams all local data away; no request timeout.
	if err := h.topology.Decommission(r.Context()); err != nil {
		h.handleOpError(w, r, "decommission", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mode": h.topology.Mode()})
}

// removeNodeRequest is the body of POST /v1/topology/removenode.
type removeNodeRequest struct {
	HostID      string   `json:"host_id"`
	IgnoreNodes []string `json:"ignore_nodes,omitempty"`
}

// RemoveNode handles POST /v1/topology/removenode requests.
func (h *Handlers) RemoveNode(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req removeNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), requestID)
		return
	}
	if req.HostID == "" {
		h.writeError(w, http.StatusBadRequest, "host_id is required", requestID)
		return
	}

	ignore := make([]model.NodeID, 0, len(req.IgnoreNodes))
	for _, n := range req.IgnoreNodes {
		ignore = append(ignore, model.NodeID(n))
	}

	if err := h.topology.RemoveNode(r.Context(), model.HostID(req.HostID), ignore); err != nil {
		h.handleOpError(w, r, "removenode", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "host_id": req.HostID})
}

// rebuildRequest is the body of POST /v1/topology/rebuild.
type rebuildRequest struct {
	SourceDC string `json:"source_dc,omitempty"`
}

// Rebuild handles POST /v1/topology/rebuild requests.
func (h *Handlers) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), r.Header.Get("X-Request-ID"))
			return
		}
	}

	if err := h.topology.Rebuild(r.Context(), req.SourceDC); err != nil {
		h.handleOpError(w, r, "rebuild", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "source_dc": req.SourceDC})
}

// Drain handles POST /v1/topology/drain requests.
func (h *Handlers) Drain(w http.ResponseWriter, r *http.Request) {
	if err := h.topology.Drain(r.Context()); err != nil {
		h.handleOpError(w, r, "drain", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mode": h.topology.Mode()})
}

// Ring handles GET /v1/topology/ring requests.
func (h *Handlers) Ring(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.topology.DescribeRing())
}

// Ownership handles GET /v1/topology/ownership requests.
func (h *Handlers) Ownership(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ownership": h.topology.Ownership(),
	})
}

// Mode handles GET /v1/topology/mode requests.
func (h *Handlers) Mode(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":    h.topology.Mode(),
		"host_id": h.topology.HostID(),
	})
}

// handleOpError maps a topology operation error to an HTTP response.
func (h *Handlers) handleOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	requestID := r.Header.Get("X-Request-ID")
	h.logger.Error("topology operation failed",
		zap.String("operation", op),
		zap.String("request_id", requestID),
		zap.Error(err))
	h.writeError(w, errors.HTTPStatusFor(err), err.Error(), requestID)
}

// writeError writes a JSON error response.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message, requestID string) {
	h.writeJSON(w, status, map[string]interface{}{
		"ok":         false,
		"error":      message,
		"request_id": requestID,
	})
}

// writeJSON writes a JSON response with the given status code.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
