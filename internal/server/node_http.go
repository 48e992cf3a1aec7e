package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/protocol"
	"github.com/infermesh/infermesh/internal/registry"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
)

// NodeHTTPHandler serves the signed pull-path endpoints. Every request has
// already passed the HMAC middleware; the node ID rides the context.
type NodeHTTPHandler struct {
	registry *registry.Registry
	store    store.Store
	streams  *stream.Manager
	log      *slog.Logger
}

// NewNodeHTTPHandler creates the pull-path handler.
func NewNodeHTTPHandler(reg *registry.Registry, st store.Store, streams *stream.Manager, log *slog.Logger) *NodeHTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &NodeHTTPHandler{
		registry: reg,
		store:    st,
		streams:  streams,
		log:      log,
	}
}

// Heartbeat handles POST /nodes/heartbeat.
func (h *NodeHTTPHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := auth.NodeFromContext(r.Context())

	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed heartbeat body")
		return
	}

	node := h.registry.Touch(nodeID, req.Models, req.Region, req.Runtime)
	if err := h.store.UpdateNodeHeartbeat(r.Context(), nodeID, req.Models, req.Region, req.Runtime); err != nil {
		h.log.Warn("failed to record heartbeat", "node_id", nodeID, "error", err)
	}

	status := store.NodeStatusIdle
	if !node.Idle() {
		status = store.NodeStatusBusy
	}
	if !req.Ready {
		status = store.NodeStatusBusy
	}
	if err := h.store.UpdateNodeStatus(r.Context(), nodeID, status); err != nil {
		h.log.Warn("failed to update node status", "node_id", nodeID, "error", err)
	}

	writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{Status: string(status)})
}

// Poll handles GET /inference/poll: claim the oldest pending job the node's
// models can serve. 204 when the queue has nothing eligible.
func (h *NodeHTTPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := auth.NodeFromContext(r.Context())

	var models []string
	if node := h.registry.Get(nodeID); node != nil {
		models = node.Models
	}

	job, err := h.store.ClaimNext(r.Context(), nodeID, models)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.log.Error("claim failed", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "claim failed")
		return
	}

	h.streams.Create(job.ID, job.UserID, job.Model, job.Messages)
	h.streams.SetNode(job.ID, nodeID)
	h.registry.AddActiveJob(nodeID, job.ID)

	h.log.Info("job claimed", "job_id", job.ID, "node_id", nodeID, "model", job.Model)
	writeJSON(w, http.StatusOK, protocol.PollResponse{
		ID:       job.ID,
		Model:    job.Model,
		Messages: job.Messages,
	})
}

// Stream handles POST /inference/stream: one producer delta frame.
func (h *NodeHTTPHandler) Stream(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := auth.NodeFromContext(r.Context())

	var req protocol.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed stream body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "missing job id")
		return
	}

	offset, err := h.streams.Apply(r.Context(), stream.Delta{
		JobID:       req.ID,
		Seq:         req.Seq,
		Offset:      req.Offset,
		Delta:       req.Delta,
		Cumulative:  req.Cumulative,
		Chunk:       req.Chunk,
		ContentType: req.ContentType,
		Done:        req.Done,
	})
	if err != nil {
		var mismatch *stream.OffsetMismatchError
		switch {
		case errors.As(err, &mismatch):
			writeOffsetMismatch(w, mismatch.Expected)
		case errors.Is(err, stream.ErrUnknownJob):
			writeError(w, http.StatusNotFound, codeUnknownJob, "no such job")
		case errors.Is(err, stream.ErrTerminal):
			writeError(w, http.StatusConflict, codeJobTerminal, "stream already terminal")
		default:
			h.log.Error("stream apply failed", "job_id", req.ID, "node_id", nodeID, "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "apply failed")
		}
		return
	}

	if req.Done {
		h.registry.RemoveActiveJob(nodeID, req.ID)
	}
	writeJSON(w, http.StatusOK, protocol.StreamResponse{OK: true, Offset: offset})
}

// Complete handles POST /inference/complete: terminal-only reporting for
// nodes that never streamed.
func (h *NodeHTTPHandler) Complete(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := auth.NodeFromContext(r.Context())

	var req protocol.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed complete body")
		return
	}

	switch req.Status {
	case "completed":
		_, err := h.streams.Apply(r.Context(), stream.Delta{
			JobID:      req.ID,
			Cumulative: &req.Response,
			Done:       true,
		})
		if err != nil {
			var mismatch *stream.OffsetMismatchError
			switch {
			case errors.As(err, &mismatch):
				writeOffsetMismatch(w, mismatch.Expected)
			case errors.Is(err, stream.ErrUnknownJob):
				writeError(w, http.StatusNotFound, codeUnknownJob, "no such job")
			case errors.Is(err, stream.ErrTerminal):
				writeError(w, http.StatusConflict, codeJobTerminal, "stream already terminal")
			default:
				writeError(w, http.StatusInternalServerError, codeInternal, "complete failed")
			}
			return
		}
	case "failed":
		h.streams.Fail(req.ID, req.Error)
	default:
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "status must be completed or failed")
		return
	}

	h.registry.RemoveActiveJob(nodeID, req.ID)
	h.log.Info("job reported", "job_id", req.ID, "node_id", nodeID, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
