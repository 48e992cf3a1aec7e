package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/registry"
	"github.com/infermesh/infermesh/internal/store"
)

// APIHandler serves the operator surface: node registration and the
// node/job read endpoints.
type APIHandler struct {
	registry   *registry.Registry
	store      store.Store
	dispatcher *Dispatcher
	users      *auth.UserAuth
	log        *slog.Logger
}

// NewAPIHandler creates the operator API handler.
func NewAPIHandler(reg *registry.Registry, st store.Store, d *Dispatcher, users *auth.UserAuth, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		registry:   reg,
		store:      st,
		dispatcher: d,
		users:      users,
		log:        log,
	}
}

func (h *APIHandler) authed(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.users.UserFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid token")
		return "", false
	}
	return userID, true
}

type registerNodeRequest struct {
	Models  []string `json:"models"`
	Region  string   `json:"region,omitempty"`
	Runtime string   `json:"runtime,omitempty"`
}

type registerNodeResponse struct {
	NodeID string `json:"nodeId"`
	// Secret is shown exactly once; only its encrypted form and a SHA3
	// fingerprint are retained.
	Secret string `json:"secret"`
}

// RegisterNode handles POST /nodes/register: mint a node identity and its
// HMAC secret.
func (h *APIHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}

	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed register body")
		return
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "entropy unavailable")
		return
	}
	secretHex := hex.EncodeToString(secret)

	node := &store.Node{
		ID:         "node_" + uuid.NewString(),
		Models:     req.Models,
		Status:     store.NodeStatusUnseen,
		Region:     req.Region,
		Runtime:    req.Runtime,
		SecretHash: fingerprint(secretHex),
	}
	if err := h.store.UpsertNode(r.Context(), node, []byte(secretHex)); err != nil {
		h.log.Error("failed to register node", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "registration failed")
		return
	}

	h.log.Info("node registered", "node_id", node.ID, "models", node.Models, "fingerprint", node.SecretHash[:12])
	writeJSON(w, http.StatusCreated, registerNodeResponse{NodeID: node.ID, Secret: secretHex})
}

// fingerprint is a SHA3-256 hash safe to display in listings.
func fingerprint(secret string) string {
	h := sha3.New256()
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

type nodeView struct {
	ID         string    `json:"id"`
	Models     []string  `json:"models"`
	Status     string    `json:"status"`
	Region     string    `json:"region,omitempty"`
	Runtime    string    `json:"runtime,omitempty"`
	Connected  bool      `json:"connected"`
	ActiveJobs int       `json:"activeJobs"`
	LastSeen   time.Time `json:"lastSeen"`
}

// ListNodes handles GET /api/nodes: stored nodes overlaid with live
// registry state.
func (h *APIHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}

	filter := store.NodeFilter{
		Status:  store.NodeStatus(r.URL.Query().Get("status")),
		Region:  r.URL.Query().Get("region"),
		Runtime: r.URL.Query().Get("runtime"),
		Model:   r.URL.Query().Get("model"),
	}
	nodes, err := h.store.ListNodes(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list nodes", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "list failed")
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := nodeView{
			ID:       n.ID,
			Models:   n.Models,
			Status:   string(n.Status),
			Region:   n.Region,
			Runtime:  n.Runtime,
			LastSeen: n.LastSeen,
		}
		if live := h.registry.Get(n.ID); live != nil {
			v.Connected = live.Pushable()
			v.ActiveJobs = len(live.ActiveJobs)
			v.LastSeen = live.LastHeartbeat
			if live.Idle() {
				v.Status = string(store.NodeStatusIdle)
			} else {
				v.Status = string(store.NodeStatusBusy)
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

// DeleteNode handles DELETE /api/nodes/{id}: revoke a node. In-flight jobs
// on the node fail with worker_disconnected.
func (h *APIHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}

	nodeID := r.PathValue("id")
	if _, err := h.store.GetNode(r.Context(), nodeID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNodeNotFound, "no such node")
		return
	}

	h.dispatcher.NodeDisconnected(nodeID)
	if err := h.store.DeleteNode(r.Context(), nodeID); err != nil {
		h.log.Error("failed to delete node", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "delete failed")
		return
	}

	h.log.Info("node deleted", "node_id", nodeID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type jobView struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	NodeID    *string   `json:"nodeId,omitempty"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GetJob handles GET /api/jobs/{id}. Users see only their own jobs.
func (h *APIHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}

	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeUnknownJob, "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "lookup failed")
		return
	}
	if job.UserID != userID {
		writeError(w, http.StatusNotFound, codeUnknownJob, "no such job")
		return
	}

	writeJSON(w, http.StatusOK, jobView{
		ID:        job.ID,
		Model:     job.Model,
		Status:    string(job.Status),
		NodeID:    job.NodeID,
		Response:  job.Response,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}
