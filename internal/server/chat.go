package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
)

// Streams are cut off after this long regardless of producer progress.
const maxStreamDuration = 5 * time.Minute

// ChatHandler serves the user-facing chat surface.
type ChatHandler struct {
	dispatcher *Dispatcher
	streams    *stream.Manager
	store      store.Store
	users      *auth.UserAuth
	log        *slog.Logger
}

// NewChatHandler creates the chat handler.
func NewChatHandler(d *Dispatcher, streams *stream.Manager, st store.Store, users *auth.UserAuth, log *slog.Logger) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{
		dispatcher: d,
		streams:    streams,
		store:      st,
		users:      users,
		log:        log,
	}
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
}

type sseEvent struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId,omitempty"`
	Delta       string `json:"delta,omitempty"`
	Offset      *int   `json:"offset,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Stream handles POST /chat/stream: dispatch an inference and relay its
// deltas as server-sent events.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := h.users.UserFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid token")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed chat body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "model and messages are required")
		return
	}

	job, sub, err := h.dispatcher.Dispatch(r.Context(), userID, req.Model, req.Messages)
	if errors.Is(err, ErrNoNodeForModel) {
		writeError(w, http.StatusNotFound, codeNoWorker, "no live node serves "+req.Model)
		return
	}
	if err != nil {
		h.log.Error("dispatch failed", "user_id", userID, "model", req.Model, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "dispatch failed")
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE(w, flusher, sseEvent{Type: "started", JobID: job.ID})

	deadline := time.NewTimer(maxStreamDuration)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-deadline.C:
			writeSSE(w, flusher, sseEvent{Type: "error", JobID: job.ID, Error: "timeout"})
			writeSSEDone(w, flusher)
			return

		case f, ok := <-sub.C:
			if !ok {
				// Producer stream ended without a terminal frame reaching us.
				writeSSE(w, flusher, sseEvent{Type: "error", JobID: job.ID, Error: "stream interrupted"})
				writeSSEDone(w, flusher)
				return
			}
			if f.Error != "" {
				writeSSE(w, flusher, sseEvent{Type: "error", JobID: job.ID, Error: f.Error})
				writeSSEDone(w, flusher)
				return
			}
			if f.Delta != "" {
				offset := f.Offset
				writeSSE(w, flusher, sseEvent{
					Type:        "delta",
					JobID:       job.ID,
					Delta:       f.Delta,
					Offset:      &offset,
					ContentType: f.ContentType,
				})
			}
			if f.Done {
				end := f.Offset + len([]rune(f.Delta))
				writeSSE(w, flusher, sseEvent{Type: "done", JobID: job.ID, Offset: &end, NodeID: f.NodeID})
				writeSSEDone(w, flusher)
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type deltaResponse struct {
	JobID  string `json:"jobId"`
	Offset int    `json:"offset"`
	Delta  string `json:"delta"`
	Done   bool   `json:"done"`
	Error  string `json:"error,omitempty"`
}

// Delta handles GET /inference/delta: one-shot catch-up past a committed
// offset, for clients that reconnect instead of holding the SSE stream.
func (h *ChatHandler) Delta(w http.ResponseWriter, r *http.Request) {
	userID := h.users.UserFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid token")
		return
	}

	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "missing jobId")
		return
	}
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))

	job, err := h.store.GetJob(r.Context(), jobID)
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

	// Terminal jobs may already be evicted from memory; answer from the row.
	f, caughtUp, err := h.streams.Poll(r.Context(), jobID, since)
	if err != nil {
		if job.Status.Terminal() {
			h.answerFromRow(w, job, since)
			return
		}
		writeError(w, http.StatusNotFound, codeUnknownJob, "no such job")
		return
	}
	if caughtUp {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, deltaResponse{
		JobID:  jobID,
		Offset: f.Offset,
		Delta:  f.Delta,
		Done:   f.Done,
	})
}

func (h *ChatHandler) answerFromRow(w http.ResponseWriter, job *store.Job, since int) {
	if job.Status == store.JobStatusFailed {
		writeJSON(w, http.StatusOK, deltaResponse{JobID: job.ID, Offset: since, Done: true, Error: job.Error})
		return
	}
	text := []rune(job.Response)
	if since < 0 {
		since = 0
	}
	if since > len(text) {
		since = len(text)
	}
	writeJSON(w, http.StatusOK, deltaResponse{
		JobID:  job.ID,
		Offset: since,
		Delta:  string(text[since:]),
		Done:   true,
	})
}
