package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrNoNodeForModel = errors.New("no node available for model")
	ErrNodeNotFound   = errors.New("node not found")
)

// Stable error codes returned on every API surface.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeUnknownJob     = "unknown_job"
	codeNoWorker       = "no_worker_for_model"
	codeOffsetMismatch = "offset_mismatch"
	codeJobTerminal    = "job_terminal"
	codeNodeNotFound   = "node_not_found"
	codeInternal       = "internal_error"
)

type errorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Expected *int   `json:"expected,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeOffsetMismatch(w http.ResponseWriter, expected int) {
	writeJSON(w, http.StatusConflict, errorBody{Error: codeOffsetMismatch, Expected: &expected})
}
