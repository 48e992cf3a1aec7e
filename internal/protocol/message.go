package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types for server → node messages.
const (
	TypeRegistered = "registered"
	TypeJob        = "job"
	TypeError      = "error"
)

// Frame types for node → server messages.
const (
	TypeHeartbeat   = "heartbeat"
	TypeToken       = "token"
	TypeJobComplete = "job_complete"
	TypeJobError    = "job_error"
	TypeStatus      = "status"
)

// Content types for stream deltas.
const (
	ContentResponse  = "response"
	ContentReasoning = "reasoning"
)

// Frame is the minimal shape every socket message shares. Frames are flat
// JSON objects discriminated by the "type" field.
type Frame struct {
	Type string `json:"type"`
}

// DecodeType returns the type discriminator of a raw frame.
func DecodeType(data []byte) (string, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("unmarshal frame: %w", err)
	}
	return f.Type, nil
}

// Decode unmarshals a raw frame into the given frame type.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return v, nil
}

// Encode marshals a frame for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// --- Server → Node ---

// Registered confirms the socket handshake.
type Registered struct {
	Type          string `json:"type"`
	NodeID        string `json:"nodeId"`
	ServerVersion string `json:"serverVersion"`
}

// Job assigns an inference job to a node over its push socket.
type Job struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId"`
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// ErrorFrame reports a protocol-level problem back to the node.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// --- Node → Server ---

// Heartbeat keeps the node marked live and refreshes its declared model list.
type Heartbeat struct {
	Type       string   `json:"type"`
	Timestamp  int64    `json:"timestamp"`
	Models     []string `json:"models,omitempty"`
	ActiveJobs []string `json:"activeJobs,omitempty"`
}

// NewHeartbeat creates a Heartbeat with the current timestamp.
func NewHeartbeat(models, activeJobs []string) Heartbeat {
	return Heartbeat{
		Type:       TypeHeartbeat,
		Timestamp:  time.Now().Unix(),
		Models:     models,
		ActiveJobs: activeJobs,
	}
}

// Token streams one inference delta from a node. Token carries the
// response-channel delta; Reasoning carries the chain-of-thought channel.
type Token struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Token     string `json:"token,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Done      bool   `json:"done"`
}

// JobComplete reports terminal success with the final response text.
type JobComplete struct {
	Type         string `json:"type"`
	JobID        string `json:"jobId"`
	Response     string `json:"response"`
	ProcessingMs int64  `json:"processingMs,omitempty"`
	TokenCount   int    `json:"tokenCount,omitempty"`
}

// JobError reports terminal failure.
type JobError struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// Status reports node-side capacity.
type Status struct {
	Type       string `json:"type"`
	ActiveJobs int    `json:"activeJobs"`
	MaxJobs    int    `json:"maxJobs"`
	Available  bool   `json:"available"`
}

// --- Pull-path HTTP bodies (signed worker requests) ---

// HeartbeatRequest is the body of POST /nodes/heartbeat.
type HeartbeatRequest struct {
	Models  []string `json:"models"`
	Ready   bool     `json:"ready"`
	Region  string   `json:"region,omitempty"`
	Runtime string   `json:"runtime,omitempty"`
}

// HeartbeatResponse echoes the resulting registry status.
type HeartbeatResponse struct {
	Status string `json:"status"`
}

// PollResponse is the claimed job returned by GET /inference/poll.
type PollResponse struct {
	ID       string          `json:"id"`
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
}

// CompleteRequest is the terminal-only body of POST /inference/complete.
type CompleteRequest struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StreamRequest is the pull-path producer frame of POST /inference/stream.
// Exactly one of Delta, Cumulative, or the legacy Chunk should be set; the
// server derives the effective delta in that order.
type StreamRequest struct {
	ID          string  `json:"id"`
	Seq         *int64  `json:"seq,omitempty"`
	Offset      *int    `json:"offset,omitempty"`
	Delta       *string `json:"delta,omitempty"`
	Cumulative  *string `json:"cumulative,omitempty"`
	Chunk       *string `json:"chunk,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Done        bool    `json:"done"`
}

// StreamResponse acknowledges an accepted producer frame.
type StreamResponse struct {
	OK     bool `json:"ok"`
	Offset int  `json:"offset"`
}
