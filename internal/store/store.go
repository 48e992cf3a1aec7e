package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned for status transitions out of a terminal state.
	ErrTerminal = errors.New("job already terminal")
)

// Store defines the interface for all database operations.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// ClaimNext atomically selects the oldest pending job whose model the
	// node serves, flips it to assigned, and returns it. Returns ErrNotFound
	// when no eligible job exists.
	ClaimNext(ctx context.Context, nodeID string, models []string) (*Job, error)
	AssignJob(ctx context.Context, jobID, nodeID string) error
	UpdateJobStatus(ctx context.Context, id string, status JobStatus, response, errMsg string) error

	// Nodes
	UpsertNode(ctx context.Context, node *Node, secret []byte) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
	UpdateNodeHeartbeat(ctx context.Context, id string, models []string, region, runtime string) error
	UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error
	DeleteNode(ctx context.Context, id string) error
	NodeSecret(ctx context.Context, id string) ([]byte, error)

	// Receipts
	AppendReceipt(ctx context.Context, r *Receipt) error
	LatestReceipt(ctx context.Context, userID string) (*Receipt, error)
	ListReceipts(ctx context.Context, userID string, limit, offset int) ([]*Receipt, error)

	// Lifecycle
	Close() error
}

// JobStatus represents the state of an inference job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusStreaming JobStatus = "streaming"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents a single inference request.
type Job struct {
	ID        string
	UserID    string
	Model     string
	Messages  json.RawMessage // user transcript, passed through verbatim
	Status    JobStatus
	NodeID    *string
	Response  string // set only on completion
	Error     string // set only on failure
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobFilter for listing jobs.
type JobFilter struct {
	UserID string
	Status JobStatus
	Model  string
	Limit  int
	Offset int
}

// NodeStatus represents the liveness state of a node.
type NodeStatus string

const (
	NodeStatusUnseen NodeStatus = "unseen"
	NodeStatusIdle   NodeStatus = "idle"
	NodeStatusBusy   NodeStatus = "busy"
	NodeStatusStale  NodeStatus = "stale"
)

// Node represents a registered GPU node.
type Node struct {
	ID      string
	Models  []string
	Status  NodeStatus
	Region  string
	Runtime string
	// SecretHash is a SHA3-256 fingerprint of the HMAC secret, safe to
	// display. The secret itself is stored encrypted and never listed.
	SecretHash string
	LastSeen   time.Time
	CreatedAt  time.Time
}

// NodeFilter for listing nodes.
type NodeFilter struct {
	Status  NodeStatus
	Region  string
	Runtime string
	Model   string
}

// Receipt is one hash-linked entry in a user's inference chain.
type Receipt struct {
	ID           string
	UserID       string
	InferenceID  string
	NodeID       *string
	Model        string
	RequestHash  string
	ResponseHash string
	PreviousHash *string // nil for the first block of a chain
	BlockHash    string
	BlockNumber  int64
	Status       string
	ProcessingMs int64
	TokenCount   int
	Timestamp    time.Time
	TimestampISO string // the exact string hashed into BlockHash
}
