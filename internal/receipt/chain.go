// Package receipt maintains the per-user hash-linked chain of completed
// inferences. Only content hashes are retained; transcripts never enter
// the chain.
package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
)

// genesisLink stands in for the previous-hash field on a chain's first block.
const genesisLink = "genesis"

// Chain appends and verifies per-user receipt chains. Appends for the same
// user are serialized so block numbers and links never race.
type Chain struct {
	store store.Store
	log   *slog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewChain creates a receipt chain over the given store.
func NewChain(st store.Store, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		store: st,
		log:   log,
		users: make(map[string]*sync.Mutex),
	}
}

func (c *Chain) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		c.users[userID] = mu
	}
	return mu
}

// AppendCompleted records a completed inference on the user's chain.
func (c *Chain) AppendCompleted(ctx context.Context, done stream.Completed) error {
	r, err := c.Append(ctx, done)
	if err != nil {
		return err
	}
	c.log.Info("receipt appended",
		"user_id", r.UserID, "inference_id", r.InferenceID,
		"block", r.BlockNumber, "hash", r.BlockHash[:12])
	return nil
}

// Append builds the next block for the user and persists it.
func (c *Chain) Append(ctx context.Context, done stream.Completed) (*store.Receipt, error) {
	mu := c.userLock(done.UserID)
	mu.Lock()
	defer mu.Unlock()

	// Blocks are numbered from 1.
	var prevHash *string
	blockNumber := int64(1)
	prev, err := c.store.LatestReceipt(ctx, done.UserID)
	switch {
	case err == nil:
		prevHash = &prev.BlockHash
		blockNumber = prev.BlockNumber + 1
	case errors.Is(err, store.ErrNotFound):
		// first block of this user's chain
	default:
		return nil, fmt.Errorf("load chain head: %w", err)
	}

	now := time.Now().UTC()
	r := &store.Receipt{
		ID:           uuid.NewString(),
		UserID:       done.UserID,
		InferenceID:  done.JobID,
		Model:        done.Model,
		RequestHash:  RequestHash(done.Messages),
		ResponseHash: ResponseHash(done.Response),
		PreviousHash: prevHash,
		BlockNumber:  blockNumber,
		Status:       "completed",
		ProcessingMs: done.ProcessingMs,
		TokenCount:   done.TokenCount,
		Timestamp:    now,
		TimestampISO: now.Format(time.RFC3339Nano),
	}
	if done.NodeID != "" {
		r.NodeID = &done.NodeID
	}
	r.BlockHash = BlockHash(r)

	if err := c.store.AppendReceipt(ctx, r); err != nil {
		return nil, fmt.Errorf("append receipt: %w", err)
	}
	return r, nil
}

// List returns a page of the user's chain, oldest first.
func (c *Chain) List(ctx context.Context, userID string, limit, offset int) ([]*store.Receipt, error) {
	return c.store.ListReceipts(ctx, userID, limit, offset)
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Blocks int    `json:"blocks"`
	Broken int64  `json:"brokenBlock,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verify walks the user's full chain, recomputing every block hash and
// checking every link. An empty chain is valid.
func (c *Chain) Verify(ctx context.Context, userID string) (*VerifyResult, error) {
	const page = 500
	var (
		receipts []*store.Receipt
		offset   int
	)
	for {
		batch, err := c.store.ListReceipts(ctx, userID, page, offset)
		if err != nil {
			return nil, fmt.Errorf("list receipts: %w", err)
		}
		receipts = append(receipts, batch...)
		if len(batch) < page {
			break
		}
		offset += page
	}

	res := &VerifyResult{Valid: true, Blocks: len(receipts)}
	var prevHash *string
	for i, r := range receipts {
		if r.BlockNumber != int64(i)+1 {
			return broken(res, r, "block number out of sequence"), nil
		}
		switch {
		case prevHash == nil && r.PreviousHash != nil:
			return broken(res, r, "first block carries a previous hash"), nil
		case prevHash != nil && (r.PreviousHash == nil || *r.PreviousHash != *prevHash):
			return broken(res, r, "previous hash does not match prior block"), nil
		}
		if BlockHash(r) != r.BlockHash {
			return broken(res, r, "block hash mismatch"), nil
		}
		prevHash = &r.BlockHash
	}
	return res, nil
}

func broken(res *VerifyResult, r *store.Receipt, reason string) *VerifyResult {
	res.Valid = false
	res.Broken = r.BlockNumber
	res.Reason = reason
	return res
}

// RequestHash hashes the canonical JSON form of the request messages. Object
// keys are sorted by round-tripping through the decoder; malformed JSON is
// hashed as-is.
func RequestHash(messages json.RawMessage) string {
	var v any
	if err := json.Unmarshal(messages, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			return sha256Hex(canonical)
		}
	}
	return sha256Hex(messages)
}

// ResponseHash hashes the final response transcript.
func ResponseHash(response string) string {
	return sha256Hex([]byte(response))
}

// BlockHash computes the hash binding a receipt to its predecessor.
func BlockHash(r *store.Receipt) string {
	prev := genesisLink
	if r.PreviousHash != nil {
		prev = *r.PreviousHash
	}
	input := strings.Join([]string{
		r.UserID,
		r.InferenceID,
		r.RequestHash,
		r.ResponseHash,
		prev,
		r.TimestampISO,
	}, ":")
	return sha256Hex([]byte(input))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
