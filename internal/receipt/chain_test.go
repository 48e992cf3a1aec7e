package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
)

// fakeStore keeps receipts in memory and exposes them for tampering.
// Unused Store methods panic via the nil embedded interface.
type fakeStore struct {
	store.Store
	receipts map[string][]*store.Receipt
}

func newFakeStore() *fakeStore {
	return &fakeStore{receipts: make(map[string][]*store.Receipt)}
}

func (f *fakeStore) AppendReceipt(_ context.Context, r *store.Receipt) error {
	for _, existing := range f.receipts[r.UserID] {
		if existing.BlockNumber == r.BlockNumber {
			return fmt.Errorf("duplicate block %d for %s", r.BlockNumber, r.UserID)
		}
	}
	cp := *r
	f.receipts[r.UserID] = append(f.receipts[r.UserID], &cp)
	return nil
}

func (f *fakeStore) LatestReceipt(_ context.Context, userID string) (*store.Receipt, error) {
	chain := f.receipts[userID]
	if len(chain) == 0 {
		return nil, store.ErrNotFound
	}
	return chain[len(chain)-1], nil
}

func (f *fakeStore) ListReceipts(_ context.Context, userID string, limit, offset int) ([]*store.Receipt, error) {
	chain := f.receipts[userID]
	if offset >= len(chain) {
		return nil, nil
	}
	end := offset + limit
	if end > len(chain) {
		end = len(chain)
	}
	return chain[offset:end], nil
}

func newTestChain() (*Chain, *fakeStore) {
	fs := newFakeStore()
	return NewChain(fs, slog.New(slog.DiscardHandler)), fs
}

func completed(user, job, response string) stream.Completed {
	return stream.Completed{
		JobID:    job,
		UserID:   user,
		NodeID:   "n_1",
		Model:    "llama3.2",
		Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Response: response,
	}
}

func TestAppendGenesisBlock(t *testing.T) {
	c, _ := newTestChain()

	r, err := c.Append(context.Background(), completed("u_1", "j_1", "hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r.BlockNumber != 1 {
		t.Errorf("block number = %d, want 1", r.BlockNumber)
	}
	if r.PreviousHash != nil {
		t.Errorf("genesis block has previous hash %q", *r.PreviousHash)
	}
	if BlockHash(r) != r.BlockHash {
		t.Error("stored block hash does not recompute")
	}
}

func TestAppendLinksBlocks(t *testing.T) {
	c, _ := newTestChain()
	ctx := context.Background()

	first, err := c.Append(ctx, completed("u_1", "j_1", "one"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := c.Append(ctx, completed("u_1", "j_2", "two"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if second.BlockNumber != 2 {
		t.Errorf("block number = %d, want 2", second.BlockNumber)
	}
	if second.PreviousHash == nil || *second.PreviousHash != first.BlockHash {
		t.Error("second block does not link to first")
	}
}

func TestChainsArePerUser(t *testing.T) {
	c, _ := newTestChain()
	ctx := context.Background()

	if _, err := c.Append(ctx, completed("u_1", "j_1", "a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	r, err := c.Append(ctx, completed("u_2", "j_2", "b"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r.BlockNumber != 1 || r.PreviousHash != nil {
		t.Errorf("u_2 chain should start at genesis, got block %d", r.BlockNumber)
	}
}

func TestRequestHashIsCanonical(t *testing.T) {
	a := RequestHash(json.RawMessage(`[{"role":"user","content":"hi"}]`))
	b := RequestHash(json.RawMessage(`[{"content":"hi","role":"user"}]`))
	if a != b {
		t.Error("key order changed the request hash")
	}

	c := RequestHash(json.RawMessage(`[{"role":"user","content":"bye"}]`))
	if a == c {
		t.Error("different content produced the same hash")
	}
}

func TestVerifyValidChain(t *testing.T) {
	c, _ := newTestChain()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Append(ctx, completed("u_1", fmt.Sprintf("j_%d", i), fmt.Sprintf("r_%d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	res, err := c.Verify(ctx, "u_1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Blocks != 5 {
		t.Errorf("result = %+v, want valid 5-block chain", res)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	c, _ := newTestChain()

	res, err := c.Verify(context.Background(), "u_nobody")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Blocks != 0 {
		t.Errorf("result = %+v, want valid empty chain", res)
	}
}

func TestVerifyDetectsTamperedBlock(t *testing.T) {
	c, fs := newTestChain()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Append(ctx, completed("u_1", fmt.Sprintf("j_%d", i), fmt.Sprintf("r_%d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	// Rewrite the middle block's response hash without touching its block
	// hash: the recomputation catches it.
	fs.receipts["u_1"][1].ResponseHash = ResponseHash("forged")

	res, err := c.Verify(ctx, "u_1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.Broken != 2 {
		t.Errorf("result = %+v, want broken at block 2", res)
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	c, fs := newTestChain()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Append(ctx, completed("u_1", fmt.Sprintf("j_%d", i), fmt.Sprintf("r_%d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	// Forge the middle block self-consistently: its own hash recomputes,
	// but the successor's previous-hash link no longer holds.
	forged := fs.receipts["u_1"][1]
	forged.ResponseHash = ResponseHash("forged")
	forged.BlockHash = BlockHash(forged)

	res, err := c.Verify(ctx, "u_1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.Broken != 3 || res.Reason != "previous hash does not match prior block" {
		t.Errorf("result = %+v, want link break at block 3", res)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	c, fs := newTestChain()
	ctx := context.Background()

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := c.Append(ctx, completed("u_1", fmt.Sprintf("j_%d", i), "r"))
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	res, err := c.Verify(ctx, "u_1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Blocks != n {
		t.Errorf("result = %+v, want valid %d-block chain", res, n)
	}
	if len(fs.receipts["u_1"]) != n {
		t.Errorf("stored %d receipts, want %d", len(fs.receipts["u_1"]), n)
	}
}
