package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/receipt"
	"github.com/infermesh/infermesh/internal/store"
)

// ReceiptHandler serves a user's hash-linked receipt chain.
type ReceiptHandler struct {
	chain *receipt.Chain
	users *auth.UserAuth
	log   *slog.Logger
}

// NewReceiptHandler creates the receipt handler.
func NewReceiptHandler(chain *receipt.Chain, users *auth.UserAuth, log *slog.Logger) *ReceiptHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ReceiptHandler{
		chain: chain,
		users: users,
		log:   log,
	}
}

type receiptView struct {
	InferenceID  string    `json:"inferenceId"`
	NodeID       *string   `json:"nodeId,omitempty"`
	Model        string    `json:"model"`
	RequestHash  string    `json:"requestHash"`
	ResponseHash string    `json:"responseHash"`
	PreviousHash *string   `json:"previousHash"`
	BlockHash    string    `json:"blockHash"`
	BlockNumber  int64     `json:"blockNumber"`
	Status       string    `json:"status"`
	ProcessingMs int64     `json:"processingMs"`
	TokenCount   int       `json:"tokenCount"`
	Timestamp    time.Time `json:"timestamp"`
}

// List handles GET /receipts: a page of the caller's chain, oldest first.
func (h *ReceiptHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := h.users.UserFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid token")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	receipts, err := h.chain.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("failed to list receipts", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "list failed")
		return
	}

	views := make([]receiptView, 0, len(receipts))
	for _, rc := range receipts {
		views = append(views, toReceiptView(rc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": views})
}

// Verify handles GET /receipts/verify: a full chain walk.
func (h *ReceiptHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := h.users.UserFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid token")
		return
	}

	res, err := h.chain.Verify(r.Context(), userID)
	if err != nil {
		h.log.Error("chain verification failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "verification failed")
		return
	}
	if !res.Valid {
		h.log.Warn("receipt chain broken", "user_id", userID, "block", res.Broken, "reason", res.Reason)
	}
	writeJSON(w, http.StatusOK, res)
}

func toReceiptView(r *store.Receipt) receiptView {
	return receiptView{
		InferenceID:  r.InferenceID,
		NodeID:       r.NodeID,
		Model:        r.Model,
		RequestHash:  r.RequestHash,
		ResponseHash: r.ResponseHash,
		PreviousHash: r.PreviousHash,
		BlockHash:    r.BlockHash,
		BlockNumber:  r.BlockNumber,
		Status:       r.Status,
		ProcessingMs: r.ProcessingMs,
		TokenCount:   r.TokenCount,
		Timestamp:    r.Timestamp,
	}
}
