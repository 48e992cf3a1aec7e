package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Headers carried by every signed node request.
const (
	HeaderNodeID   = "X-Node-Id"
	HeaderNodeTs   = "X-Node-Ts"
	HeaderNodeAuth = "X-Node-Auth"
)

// MaxClockSkew bounds how far a request timestamp may drift from server time.
// Requests outside the window are rejected as replays.
const MaxClockSkew = 120 * time.Second

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUnknownNode   = errors.New("unknown node")
	ErrStaleRequest  = errors.New("request timestamp outside allowed window")
	ErrBadSignature  = errors.New("signature mismatch")
	ErrMissingHeader = errors.New("missing auth header")
)

type contextKey string

const nodeIDKey contextKey = "node_id"

// NodeFromContext returns the authenticated node ID, if any.
func NodeFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(nodeIDKey).(string)
	return id, ok
}

// WithNode attaches an authenticated node ID to the context.
func WithNode(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// SecretSource resolves a node's HMAC secret. Implemented by the store.
type SecretSource interface {
	NodeSecret(ctx context.Context, nodeID string) ([]byte, error)
}

// Sign computes the hex HMAC-SHA256 signature over body||timestamp.
func Sign(secret, body []byte, unixTs int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(unixTs, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// NodeVerifier authenticates signed node requests.
type NodeVerifier struct {
	secrets SecretSource
	log     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewNodeVerifier creates a verifier backed by the given secret source.
func NewNodeVerifier(secrets SecretSource, log *slog.Logger) *NodeVerifier {
	if log == nil {
		log = slog.Default()
	}
	return &NodeVerifier{
		secrets: secrets,
		log:     log,
		now:     time.Now,
	}
}

// Verify checks the three auth headers against the request body and returns
// the authenticated node ID.
func (v *NodeVerifier) Verify(ctx context.Context, nodeID, ts, sig string, body []byte) (string, error) {
	if nodeID == "" || ts == "" || sig == "" {
		return "", ErrMissingHeader
	}

	secret, err := v.secrets.NodeSecret(ctx, nodeID)
	if err != nil {
		return "", ErrUnknownNode
	}

	unixTs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrStaleRequest
	}
	drift := v.now().Sub(time.Unix(unixTs, 0))
	if drift < -MaxClockSkew || drift > MaxClockSkew {
		return "", ErrStaleRequest
	}

	want := Sign(secret, body, unixTs)
	got, err := hex.DecodeString(sig)
	if err != nil {
		return "", ErrBadSignature
	}
	wantBytes, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantBytes) {
		return "", ErrBadSignature
	}

	return nodeID, nil
}

// Middleware wraps a handler and rejects requests without a valid signature.
// The request body is buffered so downstream handlers can read it again.
func (v *NodeVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		nodeID, err := v.Verify(r.Context(),
			r.Header.Get(HeaderNodeID),
			r.Header.Get(HeaderNodeTs),
			r.Header.Get(HeaderNodeAuth),
			body)
		if err != nil {
			v.log.Warn("node auth failed", "node_id", r.Header.Get(HeaderNodeID), "error", err)
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithNode(r.Context(), nodeID)))
	})
}

// SignRequest stamps the three auth headers onto an outgoing request.
// Used by the node agent's pull path.
func SignRequest(r *http.Request, nodeID string, secret, body []byte) {
	ts := time.Now().Unix()
	r.Header.Set(HeaderNodeID, nodeID)
	r.Header.Set(HeaderNodeTs, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNodeAuth, Sign(secret, body, ts))
}
