package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New("127.0.0.1:0", st, "test-user-secret", slog.New(slog.DiscardHandler))
}

func userToken(t *testing.T, s *Server, userID string) string {
	t.Helper()
	token, err := s.users.MintToken(userID)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	return token
}

// registerNode mints a node identity through the API and returns its ID and
// plaintext secret.
func registerNode(t *testing.T, ts *httptest.Server, token string, models []string) (string, string) {
	t.Helper()
	body, _ := json.Marshal(registerNodeRequest{Models: models})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/nodes/register", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var out registerNodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out.NodeID, out.Secret
}

// signedRequest issues a node-signed request and decodes the JSON response
// into out when it is non-nil.
func signedRequest(t *testing.T, ts *httptest.Server, method, path, nodeID, secret string, body []byte, out any) int {
	t.Helper()
	req, _ := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	auth.SignRequest(req, nodeID, []byte(secret), body)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func heartbeat(t *testing.T, ts *httptest.Server, nodeID, secret string, models []string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"models": models, "ready": true})
	if code := signedRequest(t, ts, http.MethodPost, "/nodes/heartbeat", nodeID, secret, body, nil); code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHeartbeatRequiresSignature(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/nodes/heartbeat", "application/json", strings.NewReader(`{"ready":true}`))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatStreamNoNodeForModel(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	token := userToken(t, s, "u_1")

	body := `{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/chat/stream", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var e errorBody
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != codeNoWorker {
		t.Errorf("error = %q, want %q", e.Error, codeNoWorker)
	}

	// Nothing was persisted for the rejected request.
	jobs, err := s.store.ListJobs(t.Context(), store.JobFilter{UserID: "u_1"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("found %d jobs, want 0", len(jobs))
	}
}

func TestPullPathEndToEnd(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	token := userToken(t, s, "u_1")
	ctx := t.Context()

	nodeID, secret := registerNode(t, ts, token, []string{"llama3.2"})
	heartbeat(t, ts, nodeID, secret, []string{"llama3.2"})

	// Node is live but has no push socket: the job stays pending.
	job, sub, err := s.dispatcher.Dispatch(ctx, "u_1", "llama3.2", json.RawMessage(`[{"role":"user","content":"wave"}]`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	defer sub.Close()

	// Empty queue for the wrong model.
	var poll struct {
		ID       string          `json:"id"`
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
	}
	code := signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, &poll)
	if code != http.StatusOK {
		t.Fatalf("poll status = %d", code)
	}
	if poll.ID != job.ID || poll.Model != "llama3.2" {
		t.Fatalf("poll = %+v, want job %s", poll, job.ID)
	}

	// A second poll finds nothing.
	if code := signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, nil); code != http.StatusNoContent {
		t.Errorf("second poll status = %d, want 204", code)
	}

	streamFrame := func(frame string) (int, map[string]any) {
		var out map[string]any
		code := signedRequest(t, ts, http.MethodPost, "/inference/stream", nodeID, secret, []byte(frame), &out)
		return code, out
	}

	code, out := streamFrame(fmt.Sprintf(`{"id":%q,"seq":0,"offset":0,"delta":"Hello"}`, job.ID))
	if code != http.StatusOK || out["offset"].(float64) != 5 {
		t.Fatalf("first delta: code=%d out=%v", code, out)
	}

	// Replay of seq 0 is acknowledged without effect.
	code, out = streamFrame(fmt.Sprintf(`{"id":%q,"seq":0,"offset":0,"delta":"Hello"}`, job.ID))
	if code != http.StatusOK || out["offset"].(float64) != 5 {
		t.Fatalf("replayed delta: code=%d out=%v", code, out)
	}

	// A stale offset is rejected with the expected resume point.
	frame := fmt.Sprintf(`{"id":%q,"seq":1,"offset":3,"delta":"xx"}`, job.ID)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/inference/stream", strings.NewReader(frame))
	auth.SignRequest(req, nodeID, []byte(secret), []byte(frame))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var mismatch errorBody
	_ = json.NewDecoder(resp.Body).Decode(&mismatch)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || mismatch.Error != codeOffsetMismatch || mismatch.Expected == nil || *mismatch.Expected != 5 {
		t.Fatalf("mismatch response: %d %+v", resp.StatusCode, mismatch)
	}

	// The emoji is one code point.
	code, out = streamFrame(fmt.Sprintf(`{"id":%q,"seq":2,"offset":5,"delta":" 👋","done":true}`, job.ID))
	if code != http.StatusOK || out["offset"].(float64) != 7 {
		t.Fatalf("final delta: code=%d out=%v", code, out)
	}

	// The subscriber saw the whole transcript in order.
	var text string
	for f := range sub.C {
		text += f.Delta
		if f.Done {
			break
		}
	}
	if text != "Hello 👋" {
		t.Errorf("subscriber transcript = %q", text)
	}

	final, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != store.JobStatusCompleted || final.Response != "Hello 👋" {
		t.Errorf("job = %s %q", final.Status, final.Response)
	}

	// One receipt on a valid chain.
	verifyReq, _ := http.NewRequest(http.MethodGet, ts.URL+"/receipts/verify", nil)
	verifyReq.Header.Set("Authorization", "Bearer "+token)
	verifyResp, err := ts.Client().Do(verifyReq)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	defer verifyResp.Body.Close()
	var verdict struct {
		Valid  bool `json:"valid"`
		Blocks int  `json:"blocks"`
	}
	if err := json.NewDecoder(verifyResp.Body).Decode(&verdict); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if !verdict.Valid || verdict.Blocks != 1 {
		t.Errorf("verify = %+v, want valid 1-block chain", verdict)
	}
}

func TestChatStreamSSE(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	token := userToken(t, s, "u_1")

	nodeID, secret := registerNode(t, ts, token, []string{"llama3.2"})
	heartbeat(t, ts, nodeID, secret, []string{"llama3.2"})

	type result struct {
		events []sseEvent
		tail   string
		err    error
	}
	started := make(chan string, 1)
	done := make(chan result, 1)

	go func() {
		body := `{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/chat/stream", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := ts.Client().Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()

		var res result
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				res.tail = payload
				break
			}
			var ev sseEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				res.err = err
				break
			}
			res.events = append(res.events, ev)
			if ev.Type == "started" {
				started <- ev.JobID
			}
		}
		done <- res
	}()

	var jobID string
	select {
	case jobID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no started event")
	}

	// Produce over the pull path while the SSE request is held open.
	if code := signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, nil); code != http.StatusOK {
		t.Fatalf("poll status = %d", code)
	}
	frame := fmt.Sprintf(`{"id":%q,"delta":"hi there","done":true}`, jobID)
	if code := signedRequest(t, ts, http.MethodPost, "/inference/stream", nodeID, secret, []byte(frame), nil); code != http.StatusOK {
		t.Fatalf("stream status = %d", code)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SSE stream did not finish")
	}
	if res.err != nil {
		t.Fatalf("SSE read: %v", res.err)
	}
	if res.tail != "[DONE]" {
		t.Errorf("missing [DONE] sentinel")
	}

	var kinds []string
	var text string
	for _, ev := range res.events {
		kinds = append(kinds, ev.Type)
		if ev.Type == "delta" {
			text += ev.Delta
		}
	}
	if len(kinds) < 3 || kinds[0] != "started" || kinds[len(kinds)-1] != "done" {
		t.Errorf("event kinds = %v", kinds)
	}
	if text != "hi there" {
		t.Errorf("streamed text = %q", text)
	}
	if last := res.events[len(res.events)-1]; last.NodeID != nodeID {
		t.Errorf("done event nodeId = %q, want %q", last.NodeID, nodeID)
	}
}

func TestDeltaCatchUpAfterCompletion(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	token := userToken(t, s, "u_1")
	ctx := t.Context()

	nodeID, secret := registerNode(t, ts, token, nil)
	heartbeat(t, ts, nodeID, secret, []string{"llama3.2"})

	job, sub, err := s.dispatcher.Dispatch(ctx, "u_1", "llama3.2", json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sub.Close()

	signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, nil)
	frame := fmt.Sprintf(`{"id":%q,"delta":"result text","done":true}`, job.ID)
	signedRequest(t, ts, http.MethodPost, "/inference/stream", nodeID, secret, []byte(frame), nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/inference/delta?jobId="+job.ID+"&since=7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	defer resp.Body.Close()

	var out deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Delta != "text" || !out.Done {
		t.Errorf("delta = %+v, want tail %q done", out, "text")
	}

	// Another user cannot read the job.
	otherToken := userToken(t, s, "u_2")
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/inference/delta?jobId="+job.ID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	resp2, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("cross-user status = %d, want 404", resp2.StatusCode)
	}
}

func TestDeltaCaughtUpReturnsNoContent(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	token := userToken(t, s, "u_1")
	ctx := t.Context()

	nodeID, secret := registerNode(t, ts, token, nil)
	heartbeat(t, ts, nodeID, secret, []string{"llama3.2"})

	job, sub, err := s.dispatcher.Dispatch(ctx, "u_1", "llama3.2", json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sub.Close()

	signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, nil)
	frame := fmt.Sprintf(`{"id":%q,"delta":"abc"}`, job.ID)
	if code := signedRequest(t, ts, http.MethodPost, "/inference/stream", nodeID, secret, []byte(frame), nil); code != http.StatusOK {
		t.Fatalf("stream status = %d", code)
	}

	// The client already holds everything produced so far; the stream is
	// still open, so there is nothing to send.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/inference/delta?jobId="+job.ID+"&since=3", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("caught-up status = %d, want 204", resp.StatusCode)
	}
}

func TestDeleteNodeFailsItsJobs(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	token := userToken(t, s, "u_1")
	ctx := t.Context()

	nodeID, secret := registerNode(t, ts, token, []string{"llama3.2"})
	heartbeat(t, ts, nodeID, secret, []string{"llama3.2"})

	job, sub, err := s.dispatcher.Dispatch(ctx, "u_1", "llama3.2", json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	defer sub.Close()
	signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/nodes/"+nodeID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	f := <-sub.C
	if !f.Done || f.Error != "worker_disconnected" {
		t.Errorf("frame = %+v, want worker_disconnected", f)
	}

	final, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != store.JobStatusFailed {
		t.Errorf("job status = %s, want failed", final.Status)
	}

	// The deleted node's signature no longer verifies.
	if code := signedRequest(t, ts, http.MethodGet, "/inference/poll", nodeID, secret, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("post-delete poll status = %d, want 401", code)
	}
}
