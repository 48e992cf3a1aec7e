package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/protocol"
)

func TestOllamaChatStreamsChunks(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "llama3.2" || !req.Stream {
			t.Errorf("request = %+v", req)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	}))
	defer rt.Close()

	client := NewOllamaClient(rt.URL)
	var text string
	var sawDone bool
	err := client.Chat(context.Background(), "llama3.2", json.RawMessage(`[]`), func(token, reasoning string, done bool) error {
		text += token
		sawDone = sawDone || done
		return nil
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "Hello" || !sawDone {
		t.Errorf("text = %q done = %v", text, sawDone)
	}
}

func TestOllamaChatRuntimeError(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer rt.Close()

	client := NewOllamaClient(rt.URL)
	err := client.Chat(context.Background(), "missing", json.RawMessage(`[]`), func(string, string, bool) error {
		t.Error("callback should not run")
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOllamaModels(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"models":[{"name":"llama3.2"},{"name":"mistral"}]}`)
	}))
	defer rt.Close()

	models, err := NewOllamaClient(rt.URL).Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2" {
		t.Errorf("models = %v", models)
	}
}

// fakePlane records the signed frames a pulled job produces.
type fakePlane struct {
	t      *testing.T
	secret string

	mu     sync.Mutex
	frames []protocol.StreamRequest
}

func (f *fakePlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inference/stream", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			f.t.Errorf("read body: %v", err)
		}

		// Every pull-path frame must carry a valid signature.
		sig := auth.Sign([]byte(f.secret), body, mustInt(f.t, r.Header.Get(auth.HeaderNodeTs)))
		if sig != r.Header.Get(auth.HeaderNodeAuth) {
			f.t.Error("bad frame signature")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req protocol.StreamRequest
		if err := json.Unmarshal(body, &req); err != nil {
			f.t.Errorf("decode frame: %v", err)
		}
		f.mu.Lock()
		f.frames = append(f.frames, req)
		total := 0
		for _, fr := range f.frames {
			if fr.Delta != nil && fr.ContentType != protocol.ContentReasoning {
				total += len([]rune(*fr.Delta))
			}
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"offset":%d}`, total)
	})
	return mux
}

func mustInt(t *testing.T, s string) int64 {
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		t.Fatalf("bad timestamp %q", s)
	}
	return n
}

func TestRunPulledJobStreamsSignedFrames(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":" 👋"},"done":true}`)
	}))
	defer rt.Close()

	plane := &fakePlane{t: t, secret: "s3cret"}
	cp := httptest.NewServer(plane.handler())
	defer cp.Close()

	a := New(Config{
		ServerURL: cp.URL,
		NodeID:    "n_1",
		Secret:    "s3cret",
		OllamaURL: rt.URL,
		PullOnly:  true,
	}, slog.New(slog.DiscardHandler))

	a.runPulledJob(cp.Client(), protocol.PollResponse{
		ID:       "j_1",
		Model:    "llama3.2",
		Messages: json.RawMessage(`[]`),
	})

	plane.mu.Lock()
	defer plane.mu.Unlock()
	if len(plane.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(plane.frames))
	}

	first, second := plane.frames[0], plane.frames[1]
	if *first.Seq != 0 || *first.Offset != 0 || *first.Delta != "Hi" || first.Done {
		t.Errorf("first frame = %+v", first)
	}
	if *second.Seq != 1 || *second.Offset != 2 || *second.Delta != " 👋" || !second.Done {
		t.Errorf("second frame = %+v", second)
	}
}

func TestRunPulledJobReportsFailure(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer rt.Close()

	var failed protocol.CompleteRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inference/complete", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&failed); err != nil {
			t.Errorf("decode complete: %v", err)
		}
		fmt.Fprint(w, `{"ok":true}`)
	})
	cp := httptest.NewServer(mux)
	defer cp.Close()

	a := New(Config{
		ServerURL: cp.URL,
		NodeID:    "n_1",
		Secret:    "s3cret",
		OllamaURL: rt.URL,
		PullOnly:  true,
	}, slog.New(slog.DiscardHandler))

	a.runPulledJob(cp.Client(), protocol.PollResponse{ID: "j_1", Model: "llama3.2", Messages: json.RawMessage(`[]`)})

	if failed.ID != "j_1" || failed.Status != "failed" || failed.Error == "" {
		t.Errorf("failure report = %+v", failed)
	}
}
