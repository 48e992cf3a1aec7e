// Package server hosts the control plane: node sockets, the signed pull
// path, the user chat surface, and the operator API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/receipt"
	"github.com/infermesh/infermesh/internal/registry"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
	"github.com/infermesh/infermesh/internal/version"
)

// Server wires every handler onto one mux and owns their lifecycles.
type Server struct {
	addr string
	log  *slog.Logger

	store      store.Store
	registry   *registry.Registry
	streams    *stream.Manager
	chain      *receipt.Chain
	dispatcher *Dispatcher
	verifier   *auth.NodeVerifier
	users      *auth.UserAuth

	httpSrv *http.Server
}

// New assembles the control plane around the given store.
func New(addr string, st store.Store, userSecret string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	reg := registry.New()
	chain := receipt.NewChain(st, log)
	streams := stream.NewManager(st, chain, log)
	dispatcher := NewDispatcher(reg, st, streams, log)

	s := &Server{
		addr:       addr,
		log:        log,
		store:      st,
		registry:   reg,
		streams:    streams,
		chain:      chain,
		dispatcher: dispatcher,
		verifier:   auth.NewNodeVerifier(st, log),
		users:      auth.NewUserAuth(userSecret),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// UserAuth exposes the token minter for the CLI.
func (s *Server) UserAuth() *auth.UserAuth {
	return s.users
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	nodeWS := NewNodeWSHandler(s.registry, s.store, s.streams, s.verifier, s.log)
	nodeWS.SetDispatcher(s.dispatcher)
	nodeHTTP := NewNodeHTTPHandler(s.registry, s.store, s.streams, s.log)
	chat := NewChatHandler(s.dispatcher, s.streams, s.store, s.users, s.log)
	subscribe := NewSubscribeWSHandler(s.streams, s.store, s.users, s.log)
	api := NewAPIHandler(s.registry, s.store, s.dispatcher, s.users, s.log)
	receipts := NewReceiptHandler(s.chain, s.users, s.log)

	signed := func(h http.HandlerFunc) http.Handler {
		return s.verifier.Middleware(h)
	}

	mux := http.NewServeMux()

	// Node surfaces
	mux.Handle("GET /ws/node", nodeWS)
	mux.Handle("POST /nodes/heartbeat", signed(nodeHTTP.Heartbeat))
	mux.Handle("GET /inference/poll", signed(nodeHTTP.Poll))
	mux.Handle("POST /inference/stream", signed(nodeHTTP.Stream))
	mux.Handle("POST /inference/complete", signed(nodeHTTP.Complete))

	// User surfaces
	mux.HandleFunc("POST /chat/stream", chat.Stream)
	mux.HandleFunc("GET /inference/delta", chat.Delta)
	mux.Handle("GET /ws/subscribe", subscribe)
	mux.HandleFunc("GET /receipts", receipts.List)
	mux.HandleFunc("GET /receipts/verify", receipts.Verify)

	// Operator surfaces
	mux.HandleFunc("POST /nodes/register", api.RegisterNode)
	mux.HandleFunc("GET /api/nodes", api.ListNodes)
	mux.HandleFunc("DELETE /api/nodes/{id}", api.DeleteNode)
	mux.HandleFunc("GET /api/jobs/{id}", api.GetJob)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	})

	return mux
}

// Start runs the sweep loop and serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.dispatcher.Start()
	s.log.Info("server listening", "addr", s.addr, "version", version.Version)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains HTTP and stops background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.dispatcher.Stop()
	return s.httpSrv.Shutdown(ctx)
}
