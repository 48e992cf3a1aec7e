package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/protocol"
	"github.com/infermesh/infermesh/internal/registry"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
	"github.com/infermesh/infermesh/internal/version"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // nodes connect from anywhere
	},
}

// connectBody is the fixed payload signed for the socket handshake. Replay
// is bounded by the timestamp window the verifier enforces.
func connectBody(nodeID string) []byte {
	return []byte("connect:" + nodeID)
}

// NodeWSHandler accepts push sockets from nodes.
type NodeWSHandler struct {
	registry   *registry.Registry
	store      store.Store
	streams    *stream.Manager
	verifier   *auth.NodeVerifier
	dispatcher *Dispatcher
	log        *slog.Logger
}

// NewNodeWSHandler creates the socket handler.
func NewNodeWSHandler(reg *registry.Registry, st store.Store, streams *stream.Manager, verifier *auth.NodeVerifier, log *slog.Logger) *NodeWSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &NodeWSHandler{
		registry: reg,
		store:    st,
		streams:  streams,
		verifier: verifier,
		log:      log,
	}
}

// SetDispatcher wires the dispatcher for disconnect handling.
func (h *NodeWSHandler) SetDispatcher(d *Dispatcher) {
	h.dispatcher = d
}

// ServeHTTP handles the socket upgrade. The handshake is authenticated by
// query parameters carrying the node's HMAC signature over a fixed connect
// payload.
func (h *NodeWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodeID, err := h.verifier.Verify(r.Context(),
		q.Get("id"), q.Get("ts"), q.Get("sig"),
		connectBody(q.Get("id")))
	if err != nil {
		h.log.Warn("socket handshake rejected", "node_id", q.Get("id"), "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var models []string
	if raw := q.Get("models"); raw != "" {
		models = strings.Split(raw, ",")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	node := &registry.NodeConn{
		ID:      nodeID,
		Models:  models,
		Region:  q.Get("region"),
		Runtime: q.Get("runtime"),
		Send:    make(chan []byte, 256),
	}
	h.registry.Connect(node)

	ctx := context.Background()
	if err := h.store.UpdateNodeHeartbeat(ctx, nodeID, models, node.Region, node.Runtime); err != nil {
		h.log.Warn("failed to record node heartbeat", "node_id", nodeID, "error", err)
	}
	_ = h.store.UpdateNodeStatus(ctx, nodeID, store.NodeStatusIdle)

	nodesConnected.Inc()
	h.log.Info("node connected", "node_id", nodeID, "models", models)

	registered, err := protocol.Encode(protocol.Registered{
		Type:          protocol.TypeRegistered,
		NodeID:        nodeID,
		ServerVersion: version.Version,
	})
	if err != nil {
		h.log.Error("failed to encode registered frame", "error", err)
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, registered); err != nil {
		h.log.Error("failed to send registered frame", "error", err)
		conn.Close()
		return
	}

	go h.writePump(conn, node)
	go h.readPump(conn, node)
}

// readPump pumps frames from the socket into the stream manager.
func (h *NodeWSHandler) readPump(conn *websocket.Conn, node *registry.NodeConn) {
	defer func() {
		if h.dispatcher != nil {
			h.dispatcher.NodeDisconnected(node.ID)
		} else {
			h.registry.Remove(node.ID)
		}
		conn.Close()
		nodesConnected.Dec()
		h.log.Info("node disconnected", "node_id", node.ID)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "node_id", node.ID, "error", err)
			}
			return
		}

		h.handleFrame(node, message)
	}
}

// writePump pumps frames from the registry to the socket.
func (h *NodeWSHandler) writePump(conn *websocket.Conn, node *registry.NodeConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-node.Send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn("websocket write error", "node_id", node.ID, "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *NodeWSHandler) handleFrame(node *registry.NodeConn, data []byte) {
	frameType, err := protocol.DecodeType(data)
	if err != nil {
		h.log.Warn("failed to decode frame", "node_id", node.ID, "error", err)
		return
	}

	switch frameType {
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(node, data)
	case protocol.TypeToken:
		h.handleToken(node, data)
	case protocol.TypeJobComplete:
		h.handleJobComplete(node, data)
	case protocol.TypeJobError:
		h.handleJobError(node, data)
	case protocol.TypeStatus:
		// capacity report, informational only
	default:
		h.log.Warn("unknown frame type", "node_id", node.ID, "type", frameType)
	}
}

func (h *NodeWSHandler) handleHeartbeat(node *registry.NodeConn, data []byte) {
	hb, err := protocol.Decode[protocol.Heartbeat](data)
	if err != nil {
		h.log.Warn("failed to decode heartbeat", "node_id", node.ID, "error", err)
		return
	}

	h.registry.Touch(node.ID, hb.Models, "", "")
	ctx := context.Background()
	if err := h.store.UpdateNodeHeartbeat(ctx, node.ID, hb.Models, "", ""); err != nil {
		h.log.Warn("failed to record heartbeat", "node_id", node.ID, "error", err)
	}
}

// handleToken applies one streamed delta. Socket frames ride an ordered
// connection, so they carry no seq or offset; the server appends as-is.
func (h *NodeWSHandler) handleToken(node *registry.NodeConn, data []byte) {
	tok, err := protocol.Decode[protocol.Token](data)
	if err != nil {
		h.log.Warn("failed to decode token", "node_id", node.ID, "error", err)
		return
	}

	ctx := context.Background()
	if tok.Reasoning != "" {
		delta := stream.Delta{JobID: tok.JobID, Delta: &tok.Reasoning, ContentType: protocol.ContentReasoning}
		if _, err := h.streams.Apply(ctx, delta); err != nil {
			h.sendError(node, err.Error())
			return
		}
	}
	if tok.Token != "" || tok.Done {
		delta := stream.Delta{JobID: tok.JobID, Delta: &tok.Token, Done: tok.Done}
		if _, err := h.streams.Apply(ctx, delta); err != nil {
			h.sendError(node, err.Error())
			return
		}
	}

	if tok.Done {
		h.registry.RemoveActiveJob(node.ID, tok.JobID)
	}
}

func (h *NodeWSHandler) handleJobComplete(node *registry.NodeConn, data []byte) {
	complete, err := protocol.Decode[protocol.JobComplete](data)
	if err != nil {
		h.log.Warn("failed to decode job_complete", "node_id", node.ID, "error", err)
		return
	}

	// The final response arrives cumulatively so any tail the token frames
	// missed is reconciled before the stream closes.
	ctx := context.Background()
	delta := stream.Delta{JobID: complete.JobID, Cumulative: &complete.Response, Done: true}
	if _, err := h.streams.Apply(ctx, delta); err != nil {
		h.log.Warn("failed to complete stream", "node_id", node.ID, "job_id", complete.JobID, "error", err)
	}

	h.registry.RemoveActiveJob(node.ID, complete.JobID)
	h.log.Info("job completed",
		"node_id", node.ID,
		"job_id", complete.JobID,
		"processing_ms", complete.ProcessingMs,
		"tokens", complete.TokenCount,
	)
}

func (h *NodeWSHandler) handleJobError(node *registry.NodeConn, data []byte) {
	jobErr, err := protocol.Decode[protocol.JobError](data)
	if err != nil {
		h.log.Warn("failed to decode job_error", "node_id", node.ID, "error", err)
		return
	}

	h.streams.Fail(jobErr.JobID, jobErr.Error)
	h.registry.RemoveActiveJob(node.ID, jobErr.JobID)
	h.log.Error("job error", "node_id", node.ID, "job_id", jobErr.JobID, "error", jobErr.Error)
}

func (h *NodeWSHandler) sendError(node *registry.NodeConn, message string) {
	msg, err := protocol.Encode(protocol.ErrorFrame{Type: protocol.TypeError, Error: message})
	if err != nil {
		return
	}
	select {
	case node.Send <- msg:
	default:
	}
}
