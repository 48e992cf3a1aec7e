package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
)

// SubscribeWSHandler attaches duplex clients to a job's stream. Browsers
// pass the bearer token as a query parameter since WebSocket upgrades
// cannot carry headers.
type SubscribeWSHandler struct {
	streams *stream.Manager
	store   store.Store
	users   *auth.UserAuth
	log     *slog.Logger
}

// NewSubscribeWSHandler creates the subscriber socket handler.
func NewSubscribeWSHandler(streams *stream.Manager, st store.Store, users *auth.UserAuth, log *slog.Logger) *SubscribeWSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SubscribeWSHandler{
		streams: streams,
		store:   st,
		users:   users,
		log:     log,
	}
}

func (h *SubscribeWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := h.users.UserFromRequest(r)
	if userID == "" {
		userID = h.users.ValidateToken(r.URL.Query().Get("token"))
	}
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	jobID := r.URL.Query().Get("jobId")
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil || job.UserID != userID {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	sub, err := h.streams.Subscribe(r.Context(), jobID, since)
	if err != nil {
		if errors.Is(err, stream.ErrTerminal) {
			// Evicted terminal stream: nothing live to attach to.
			http.Error(w, "job terminal", http.StatusGone)
			return
		}
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	go h.writeFrames(conn, sub)
	go h.readUntilClose(conn, sub)
}

// writeFrames relays stream frames to the client until the stream ends.
func (h *SubscribeWSHandler) writeFrames(conn *websocket.Conn, sub *stream.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case f, ok := <-sub.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
			if f.Done {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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

// readUntilClose drains the client side so close frames and pongs are
// processed.
func (h *SubscribeWSHandler) readUntilClose(conn *websocket.Conn, sub *stream.Subscriber) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
