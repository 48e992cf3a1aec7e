// Package agent is the node-side process: it connects a GPU machine's
// inference runtime to the control plane, over a push socket when possible
// and over the signed pull path otherwise.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/protocol"
)

const (
	heartbeatInterval = 30 * time.Second

	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Config holds node agent configuration.
type Config struct {
	ServerURL string
	NodeID    string
	Secret    string
	Models    []string
	Region    string
	Runtime   string

	// PullOnly disables the push socket; the agent heartbeats and polls
	// over signed HTTP instead.
	PullOnly     bool
	PollInterval time.Duration
	OllamaURL    string
}

// Agent runs inference jobs for the control plane.
type Agent struct {
	config  Config
	runtime *OllamaClient
	log     *slog.Logger

	conn     *websocket.Conn
	connLock sync.Mutex

	jobsLock   sync.Mutex
	activeJobs map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent.
func New(cfg Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:     cfg,
		runtime:    NewOllamaClient(cfg.OllamaURL),
		log:        log,
		activeJobs: make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start connects to the server and begins processing jobs.
func (a *Agent) Start() error {
	if len(a.config.Models) == 0 {
		// Advertise whatever the runtime has pulled.
		models, err := a.runtime.Models(a.ctx)
		if err != nil {
			a.log.Warn("could not list runtime models", "error", err)
		} else {
			a.config.Models = models
		}
	}

	if a.config.PullOnly {
		a.wg.Add(1)
		go a.pollLoop()
		return nil
	}

	if err := a.connect(); err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}
	a.wg.Add(2)
	go a.readLoop()
	go a.heartbeatLoop()
	return nil
}

// Stop shuts the agent down, waiting briefly for in-flight jobs.
func (a *Agent) Stop() {
	a.cancel()

	done := make(chan struct{})
	go func() {
		for {
			a.jobsLock.Lock()
			count := len(a.activeJobs)
			a.jobsLock.Unlock()
			if count == 0 {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		a.log.Warn("timeout waiting for jobs to complete")
	}

	a.connLock.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connLock.Unlock()

	a.wg.Wait()
}

// connect dials the push socket. The handshake is authenticated by signing
// a fixed connect payload with the node secret.
func (a *Agent) connect() error {
	u, err := url.Parse(a.config.ServerURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/node"

	ts := time.Now().Unix()
	q := u.Query()
	q.Set("id", a.config.NodeID)
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("sig", auth.Sign([]byte(a.config.Secret), []byte("connect:"+a.config.NodeID), ts))
	if len(a.config.Models) > 0 {
		q.Set("models", strings.Join(a.config.Models, ","))
	}
	if a.config.Region != "" {
		q.Set("region", a.config.Region)
	}
	if a.config.Runtime != "" {
		q.Set("runtime", a.config.Runtime)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connLock.Lock()
	a.conn = conn
	a.connLock.Unlock()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake response: %w", err)
	}
	frameType, err := protocol.DecodeType(msg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode handshake response: %w", err)
	}
	if frameType != protocol.TypeRegistered {
		conn.Close()
		return fmt.Errorf("expected registered frame, got %s", frameType)
	}

	registered, err := protocol.Decode[protocol.Registered](msg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode registered frame: %w", err)
	}
	a.log.Info("connected", "node_id", registered.NodeID, "server_version", registered.ServerVersion)
	return nil
}

// reconnect retries the socket with exponential backoff.
func (a *Agent) reconnect() error {
	delay := minReconnectDelay
	for {
		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		default:
		}

		a.log.Info("attempting reconnect", "delay", delay)
		time.Sleep(delay)

		if err := a.connect(); err != nil {
			a.log.Warn("reconnect failed", "error", err)
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		return nil
	}
}

func (a *Agent) readLoop() {
	defer a.wg.Done()

	for {
		a.connLock.Lock()
		conn := a.conn
		a.connLock.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			a.log.Warn("socket read error", "error", err)
			if err := a.reconnect(); err != nil {
				return
			}
			continue
		}

		a.handleFrame(msg)
	}
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.jobsLock.Lock()
			active := make([]string, 0, len(a.activeJobs))
			for id := range a.activeJobs {
				active = append(active, id)
			}
			a.jobsLock.Unlock()

			hb := protocol.NewHeartbeat(a.config.Models, active)
			if err := a.send(hb); err != nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) send(v any) error {
	msg, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	a.connLock.Lock()
	defer a.connLock.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, msg)
}

func (a *Agent) handleFrame(data []byte) {
	frameType, err := protocol.DecodeType(data)
	if err != nil {
		a.log.Warn("failed to decode frame", "error", err)
		return
	}

	switch frameType {
	case protocol.TypeJob:
		job, err := protocol.Decode[protocol.Job](data)
		if err != nil {
			a.log.Warn("failed to decode job frame", "error", err)
			return
		}
		go a.runJob(job)
	case protocol.TypeError:
		frame, _ := protocol.Decode[protocol.ErrorFrame](data)
		a.log.Warn("server error frame", "error", frame.Error)
	default:
		a.log.Warn("unknown frame type", "type", frameType)
	}
}

// runJob streams a completion from the runtime back over the socket.
func (a *Agent) runJob(job protocol.Job) {
	ctx, cancel := context.WithCancel(a.ctx)
	a.jobsLock.Lock()
	a.activeJobs[job.JobID] = cancel
	a.jobsLock.Unlock()
	defer func() {
		cancel()
		a.jobsLock.Lock()
		delete(a.activeJobs, job.JobID)
		a.jobsLock.Unlock()
	}()

	a.log.Info("job received", "job_id", job.JobID, "model", job.Model)
	start := time.Now()

	var full strings.Builder
	var tokens int
	err := a.runtime.Chat(ctx, job.Model, job.Messages, func(token, reasoning string, done bool) error {
		if token != "" {
			full.WriteString(token)
			tokens++
		}
		if token == "" && reasoning == "" && !done {
			return nil
		}
		return a.send(protocol.Token{
			Type:      protocol.TypeToken,
			JobID:     job.JobID,
			Token:     token,
			Reasoning: reasoning,
		})
	})
	if err != nil {
		a.log.Error("job failed", "job_id", job.JobID, "error", err)
		_ = a.send(protocol.JobError{
			Type:  protocol.TypeJobError,
			JobID: job.JobID,
			Error: err.Error(),
		})
		return
	}

	if err := a.send(protocol.JobComplete{
		Type:         protocol.TypeJobComplete,
		JobID:        job.JobID,
		Response:     full.String(),
		ProcessingMs: time.Since(start).Milliseconds(),
		TokenCount:   tokens,
	}); err != nil {
		a.log.Error("failed to report completion", "job_id", job.JobID, "error", err)
		return
	}
	a.log.Info("job completed", "job_id", job.JobID, "tokens", tokens, "duration", time.Since(start).Round(time.Millisecond))
}
