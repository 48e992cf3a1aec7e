// Package stream holds the per-job transcript state and fans deltas out to
// subscribers. All offset arithmetic is in Unicode code points.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/store"
)

const (
	// How long terminal stream state is held so late subscribers can still
	// fetch the full transcript.
	evictAfter = 60 * time.Second

	// Per-subscriber frame buffer. A subscriber that falls this far behind
	// is dropped rather than allowed to block the producer.
	subscriberBuffer = 64
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrTerminal   = errors.New("stream already terminal")
)

// OffsetMismatchError reports the committed offset the producer should
// resume from.
type OffsetMismatchError struct {
	Expected int
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("offset_mismatch: expected %d", e.Expected)
}

// Frame is one delta delivered to subscribers. Offset is the committed
// offset before the delta was applied.
type Frame struct {
	JobID       string `json:"jobId"`
	Offset      int    `json:"offset"`
	Delta       string `json:"delta,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Done        bool   `json:"done"`
	Error       string `json:"error,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

// Delta is a producer frame, shared by the push and pull paths.
type Delta struct {
	JobID       string
	Seq         *int64
	Offset      *int
	Delta       *string
	Cumulative  *string
	Chunk       *string // legacy field, lowest precedence
	ContentType string  // "" means response
	Done        bool
}

// Completed is handed to the receipt sink when a job finishes successfully.
type Completed struct {
	JobID        string
	UserID       string
	NodeID       string
	Model        string
	Messages     json.RawMessage
	Response     string
	ProcessingMs int64
	TokenCount   int
}

// ReceiptSink receives completed inferences. Implemented by the receipt chain.
type ReceiptSink interface {
	AppendCompleted(ctx context.Context, c Completed) error
}

// Subscriber receives frames for one job. Read from C; a closed channel
// without a done frame means the subscriber was dropped or the stream
// failed upstream.
type Subscriber struct {
	C chan Frame

	state  *state
	closed bool
}

// Close detaches the subscriber from its stream.
func (s *Subscriber) Close() {
	if s.state != nil {
		s.state.detach(s)
	}
}

// state is the authoritative per-job stream record. One mutex owns every
// mutation; subscribers only see the frames it emits.
type state struct {
	mu sync.Mutex

	jobID    string
	userID   string
	nodeID   string
	model    string
	messages json.RawMessage

	response  []rune
	reasoning []rune
	seen      map[int64]struct{}
	subs      map[*Subscriber]struct{}
	terminal  bool

	tokenCount int
	startedAt  time.Time
}

func (st *state) detach(sub *Subscriber) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; ok {
		delete(st.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.C)
		}
	}
}

// fanout delivers a frame to every subscriber. Must hold st.mu. A full
// buffer drops the subscriber; slow consumers never block the producer.
func (st *state) fanout(f Frame) {
	for sub := range st.subs {
		select {
		case sub.C <- f:
		default:
			delete(st.subs, sub)
			sub.closed = true
			close(sub.C)
			subscribersDropped.Inc()
		}
	}
}

// closeSubs delivers nothing further; called once terminal frames are out.
func (st *state) closeSubs() {
	for sub := range st.subs {
		delete(st.subs, sub)
		sub.closed = true
		close(sub.C)
	}
}

// Manager owns all live stream states.
type Manager struct {
	mu     sync.Mutex
	states map[string]*state

	store    store.Store
	receipts ReceiptSink
	log      *slog.Logger
}

// NewManager creates a stream manager persisting terminal transcripts to the
// given store.
func NewManager(st store.Store, receipts ReceiptSink, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		states:   make(map[string]*state),
		store:    st,
		receipts: receipts,
		log:      log,
	}
}

// Create initializes stream state for a newly dispatched job.
func (m *Manager) Create(jobID, userID, model string, messages json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[jobID]; ok {
		return
	}
	m.states[jobID] = newState(jobID, userID, model, messages)
	statesActive.Inc()
}

func newState(jobID, userID, model string, messages json.RawMessage) *state {
	return &state{
		jobID:     jobID,
		userID:    userID,
		model:     model,
		messages:  messages,
		seen:      make(map[int64]struct{}),
		subs:      make(map[*Subscriber]struct{}),
		startedAt: time.Now(),
	}
}

// get returns the state for a job, lazily recreating it from the store for
// jobs that are known but not yet streaming (pull-path producers may arrive
// before any subscriber).
func (m *Manager) get(ctx context.Context, jobID string) (*state, error) {
	m.mu.Lock()
	if st, ok := m.states[jobID]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ErrUnknownJob
	}
	if job.Status.Terminal() {
		return nil, ErrTerminal
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[jobID]; ok {
		return st, nil
	}
	st := newState(job.ID, job.UserID, job.Model, job.Messages)
	if job.NodeID != nil {
		st.nodeID = *job.NodeID
	}
	m.states[jobID] = st
	statesActive.Inc()
	return st, nil
}

// SetNode records which node is producing for a job; it ends up on the
// receipt and the terminal frame.
func (m *Manager) SetNode(jobID, nodeID string) {
	m.mu.Lock()
	st, ok := m.states[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.nodeID = nodeID
	st.mu.Unlock()
}

// Apply runs the unified delta rule for both producer paths and returns the
// committed offset after the frame.
func (m *Manager) Apply(ctx context.Context, d Delta) (int, error) {
	st, err := m.get(ctx, d.JobID)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()

	// Idempotent producer retry: a seen seq is acknowledged without effect,
	// even after its own done frame made the stream terminal.
	if d.Seq != nil {
		if _, ok := st.seen[*d.Seq]; ok {
			offset := len(st.response)
			st.mu.Unlock()
			return offset, nil
		}
	}

	if st.terminal {
		committed := len(st.response)
		st.mu.Unlock()
		return committed, ErrTerminal
	}

	reasoning := d.ContentType == "reasoning"
	channel := &st.response
	if reasoning {
		channel = &st.reasoning
	}
	channelLen := len(*channel)

	// Effective delta: explicit delta, else cumulative tail, else legacy chunk.
	var delta string
	switch {
	case d.Delta != nil:
		delta = *d.Delta
	case d.Cumulative != nil:
		cum := []rune(*d.Cumulative)
		if len(cum) < channelLen {
			st.mu.Unlock()
			return 0, &OffsetMismatchError{Expected: channelLen}
		}
		delta = string(cum[channelLen:])
	case d.Chunk != nil:
		delta = *d.Chunk
	}

	if d.Offset != nil && *d.Offset != channelLen {
		st.mu.Unlock()
		return 0, &OffsetMismatchError{Expected: channelLen}
	}

	offsetBefore := channelLen
	*channel = append(*channel, []rune(delta)...)
	if !reasoning && delta != "" {
		st.tokenCount++
	}
	if d.Seq != nil {
		st.seen[*d.Seq] = struct{}{}
	}

	contentType := "response"
	if reasoning {
		contentType = "reasoning"
	}
	st.fanout(Frame{
		JobID:       d.JobID,
		Offset:      offsetBefore,
		Delta:       delta,
		ContentType: contentType,
		Done:        d.Done,
		NodeID:      st.nodeID,
	})
	deltasApplied.Inc()

	committed := len(st.response)

	if d.Done {
		st.terminal = true
		st.closeSubs()
		response := string(st.response)
		completed := Completed{
			JobID:        st.jobID,
			UserID:       st.userID,
			NodeID:       st.nodeID,
			Model:        st.model,
			Messages:     st.messages,
			Response:     response,
			ProcessingMs: time.Since(st.startedAt).Milliseconds(),
			TokenCount:   st.tokenCount,
		}
		st.mu.Unlock()
		m.finish(completed)
		return committed, nil
	}

	st.mu.Unlock()
	return committed, nil
}

// finish persists the final transcript, appends a receipt, and schedules
// eviction of the stream state.
func (m *Manager) finish(c Completed) {
	ctx := context.Background()
	if err := m.store.UpdateJobStatus(ctx, c.JobID, store.JobStatusCompleted, c.Response, ""); err != nil {
		m.log.Error("failed to persist final transcript", "job_id", c.JobID, "error", err)
	}
	if m.receipts != nil {
		if err := m.receipts.AppendCompleted(ctx, c); err != nil {
			m.log.Error("failed to append receipt", "job_id", c.JobID, "error", err)
		}
	}
	m.scheduleEvict(c.JobID)
	m.log.Info("stream completed", "job_id", c.JobID, "node_id", c.NodeID, "tokens", c.TokenCount)
}

// Fail marks the stream terminal with an error. Subscribers receive a
// terminal error frame; no receipt is appended.
func (m *Manager) Fail(jobID, errMsg string) {
	m.mu.Lock()
	st, ok := m.states[jobID]
	m.mu.Unlock()

	if ok {
		st.mu.Lock()
		if st.terminal {
			st.mu.Unlock()
			return
		}
		st.terminal = true
		st.fanout(Frame{
			JobID:  jobID,
			Offset: len(st.response),
			Done:   true,
			Error:  errMsg,
			NodeID: st.nodeID,
		})
		st.closeSubs()
		st.mu.Unlock()
	}

	ctx := context.Background()
	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobStatusFailed, "", errMsg); err != nil && !errors.Is(err, store.ErrTerminal) {
		m.log.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
	if ok {
		m.scheduleEvict(jobID)
	}
}

func (m *Manager) scheduleEvict(jobID string) {
	time.AfterFunc(evictAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if st, ok := m.states[jobID]; ok {
			st.mu.Lock()
			st.closeSubs()
			st.mu.Unlock()
			delete(m.states, jobID)
			statesActive.Dec()
		}
	})
}

// Subscribe attaches a sink to a job's stream. If since is behind the
// committed offset a single synthetic backlog frame is queued first; since
// beyond the committed offset is clamped. For terminal streams the backlog
// is followed by the terminal frame and the channel closes.
func (m *Manager) Subscribe(ctx context.Context, jobID string, since int) (*Subscriber, error) {
	st, err := m.get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sub := &Subscriber{
		C:     make(chan Frame, subscriberBuffer),
		state: st,
	}

	if since < 0 {
		since = 0
	}
	if since > len(st.response) {
		since = len(st.response)
	}
	if since < len(st.response) {
		sub.C <- Frame{
			JobID:       jobID,
			Offset:      since,
			Delta:       string(st.response[since:]),
			ContentType: "response",
			NodeID:      st.nodeID,
		}
	}

	if st.terminal {
		sub.C <- Frame{
			JobID:  jobID,
			Offset: len(st.response),
			Done:   true,
			NodeID: st.nodeID,
		}
		sub.closed = true
		close(sub.C)
		return sub, nil
	}

	st.subs[sub] = struct{}{}
	return sub, nil
}

// Poll returns the outstanding delta past since, clamped, without
// subscribing. The bool reports whether the caller is caught up with a
// still-open stream (no content).
func (m *Manager) Poll(ctx context.Context, jobID string, since int) (Frame, bool, error) {
	st, err := m.get(ctx, jobID)
	if err != nil {
		return Frame{}, false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if since < 0 {
		since = 0
	}
	if since > len(st.response) {
		since = len(st.response)
	}
	if since == len(st.response) && !st.terminal {
		return Frame{}, true, nil
	}
	return Frame{
		JobID:       jobID,
		Offset:      since,
		Delta:       string(st.response[since:]),
		ContentType: "response",
		Done:        st.terminal,
		NodeID:      st.nodeID,
	}, false, nil
}

// Offset returns the committed offset for a job's response transcript.
func (m *Manager) Offset(ctx context.Context, jobID string) (int, error) {
	st, err := m.get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.response), nil
}
