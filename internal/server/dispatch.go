package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infermesh/infermesh/internal/protocol"
	"github.com/infermesh/infermesh/internal/registry"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/stream"
)

const (
	// A node whose last heartbeat is older than this is not considered for
	// new work.
	liveWindow = 120 * time.Second

	// Heartbeat-only nodes are swept after this much silence; their in-flight
	// jobs fail with worker_disconnected.
	staleTimeout = 120 * time.Second

	sweepInterval = 5 * time.Second
)

// Dispatcher routes inference requests to nodes: push to an idle socket
// when one exists, otherwise the job stays pending for the pull path.
type Dispatcher struct {
	registry *registry.Registry
	store    store.Store
	streams  *stream.Manager
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given registry and store.
func NewDispatcher(reg *registry.Registry, st store.Store, streams *stream.Manager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: reg,
		store:    st,
		streams:  streams,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the stale-node sweep loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.sweepLoop()
}

// Stop stops the sweep loop and waits for it.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Dispatch creates a job for the request and returns it along with a
// subscriber attached from offset zero. Returns ErrNoNodeForModel when no
// live node serves the model; nothing is persisted in that case.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, model string, messages json.RawMessage) (*store.Job, *stream.Subscriber, error) {
	if !d.registry.AnyLive(model, liveWindow) {
		return nil, nil, ErrNoNodeForModel
	}

	job := &store.Job{
		ID:       uuid.NewString(),
		UserID:   userID,
		Model:    model,
		Messages: messages,
		Status:   store.JobStatusPending,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, nil, err
	}

	d.streams.Create(job.ID, userID, model, messages)
	sub, err := d.streams.Subscribe(ctx, job.ID, 0)
	if err != nil {
		return nil, nil, err
	}

	jobsDispatched.Inc()

	if node := d.registry.SelectIdlePush(model); node != nil {
		if d.pushJob(ctx, node, job) {
			d.log.Info("job pushed", "job_id", job.ID, "node_id", node.ID, "model", model)
			return job, sub, nil
		}
	}

	// No idle socket: the job stays pending until a node polls for it.
	d.log.Info("job queued for pull", "job_id", job.ID, "model", model)
	return job, sub, nil
}

// pushJob assigns the job to a socket-connected node and sends the job
// frame. On any failure the job is left pending for the pull path.
func (d *Dispatcher) pushJob(ctx context.Context, node *registry.NodeConn, job *store.Job) bool {
	msg, err := protocol.Encode(protocol.Job{
		Type:     protocol.TypeJob,
		JobID:    job.ID,
		Model:    job.Model,
		Messages: job.Messages,
	})
	if err != nil {
		d.log.Error("failed to encode job frame", "job_id", job.ID, "error", err)
		return false
	}

	if err := d.store.AssignJob(ctx, job.ID, node.ID); err != nil {
		d.log.Error("failed to assign job", "job_id", job.ID, "node_id", node.ID, "error", err)
		return false
	}
	d.registry.AddActiveJob(node.ID, job.ID)
	d.streams.SetNode(job.ID, node.ID)

	select {
	case node.Send <- msg:
		return true
	default:
		// Socket backed up; release the node and fall back to pull.
		d.registry.RemoveActiveJob(node.ID, job.ID)
		d.log.Warn("push channel full, leaving job pending", "job_id", job.ID, "node_id", node.ID)
		return false
	}
}

// NodeDisconnected fails every job the node was carrying and drops it from
// the registry. Called by the socket read pump and the sweep loop.
func (d *Dispatcher) NodeDisconnected(nodeID string) {
	jobs := d.registry.Remove(nodeID)
	for _, jobID := range jobs {
		d.streams.Fail(jobID, "worker_disconnected")
		d.log.Warn("job failed with node", "job_id", jobID, "node_id", nodeID)
	}
	ctx := context.Background()
	if err := d.store.UpdateNodeStatus(ctx, nodeID, store.NodeStatusStale); err != nil {
		d.log.Error("failed to mark node stale", "node_id", nodeID, "error", err)
	}
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, node := range d.registry.FindStale(staleTimeout) {
				d.log.Warn("node heartbeat expired", "node_id", node.ID)
				d.NodeDisconnected(node.ID)
			}
		}
	}
}
