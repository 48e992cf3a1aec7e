package registry

import (
	"sync"
	"time"
)

// NodeConn is the live view of a node: declared models, heartbeat instant,
// active jobs, and (for push-connected nodes) the socket send channel.
type NodeConn struct {
	ID      string
	Models  []string
	Region  string
	Runtime string

	// Connection state
	ActiveJobs    []string
	LastHeartbeat time.Time

	// Send carries frames to the node's push socket. Nil for nodes that
	// only poll over HTTP.
	Send chan []byte
}

// Idle reports whether the node carries no active job. Push selection
// treats a node with any active job as ineligible.
func (n *NodeConn) Idle() bool {
	return len(n.ActiveJobs) == 0
}

// ServesModel reports whether the node declares the model. A node declaring
// no models accepts any.
func (n *NodeConn) ServesModel(model string) bool {
	if len(n.Models) == 0 {
		return true
	}
	for _, m := range n.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Pushable reports whether the node has a live push socket.
func (n *NodeConn) Pushable() bool {
	return n.Send != nil
}

// Registry tracks live nodes. Read-heavy; a single RWMutex is adequate.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeConn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		nodes: make(map[string]*NodeConn),
	}
}

// Connect registers a push-connected node. An existing entry for the same
// ID is replaced; its old socket channel (if any) is closed.
func (r *Registry) Connect(node *NodeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.nodes[node.ID]; ok && old.Send != nil && old.Send != node.Send {
		close(old.Send)
	}
	node.LastHeartbeat = time.Now()
	r.nodes[node.ID] = node
}

// Touch records a heartbeat, refreshing the model list when provided.
// Pull-only nodes are created on first heartbeat.
func (r *Registry) Touch(id string, models []string, region, runtime string) *NodeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		node = &NodeConn{ID: id}
		r.nodes[id] = node
	}
	node.LastHeartbeat = time.Now()
	if models != nil {
		node.Models = models
	}
	if region != "" {
		node.Region = region
	}
	if runtime != "" {
		node.Runtime = runtime
	}
	return node
}

// Remove drops a node and closes its push channel. Returns the jobs it was
// carrying so the caller can fail them.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil
	}
	if node.Send != nil {
		close(node.Send)
	}
	delete(r.nodes, id)
	return node.ActiveJobs
}

// Get returns a node by ID, or nil.
func (r *Registry) Get(id string) *NodeConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// List returns all live nodes.
func (r *Registry) List() []*NodeConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]*NodeConn, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Count returns the number of live nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// AnyLive reports whether any node with a heartbeat newer than the window
// serves the model. Used for the no_worker_for_model check.
func (r *Registry) AnyLive(model string, window time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	for _, n := range r.nodes {
		if n.LastHeartbeat.After(cutoff) && n.ServesModel(model) {
			return true
		}
	}
	return false
}

// SelectIdlePush returns the first idle push-connected node serving the
// model, or nil.
func (r *Registry) SelectIdlePush(model string) *NodeConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Pushable() && n.Idle() && n.ServesModel(model) {
			return n
		}
	}
	return nil
}

// AddActiveJob marks a job active on a node. The node becomes busy.
func (r *Registry) AddActiveJob(nodeID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.ActiveJobs = append(n.ActiveJobs, jobID)
	}
}

// RemoveActiveJob removes a job from a node's active set.
func (r *Registry) RemoveActiveJob(nodeID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		for i, id := range n.ActiveJobs {
			if id == jobID {
				n.ActiveJobs = append(n.ActiveJobs[:i], n.ActiveJobs[i+1:]...)
				break
			}
		}
	}
}

// FindStale returns nodes without a live push socket whose last heartbeat
// is older than the timeout.
func (r *Registry) FindStale(timeout time.Duration) []*NodeConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-timeout)
	var stale []*NodeConn
	for _, n := range r.nodes {
		if !n.Pushable() && n.LastHeartbeat.Before(cutoff) {
			stale = append(stale, n)
		}
	}
	return stale
}
