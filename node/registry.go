package node

import (
	"sync"

	"github.com/nrwiersma/jobcluster/model"
)

// Conn is a live agent connection.
type Conn interface {
	// ID returns the unique id of the connection.
	ID() string

	// RemoteHost returns the remote host of the connection.
	RemoteHost() string

	// Send queues a message to the agent.
	Send(msg interface{}) error

	// Close terminates the connection.
	Close() error
}

// Entry is an agent connected to this node.
type Entry struct {
	AgentID  string
	Conn     Conn
	JobTypes []string
	Job      *model.Job
}

// Registry is the set of agents connected to this node, in the order
// they connected.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]*Entry{},
	}
}

// Get returns a copy of the entry of the agent.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[agentID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of all entries in registry order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, *r.entries[id])
	}
	return entries
}

// IDs returns the agent ids in registry order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Len returns the number of connected agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// put inserts or replaces the entry of an agent, returning the replaced entry.
// A replaced agent keeps its position.
func (r *Registry) put(e *Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.entries[e.AgentID]
	r.entries[e.AgentID] = e
	if !ok {
		r.order = append(r.order, e.AgentID)
	}
	return old
}

// remove removes the entry of the agent if it is bound to the connection.
// An empty connection id matches any connection.
func (r *Registry) remove(agentID, connID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok || (connID != "" && e.Conn.ID() != connID) {
		return nil, false
	}

	delete(r.entries, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e, true
}

// setJob sets the job assigned to the agent.
func (r *Registry) setJob(agentID string, job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[agentID]; ok {
		e.Job = job
	}
}
