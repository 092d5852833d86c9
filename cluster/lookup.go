package cluster

import (
	"sync"

	"github.com/hashicorp/raft"
	"github.com/nrwiersma/jobcluster/cluster/metadata"
)

// memberLookup indexes the known cluster nodes by raft address and id.
type memberLookup struct {
	mu     sync.RWMutex
	byAddr map[raft.ServerAddress]*metadata.Agent
	byID   map[raft.ServerID]*metadata.Agent
}

func newMemberLookup() *memberLookup {
	return &memberLookup{
		byAddr: map[raft.ServerAddress]*metadata.Agent{},
		byID:   map[raft.ServerID]*metadata.Agent{},
	}
}

// Upsert adds or replaces a node, dropping its previous address.
func (l *memberLookup) Upsert(agent *metadata.Agent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.byID[raft.ServerID(agent.ID)]; ok {
		delete(l.byAddr, raft.ServerAddress(old.RaftAddr))
	}
	l.byAddr[raft.ServerAddress(agent.RaftAddr)] = agent
	l.byID[raft.ServerID(agent.ID)] = agent
}

// Remove removes a node.
func (l *memberLookup) Remove(agent *metadata.Agent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.byID[raft.ServerID(agent.ID)]; ok {
		delete(l.byAddr, raft.ServerAddress(old.RaftAddr))
	}
	delete(l.byID, raft.ServerID(agent.ID))
}

// ByAddr returns the node with the given raft address or nil.
func (l *memberLookup) ByAddr(addr raft.ServerAddress) *metadata.Agent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.byAddr[addr]
}

// ByID returns the node with the given id or nil.
func (l *memberLookup) ByID(id raft.ServerID) *metadata.Agent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.byID[id]
}

// Len returns the number of known nodes.
func (l *memberLookup) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.byID)
}
