package state

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

// Health is the health of a node.
type Health string

// Health constants.
const (
	HealthPassing  Health = "passing"
	HealthCritical Health = "critical"
)

// Node is a cluster node as seen through serf.
type Node struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Role    string            `json:"role"`
	Address string            `json:"address"`
	APIAddr string            `json:"apiAddr,omitempty"`
	Health  Health            `json:"health"`
	Meta    map[string]string `json:"meta,omitempty"`

	RaftIndex `json:"-"`
}

// Same checks if the nodes look the same.
func (n *Node) Same(o *Node) bool {
	return n.ID == o.ID &&
		n.Name == o.Name &&
		n.Role == o.Role &&
		n.Address == o.Address &&
		n.APIAddr == o.APIAddr &&
		n.Health == o.Health
}

func nodesTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "nodes",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			"health": {
				Name:         "health",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Health",
				},
			},
		},
	}
}

// Nodes returns the nodes for a given snapshot.
func (s *Snapshot) Nodes() (memdb.ResultIterator, error) {
	return s.tx.Get("nodes", "id")
}

// Node restores a node.
func (r *Restore) Node(idx uint64, node *Node) error {
	return ensureNodeTx(r.tx, idx, node)
}

// Node returns a node with the given id or nil.
func (s *Store) Node(id string) (uint64, *Node, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndex(tx, "nodes")
	node, err := tx.First("nodes", "id", id)
	if err != nil {
		return 0, nil, errors.Wrap(err, "state: node lookup failed")
	}
	if node != nil {
		return idx, node.(*Node), nil
	}
	return idx, nil, nil
}

// Nodes returns the nodes, optionally only those with the given health,
// and adds a channel to the watch set that is closed when they change.
func (s *Store) Nodes(ws memdb.WatchSet, health Health) (uint64, []*Node, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndex(tx, "nodes")

	var (
		iter memdb.ResultIterator
		err  error
	)
	if health == "" {
		iter, err = tx.Get("nodes", "id")
	} else {
		iter, err = tx.Get("nodes", "health", string(health))
	}
	if err != nil {
		return 0, nil, errors.Wrap(err, "state: node lookup failed")
	}
	ws.Add(iter.WatchCh())

	var nodes []*Node
	for next := iter.Next(); next != nil; next = iter.Next() {
		nodes = append(nodes, next.(*Node))
	}
	return idx, nodes, nil
}

// EnsureNode inserts or updates a node. This is used by the FSM to
// add and update nodes.
func (s *Store) EnsureNode(idx uint64, node *Node) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	if err := ensureNodeTx(tx, idx, node); err != nil {
		return err
	}

	tx.Commit()
	return nil
}

func ensureNodeTx(tx *memdb.Txn, idx uint64, node *Node) error {
	existing, err := tx.First("nodes", "id", node.ID)
	if err != nil {
		return errors.Wrap(err, "state: node lookup failed")
	}

	// Serf is chatty, unchanged nodes are left alone.
	if existing != nil && node.Same(existing.(*Node)) {
		return nil
	}

	n := *node
	n.Index = idx
	if err := tx.Insert("nodes", &n); err != nil {
		return errors.Wrap(err, "state: failed inserting node")
	}
	if err := updateIndex(tx, "nodes", idx); err != nil {
		return errors.Wrap(err, "state: failed updating index")
	}
	return nil
}

// DeleteNode deletes the node with the given id. This is used by the FSM
// to delete nodes.
func (s *Store) DeleteNode(idx uint64, id string) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	node, err := tx.First("nodes", "id", id)
	if err != nil {
		return errors.Wrap(err, "state: node lookup failed")
	}
	if node == nil {
		return nil
	}

	if err := tx.Delete("nodes", node); err != nil {
		return errors.Wrap(err, "state: failed deleting node")
	}
	if err := updateIndex(tx, "nodes", idx); err != nil {
		return errors.Wrap(err, "state: failed updating index")
	}

	tx.Commit()
	return nil
}
