// Package fsm implements the raft state machine replicating the cluster
// state.
package fsm

import (
	"io"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"
	"github.com/nrwiersma/jobcluster/cluster/internal/rpc"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/pkg/errors"
)

// msgpackHandle is a shared handle for encoding/decoding msgpack payloads.
var msgpackHandle = &codec.MsgpackHandle{}

type handler func(buf []byte, index uint64) interface{}

type snapshoter func(s *snapshot, sink raft.SnapshotSink, enc *codec.Encoder) error

type restorer func(header *snapshotHeader, restore *state.Restore, dec *codec.Decoder) error

// FSM is a finite state machine used by Raft to
// provide strong consistency.
type FSM struct {
	mu    sync.RWMutex
	store *state.Store

	handlers    map[rpc.MessageType]handler
	snapshoters []snapshoter
	restorers   map[rpc.MessageType]restorer
}

// New returns an FSM.
func New() (*FSM, error) {
	store, err := state.New()
	if err != nil {
		return nil, err
	}

	fsm := &FSM{
		store: store,
	}

	fsm.handlers = map[rpc.MessageType]handler{
		rpc.RegisterNodeRequestType:   fsm.handleRegisterNodeRequest,
		rpc.DeregisterNodeRequestType: fsm.handleDeregisterNodeRequest,
	}
	fsm.snapshoters = []snapshoter{snapshotNodes}
	fsm.restorers = map[rpc.MessageType]restorer{
		rpc.RegisterNodeRequestType: restoreNode,
	}

	return fsm, nil
}

// Store returns the current state store.
func (f *FSM) Store() *state.Store {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.store
}

// Apply is invoked once a log has been committed.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}

	buf := l.Data
	msgType := rpc.MessageType(buf[0])

	if fn := f.handlers[msgType]; fn != nil {
		return fn(buf[1:], l.Index)
	}

	// Unknown message types may come from a newer version.
	return nil
}

// Snapshot creates a snapshot of the current state of the FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{
		state:       f.Store().Snapshot(),
		snapshoters: f.snapshoters,
	}, nil
}

// Restore replaces the state with the given snapshot. The previous state
// store is abandoned.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	store, err := state.New()
	if err != nil {
		return err
	}

	restore := store.Restore()
	defer restore.Abort()

	dec := codec.NewDecoder(rc, msgpackHandle)

	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return errors.Wrap(err, "fsm: error decoding snapshot header")
	}

	msgType := make([]byte, 1)
	for {
		_, err := io.ReadFull(rc, msgType)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "fsm: error reading snapshot")
		}

		fn := f.restorers[rpc.MessageType(msgType[0])]
		if fn == nil {
			return errors.Errorf("fsm: unknown snapshot message type %d", msgType[0])
		}
		if err := fn(&header, restore, dec); err != nil {
			return errors.Wrap(err, "fsm: error restoring snapshot")
		}
	}
	restore.Commit()

	f.mu.Lock()
	old := f.store
	f.store = store
	f.mu.Unlock()

	old.Abandon()
	return nil
}
