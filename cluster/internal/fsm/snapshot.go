package fsm

import (
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/pkg/errors"
)

// snapshotHeader leads every snapshot, followed by type prefixed records.
type snapshotHeader struct {
	LastIndex uint64
}

// snapshot is a point in time view of the state written out by raft.
type snapshot struct {
	state       *state.Snapshot
	snapshoters []snapshoter
}

// Persist writes the snapshot to the sink, cancelling the sink on error.
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.persist(sink); err != nil {
		_ = sink.Cancel()
		return err
	}
	return nil
}

func (s *snapshot) persist(sink raft.SnapshotSink) error {
	enc := codec.NewEncoder(sink, msgpackHandle)
	if err := enc.Encode(&snapshotHeader{LastIndex: s.state.LastIndex()}); err != nil {
		return errors.Wrap(err, "fsm: error writing snapshot header")
	}

	for _, fn := range s.snapshoters {
		if err := fn(s, sink, enc); err != nil {
			return errors.Wrap(err, "fsm: error writing snapshot")
		}
	}
	return nil
}

// Release releases the state read transaction.
func (s *snapshot) Release() {
	s.state.Close()
}
