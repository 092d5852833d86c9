package fsm

import (
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"
	"github.com/nrwiersma/jobcluster/cluster/internal/rpc"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/pkg/errors"
)

func (f *FSM) handleRegisterNodeRequest(buf []byte, idx uint64) interface{} {
	var req rpc.RegisterNodeRequest
	if err := rpc.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: failed to decode request")
	}

	return f.Store().EnsureNode(idx, &req.Node)
}

func (f *FSM) handleDeregisterNodeRequest(buf []byte, idx uint64) interface{} {
	var req rpc.DeregisterNodeRequest
	if err := rpc.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: failed to decode request")
	}

	return f.Store().DeleteNode(idx, req.Node.ID)
}

func snapshotNodes(s *snapshot, sink raft.SnapshotSink, enc *codec.Encoder) error {
	iter, err := s.state.Nodes()
	if err != nil {
		return err
	}

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(rpc.RegisterNodeRequestType)}); err != nil {
			return err
		}
		if err := enc.Encode(raw.(*state.Node)); err != nil {
			return err
		}
	}
	return nil
}

func restoreNode(header *snapshotHeader, restore *state.Restore, dec *codec.Decoder) error {
	var node state.Node
	if err := dec.Decode(&node); err != nil {
		return err
	}
	return restore.Node(header.LastIndex, &node)
}
