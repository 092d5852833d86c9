package fsm_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/nrwiersma/jobcluster/cluster/internal/fsm"
	"github.com/nrwiersma/jobcluster/cluster/internal/rpc"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	bytes.Buffer
	cancelled bool
}

func (s *sink) ID() string    { return "test" }
func (s *sink) Cancel() error { s.cancelled = true; return nil }
func (s *sink) Close() error  { return nil }

func apply(t *testing.T, f *fsm.FSM, idx uint64, typ rpc.MessageType, msg interface{}) interface{} {
	t.Helper()

	buf, err := rpc.Encode(typ, msg)
	require.NoError(t, err)

	return f.Apply(&raft.Log{Index: idx, Data: buf})
}

func TestFSM_ApplyRegisterAndDeregister(t *testing.T) {
	f, err := fsm.New()
	require.NoError(t, err)

	resp := apply(t, f, 1, rpc.RegisterNodeRequestType, &rpc.RegisterNodeRequest{
		Node: state.Node{ID: "node-1", Name: "one", Health: state.HealthPassing},
	})
	require.Nil(t, resp)

	idx, node, err := f.Store().Node("node-1")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, "one", node.Name)

	resp = apply(t, f, 2, rpc.DeregisterNodeRequestType, &rpc.DeregisterNodeRequest{
		Node: state.Node{ID: "node-1"},
	})
	require.Nil(t, resp)

	_, node, err = f.Store().Node("node-1")
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestFSM_ApplyIgnoresUnknownType(t *testing.T) {
	f, err := fsm.New()
	require.NoError(t, err)

	got := f.Apply(&raft.Log{Index: 1, Data: []byte{99}})

	assert.Nil(t, got)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f, err := fsm.New()
	require.NoError(t, err)
	apply(t, f, 1, rpc.RegisterNodeRequestType, &rpc.RegisterNodeRequest{
		Node: state.Node{ID: "node-1", Name: "one", APIAddr: "10.0.0.1:8080", Health: state.HealthPassing},
	})
	apply(t, f, 2, rpc.RegisterNodeRequestType, &rpc.RegisterNodeRequest{
		Node: state.Node{ID: "node-2", Name: "two", Health: state.HealthCritical},
	})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	s := &sink{}
	require.NoError(t, snap.Persist(s))
	snap.Release()
	assert.False(t, s.cancelled)

	f2, err := fsm.New()
	require.NoError(t, err)
	old := f2.Store()

	err = f2.Restore(io.NopCloser(&s.Buffer))

	require.NoError(t, err)
	_, nodes, err := f2.Store().Nodes(nil, "")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "10.0.0.1:8080", nodes[0].APIAddr)
	assert.Equal(t, state.HealthCritical, nodes[1].Health)
	select {
	case <-old.AbandonCh():
	default:
		t.Fatal("old store not abandoned")
	}
}
