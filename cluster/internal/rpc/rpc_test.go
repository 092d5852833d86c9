package rpc_test

import (
	"testing"

	"github.com/nrwiersma/jobcluster/cluster/internal/rpc"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	req := rpc.RegisterNodeRequest{
		Node: state.Node{
			ID:      "node-1",
			Name:    "one",
			Role:    "node",
			Address: "127.0.0.1",
			APIAddr: "127.0.0.1:8080",
			Health:  state.HealthPassing,
			Meta:    map[string]string{"cluster": "jobcluster"},
		},
	}

	b, err := rpc.Encode(rpc.RegisterNodeRequestType, req)

	require.NoError(t, err)
	assert.Equal(t, byte(rpc.RegisterNodeRequestType), b[0])

	var got rpc.RegisterNodeRequest
	err = rpc.Decode(b[1:], &got)

	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDecode_Invalid(t *testing.T) {
	var got rpc.DeregisterNodeRequest

	err := rpc.Decode([]byte{}, &got)

	assert.Error(t, err)
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "register-node", rpc.RegisterNodeRequestType.String())
	assert.Equal(t, "deregister-node", rpc.DeregisterNodeRequestType.String())
	assert.Equal(t, "unknown", rpc.MessageType(42).String())
}
