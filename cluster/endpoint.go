package cluster

import (
	"net/rpc"

	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/nrwiersma/jobcluster/pkg/memcodec"
	"github.com/pkg/errors"
)

// NodesRequest requests the cluster nodes.
type NodesRequest struct {
	// Health optionally filters the nodes by health.
	Health state.Health
}

// NodesResponse contains the cluster nodes.
type NodesResponse struct {
	Index uint64
	Nodes []*state.Node
}

// Cluster serves in process RPC calls about the cluster.
type Cluster struct {
	agent *Agent
}

// GetNodes gets the nodes known to the cluster.
func (c *Cluster) GetNodes(req *NodesRequest, resp *NodesResponse) error {
	idx, nodes, err := c.agent.Store().Nodes(nil, req.Health)
	if err != nil {
		return err
	}

	resp.Index = idx
	resp.Nodes = nodes
	return nil
}

func (a *Agent) setupRPC() error {
	a.rpcServer = rpc.NewServer()
	if err := a.rpcServer.Register(&Cluster{agent: a}); err != nil {
		return errors.Wrap(err, "agent: error registering rpc endpoint")
	}
	return nil
}

// Call makes an in memory call to the agent RPC server.
func (a *Agent) Call(method string, req, resp interface{}) error {
	codec := memcodec.New(method, req, resp)
	if err := a.rpcServer.ServeRequest(codec); err != nil {
		return err
	}
	return codec.Error
}

// Nodes returns the nodes known to the cluster.
func (a *Agent) Nodes() ([]*state.Node, error) {
	var resp NodesResponse
	if err := a.Call("Cluster.GetNodes", &NodesRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}
