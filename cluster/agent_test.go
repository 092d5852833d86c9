package cluster_test

import (
	"context"
	"os"
	"testing"

	"github.com/hamba/testutils/retry"
	"github.com/nrwiersma/jobcluster/cluster"
	"github.com/nrwiersma/jobcluster/cluster/agenttest"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_Join(t *testing.T) {
	a1, cfg1, dir1 := agenttest.NewAgent(t, nil)
	defer agenttest.CloseAndRemove(t, a1, dir1)

	a2, _, dir2 := agenttest.NewAgent(t, nil)
	defer agenttest.CloseAndRemove(t, a2, dir2)

	agenttest.Join(t, cfg1, a2)

	retry.Run(t, func(t *retry.SubT) {
		if len(a1.Members()) != 2 || len(a2.Members()) != 2 {
			t.Fatal("members not joined")
		}
	})
}

func TestAgent_CanRegisterMembers(t *testing.T) {
	a1, cfg1, dir1 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.Bootstrap = true
	})
	defer agenttest.CloseAndRemove(t, a1, dir1)

	a2, cfg2, dir2 := agenttest.NewAgent(t, nil)
	defer agenttest.CloseAndRemove(t, a2, dir2)

	agenttest.Join(t, cfg1, a2)
	agenttest.WaitForLeader(t, a1, a2)

	for _, id := range []string{cfg1.ID, cfg2.ID} {
		retry.Run(t, func(t *retry.SubT) {
			_, node, err := a1.Store().Node(id)
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if node == nil {
				t.Fatal("node not registered")
			}
		})
	}

	_, node, err := a1.Store().Node(cfg2.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg2.Name, node.Name)
	assert.Equal(t, cfg2.APIAddr, node.APIAddr)
	assert.Equal(t, state.HealthPassing, node.Health)
}

func TestAgent_BootstrapExpect(t *testing.T) {
	a1, cfg1, dir1 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.BootstrapExpect = 2
	})
	defer agenttest.CloseAndRemove(t, a1, dir1)

	a2, _, dir2 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.BootstrapExpect = 2
	})
	defer agenttest.CloseAndRemove(t, a2, dir2)

	agenttest.Join(t, cfg1, a2)

	leader, followers := agenttest.WaitForLeader(t, a1, a2)

	assert.NotNil(t, leader)
	assert.Len(t, followers, 1)
}

func TestAgent_HandlesFailedMember(t *testing.T) {
	a1, cfg1, dir1 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.Bootstrap = true
	})
	defer agenttest.CloseAndRemove(t, a1, dir1)

	a2, cfg2, dir2 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.NonVoter = true
	})
	defer os.RemoveAll(dir2)

	agenttest.Join(t, cfg1, a2)
	agenttest.WaitForLeader(t, a1)

	retry.Run(t, func(t *retry.SubT) {
		_, node, err := a1.Store().Node(cfg2.ID)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if node == nil {
			t.Fatal("node not registered")
		}
	})

	_ = a2.Close()

	retry.Run(t, func(t *retry.SubT) {
		_, node, err := a1.Store().Node(cfg2.ID)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if node == nil {
			t.Fatal("node not registered")
		}
		if node.Health != state.HealthCritical {
			t.Fatal("node not critical")
		}
	})
}

func TestAgent_HandlesLeftMember(t *testing.T) {
	a1, cfg1, dir1 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.Bootstrap = true
	})
	defer agenttest.CloseAndRemove(t, a1, dir1)

	a2, cfg2, dir2 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.NonVoter = true
	})
	defer agenttest.CloseAndRemove(t, a2, dir2)

	agenttest.Join(t, cfg1, a2)
	agenttest.WaitForLeader(t, a1)

	retry.Run(t, func(t *retry.SubT) {
		_, node, err := a1.Store().Node(cfg2.ID)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if node == nil {
			t.Fatal("node isn't registered")
		}
	})

	err := a2.Leave()
	require.NoError(t, err)

	retry.Run(t, func(t *retry.SubT) {
		_, node, err := a1.Store().Node(cfg2.ID)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if node != nil {
			t.Fatal("node still registered")
		}
	})
}

func TestAgent_CurrentLeader(t *testing.T) {
	a1, cfg1, dir1 := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.Bootstrap = true
	})
	defer agenttest.CloseAndRemove(t, a1, dir1)

	a2, _, dir2 := agenttest.NewAgent(t, nil)
	defer agenttest.CloseAndRemove(t, a2, dir2)

	agenttest.Join(t, cfg1, a2)
	agenttest.WaitForLeader(t, a1)

	got, err := a1.CurrentLeader(context.Background())
	require.NoError(t, err)
	assert.True(t, got.IsLeader)
	assert.Equal(t, cfg1.APIAddr, got.LeaderHost)

	retry.Run(t, func(t *retry.SubT) {
		got, err := a2.CurrentLeader(context.Background())
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if got.IsLeader || got.LeaderHost != cfg1.APIAddr {
			t.Fatalf("unexpected leadership %+v", got)
		}
	})
}

func TestAgent_CurrentLeaderContextDone(t *testing.T) {
	a, _, dir := agenttest.NewAgent(t, nil)
	defer agenttest.CloseAndRemove(t, a, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.CurrentLeader(ctx)

	assert.Error(t, err)
}

func TestAgent_Nodes(t *testing.T) {
	a, cfg, dir := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.Bootstrap = true
	})
	defer agenttest.CloseAndRemove(t, a, dir)

	agenttest.WaitForLeader(t, a)

	retry.Run(t, func(t *retry.SubT) {
		nodes, err := a.Nodes()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if len(nodes) != 1 || nodes[0].ID != cfg.ID {
			t.Fatal("node not listed")
		}
	})

	var resp cluster.NodesResponse
	err := a.Call("Cluster.GetNodes", &cluster.NodesRequest{Health: state.HealthCritical}, &resp)
	require.NoError(t, err)
	assert.Empty(t, resp.Nodes)
}

func TestAgent_Close(t *testing.T) {
	a, _, dir := agenttest.NewAgent(t, func(cfg *cluster.Config) {
		cfg.Bootstrap = true
	})
	defer os.RemoveAll(dir)

	err := a.Close()

	assert.NoError(t, err)
	assert.NoError(t, a.Close())
}
