// Package agenttest starts cluster agents for tests.
package agenttest

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"
	"github.com/nrwiersma/jobcluster/cluster"
	"github.com/travisjeffery/go-dynaport"
)

var nodeNumber int32

// NewAgent creates a test agent.
func NewAgent(t *testing.T, cfgFn func(cfg *cluster.Config)) (*cluster.Agent, *cluster.Config, string) {
	t.Helper()

	ports := dynaport.Get(2)
	id := atomic.AddInt32(&nodeNumber, 1)

	tmpDir, err := os.MkdirTemp("", fmt.Sprintf("jobcluster-test-agent-%d", id))
	if err != nil {
		t.Fatalf("error creating data dir: %v", err)
	}

	config := cluster.NewConfig()
	config.ID = fmt.Sprintf("node-%d", id)
	config.Name = fmt.Sprintf("%s-node-%d", t.Name(), id)
	config.APIAddr = fmt.Sprintf("10.0.0.%d:8080", id)
	config.DataDir = tmpDir
	config.RaftAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: ports[0]}
	config.SerfConfig.MemberlistConfig.BindAddr = "127.0.0.1"
	config.SerfConfig.MemberlistConfig.BindPort = ports[1]
	config.LeaveDrainTime = 1 * time.Millisecond
	config.ReconcileInterval = 300 * time.Millisecond

	// Tighten the Serf timing
	config.SerfConfig.MemberlistConfig.SuspicionMult = 2
	config.SerfConfig.MemberlistConfig.RetransmitMult = 2
	config.SerfConfig.MemberlistConfig.ProbeTimeout = 50 * time.Millisecond
	config.SerfConfig.MemberlistConfig.ProbeInterval = 100 * time.Millisecond
	config.SerfConfig.MemberlistConfig.GossipInterval = 100 * time.Millisecond

	// Tighten the Raft timing
	config.RaftConfig.LeaderLeaseTimeout = 100 * time.Millisecond
	config.RaftConfig.HeartbeatTimeout = 200 * time.Millisecond
	config.RaftConfig.ElectionTimeout = 200 * time.Millisecond

	if cfgFn != nil {
		cfgFn(config)
	}

	agent, err := cluster.NewAgent(config)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("error creating agent: %v", err)
	}

	return agent, config, tmpDir
}

// CloseAndRemove closes an agent and removes its data directory.
func CloseAndRemove(t *testing.T, agent *cluster.Agent, tmpDir string) {
	t.Helper()

	defer os.RemoveAll(tmpDir)

	if err := agent.Close(); err != nil {
		t.Errorf("error closing agent: %v", err)
	}
}

// Join joins the agents to the agent with the given config.
func Join(t *testing.T, cfg *cluster.Config, agents ...*cluster.Agent) {
	t.Helper()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.SerfConfig.MemberlistConfig.BindPort)
	for _, a := range agents {
		if err := a.Join(addr); err != nil {
			t.Fatalf("join err: %v", err)
		}
	}
}

// WaitForLeader waits for one of the agents to be leader, failing the test
// if no one is. Returns the leader and its followers.
func WaitForLeader(t *testing.T, agents ...*cluster.Agent) (*cluster.Agent, []*cluster.Agent) {
	t.Helper()

	var (
		leader    *cluster.Agent
		followers []*cluster.Agent
	)
	retry.Run(t, func(t *retry.SubT) {
		leader, followers = nil, nil
		for _, a := range agents {
			if a.IsLeader() {
				leader = a
				continue
			}
			followers = append(followers, a)
		}

		if leader == nil {
			t.Fatal("no leader")
		}
	})

	return leader, followers
}
