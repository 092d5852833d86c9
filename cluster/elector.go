package cluster

import (
	"context"

	"github.com/nrwiersma/jobcluster/election"
)

var _ election.Elector = (*Agent)(nil)

// CurrentLeader reports the raft leadership of the agent. The leader host
// is the api address the leader advertises, empty while no leader is known.
func (a *Agent) CurrentLeader(ctx context.Context) (election.Leadership, error) {
	if err := ctx.Err(); err != nil {
		return election.Leadership{}, err
	}

	if a.IsLeader() {
		return election.Leadership{IsLeader: true, LeaderHost: a.config.APIAddr}, nil
	}

	addr := a.raft.Leader()
	if addr == "" {
		return election.Leadership{}, nil
	}

	agent := a.members.ByAddr(addr)
	if agent == nil {
		return election.Leadership{}, nil
	}
	return election.Leadership{LeaderHost: agent.APIAddr}, nil
}
