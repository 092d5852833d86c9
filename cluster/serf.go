package cluster

import (
	"net"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
	"github.com/nrwiersma/jobcluster/cluster/metadata"
	"github.com/nrwiersma/jobcluster/pkg/log"
)

func (a *Agent) setupSerf(config *serf.Config, ch chan serf.Event, path string) (*serf.Serf, error) {
	config.Init()
	config.NodeName = a.config.Name
	for k, v := range a.metadata().ToTags() {
		config.Tags[k] = v
	}
	config.Logger = log.NewBridge(a.config.Logger, log.Debug, "serf: ")
	config.MemberlistConfig.Logger = log.NewBridge(a.config.Logger, log.Debug, "memberlist: ")
	config.EventCh = ch
	config.EnableNameConflictResolution = false

	if a.config.DataDir != "" {
		config.SnapshotPath = filepath.Join(a.config.DataDir, path)
		if err := ensurePath(config.SnapshotPath, false); err != nil {
			return nil, err
		}
	}

	return serf.Create(config)
}

func (a *Agent) metadata() metadata.Agent {
	ml := a.config.SerfConfig.MemberlistConfig
	return metadata.Agent{
		ID:        a.config.ID,
		Name:      a.config.Name,
		Bootstrap: a.config.Bootstrap,
		Expect:    a.config.BootstrapExpect,
		NonVoter:  a.config.NonVoter,
		SerfAddr:  net.JoinHostPort(ml.BindAddr, strconv.Itoa(ml.BindPort)),
		RaftAddr:  a.raftLayer.Addr().String(),
		APIAddr:   a.config.APIAddr,
	}
}

func (a *Agent) eventHandler() {
	for {
		select {
		case e := <-a.eventCh:
			me, ok := e.(serf.MemberEvent)
			if !ok {
				continue
			}

			switch e.EventType() {
			case serf.EventMemberJoin:
				a.nodeJoin(me)
				a.localMemberEvent(me)
			case serf.EventMemberUpdate:
				a.nodeJoin(me)
				a.localMemberEvent(me)
			case serf.EventMemberLeave, serf.EventMemberFailed:
				a.nodeFailed(me)
				a.localMemberEvent(me)
			case serf.EventMemberReap:
				a.nodeFailed(me)
				a.localMemberEvent(me)
			}

		case <-a.shutdownCh:
			return
		}
	}
}

// nodeJoin tracks joining cluster nodes and bootstraps raft once enough
// nodes are known.
func (a *Agent) nodeJoin(e serf.MemberEvent) {
	for _, m := range e.Members {
		agent, ok := metadata.IsAgent(m)
		if !ok {
			continue
		}

		a.log.Debug("agent: adding node", "node", agent.Name, "raft", agent.RaftAddr)
		a.members.Upsert(agent)
	}

	if a.config.BootstrapExpect != 0 {
		a.maybeBootstrap()
	}
}

func (a *Agent) nodeFailed(e serf.MemberEvent) {
	for _, m := range e.Members {
		agent, ok := metadata.IsAgent(m)
		if !ok {
			continue
		}

		a.log.Debug("agent: removing node", "node", agent.Name)
		a.members.Remove(agent)
	}
}

// localMemberEvent hands member changes to the leader loop.
func (a *Agent) localMemberEvent(e serf.MemberEvent) {
	if !a.IsLeader() {
		return
	}

	isReap := e.EventType() == serf.EventMemberReap
	for _, m := range e.Members {
		if isReap {
			m.Status = statusReap
		}

		select {
		case a.reconcileCh <- m:
		default:
		}
	}
}

// maybeBootstrap bootstraps raft with every known voter once the expected
// number of nodes have joined.
func (a *Agent) maybeBootstrap() {
	if a.raft.LastIndex() != 0 {
		a.log.Info("agent: raft data found, disabling bootstrap mode")
		a.config.BootstrapExpect = 0
		return
	}

	var voters []*metadata.Agent
	for _, m := range a.Members() {
		agent, ok := metadata.IsAgent(m)
		if !ok || m.Status != serf.StatusAlive || agent.NonVoter {
			continue
		}
		if agent.Expect != 0 && agent.Expect != a.config.BootstrapExpect {
			a.log.Error("agent: member has a conflicting expect value", "member", m.Name)
			return
		}
		if agent.Bootstrap {
			a.log.Error("agent: member has bootstrap mode, expect disabled", "member", m.Name)
			return
		}
		voters = append(voters, agent)
	}
	if len(voters) < a.config.BootstrapExpect {
		return
	}

	configuration := raft.Configuration{}
	for _, v := range voters {
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:      raft.ServerID(v.ID),
			Address: raft.ServerAddress(v.RaftAddr),
		})
	}

	a.log.Info("agent: found expected number of peers, bootstrapping raft", "peers", len(voters))
	err := a.raft.BootstrapCluster(configuration).Error()
	if err != nil && err != raft.ErrCantBootstrap {
		a.log.Error("agent: error bootstrapping raft", "error", err)
		return
	}

	a.config.BootstrapExpect = 0
}
