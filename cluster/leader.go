package cluster

import (
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
	"github.com/nrwiersma/jobcluster/cluster/internal/rpc"
	"github.com/nrwiersma/jobcluster/cluster/metadata"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/pkg/errors"
)

const barrierWriteTimeout = 2 * time.Minute

// statusReap is a pseudo member status for members that serf has reaped.
const statusReap = serf.MemberStatus(-1)

// monitorLeadership runs the reconcile loop while the agent is raft leader.
func (a *Agent) monitorLeadership() {
	var (
		stopCh chan struct{}
		wg     sync.WaitGroup
	)
	stop := func() {
		if stopCh == nil {
			return
		}
		close(stopCh)
		wg.Wait()
		stopCh = nil
	}

	for {
		select {
		case <-a.shutdownCh:
			stop()
			return

		case isLeader := <-a.raftNotifyCh:
			switch {
			case isLeader && stopCh == nil:
				stopCh = make(chan struct{})
				wg.Add(1)
				go func(ch chan struct{}) {
					defer wg.Done()
					a.leaderLoop(ch)
				}(stopCh)
				a.log.Info("leader: cluster leadership acquired")

			case !isLeader && stopCh != nil:
				stop()
				a.log.Info("leader: cluster leadership lost")

			default:
				a.log.Debug("leader: ignoring repeated leadership notification", "leader", isLeader)
			}
		}
	}
}

// leaderLoop keeps the node table in line with serf membership while
// the agent leads the cluster.
func (a *Agent) leaderLoop(stopCh chan struct{}) {
RECONCILE:
	interval := time.After(a.config.ReconcileInterval)
	barrier := a.raft.Barrier(barrierWriteTimeout)
	if err := barrier.Error(); err != nil {
		a.log.Error("leader: wait for barrier error", "error", err)
		goto WAIT
	}

	if err := a.reconcile(); err != nil {
		a.log.Error("leader: reconcile error", "error", err)
	}

WAIT:
	for {
		select {
		case <-stopCh:
			return
		case <-a.shutdownCh:
			return
		case <-interval:
			goto RECONCILE
		case member := <-a.reconcileCh:
			a.reconcileMember(member)
		}
	}
}

func (a *Agent) reconcile() error {
	known := make(map[string]struct{})
	for _, member := range a.Members() {
		a.reconcileMember(member)

		meta, ok := metadata.IsAgent(member)
		if !ok {
			continue
		}
		known[meta.ID] = struct{}{}
	}

	if err := a.reconcileReaped(known); err != nil {
		return err
	}
	return a.reconcileNodes(known)
}

// reconcileReaped removes raft servers that serf no longer knows.
func (a *Agent) reconcileReaped(known map[string]struct{}) error {
	servers, err := a.raftServers()
	if err != nil {
		return err
	}

	for _, server := range servers {
		id := string(server.ID)
		if _, ok := known[id]; ok {
			continue
		}

		member := serf.Member{
			Tags:   metadata.Agent{ID: id, RaftAddr: string(server.Address)}.ToTags(),
			Status: statusReap,
		}
		if err := a.handleDeregisterMember("reaped", member); err != nil {
			return err
		}
	}

	return nil
}

// reconcileNodes removes registered nodes that serf no longer knows.
func (a *Agent) reconcileNodes(known map[string]struct{}) error {
	_, nodes, err := a.Store().Nodes(nil, "")
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if _, ok := known[node.ID]; ok || node.ID == a.config.ID {
			continue
		}

		a.log.Info("leader: deregistering unknown node", "node", node.Name)
		req := rpc.DeregisterNodeRequest{Node: state.Node{ID: node.ID, Name: node.Name}}
		if _, err := a.raftApply(rpc.DeregisterNodeRequestType, &req); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) reconcileMember(m serf.Member) {
	var err error

	switch m.Status {
	case serf.StatusAlive:
		err = a.handleAliveMember(m)

	case serf.StatusFailed:
		err = a.handleFailedMember(m)

	case serf.StatusLeft:
		err = a.handleDeregisterMember("left", m)

	case statusReap:
		err = a.handleDeregisterMember("reaped", m)
	}

	if err != nil {
		a.log.Error("leader: reconcile member", "member", m.Name, "error", err)
	}
}

func (a *Agent) handleAliveMember(m serf.Member) error {
	agent, ok := metadata.IsAgent(m)
	if !ok {
		return nil
	}

	if err := a.joinCluster(m, agent); err != nil {
		return errors.Wrap(err, "leader: error joining cluster")
	}

	_, existing, err := a.Store().Node(agent.ID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Health != state.HealthPassing {
		a.log.Info("leader: member joined, marking health alive", "member", m.Name)
	}

	return a.registerNode(m, agent, state.HealthPassing)
}

func (a *Agent) handleFailedMember(m serf.Member) error {
	agent, ok := metadata.IsAgent(m)
	if !ok {
		return nil
	}

	a.log.Info("leader: member failed, marking health critical", "member", m.Name)

	return a.registerNode(m, agent, state.HealthCritical)
}

func (a *Agent) registerNode(m serf.Member, agent *metadata.Agent, health state.Health) error {
	req := rpc.RegisterNodeRequest{
		Node: state.Node{
			ID:      agent.ID,
			Name:    agent.Name,
			Role:    m.Tags["role"],
			Address: m.Addr.String(),
			APIAddr: agent.APIAddr,
			Health:  health,
			Meta:    m.Tags,
		},
	}
	_, err := a.raftApply(rpc.RegisterNodeRequestType, &req)
	return err
}

func (a *Agent) handleDeregisterMember(reason string, m serf.Member) error {
	agent, ok := metadata.IsAgent(m)
	if !ok {
		return nil
	}

	if agent.ID == a.config.ID {
		a.log.Debug("leader: deregistering self should be done by follower")
		return nil
	}

	a.log.Info("leader: member left", "member", m.Name, "reason", reason)

	if err := a.removeServer(agent); err != nil {
		return errors.Wrap(err, "leader: error removing server")
	}

	req := rpc.DeregisterNodeRequest{
		Node: state.Node{
			ID:   agent.ID,
			Name: agent.Name,
		},
	}
	_, err := a.raftApply(rpc.DeregisterNodeRequestType, &req)
	return err
}

// joinCluster adds the node to the raft configuration, replacing any
// server that holds its id or address.
func (a *Agent) joinCluster(m serf.Member, agent *metadata.Agent) error {
	if agent.Bootstrap && a.otherBootstrapNode(m.Name) {
		a.log.Error("leader: multiple nodes in bootstrap mode, there can only be one", "member", m.Name)
		return nil
	}

	servers, err := a.raftServers()
	if err != nil {
		return err
	}

	// Removing ourselves to fix our address makes us step down.
	if agent.ID == a.config.ID && len(servers) < 3 {
		return nil
	}

	id, addr := raft.ServerID(agent.ID), raft.ServerAddress(agent.RaftAddr)
	for _, srv := range servers {
		switch {
		case srv.ID == id && srv.Address == addr:
			return nil
		case srv.ID == id || srv.Address == addr:
			if err := a.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return errors.Wrapf(err, "leader: error removing stale server %q", srv.ID)
			}
			a.log.Info("leader: removed stale server", "id", srv.ID, "address", srv.Address)
		}
	}

	if agent.NonVoter {
		a.log.Debug("leader: adding non voter", "node", agent.ID)
		return a.raft.AddNonvoter(id, addr, 0, 0).Error()
	}
	a.log.Debug("leader: adding voter", "node", agent.ID)
	return a.raft.AddVoter(id, addr, 0, 0).Error()
}

func (a *Agent) otherBootstrapNode(name string) bool {
	for _, member := range a.Members() {
		if member.Name == name {
			continue
		}
		if p, ok := metadata.IsAgent(member); ok && p.Bootstrap {
			return true
		}
	}
	return false
}

func (a *Agent) raftServers() ([]raft.Server, error) {
	future := a.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// removeServer removes the node from the raft configuration if present.
func (a *Agent) removeServer(agent *metadata.Agent) error {
	servers, err := a.raftServers()
	if err != nil {
		return err
	}

	id := raft.ServerID(agent.ID)
	for _, srv := range servers {
		if srv.ID != id {
			continue
		}

		a.log.Info("leader: removing server", "id", srv.ID)
		return a.raft.RemoveServer(id, 0, 0).Error()
	}
	return nil
}
