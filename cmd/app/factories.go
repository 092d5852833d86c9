package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/hamba/cmd"
	"github.com/nrwiersma/jobcluster"
	"github.com/nrwiersma/jobcluster/auth"
	"github.com/nrwiersma/jobcluster/cluster"
	"github.com/nrwiersma/jobcluster/election"
	"github.com/nrwiersma/jobcluster/server"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/nrwiersma/jobcluster/store/postgres"
	"github.com/pkg/errors"
)

// Application =============================

func newApplication(c *cmd.Context, s store.Store, e *elector) (*jobcluster.Application, error) {
	a, err := auth.New(c.String(flagSecret), c.Duration(flagExecTTL))
	if err != nil {
		return nil, err
	}

	cfg := jobcluster.NewConfig()
	cfg.Store = s
	cfg.Elector = e
	cfg.Auth = a
	cfg.Logger = c.Logger()
	cfg.Statter = c.Statter()

	cfg.Node.APIURL = c.String(flagAPIURL)
	cfg.Node.MaxAttempts = c.Int(flagMaxAttempts)
	cfg.Node.AssignInterval = c.Duration(flagAssignInterval)

	cfg.Server.Name = nodeName(c)
	cfg.Server.HeartbeatInterval = c.Duration(flagHeartbeatInterval)
	cfg.Server.LoginTimeout = c.Duration(flagLoginTimeout)

	cfg.Trigger.LivenessWindow = c.Duration(flagLivenessWindow)

	if e.agent != nil {
		cfg.Nodes = e.agent
	}

	return jobcluster.NewApplication(cfg)
}

func nodeName(c *cmd.Context) string {
	if name := c.String(flagName); name != "" {
		return name
	}
	return cluster.NewConfig().Name
}

// Store ===================================

func newStore(c *cmd.Context) (store.Store, error) {
	switch c.String(flagStore) {
	case storeMemory:
		return store.NewMemDB()

	case storePostgres:
		dsn := c.String(flagDBDSN)
		if dsn == "" {
			return nil, errors.New("a database dsn is required for the postgres store")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg := postgres.NewConfig()
		cfg.Logger = c.Logger()
		return postgres.Open(ctx, dsn, cfg)

	default:
		return nil, errors.Errorf("unknown store %q", c.String(flagStore))
	}
}

// Elector =================================

// elector is the leader elector of the node, either the election sidecar
// or a raft cluster agent.
type elector struct {
	election.Elector

	agent *cluster.Agent
}

func (e *elector) Leave() error {
	if e.agent == nil {
		return nil
	}
	return e.agent.Leave()
}

func (e *elector) Close() error {
	if e.agent == nil {
		return nil
	}
	return e.agent.Close()
}

func newElector(c *cmd.Context) (*elector, error) {
	switch c.String(flagElection) {
	case electionSidecar:
		cfg := election.NewSidecarConfig(c.Int(flagElectionPort))
		cfg.PodListURL = c.String(flagPodListURL)
		cfg.Logger = c.Logger()
		if name := c.String(flagName); name != "" {
			cfg.Hostname = name
		}
		return &elector{Elector: election.NewSidecar(cfg)}, nil

	case electionRaft:
		agent, err := newAgent(c)
		if err != nil {
			return nil, err
		}

		if join := c.StringSlice(flagJoin); len(join) > 0 {
			if err := agent.Join(join...); err != nil {
				_ = agent.Close()
				return nil, err
			}
		}
		return &elector{Elector: agent, agent: agent}, nil

	default:
		return nil, errors.Errorf("unknown election %q", c.String(flagElection))
	}
}

func newAgent(c *cmd.Context) (*cluster.Agent, error) {
	cfg := cluster.NewConfig()
	cfg.Name = nodeName(c)
	cfg.DataDir = c.String(flagDataDir)
	cfg.EncryptKey = c.String(flagEncryptKey)
	cfg.Bootstrap = c.Bool(flagBootstrap)
	cfg.BootstrapExpect = c.Int(flagBootstrapExpect)
	cfg.APIAddr = apiAddr(c)
	cfg.Logger = c.Logger()

	raftAddr, err := net.ResolveTCPAddr("tcp", c.String(flagRaftAddr))
	if err != nil {
		return nil, errors.Wrap(err, "invalid raft address")
	}
	cfg.RaftAddr = raftAddr

	// Setup the serf addr
	bindIP, bindPort, err := net.SplitHostPort(c.String(flagSerfAddr))
	if err != nil {
		return nil, errors.Wrap(err, "invalid serf address")
	}
	cfg.SerfConfig.MemberlistConfig.BindAddr = bindIP
	cfg.SerfConfig.MemberlistConfig.BindPort, err = strconv.Atoi(bindPort)
	if err != nil {
		return nil, errors.Wrap(err, "invalid serf port")
	}

	return cluster.NewAgent(cfg)
}

// apiAddr returns the api address advertised to the cluster, the raft host
// with the api port.
func apiAddr(c *cmd.Context) string {
	_, port, err := net.SplitHostPort(c.String(flagHTTPAddr))
	if err != nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.String(flagRaftAddr))
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, port)
}

var _ server.NodeLister = (*cluster.Agent)(nil)
