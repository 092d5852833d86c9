// Package cluster runs a raft and serf backed cluster of nodes, electing
// the leader that runs the job scheduling routines.
package cluster

import (
	"encoding/base64"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
	"github.com/nrwiersma/jobcluster/cluster/internal/fsm"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

const (
	serfSnapshot      = "serf/local.snapshot"
	raftState         = "raft/"
	raftLogCacheSize  = 512
	snapshotsRetained = 2
)

// Agent is a member of the cluster.
type Agent struct {
	config *Config
	log    log.Logger

	ln        *net.TCPListener
	raftLayer *RaftLayer

	raft          *raft.Raft
	raftStore     *raftboltdb.BoltStore
	raftTransport *raft.NetworkTransport
	fsm           *fsm.FSM
	raftNotifyCh  chan bool

	serf        *serf.Serf
	eventCh     chan serf.Event
	reconcileCh chan serf.Member
	members     *memberLookup

	rpcServer *rpc.Server

	shutdownMu sync.Mutex
	shutdownCh chan struct{}
	shutdown   bool
}

// NewAgent creates and starts a cluster agent.
func NewAgent(cfg *Config) (*Agent, error) {
	if cfg.ID == "" {
		cfg.ID = ksuid.New().String()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}

	if cfg.EncryptKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptKey)
		if err != nil {
			return nil, errors.Wrap(err, "agent: failed to decode encryption key")
		}

		if err := memberlist.ValidateKey(key); err != nil {
			return nil, errors.Wrap(err, "agent: invalid encryption key")
		}

		cfg.SerfConfig.MemberlistConfig.SecretKey = key
	}

	a := &Agent{
		config:       cfg,
		log:          cfg.Logger,
		raftNotifyCh: make(chan bool, 1),
		eventCh:      make(chan serf.Event, 256),
		reconcileCh:  make(chan serf.Member, 32),
		members:      newMemberLookup(),
		shutdownCh:   make(chan struct{}),
	}

	if err := a.setupRPC(); err != nil {
		_ = a.Close()
		return nil, err
	}

	if err := a.setupListener(); err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "agent: error listening")
	}
	go a.listen()

	if err := a.setupRaft(); err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "agent: error setting up raft")
	}

	var err error
	a.serf, err = a.setupSerf(cfg.SerfConfig, a.eventCh, serfSnapshot)
	if err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "agent: error setting up serf")
	}

	go a.eventHandler()

	go a.monitorLeadership()

	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string {
	return a.config.ID
}

// Members returns the serf members known to the agent.
func (a *Agent) Members() []serf.Member {
	return a.serf.Members()
}

// Join joins the cluster through the given serf addresses.
func (a *Agent) Join(addrs ...string) error {
	if _, err := a.serf.Join(addrs, true); err != nil {
		return errors.Wrap(err, "agent: error joining cluster")
	}
	return nil
}

// Leave gracefully leaves the cluster.
func (a *Agent) Leave() error {
	numPeers, err := a.numPeers()
	if err != nil {
		return errors.Wrap(err, "agent: check raft peers error")
	}

	if a.IsLeader() && numPeers > 1 {
		future := a.raft.RemoveServer(raft.ServerID(a.config.ID), 0, 0)
		if err := future.Error(); err != nil {
			a.log.Error("agent: error removing ourselves as raft peer", "error", err)
		}
	}

	if a.serf != nil {
		if err := a.serf.Leave(); err != nil {
			return errors.Wrap(err, "agent: error leaving cluster")
		}
	}

	time.Sleep(a.config.LeaveDrainTime)

	return nil
}

// Close shuts the agent down.
func (a *Agent) Close() error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()

	if a.shutdown {
		return nil
	}

	a.shutdown = true
	close(a.shutdownCh)

	if a.serf != nil {
		if err := a.serf.Shutdown(); err != nil {
			a.log.Error("agent: error shutting down serf", "error", err)
		}
	}

	if a.raft != nil {
		_ = a.raftTransport.Close()
		future := a.raft.Shutdown()
		if err := future.Error(); err != nil {
			a.log.Error("agent: error shutting down raft", "error", err)
		}
	}
	if a.raftStore != nil {
		_ = a.raftStore.Close()
	}

	if a.raftLayer != nil {
		_ = a.raftLayer.Close()
	}
	if a.ln != nil {
		_ = a.ln.Close()
	}

	return nil
}

func (a *Agent) isShutdown() bool {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()

	return a.shutdown
}

// IsLeader determines if the agent is the raft leader.
func (a *Agent) IsLeader() bool {
	return a.raft.State() == raft.Leader
}

// Store returns the replicated cluster state.
func (a *Agent) Store() *state.Store {
	return a.fsm.Store()
}

func (a *Agent) numPeers() (int, error) {
	future := a.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0, err
	}

	raftConfig := future.Configuration()
	var numPeers int
	for _, server := range raftConfig.Servers {
		if server.Suffrage == raft.Voter {
			numPeers++
		}
	}

	return numPeers, nil
}

// ensurePath is used to make sure a path exists.
func ensurePath(path string, dir bool) error {
	if !dir {
		path = filepath.Dir(path)
	}
	return os.MkdirAll(path, 0755)
}
