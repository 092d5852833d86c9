package cluster

import (
	"net"
	"os"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
)

const (
	// DefaultRaftPort is the default Raft listening port.
	DefaultRaftPort = 8300

	// DefaultSerfPort is the default Serf listening port.
	DefaultSerfPort = 8301
)

var (
	// DefaultRaftAddr is the default Raft binding address.
	DefaultRaftAddr = &net.TCPAddr{IP: net.IP{}, Port: DefaultRaftPort}
)

// Config holds the configuration for an Agent.
type Config struct {
	// ID is a unique id for this agent.
	ID string

	// Name is the name the agent uses to advertise.
	Name string

	// APIAddr is the host and port other nodes use to reach the
	// HTTP api of this node. It is reported as the leader host.
	APIAddr string

	// DataDir is the directory to store our state in. An empty
	// directory keeps the raft log in memory.
	DataDir string

	// SerfConfig is the configuration used from Serf.
	SerfConfig *serf.Config

	// EncryptKey is the base64 encoded encryption key used to secure
	// Serf communications. The entire cluster must use the same key.
	EncryptKey string

	// RaftConfig is the configuration used for Raft.
	RaftConfig *raft.Config

	// RaftAdvertise is the address advertised for Raft communication.
	RaftAdvertise *net.TCPAddr

	// RaftAddr is the address used for Raft communication.
	RaftAddr *net.TCPAddr

	// Bootstrap is used to bring up the first cluster node.
	// This is required to create a single node cluster.
	Bootstrap bool

	// BootstrapExpect is the number of of nodes needed to
	// bootstrap the cluster, if bootstrapping is needed.
	BootstrapExpect int

	// NonVoter indicates that the node will not vote in the
	// the cluster. It will only receive state.
	NonVoter bool

	// LeaveDrainTime is the time to wait after leaving the cluster
	// to verify we actually left and drained connections.
	LeaveDrainTime time.Duration

	// ReconcileInterval controls how often we reconcile the strongly
	// consistent store with the Serf info.
	ReconcileInterval time.Duration

	// ApplyTimeout bounds a raft apply.
	ApplyTimeout time.Duration

	// Logger is the logger to log to.
	Logger log.Logger
}

// NewConfig creates/returns a default configuration.
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	conf := &Config{
		Name:              hostname,
		SerfConfig:        serfDefaultConfig(),
		RaftConfig:        raft.DefaultConfig(),
		RaftAddr:          DefaultRaftAddr,
		LeaveDrainTime:    5 * time.Second,
		ReconcileInterval: 60 * time.Second,
		ApplyTimeout:      10 * time.Second,
		Logger:            log.Null,
	}

	conf.SerfConfig.ReconnectTimeout = 24 * time.Hour
	conf.SerfConfig.MemberlistConfig.BindPort = DefaultSerfPort

	conf.RaftConfig.SnapshotThreshold = 16384

	return conf
}

func serfDefaultConfig() *serf.Config {
	base := serf.DefaultConfig()
	base.QueueDepthWarning = 1000000
	return base
}
