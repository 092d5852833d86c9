package cluster

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/nrwiersma/jobcluster/cluster/internal/fsm"
	"github.com/nrwiersma/jobcluster/cluster/internal/rpc"
	"github.com/nrwiersma/jobcluster/pkg/log"
	"github.com/pkg/errors"
)

const (
	raftMaxPool = 3
	raftTimeout = 10 * time.Second
)

func (a *Agent) setupRaft() (err error) {
	// Protect against unclean exit
	defer func() {
		if a.raft == nil && a.raftStore != nil {
			_ = a.raftStore.Close()
			a.raftStore = nil
		}
	}()

	a.config.RaftConfig.LocalID = raft.ServerID(a.config.ID)
	a.config.RaftConfig.NotifyCh = a.raftNotifyCh
	a.config.RaftConfig.Logger = log.NewHCLBridge(a.config.Logger, "raft: ")

	a.fsm, err = fsm.New()
	if err != nil {
		return err
	}

	trans := raft.NewNetworkTransportWithConfig(&raft.NetworkTransportConfig{
		Stream:  a.raftLayer,
		MaxPool: raftMaxPool,
		Timeout: raftTimeout,
		Logger:  log.NewHCLBridge(a.config.Logger, "raft transport: "),
	})
	a.raftTransport = trans

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
	)
	if a.config.DataDir == "" {
		store := raft.NewInmemStore()
		logStore, stableStore = store, store
		snapshots = raft.NewInmemSnapshotStore()
	} else {
		path := filepath.Join(a.config.DataDir, raftState)
		if err := ensurePath(path, true); err != nil {
			return err
		}

		// Create the backend raft store for logs and stable storage.
		store, err := raftboltdb.NewBoltStore(filepath.Join(path, "raft.db"))
		if err != nil {
			return err
		}
		a.raftStore = store
		stableStore = store

		logStore, err = raft.NewLogCache(raftLogCacheSize, store)
		if err != nil {
			return err
		}

		snapshots, err = raft.NewFileSnapshotStoreWithLogger(path, snapshotsRetained, log.NewHCLBridge(a.config.Logger, "raft snapshots: "))
		if err != nil {
			return err
		}
	}

	if a.config.Bootstrap {
		// We only need to bootstrap a single server at the start of a cluster
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
		if err != nil {
			return err
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{
					{
						ID:      a.config.RaftConfig.LocalID,
						Address: trans.LocalAddr(),
					},
				},
			}
			if err := raft.BootstrapCluster(a.config.RaftConfig, logStore, stableStore, snapshots, trans, configuration); err != nil {
				return err
			}
		}
	}

	a.raft, err = raft.NewRaft(a.config.RaftConfig, a.fsm, logStore, stableStore, snapshots, trans)
	return err
}

// raftApply encodes and applies a message to the raft log, returning the
// FSM response.
func (a *Agent) raftApply(t rpc.MessageType, msg interface{}) (interface{}, error) {
	buf, err := rpc.Encode(t, msg)
	if err != nil {
		return nil, errors.Wrap(err, "agent: failed to encode request")
	}

	future := a.raft.Apply(buf, a.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, err
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}
