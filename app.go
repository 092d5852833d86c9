// Package jobcluster wires the job scheduling components of a node.
package jobcluster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/jobcluster/auth"
	"github.com/nrwiersma/jobcluster/batch"
	"github.com/nrwiersma/jobcluster/election"
	"github.com/nrwiersma/jobcluster/leader"
	"github.com/nrwiersma/jobcluster/node"
	"github.com/nrwiersma/jobcluster/server"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/pkg/errors"
)

// Config configures an application.
type Config struct {
	// Store is the job store shared by the cluster.
	Store store.Store

	// Elector reports the cluster leader.
	Elector election.Elector

	// Nodes lists the cluster nodes, if the elector knows them.
	Nodes server.NodeLister

	// Auth validates agent credentials and mints execution tokens.
	Auth *auth.Authenticator

	// PageSize is the page size used when selecting batch elements.
	PageSize int

	// PingInterval is the interval between store health checks.
	PingInterval time.Duration

	Node     node.Config
	Server   server.Config
	Trigger  leader.Config
	Election election.Config

	Logger  log.Logger
	Statter stats.Statter
}

// NewConfig returns a default application configuration.
func NewConfig() Config {
	return Config{
		PageSize:     1000,
		PingInterval: 10 * time.Second,
		Node:         node.NewConfig(),
		Server:       server.NewConfig(),
		Trigger:      leader.NewConfig(),
		Election:     election.NewConfig(),
	}
}

// Application is a job cluster node.
type Application struct {
	store      store.Store
	node       *node.Node
	server     *server.Server
	supervisor *election.Supervisor

	pingInterval time.Duration

	log     log.Logger
	statter stats.Statter
}

// NewApplication creates an instance of Application.
func NewApplication(cfg Config) (*Application, error) {
	if cfg.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if cfg.Elector == nil {
		return nil, errors.New("app: elector is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("app: authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Statter == nil {
		cfg.Statter = stats.Null
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}

	engine := batch.NewEngine(cfg.Store, cfg.PageSize)
	creator := leader.NewCreator(cfg.Store, engine, cfg.Logger, cfg.Statter)

	cfg.Trigger.Logger, cfg.Trigger.Statter = cfg.Logger, cfg.Statter
	trigger := leader.NewTriggerEngine(cfg.Store, creator, cfg.Trigger)

	routines := &election.LeaderRoutineManager{}
	routines.Register(trigger.Run)

	cfg.Election.Logger, cfg.Election.Statter = cfg.Logger, cfg.Statter
	supervisor := election.NewSupervisor(cfg.Elector, routines, cfg.Election)

	cfg.Node.Logger, cfg.Node.Statter = cfg.Logger, cfg.Statter
	n := node.New(cfg.Store, cfg.Auth, cfg.Node)

	cfg.Server.Logger, cfg.Server.Statter = cfg.Logger, cfg.Statter
	if cfg.Nodes != nil {
		cfg.Server.Nodes = cfg.Nodes
	}
	srv := server.New(cfg.Store, n, cfg.Auth, creator, supervisor, cfg.Server)

	return &Application{
		store:        cfg.Store,
		node:         n,
		server:       srv,
		supervisor:   supervisor,
		pingInterval: cfg.PingInterval,
		log:          cfg.Logger,
		statter:      cfg.Statter,
	}, nil
}

// Handler returns the http handler of the application.
func (a *Application) Handler() http.Handler {
	return a.server.Handler()
}

// Leadership returns the current leadership of the node.
func (a *Application) Leadership() election.Leadership {
	return a.supervisor.Leadership()
}

// Run runs the node until the context is done or the store is lost.
// Losing the store is fatal and is returned as an error.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, fn := range []func(context.Context){a.node.Run, a.server.Run, a.supervisor.Run} {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}

	err := a.monitorStore(ctx)

	cancel()
	wg.Wait()
	return err
}

func (a *Application) monitorStore(ctx context.Context) error {
	ticker := time.NewTicker(a.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := a.store.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.log.Error("app: store connection lost", "error", err)
				return errors.Wrap(err, "app: store connection lost")
			}
		}
	}
}

// Close closes the application store.
func (a *Application) Close() error {
	return a.store.Close()
}
