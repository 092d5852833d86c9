// Package node implements the per node agent registry, job assignment and
// failure handling.
package node

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/protocol"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/pkg/errors"
)

// Node errors.
var (
	ErrUnknownAgent     = errors.New("node: unknown agent")
	ErrAgentDisabled    = errors.New("node: agent is disabled")
	ErrAlreadyLoggedIn  = errors.New("node: agent already logged in")
	ErrNotLoggedIn      = errors.New("node: agent not logged in")
	ErrNoAssignedJob    = errors.New("node: agent has no assigned job")
	errNotRunning       = errors.New("node: job is not running")
	errNotLocked        = errors.New("node: job is not locked")
	errNoRestartPending = errors.New("node: no restart pending")
	errRestartPending   = errors.New("node: restart already pending")
)

// Store is the persistence used by a node.
type Store interface {
	Agent(ctx context.Context, id string) (*model.JobAgent, error)
	UpdateAgent(ctx context.Context, id string, fn func(*model.JobAgent) error) (*model.JobAgent, error)
	JobType(ctx context.Context, id string) (*model.JobType, error)
	LockPendingJob(ctx context.Context, jobTypeID string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	RunningJobsOnHost(ctx context.Context, host string) ([]*model.Job, error)
	Watch(ctx context.Context, collection string) <-chan struct{}
}

// TokenMinter mints the api tokens handed to executing agents.
type TokenMinter interface {
	MintExec(client, user, job string) (string, error)
}

// Config configures a node.
type Config struct {
	// APIURL is the url agents use to call back into the api.
	APIURL string

	// MaxAttempts is the number of attempts of a non recurring job before
	// it is failed on disconnect.
	MaxAttempts int

	// AssignInterval is the interval between assignment ticks.
	AssignInterval time.Duration

	Logger  log.Logger
	Statter stats.Statter
}

// NewConfig returns a default node configuration.
func NewConfig() Config {
	return Config{
		MaxAttempts:    3,
		AssignInterval: time.Second,
	}
}

// Node assigns pending jobs to the agents connected to it.
type Node struct {
	store  Store
	tokens TokenMinter
	cfg    Config
	reg    *Registry

	// mu serialises agent activation, disconnection, result handling and
	// the assignment of a single agent.
	mu        sync.Mutex
	assigning atomic.Bool

	now     func() time.Time
	log     log.Logger
	statter stats.Statter
}

// New returns a node.
func New(s Store, tokens TokenMinter, cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Statter == nil {
		cfg.Statter = stats.Null
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AssignInterval <= 0 {
		cfg.AssignInterval = time.Second
	}

	return &Node{
		store:   s,
		tokens:  tokens,
		cfg:     cfg,
		reg:     NewRegistry(),
		now:     time.Now,
		log:     cfg.Logger,
		statter: cfg.Statter,
	}
}

// Registry returns the registry of connected agents.
func (n *Node) Registry() *Registry {
	return n.reg
}

// Run runs assignment ticks on an interval and on every job change until
// the context is done. Ticks run in the background so that a change seen
// while a tick is running, usually one of its own writes, is dropped.
func (n *Node) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(n.cfg.AssignInterval)
	defer ticker.Stop()

	tick := func() {
		if !n.assigning.CompareAndSwap(false, true) {
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer n.assigning.Store(false)

			n.tick(ctx)
		}()
	}

	jobsCh := n.store.Watch(ctx, store.CollectionJobs)
	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-jobsCh:
			if !ok {
				jobsCh = nil
				continue
			}
			tick()

		case <-ticker.C:
			tick()
		}
	}
}

// Activate binds a logged in connection to the agent and acknowledges the
// login. An agent connected on another connection is replaced and its old
// connection closed.
func (n *Node) Activate(ctx context.Context, agentID string, conn Conn) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	agent, err := n.store.Agent(ctx, agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrUnknownAgent
	case err != nil:
		return errors.Wrap(err, "node: error loading agent")
	case agent.Disabled:
		return ErrAgentDisabled
	}

	if e, ok := n.reg.Get(agentID); ok && e.Conn.ID() == conn.ID() {
		return ErrAlreadyLoggedIn
	}

	failed := n.cleanup(ctx, agent)
	now := n.now()
	agent, err = n.store.UpdateAgent(ctx, agentID, func(a *model.JobAgent) error {
		if a.ConnectionID != "" {
			a.Reconnects++
		}
		a.ConnectCount++
		a.ConnectionID = conn.ID()
		a.LastAlive = now
		a.FailedJobs += failed
		a.ClearAllocation()
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "node: error activating agent")
	}

	old := n.reg.put(&Entry{
		AgentID:  agentID,
		Conn:     conn,
		JobTypes: agent.JobTypes,
	})
	if old != nil {
		n.log.Info("node: agent reconnected, closing previous connection", "agent", agentID, "conn", old.Conn.ID())
		_ = old.Conn.Close()
	}

	// The ack is queued before any assignment can reach the connection.
	if err := conn.Send(protocol.Success()); err != nil {
		n.log.Error("node: error acknowledging login", "agent", agentID, "error", err)
	}

	n.log.Info("node: agent logged in", "agent", agentID, "name", agent.Name, "host", conn.RemoteHost())
	n.statter.Inc("agent.login", 1, 1.0)
	n.statter.Gauge("agent.connected", float64(n.reg.Len()), 1.0)
	return nil
}

// Disconnect removes the agent from the registry if it is bound to the
// connection, and recovers the jobs it was running. An empty connection
// id disconnects any connection of the agent.
func (n *Node) Disconnect(ctx context.Context, agentID, connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.disconnect(ctx, agentID, connID)
}

func (n *Node) disconnect(ctx context.Context, agentID, connID string) {
	e, ok := n.reg.remove(agentID, connID)
	if !ok {
		return
	}
	n.statter.Inc("agent.disconnect", 1, 1.0)
	n.statter.Gauge("agent.connected", float64(n.reg.Len()), 1.0)

	agent, err := n.store.Agent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			n.log.Error("node: error loading disconnected agent", "agent", agentID, "error", err)
		}
		return
	}

	failed := n.cleanup(ctx, agent)
	_, err = n.store.UpdateAgent(ctx, agentID, func(a *model.JobAgent) error {
		if a.ConnectionID == e.Conn.ID() {
			a.ConnectionID = ""
		}
		a.FailedJobs += failed
		a.ClearAllocation()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		n.log.Error("node: error updating disconnected agent", "agent", agentID, "error", err)
	}

	n.log.Info("node: agent disconnected", "agent", agentID, "recovered", failed)
}

// Connected determines if the agent is connected to this node.
func (n *Node) Connected(agentID string) bool {
	_, ok := n.reg.Get(agentID)
	return ok
}

// Tick runs a single assignment pass followed by the timeout check. A tick
// requested while another is running is dropped.
func (n *Node) Tick(ctx context.Context) {
	if !n.assigning.CompareAndSwap(false, true) {
		return
	}
	defer n.assigning.Store(false)

	n.tick(ctx)
}

func (n *Node) tick(ctx context.Context) {
	for _, id := range n.reg.IDs() {
		if err := n.assign(ctx, id); err != nil {
			n.log.Error("node: error assigning job", "agent", id, "error", err)
		}
	}

	n.CheckTimeouts(ctx)
}

func (n *Node) assign(ctx context.Context, agentID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.reg.Get(agentID)
	if !ok || e.Job != nil {
		return nil
	}

	agent, err := n.store.Agent(ctx, agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		n.log.Info("node: connected agent no longer registered, disconnecting", "agent", agentID)
		n.disconnect(ctx, agentID, e.Conn.ID())
		_ = e.Conn.Close()
		return nil
	case err != nil:
		return errors.Wrap(err, "node: error loading agent")
	case agent.Disabled:
		return nil
	}

	for _, typeID := range agent.JobTypes {
		job, err := n.store.LockPendingJob(ctx, typeID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "node: error locking job")
		}

		return n.dispatch(ctx, e, agent, job)
	}
	return nil
}

func (n *Node) dispatch(ctx context.Context, e Entry, agent *model.JobAgent, job *model.Job) error {
	token, err := n.tokens.MintExec(job.Client, job.User, job.ID)
	if err != nil {
		n.unlock(ctx, job.ID)
		return errors.Wrap(err, "node: error minting token")
	}

	id, now := job.ID, n.now()
	job, err = n.store.UpdateJob(ctx, id, func(j *model.Job) error {
		if j.State != model.JobLocked {
			return errNotLocked
		}
		j.State = model.JobRunning
		j.StartedAt = now
		j.StoppedAt = time.Time{}
		j.Attempts++
		j.Host = agent.RemoteHost
		j.AgentID = agent.ID
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotLocked) {
			n.unlock(ctx, id)
		}
		return errors.Wrap(err, "node: error starting job")
	}

	_, err = n.store.UpdateAgent(ctx, agent.ID, func(a *model.JobAgent) error {
		a.AllocatedFor = job.JobTypeID
		a.AllocatedJob = job.ID
		a.AllocatedAt = now
		return nil
	})
	if err != nil {
		n.log.Error("node: error allocating agent", "agent", agent.ID, "job", job.ID, "error", err)
	}
	n.reg.setJob(agent.ID, job)

	if err := e.Conn.Send(protocol.NewExec(job, token, n.cfg.APIURL)); err != nil {
		// The job stays running, the disconnect of the agent recovers it.
		return errors.Wrap(err, "node: error sending exec")
	}

	n.log.Info("node: job assigned", "agent", agent.ID, "job", job.ID, "type", job.Type, "attempt", job.Attempts)
	n.statter.Inc("job.assigned", 1, 1.0, "type", job.Type)
	return nil
}

func (n *Node) unlock(ctx context.Context, id string) {
	_, err := n.store.UpdateJob(ctx, id, func(j *model.Job) error {
		if j.State != model.JobLocked {
			return errNotLocked
		}
		j.State = model.JobPending
		return nil
	})
	if err != nil {
		n.log.Error("node: error unlocking job", "job", id, "error", err)
	}
}

// HandleResult records the outcome of the job assigned to the agent.
func (n *Node) HandleResult(ctx context.Context, agentID, connID string, res protocol.Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.reg.Get(agentID)
	if !ok || e.Conn.ID() != connID {
		return ErrNotLoggedIn
	}
	if e.Job == nil {
		return ErrNoAssignedJob
	}

	now := n.now()
	job, err := n.store.UpdateJob(ctx, e.Job.ID, func(j *model.Job) error {
		if j.State != model.JobRunning || j.AgentID != agentID {
			return errNotRunning
		}
		if res.Success {
			j.Succeed(res.Log, now)
			return nil
		}
		j.Fail(res.Error, res.Log, now)
		return nil
	})
	switch {
	case errors.Is(err, errNotRunning):
		n.log.Info("node: result for job no longer running", "agent", agentID, "job", e.Job.ID)
	case err != nil:
		return errors.Wrap(err, "node: error recording result")
	}

	_, err = n.store.UpdateAgent(ctx, agentID, func(a *model.JobAgent) error {
		if job != nil {
			a.TotalJobs++
			if res.Success {
				a.SuccessfulJobs++
			} else {
				a.FailedJobs++
			}
		}
		a.ClearAllocation()
		return nil
	})
	n.reg.setJob(agentID, nil)
	if err != nil {
		return errors.Wrap(err, "node: error updating agent")
	}

	if job == nil {
		return nil
	}
	if res.Success {
		n.log.Info("node: job succeeded", "agent", agentID, "job", job.ID, "type", job.Type)
		n.statter.Inc("job.succeeded", 1, 1.0, "type", job.Type)
		return nil
	}
	n.log.Info("node: job failed", "agent", agentID, "job", job.ID, "type", job.Type, "reason", res.Error)
	n.statter.Inc("job.failed", 1, 1.0, "type", job.Type)
	return nil
}

// HandleProgress records the progress of the job assigned to the agent.
func (n *Node) HandleProgress(ctx context.Context, agentID, connID string, progress int) error {
	e, ok := n.reg.Get(agentID)
	if !ok || e.Conn.ID() != connID {
		return ErrNotLoggedIn
	}
	if e.Job == nil {
		return ErrNoAssignedJob
	}

	_, err := n.store.UpdateJob(ctx, e.Job.ID, func(j *model.Job) error {
		if j.State != model.JobRunning {
			return errNotRunning
		}
		j.SetProgress(progress)
		return nil
	})
	if err != nil && !errors.Is(err, errNotRunning) {
		return errors.Wrap(err, "node: error recording progress")
	}
	return nil
}

// HandleSysInfo stores the system metrics of the agent.
func (n *Node) HandleSysInfo(ctx context.Context, agentID string, data json.RawMessage) error {
	_, err := n.store.UpdateAgent(ctx, agentID, func(a *model.JobAgent) error {
		a.SysInfo = data
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "node: error storing sysinfo")
	}
	return nil
}

// Touch marks the agent as alive.
func (n *Node) Touch(ctx context.Context, agentID string) error {
	now := n.now()
	_, err := n.store.UpdateAgent(ctx, agentID, func(a *model.JobAgent) error {
		a.LastAlive = now
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "node: error touching agent")
	}
	return nil
}

// TakeRestart clears the restart flag of the agent, returning the agent
// if a restart was requested.
func (n *Node) TakeRestart(ctx context.Context, agentID string) (*model.JobAgent, bool, error) {
	agent, err := n.store.UpdateAgent(ctx, agentID, func(a *model.JobAgent) error {
		if !a.Restart {
			return errNoRestartPending
		}
		a.Restart = false
		return nil
	})
	switch {
	case errors.Is(err, errNoRestartPending):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrap(err, "node: error taking restart")
	}
	return agent, true, nil
}
