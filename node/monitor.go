package node

import (
	"context"

	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/pkg/errors"
)

// Failure reasons.
const (
	ReasonAgentDisconnected  = "Agent disconnected"
	ReasonMaxAttemptsReached = "max attempts reached"
)

// cleanup recovers the running jobs attributed to the host of the agent,
// returning the number of jobs recovered.
func (n *Node) cleanup(ctx context.Context, agent *model.JobAgent) int {
	if agent.RemoteHost == "" {
		return 0
	}

	jobs, err := n.store.RunningJobsOnHost(ctx, agent.RemoteHost)
	if err != nil {
		n.log.Error("node: error finding running jobs", "agent", agent.ID, "host", agent.RemoteHost, "error", err)
		return 0
	}

	var count int
	for _, job := range jobs {
		if err := n.recover(ctx, job); err != nil {
			if !errors.Is(err, errNotRunning) {
				n.log.Error("node: error recovering job", "job", job.ID, "error", err)
			}
			continue
		}
		count++
	}
	return count
}

func (n *Node) recover(ctx context.Context, job *model.Job) error {
	interval := false
	jt, err := n.store.JobType(ctx, job.JobTypeID)
	switch {
	case err == nil:
		interval = jt.IsInterval()
	case !errors.Is(err, store.ErrNotFound):
		return errors.Wrap(err, "node: error loading job type")
	}

	now := n.now()
	var stat string
	job, err = n.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.State != model.JobRunning {
			return errNotRunning
		}

		switch {
		case interval:
			j.Fail(ReasonAgentDisconnected, "", now)
			stat = "job.failed"
		case j.Attempts >= n.cfg.MaxAttempts:
			j.Fail(ReasonMaxAttemptsReached, "", now)
			stat = "job.failed"
		default:
			j.Reset(now)
			stat = "job.reset"
		}
		return nil
	})
	if err != nil {
		return err
	}

	n.log.Info("node: recovered job of disconnected agent", "job", job.ID, "type", job.Type, "state", job.State.String())
	n.statter.Inc(stat, 1, 1.0, "type", job.Type)
	return nil
}

// CheckTimeouts flags connected agents whose assigned job exceeded its job
// type timeout for a restart.
func (n *Node) CheckTimeouts(ctx context.Context) {
	for _, e := range n.reg.Entries() {
		if e.Job == nil {
			continue
		}

		if err := n.checkTimeout(ctx, e); err != nil {
			n.log.Error("node: error checking job timeout", "agent", e.AgentID, "job", e.Job.ID, "error", err)
		}
	}
}

func (n *Node) checkTimeout(ctx context.Context, e Entry) error {
	jt, err := n.store.JobType(ctx, e.Job.JobTypeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	timeout := jt.TimeoutDuration()
	if timeout <= 0 || e.Job.StartedAt.IsZero() {
		return nil
	}
	if !n.now().After(e.Job.StartedAt.Add(timeout)) {
		return nil
	}

	_, err = n.store.UpdateAgent(ctx, e.AgentID, func(a *model.JobAgent) error {
		if a.Restart {
			return errRestartPending
		}
		a.Restart = true
		return nil
	})
	switch {
	case errors.Is(err, errRestartPending):
		return nil
	case err != nil:
		return err
	}

	n.log.Info("node: job timed out, agent flagged for restart", "agent", e.AgentID, "job", e.Job.ID, "timeout", timeout)
	n.statter.Inc("agent.restart_flagged", 1, 1.0)
	return nil
}
