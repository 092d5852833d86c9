// Package store provides the persistence of job types, jobs and job agents.
package store

import (
	"context"

	"github.com/nrwiersma/jobcluster/model"
	"github.com/pkg/errors"
)

// Store errors.
var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Record collections.
const (
	CollectionJobTypes = "jobtypes"
	CollectionJobs     = "jobs"
	CollectionAgents   = "jobagents"
)

// JobFilter filters listed jobs. Empty fields match everything.
type JobFilter struct {
	JobTypeID string
	State     *model.JobState
	Limit     int
}

// Match determines if the job matches the filter.
func (f JobFilter) Match(j *model.Job) bool {
	if f.JobTypeID != "" && j.JobTypeID != f.JobTypeID {
		return false
	}
	if f.State != nil && j.State != *f.State {
		return false
	}
	return true
}

// Store is a transactional document store.
//
// Update functions run against a copy of the current document and are
// committed atomically with respect to other updates of the same document.
// Returning an error from an update function aborts the update.
type Store interface {
	JobTypes(ctx context.Context) ([]*model.JobType, error)
	JobType(ctx context.Context, id string) (*model.JobType, error)
	UpsertJobType(ctx context.Context, jt *model.JobType) (*model.JobType, error)

	Agents(ctx context.Context) ([]*model.JobAgent, error)
	Agent(ctx context.Context, id string) (*model.JobAgent, error)
	RegisterAgent(ctx context.Context, agent *model.JobAgent) (*model.JobAgent, error)
	UpdateAgent(ctx context.Context, id string, fn func(*model.JobAgent) error) (*model.JobAgent, error)

	Job(ctx context.Context, id string) (*model.Job, error)
	Jobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)
	CreateJob(ctx context.Context, job *model.Job) error
	FindActiveJob(ctx context.Context, jobTypeID string) (*model.Job, error)
	LockPendingJob(ctx context.Context, jobTypeID string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	RunningJobsOnHost(ctx context.Context, host string) ([]*model.Job, error)

	FindElements(ctx context.Context, filter model.ElementFilter, offset, limit int) ([]*model.Element, error)

	// Watch returns a channel that receives a signal each time the collection
	// changes. Signals are coalesced. The channel is closed when the context
	// is done.
	Watch(ctx context.Context, collection string) <-chan struct{}

	Ping(ctx context.Context) error
	Close() error
}
