package leader

import (
	"context"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/pkg/errors"
)

// ErrJobActive is returned when a job of the job type is still outstanding.
var ErrJobActive = errors.New("leader: job type has an active job")

// JobStore is the job persistence used by the creator.
type JobStore interface {
	FindActiveJob(ctx context.Context, jobTypeID string) (*model.Job, error)
	CreateJob(ctx context.Context, job *model.Job) error
}

// Batcher computes element batches for a query.
type Batcher interface {
	Batches(ctx context.Context, q model.Query) ([][]model.ElementRef, error)
}

// StartRequest holds the overrides of a manually started job.
type StartRequest struct {
	User       string
	Elements   []string
	Parameters map[string]interface{}
}

// Creator materialises jobs for triggered job types.
//
// At most one job per job type may be pending or running. The check
// and the insert are done under a single lock, but are not a single
// store transaction, so two creators in different processes can race.
type Creator struct {
	store   JobStore
	batcher Batcher

	mu sync.Mutex

	now     func() time.Time
	log     log.Logger
	statter stats.Statter
}

// NewCreator returns a job creator.
func NewCreator(s JobStore, b Batcher, l log.Logger, st stats.Statter) *Creator {
	if l == nil {
		l = log.Null
	}
	if st == nil {
		st = stats.Null
	}

	return &Creator{
		store:   s,
		batcher: b,
		now:     time.Now,
		log:     l,
		statter: st,
	}
}

// Schedule creates the pending jobs of a triggered job type, unless
// the job type still has an active job.
func (c *Creator) Schedule(ctx context.Context, jt *model.JobType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.create(ctx, jt, StartRequest{})
	if errors.Is(err, ErrJobActive) {
		c.log.Debug("leader: job type has an active job, skipping", "type", jt.Name)
		return nil
	}
	return err
}

// Start creates a job for a manually started job type.
func (c *Creator) Start(ctx context.Context, jt *model.JobType, req StartRequest) ([]*model.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.create(ctx, jt, req)
}

// create checks for an active job and inserts under the creator lock only.
// Two leaders can still both pass the check; no store constraint prevents it.
func (c *Creator) create(ctx context.Context, jt *model.JobType, req StartRequest) ([]*model.Job, error) {
	_, err := c.store.FindActiveJob(ctx, jt.ID)
	switch {
	case err == nil:
		return nil, ErrJobActive
	case !errors.Is(err, store.ErrNotFound):
		return nil, errors.Wrap(err, "leader: error finding active job")
	}

	if jt.Query == nil || len(req.Elements) > 0 {
		job := c.newJob(jt, req)
		if err := c.store.CreateJob(ctx, job); err != nil {
			return nil, errors.Wrap(err, "leader: error creating job")
		}
		c.created(jt, 1)
		return []*model.Job{job}, nil
	}

	batches, err := c.batcher.Batches(ctx, *jt.Query)
	if err != nil {
		return nil, errors.Wrapf(err, "leader: error computing batches for %q", jt.Name)
	}

	jobs := make([]*model.Job, 0, len(batches))
	for _, b := range batches {
		job := c.newJob(jt, req)
		job.Batch = b
		if err := c.store.CreateJob(ctx, job); err != nil {
			return jobs, errors.Wrap(err, "leader: error creating job")
		}
		jobs = append(jobs, job)
	}
	c.created(jt, len(jobs))
	return jobs, nil
}

func (c *Creator) newJob(jt *model.JobType, req StartRequest) *model.Job {
	params := make(map[string]interface{}, len(jt.Parameters)+len(req.Parameters))
	for k, v := range jt.Parameters {
		params[k] = v
	}
	for k, v := range req.Parameters {
		params[k] = v
	}

	return &model.Job{
		JobTypeID:  jt.ID,
		Type:       jt.Name,
		Client:     jt.Client,
		User:       req.User,
		State:      model.JobPending,
		Elements:   req.Elements,
		Parameters: params,
		CreatedAt:  c.now(),
	}
}

func (c *Creator) created(jt *model.JobType, n int) {
	if n == 0 {
		c.log.Debug("leader: no elements selected, no jobs created", "type", jt.Name)
		return
	}

	c.log.Info("leader: jobs created", "type", jt.Name, "count", n)
	c.statter.Inc("job.created", int64(n), 1.0, "type", jt.Name)
}
