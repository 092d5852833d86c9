package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

const tableElements = "elements"

// MemDB is an in-memory store backed by go-memdb.
type MemDB struct {
	db  *memdb.MemDB
	now func() time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewMemDB returns an in-memory store.
func NewMemDB() (*MemDB, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.Wrap(err, "store: error creating memdb")
	}

	return &MemDB{
		db:      db,
		now:     time.Now,
		closeCh: make(chan struct{}),
	}, nil
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			CollectionJobTypes: {
				Name: CollectionJobTypes,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"name": {
						Name:         "name",
						Unique:       true,
						AllowMissing: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Client"},
								&memdb.StringFieldIndex{Field: "Name"},
							},
							AllowMissing: true,
						},
					},
				},
			},
			CollectionJobs: {
				Name: CollectionJobs,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"type": {
						Name:    "type",
						Indexer: &memdb.StringFieldIndex{Field: "JobTypeID"},
					},
					"host": {
						Name:         "host",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Host"},
					},
				},
			},
			CollectionAgents: {
				Name: CollectionAgents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"remote_host": {
						Name:         "remote_host",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "RemoteHost"},
					},
				},
			},
			tableElements: {
				Name: tableElements,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Collection"},
								&memdb.StringFieldIndex{Field: "ID"},
							},
						},
					},
					"collection": {
						Name:    "collection",
						Indexer: &memdb.StringFieldIndex{Field: "Collection"},
					},
				},
			},
		},
	}
}

// JobTypes returns all job types.
func (s *MemDB) JobTypes(_ context.Context) ([]*model.JobType, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(CollectionJobTypes, "id")
	if err != nil {
		return nil, errors.Wrap(err, "store: job type lookup failed")
	}

	var types []*model.JobType
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		types = append(types, raw.(*model.JobType))
	}
	return types, nil
}

// JobType returns the job type with the given id.
func (s *MemDB) JobType(_ context.Context, id string) (*model.JobType, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	raw, err := tx.First(CollectionJobTypes, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "store: job type lookup failed")
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*model.JobType), nil
}

// UpsertJobType inserts or updates a job type by client and name.
func (s *MemDB) UpsertJobType(_ context.Context, jt *model.JobType) (*model.JobType, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	now := s.now()
	obj := jt.Clone()
	obj.UpdatedAt = now

	existing, err := tx.First(CollectionJobTypes, "name", jt.Client, jt.Name)
	if err != nil {
		return nil, errors.Wrap(err, "store: job type lookup failed")
	}
	if existing != nil {
		obj.ID = existing.(*model.JobType).ID
		obj.CreatedAt = existing.(*model.JobType).CreatedAt
	} else {
		if obj.ID == "" {
			obj.ID = ksuid.New().String()
		}
		obj.CreatedAt = now
	}

	if err := tx.Insert(CollectionJobTypes, obj); err != nil {
		return nil, errors.Wrap(err, "store: failed inserting job type")
	}

	tx.Commit()
	return obj, nil
}

// Agents returns all job agents.
func (s *MemDB) Agents(_ context.Context) ([]*model.JobAgent, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(CollectionAgents, "id")
	if err != nil {
		return nil, errors.Wrap(err, "store: agent lookup failed")
	}

	var agents []*model.JobAgent
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		agents = append(agents, raw.(*model.JobAgent))
	}
	return agents, nil
}

// Agent returns the job agent with the given id.
func (s *MemDB) Agent(_ context.Context, id string) (*model.JobAgent, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	raw, err := tx.First(CollectionAgents, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "store: agent lookup failed")
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*model.JobAgent), nil
}

// RegisterAgent inserts or updates a job agent. An agent without an id is
// matched by its remote host.
func (s *MemDB) RegisterAgent(_ context.Context, agent *model.JobAgent) (*model.JobAgent, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	var (
		existing interface{}
		err      error
	)
	switch {
	case agent.ID != "":
		existing, err = tx.First(CollectionAgents, "id", agent.ID)
	case agent.RemoteHost != "":
		existing, err = tx.First(CollectionAgents, "remote_host", agent.RemoteHost)
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: agent lookup failed")
	}

	now := s.now()
	var obj *model.JobAgent
	if existing != nil {
		obj = existing.(*model.JobAgent).Clone()
		ApplyRegistration(obj, agent)
	} else {
		obj = agent.Clone()
		if obj.ID == "" {
			obj.ID = ksuid.New().String()
		}
		obj.CreatedAt = now
	}
	obj.UpdatedAt = now

	if err := tx.Insert(CollectionAgents, obj); err != nil {
		return nil, errors.Wrap(err, "store: failed inserting agent")
	}

	tx.Commit()
	return obj, nil
}

// ApplyRegistration copies the registered fields of src onto dst.
func ApplyRegistration(dst, src *model.JobAgent) {
	dst.Name = src.Name
	dst.Type = src.Type
	dst.Version = src.Version
	dst.Client = src.Client
	dst.RemoteHost = src.RemoteHost
	dst.Capabilities = src.Capabilities
	dst.JobTypes = src.JobTypes
}

// UpdateAgent atomically updates the job agent with the given id.
func (s *MemDB) UpdateAgent(_ context.Context, id string, fn func(*model.JobAgent) error) (*model.JobAgent, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(CollectionAgents, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "store: agent lookup failed")
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	obj := raw.(*model.JobAgent).Clone()
	if err := fn(obj); err != nil {
		return nil, err
	}
	obj.ID = id
	obj.UpdatedAt = s.now()

	if err := tx.Insert(CollectionAgents, obj); err != nil {
		return nil, errors.Wrap(err, "store: failed updating agent")
	}

	tx.Commit()
	return obj, nil
}

// Job returns the job with the given id.
func (s *MemDB) Job(_ context.Context, id string) (*model.Job, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	raw, err := tx.First(CollectionJobs, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*model.Job), nil
}

// Jobs returns the jobs matching the filter, oldest first.
func (s *MemDB) Jobs(_ context.Context, filter JobFilter) ([]*model.Job, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	var (
		iter memdb.ResultIterator
		err  error
	)
	if filter.JobTypeID != "" {
		iter, err = tx.Get(CollectionJobs, "type", filter.JobTypeID)
	} else {
		iter, err = tx.Get(CollectionJobs, "id")
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}

	var jobs []*model.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*model.Job)
		if !filter.Match(job) {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// CreateJob inserts a new job, assigning its id and creation time if unset.
func (s *MemDB) CreateJob(_ context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = ksuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	if err := tx.Insert(CollectionJobs, job.Clone()); err != nil {
		return errors.Wrap(err, "store: failed inserting job")
	}

	tx.Commit()
	return nil
}

// FindActiveJob returns a pending or running job of the given job type.
func (s *MemDB) FindActiveJob(_ context.Context, jobTypeID string) (*model.Job, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(CollectionJobs, "type", jobTypeID)
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if job := raw.(*model.Job); job.State.Active() {
			return job, nil
		}
	}
	return nil, ErrNotFound
}

// LockPendingJob moves the oldest pending job of the given job type to the
// locked state. Write transactions are serialised, so only one caller can
// lock a given job.
func (s *MemDB) LockPendingJob(_ context.Context, jobTypeID string) (*model.Job, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	iter, err := tx.Get(CollectionJobs, "type", jobTypeID)
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}

	var oldest *model.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*model.Job)
		if job.State != model.JobPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}

	obj := oldest.Clone()
	obj.State = model.JobLocked
	if err := tx.Insert(CollectionJobs, obj); err != nil {
		return nil, errors.Wrap(err, "store: failed locking job")
	}

	tx.Commit()
	return obj, nil
}

// UpdateJob atomically updates the job with the given id.
func (s *MemDB) UpdateJob(_ context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(CollectionJobs, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	obj := raw.(*model.Job).Clone()
	if err := fn(obj); err != nil {
		return nil, err
	}
	obj.ID = id

	if err := tx.Insert(CollectionJobs, obj); err != nil {
		return nil, errors.Wrap(err, "store: failed updating job")
	}

	tx.Commit()
	return obj, nil
}

// RunningJobsOnHost returns the running jobs attributed to the given host.
func (s *MemDB) RunningJobsOnHost(_ context.Context, host string) ([]*model.Job, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(CollectionJobs, "host", host)
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}

	var jobs []*model.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if job := raw.(*model.Job); job.State == model.JobRunning {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// FindElements returns a page of elements matching the filter, ordered by id.
func (s *MemDB) FindElements(_ context.Context, filter model.ElementFilter, offset, limit int) ([]*model.Element, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(tableElements, "collection", filter.Collection)
	if err != nil {
		return nil, errors.Wrap(err, "store: element lookup failed")
	}

	var (
		els     []*model.Element
		skipped int
	)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		el := raw.(*model.Element)
		if !filter.Match(el) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		els = append(els, el)
		if limit > 0 && len(els) >= limit {
			break
		}
	}
	return els, nil
}

// PutElement inserts or replaces an element.
func (s *MemDB) PutElement(_ context.Context, el *model.Element) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	obj := *el
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = s.now()
	}
	if err := tx.Insert(tableElements, &obj); err != nil {
		return errors.Wrap(err, "store: failed inserting element")
	}

	tx.Commit()
	return nil
}

// DeleteElement removes an element.
func (s *MemDB) DeleteElement(_ context.Context, collection, id string) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(tableElements, "id", collection, id)
	if err != nil {
		return errors.Wrap(err, "store: element lookup failed")
	}
	if raw == nil {
		return ErrNotFound
	}
	if err := tx.Delete(tableElements, raw); err != nil {
		return errors.Wrap(err, "store: failed deleting element")
	}

	tx.Commit()
	return nil
}

// Watch returns a channel signalled on every change to the collection.
func (s *MemDB) Watch(ctx context.Context, collection string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ws := memdb.NewWatchSet()
	err := s.watchSet(ws, collection)

	go func() {
		defer close(ch)
		defer cancel()

		if err != nil {
			return
		}

		for {
			if err := ws.WatchCtx(ctx); err != nil {
				return
			}

			select {
			case ch <- struct{}{}:
			default:
			}

			ws = memdb.NewWatchSet()
			if err := s.watchSet(ws, collection); err != nil {
				return
			}
		}
	}()

	return ch
}

func (s *MemDB) watchSet(ws memdb.WatchSet, collection string) error {
	tx := s.db.Txn(false)
	defer tx.Abort()

	var (
		iter memdb.ResultIterator
		err  error
	)
	switch collection {
	case CollectionJobTypes, CollectionJobs, CollectionAgents:
		iter, err = tx.Get(collection, "id")
	default:
		iter, err = tx.Get(tableElements, "collection", collection)
	}
	if err != nil {
		return err
	}

	ws.Add(iter.WatchCh())
	return nil
}

// Ping checks the store is usable.
func (s *MemDB) Ping(_ context.Context) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
		return nil
	}
}

// Close closes the store, stopping all watches.
func (s *MemDB) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	return nil
}
