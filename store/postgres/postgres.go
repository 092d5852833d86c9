// Package postgres implements the store on PostgreSQL.
//
// Records are kept as json documents next to the columns they are queried
// by. Changes are published with NOTIFY so watches on every process see
// them.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

const channelPrefix = "jobcluster_"

const schema = `
CREATE TABLE IF NOT EXISTS jobtypes (
	id     TEXT PRIMARY KEY,
	client TEXT NOT NULL,
	name   TEXT NOT NULL,
	doc    JSONB NOT NULL,
	UNIQUE (client, name)
);

CREATE TABLE IF NOT EXISTS jobagents (
	id          TEXT PRIMARY KEY,
	remote_host TEXT NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobagents_remote_host_idx ON jobagents (remote_host);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	job_type_id TEXT NOT NULL,
	state       INTEGER NOT NULL,
	host        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_type_state_idx ON jobs (job_type_id, state, created_at);
CREATE INDEX IF NOT EXISTS jobs_host_state_idx ON jobs (host, state);

CREATE TABLE IF NOT EXISTS elements (
	collection   TEXT NOT NULL,
	id           TEXT NOT NULL,
	type         TEXT NOT NULL DEFAULT '',
	thumbnail    TEXT NOT NULL DEFAULT '',
	content_size BIGINT,
	folder_id    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// Config configures a postgres store.
type Config struct {
	// MinReconnect and MaxReconnect bound the reconnect backoff of the
	// notification listener.
	MinReconnect time.Duration
	MaxReconnect time.Duration

	Logger log.Logger
}

// NewConfig returns a default postgres store configuration.
func NewConfig() Config {
	return Config{
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
	}
}

// Postgres is a store backed by PostgreSQL.
type Postgres struct {
	id  string
	db  *sqlx.DB
	hub *hub

	listener *pq.Listener

	now func() time.Time
	log log.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Open connects to the database, creates the schema and starts listening
// for changes made by other processes.
func Open(ctx context.Context, dsn string, cfg Config) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: error connecting to database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := New(db, cfg)
	if err = s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.MinReconnect <= 0 || cfg.MaxReconnect <= 0 {
		def := NewConfig()
		cfg.MinReconnect, cfg.MaxReconnect = def.MinReconnect, def.MaxReconnect
	}
	l := pq.NewListener(dsn, cfg.MinReconnect, cfg.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Error("store: notification listener error", "event", ev, "error", err)
		}
	})
	for _, coll := range collections() {
		if err = l.Listen(channelPrefix + coll); err != nil {
			_ = l.Close()
			_ = db.Close()
			return nil, errors.Wrapf(err, "store: error listening to %s", coll)
		}
	}
	s.listener = l
	go s.listen(l)

	return s, nil
}

// New returns a store using the given database. Changes made by other
// processes are only observed when the store is opened with Open.
func New(db *sqlx.DB, cfg Config) *Postgres {
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}

	return &Postgres{
		id:      ksuid.New().String(),
		db:      db,
		hub:     newHub(),
		now:     time.Now,
		log:     cfg.Logger,
		closeCh: make(chan struct{}),
	}
}

func collections() []string {
	return append([]string{store.CollectionJobTypes, store.CollectionJobs, store.CollectionAgents}, model.ElementCollections...)
}

// Migrate creates the schema if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "store: error creating schema")
	}
	return nil
}

func (s *Postgres) listen(l *pq.Listener) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-s.closeCh:
			return

		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; changes may have been missed.
			if n == nil {
				for _, coll := range collections() {
					s.hub.signal(coll)
				}
				continue
			}
			if n.Extra == s.id {
				continue
			}
			s.hub.signal(strings.TrimPrefix(n.Channel, channelPrefix))

		case <-ping.C:
			go func() {
				if err := l.Ping(); err != nil {
					s.log.Error("store: notification listener ping failed", "error", err)
				}
			}()
		}
	}
}

// withTx runs fn in a transaction and publishes a change of the
// collection once it commits.
func (s *Postgres) withTx(ctx context.Context, coll string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: error starting transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err = fn(tx); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channelPrefix+coll, s.id); err != nil {
		return errors.Wrap(err, "store: error publishing change")
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "store: error committing transaction")
	}

	s.hub.signal(coll)
	return nil
}

func decodeAll(docs [][]byte, fn func(b []byte) error) error {
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return errors.Wrap(err, "store: error decoding document")
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, "store: lookup failed")
}

// JobTypes returns all job types.
func (s *Postgres) JobTypes(ctx context.Context) ([]*model.JobType, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, "SELECT doc FROM jobtypes ORDER BY client, name"); err != nil {
		return nil, errors.Wrap(err, "store: job type lookup failed")
	}

	types := make([]*model.JobType, 0, len(docs))
	err := decodeAll(docs, func(b []byte) error {
		var jt model.JobType
		if err := json.Unmarshal(b, &jt); err != nil {
			return err
		}
		types = append(types, &jt)
		return nil
	})
	return types, err
}

// JobType returns the job type with the given id.
func (s *Postgres) JobType(ctx context.Context, id string) (*model.JobType, error) {
	var doc []byte
	if err := s.db.GetContext(ctx, &doc, "SELECT doc FROM jobtypes WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}

	var jt model.JobType
	if err := json.Unmarshal(doc, &jt); err != nil {
		return nil, errors.Wrap(err, "store: error decoding job type")
	}
	return &jt, nil
}

// UpsertJobType inserts or updates a job type by client and name. The
// id and creation time of an existing job type are kept.
func (s *Postgres) UpsertJobType(ctx context.Context, jt *model.JobType) (*model.JobType, error) {
	obj := jt.Clone()
	now := s.now()
	obj.CreatedAt, obj.UpdatedAt = now, now
	if obj.ID == "" {
		obj.ID = ksuid.New().String()
	}
	doc, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "store: error encoding job type")
	}

	var saved []byte
	err = s.withTx(ctx, store.CollectionJobTypes, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &saved, `
			INSERT INTO jobtypes (id, client, name, doc) VALUES ($1, $2, $3, $4)
			ON CONFLICT (client, name) DO UPDATE
			SET doc = EXCLUDED.doc || jsonb_build_object('id', jobtypes.id, 'createdAt', jobtypes.doc->'createdAt')
			RETURNING doc`,
			obj.ID, obj.Client, obj.Name, doc)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: failed upserting job type")
	}

	var res model.JobType
	if err = json.Unmarshal(saved, &res); err != nil {
		return nil, errors.Wrap(err, "store: error decoding job type")
	}
	return &res, nil
}

// Agents returns all job agents.
func (s *Postgres) Agents(ctx context.Context) ([]*model.JobAgent, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, "SELECT doc FROM jobagents ORDER BY id"); err != nil {
		return nil, errors.Wrap(err, "store: agent lookup failed")
	}

	agents := make([]*model.JobAgent, 0, len(docs))
	err := decodeAll(docs, func(b []byte) error {
		var a model.JobAgent
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		agents = append(agents, &a)
		return nil
	})
	return agents, err
}

// Agent returns the job agent with the given id.
func (s *Postgres) Agent(ctx context.Context, id string) (*model.JobAgent, error) {
	var doc []byte
	if err := s.db.GetContext(ctx, &doc, "SELECT doc FROM jobagents WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return decodeAgent(doc)
}

func decodeAgent(doc []byte) (*model.JobAgent, error) {
	var a model.JobAgent
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, errors.Wrap(err, "store: error decoding agent")
	}
	return &a, nil
}

func (s *Postgres) saveAgent(ctx context.Context, tx *sqlx.Tx, a *model.JobAgent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "store: error encoding agent")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobagents (id, remote_host, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET remote_host = EXCLUDED.remote_host, doc = EXCLUDED.doc`,
		a.ID, a.RemoteHost, doc)
	if err != nil {
		return errors.Wrap(err, "store: failed saving agent")
	}
	return nil
}

// RegisterAgent inserts or updates a job agent. An agent without an id is
// matched by its remote host. Registrations from the same host are
// serialised with an advisory lock.
func (s *Postgres) RegisterAgent(ctx context.Context, agent *model.JobAgent) (*model.JobAgent, error) {
	var obj *model.JobAgent
	err := s.withTx(ctx, store.CollectionAgents, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", agent.RemoteHost); err != nil {
			return errors.Wrap(err, "store: error locking registration")
		}

		var (
			doc []byte
			err error
		)
		switch {
		case agent.ID != "":
			err = tx.GetContext(ctx, &doc, "SELECT doc FROM jobagents WHERE id = $1 FOR UPDATE", agent.ID)
		case agent.RemoteHost != "":
			err = tx.GetContext(ctx, &doc, "SELECT doc FROM jobagents WHERE remote_host = $1 ORDER BY id LIMIT 1 FOR UPDATE", agent.RemoteHost)
		default:
			err = sql.ErrNoRows
		}

		now := s.now()
		switch {
		case err == nil:
			if obj, err = decodeAgent(doc); err != nil {
				return err
			}
			store.ApplyRegistration(obj, agent)
		case errors.Is(err, sql.ErrNoRows):
			obj = agent.Clone()
			if obj.ID == "" {
				obj.ID = ksuid.New().String()
			}
			obj.CreatedAt = now
		default:
			return errors.Wrap(err, "store: agent lookup failed")
		}
		obj.UpdatedAt = now

		return s.saveAgent(ctx, tx, obj)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// UpdateAgent atomically updates the job agent with the given id.
func (s *Postgres) UpdateAgent(ctx context.Context, id string, fn func(*model.JobAgent) error) (*model.JobAgent, error) {
	var obj *model.JobAgent
	err := s.withTx(ctx, store.CollectionAgents, func(tx *sqlx.Tx) error {
		var doc []byte
		if err := tx.GetContext(ctx, &doc, "SELECT doc FROM jobagents WHERE id = $1 FOR UPDATE", id); err != nil {
			return notFound(err)
		}

		var err error
		if obj, err = decodeAgent(doc); err != nil {
			return err
		}
		if err = fn(obj); err != nil {
			return err
		}
		obj.ID = id
		obj.UpdatedAt = s.now()

		return s.saveAgent(ctx, tx, obj)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeJob(doc []byte) (*model.Job, error) {
	var j model.Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, errors.Wrap(err, "store: error decoding job")
	}
	return &j, nil
}

func decodeJobs(docs [][]byte) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0, len(docs))
	err := decodeAll(docs, func(b []byte) error {
		j, err := decodeJob(b)
		if err != nil {
			return err
		}
		jobs = append(jobs, j)
		return nil
	})
	return jobs, err
}

func saveJob(ctx context.Context, tx *sqlx.Tx, j *model.Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "store: error encoding job")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type_id, state, host, created_at, doc) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, host = EXCLUDED.host, doc = EXCLUDED.doc`,
		j.ID, j.JobTypeID, int(j.State), j.Host, j.CreatedAt, doc)
	if err != nil {
		return errors.Wrap(err, "store: failed saving job")
	}
	return nil
}

// Job returns the job with the given id.
func (s *Postgres) Job(ctx context.Context, id string) (*model.Job, error) {
	var doc []byte
	if err := s.db.GetContext(ctx, &doc, "SELECT doc FROM jobs WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return decodeJob(doc)
}

// Jobs returns the jobs matching the filter, oldest first.
func (s *Postgres) Jobs(ctx context.Context, filter store.JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.JobTypeID != "" {
		args = append(args, filter.JobTypeID)
		where = append(where, "job_type_id = $"+strconv.Itoa(len(args)))
	}
	if filter.State != nil {
		args = append(args, int(*filter.State))
		where = append(where, "state = $"+strconv.Itoa(len(args)))
	}

	q := "SELECT doc FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}

	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, q, args...); err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}
	return decodeJobs(docs)
}

// CreateJob inserts a new job, assigning its id and creation time if unset.
func (s *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = ksuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	return s.withTx(ctx, store.CollectionJobs, func(tx *sqlx.Tx) error {
		return saveJob(ctx, tx, job)
	})
}

// FindActiveJob returns a pending, locked or running job of the given job type.
func (s *Postgres) FindActiveJob(ctx context.Context, jobTypeID string) (*model.Job, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc,
		"SELECT doc FROM jobs WHERE job_type_id = $1 AND state IN ($2, $3, $4) ORDER BY created_at LIMIT 1",
		jobTypeID, int(model.JobPending), int(model.JobRunning), int(model.JobLocked))
	if err != nil {
		return nil, notFound(err)
	}
	return decodeJob(doc)
}

// LockPendingJob moves the oldest pending job of the given job type to the
// locked state. Rows locked by a concurrent caller are skipped.
func (s *Postgres) LockPendingJob(ctx context.Context, jobTypeID string) (*model.Job, error) {
	var job *model.Job
	err := s.withTx(ctx, store.CollectionJobs, func(tx *sqlx.Tx) error {
		var doc []byte
		err := tx.GetContext(ctx, &doc, `
			SELECT doc FROM jobs WHERE job_type_id = $1 AND state = $2
			ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`,
			jobTypeID, int(model.JobPending))
		if err != nil {
			return notFound(err)
		}

		if job, err = decodeJob(doc); err != nil {
			return err
		}
		job.State = model.JobLocked
		return saveJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob atomically updates the job with the given id.
func (s *Postgres) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var job *model.Job
	err := s.withTx(ctx, store.CollectionJobs, func(tx *sqlx.Tx) error {
		var doc []byte
		if err := tx.GetContext(ctx, &doc, "SELECT doc FROM jobs WHERE id = $1 FOR UPDATE", id); err != nil {
			return notFound(err)
		}

		var err error
		if job, err = decodeJob(doc); err != nil {
			return err
		}
		if err = fn(job); err != nil {
			return err
		}
		job.ID = id
		return saveJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RunningJobsOnHost returns the running jobs attributed to the given host.
func (s *Postgres) RunningJobsOnHost(ctx context.Context, host string) ([]*model.Job, error) {
	var docs [][]byte
	err := s.db.SelectContext(ctx, &docs,
		"SELECT doc FROM jobs WHERE host = $1 AND state = $2 ORDER BY created_at",
		host, int(model.JobRunning))
	if err != nil {
		return nil, errors.Wrap(err, "store: job lookup failed")
	}
	return decodeJobs(docs)
}

// FindElements returns a page of elements matching the filter, ordered by id.
func (s *Postgres) FindElements(ctx context.Context, filter model.ElementFilter, offset, limit int) ([]*model.Element, error) {
	args := []interface{}{filter.Collection}
	where := []string{"collection = $1"}
	if len(filter.Types) > 0 {
		args = append(args, pq.Array(filter.Types))
		where = append(where, "type = ANY($"+strconv.Itoa(len(args))+")")
	}
	if filter.MissingThumbnail {
		where = append(where, "thumbnail = ''")
	}
	if filter.InvalidContentSize {
		where = append(where, "(content_size IS NULL OR content_size < 0)")
	}
	if filter.HasFolder {
		where = append(where, "folder_id <> ''")
	}

	q := "SELECT collection, id, type, thumbnail, content_size, folder_id, created_at FROM elements WHERE " +
		strings.Join(where, " AND ") + " ORDER BY id"
	if offset > 0 {
		args = append(args, offset)
		q += " OFFSET $" + strconv.Itoa(len(args))
	}
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}

	var els []*model.Element
	if err := s.db.SelectContext(ctx, &els, q, args...); err != nil {
		return nil, errors.Wrap(err, "store: element lookup failed")
	}
	return els, nil
}

// PutElement inserts or replaces an element.
func (s *Postgres) PutElement(ctx context.Context, el *model.Element) error {
	obj := *el
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = s.now()
	}

	return s.withTx(ctx, obj.Collection, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO elements (collection, id, type, thumbnail, content_size, folder_id, created_at)
			VALUES (:collection, :id, :type, :thumbnail, :content_size, :folder_id, :created_at)
			ON CONFLICT (collection, id) DO UPDATE SET
				type = EXCLUDED.type,
				thumbnail = EXCLUDED.thumbnail,
				content_size = EXCLUDED.content_size,
				folder_id = EXCLUDED.folder_id`,
			&obj)
		if err != nil {
			return errors.Wrap(err, "store: failed inserting element")
		}
		return nil
	})
}

// DeleteElement removes an element.
func (s *Postgres) DeleteElement(ctx context.Context, collection, id string) error {
	return s.withTx(ctx, collection, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM elements WHERE collection = $1 AND id = $2", collection, id)
		if err != nil {
			return errors.Wrap(err, "store: failed deleting element")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// Watch returns a channel signalled on every change to the collection.
func (s *Postgres) Watch(ctx context.Context, collection string) <-chan struct{} {
	return s.hub.watch(ctx, s.closeCh, collection)
}

// Ping checks the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	select {
	case <-s.closeCh:
		return store.ErrClosed
	default:
	}

	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "store: database unreachable")
	}
	return nil
}

// Close stops all watches and closes the database.
func (s *Postgres) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		err = s.db.Close()
	})
	return err
}
