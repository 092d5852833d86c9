package postgres_test

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/nrwiersma/jobcluster/store/postgres"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*postgres.Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	s := postgres.New(sqlx.NewDb(db, "postgres"), postgres.NewConfig())
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

func expectNotify(mock sqlmock.Sqlmock, coll string) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs("jobcluster_"+coll, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func docRows(docs ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"doc"})
	for _, doc := range docs {
		rows.AddRow([]byte(doc))
	}
	return rows
}

func TestPostgres_JobType(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM jobtypes WHERE id = $1")).
		WithArgs("jt-1").
		WillReturnRows(docRows(`{"id":"jt-1","client":"acme","name":"thumbnails","interval":"hourly"}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM jobtypes WHERE id = $1")).
		WithArgs("jt-2").
		WillReturnRows(docRows())

	got, err := s.JobType(context.Background(), "jt-1")
	require.NoError(t, err)
	assert.Equal(t, "thumbnails", got.Name)
	assert.Equal(t, "hourly", got.Interval)

	_, err = s.JobType(context.Background(), "jt-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertJobTypeSignalsWatchers(t *testing.T) {
	s, mock := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Watch(ctx, store.CollectionJobTypes)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobtypes (id, client, name, doc)")).
		WithArgs(sqlmock.AnyArg(), "acme", "thumbnails", sqlmock.AnyArg()).
		WillReturnRows(docRows(`{"id":"existing","client":"acme","name":"thumbnails","cronExp":"*/5 * * * *"}`))
	expectNotify(mock, store.CollectionJobTypes)
	mock.ExpectCommit()

	got, err := s.UpsertJobType(ctx, &model.JobType{Client: "acme", Name: "thumbnails", CronExp: "*/5 * * * *"})

	require.NoError(t, err)
	assert.Equal(t, "existing", got.ID)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch not signalled")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RegisterAgentByRemoteHost(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("10.0.0.1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM jobagents WHERE remote_host = $1")).
		WithArgs("10.0.0.1").
		WillReturnRows(docRows(`{"id":"agent-1","name":"old","remoteHost":"10.0.0.1","connectCount":4}`))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobagents (id, remote_host, doc)")).
		WithArgs("agent-1", "10.0.0.1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectNotify(mock, store.CollectionAgents)
	mock.ExpectCommit()

	got, err := s.RegisterAgent(context.Background(), &model.JobAgent{Name: "worker", RemoteHost: "10.0.0.1", Client: "acme"})

	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.ID)
	assert.Equal(t, "worker", got.Name)
	assert.Equal(t, "acme", got.Client)
	assert.Equal(t, 4, got.ConnectCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockPendingJob(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("jt-1", int(model.JobPending)).
		WillReturnRows(docRows(`{"id":"job-1","jobType":"jt-1","type":"thumbnails","state":0}`))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs (id, job_type_id, state, host, created_at, doc)")).
		WithArgs("job-1", "jt-1", int(model.JobLocked), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectNotify(mock, store.CollectionJobs)
	mock.ExpectCommit()

	got, err := s.LockPendingJob(context.Background(), "jt-1")

	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, model.JobLocked, got.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockPendingJobNone(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("jt-1", int(model.JobPending)).
		WillReturnRows(docRows())
	mock.ExpectRollback()

	_, err := s.LockPendingJob(context.Background(), "jt-1")

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJobAborts(t *testing.T) {
	s, mock := newStore(t)
	abort := errors.New("abort")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(docRows(`{"id":"job-1","jobType":"jt-1","state":3}`))
	mock.ExpectRollback()

	_, err := s.UpdateJob(context.Background(), "job-1", func(j *model.Job) error {
		return abort
	})

	assert.Equal(t, abort, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Jobs(t *testing.T) {
	state := model.JobRunning

	tests := []struct {
		name   string
		filter store.JobFilter
		query  string
		args   []driver.Value
	}{
		{
			name:   "All",
			filter: store.JobFilter{},
			query:  "SELECT doc FROM jobs ORDER BY created_at",
		},
		{
			name:   "Filtered",
			filter: store.JobFilter{JobTypeID: "jt-1", State: &state, Limit: 10},
			query:  "SELECT doc FROM jobs WHERE job_type_id = $1 AND state = $2 ORDER BY created_at LIMIT $3",
			args:   []driver.Value{"jt-1", int(model.JobRunning), 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newStore(t)
			q := mock.ExpectQuery("^" + regexp.QuoteMeta(tt.query) + "$")
			if len(tt.args) > 0 {
				q = q.WithArgs(tt.args...)
			}
			q.WillReturnRows(docRows(`{"id":"job-1"}`, `{"id":"job-2"}`))

			got, err := s.Jobs(context.Background(), tt.filter)

			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_FindElements(t *testing.T) {
	s, mock := newStore(t)
	query := "SELECT collection, id, type, thumbnail, content_size, folder_id, created_at FROM elements " +
		"WHERE collection = $1 AND type = ANY($2) AND thumbnail = '' ORDER BY id OFFSET $3 LIMIT $4"
	size := int64(-1)
	rows := sqlmock.NewRows([]string{"collection", "id", "type", "thumbnail", "content_size", "folder_id", "created_at"}).
		AddRow("items", "item-1", "image", "", size, "", time.Now()).
		AddRow("items", "item-2", "image", "", nil, "folder-1", time.Now())
	mock.ExpectQuery("^"+regexp.QuoteMeta(query)+"$").
		WithArgs("items", sqlmock.AnyArg(), 20, 10).
		WillReturnRows(rows)

	got, err := s.FindElements(context.Background(), model.ElementFilter{
		Collection:       "items",
		Types:            []string{"image"},
		MissingThumbnail: true,
	}, 20, 10)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "item-1", got[0].ID)
	assert.Equal(t, int64(-1), *got[0].ContentSize)
	assert.Nil(t, got[1].ContentSize)
	assert.Equal(t, "folder-1", got[1].FolderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteElementNotFound(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM elements WHERE collection = $1 AND id = $2")).
		WithArgs("items", "item-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.DeleteElement(context.Background(), "items", "item-1")

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CloseStopsWatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := postgres.New(sqlx.NewDb(db, "postgres"), postgres.NewConfig())
	ch := s.Watch(context.Background(), store.CollectionJobs)
	mock.ExpectClose()

	require.NoError(t, s.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch not closed")
	}
	assert.ErrorIs(t, s.Ping(context.Background()), store.ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
