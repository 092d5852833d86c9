package leader_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"
	"github.com/nrwiersma/jobcluster/batch"
	"github.com/nrwiersma/jobcluster/leader"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLogger struct {
	mu     sync.Mutex
	errors int
}

func (l *countingLogger) Debug(msg string, ctx ...interface{}) {}

func (l *countingLogger) Info(msg string, ctx ...interface{}) {}

func (l *countingLogger) Error(msg string, ctx ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errors++
}

func (l *countingLogger) Errors() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.errors
}

type recordingScheduler struct {
	mu    sync.Mutex
	names []string
}

func (s *recordingScheduler) Schedule(_ context.Context, jt *model.JobType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.names = append(s.names, jt.Name)
	return nil
}

func (s *recordingScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.names...)
}

func newStore(t *testing.T) *store.MemDB {
	t.Helper()

	s, err := store.NewMemDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func upsertType(t *testing.T, s *store.MemDB, jt *model.JobType) *model.JobType {
	t.Helper()

	jt.Client = "acme"
	got, err := s.UpsertJobType(context.Background(), jt)
	require.NoError(t, err)
	return got
}

func registerAgent(t *testing.T, s *store.MemDB, id string, lastAlive time.Time, types ...*model.JobType) {
	t.Helper()

	ids := make([]string, 0, len(types))
	for _, jt := range types {
		ids = append(ids, jt.ID)
	}
	_, err := s.RegisterAgent(context.Background(), &model.JobAgent{ID: id, JobTypes: ids})
	require.NoError(t, err)
	_, err = s.UpdateAgent(context.Background(), id, func(a *model.JobAgent) error {
		a.ConnectionID = "conn-" + id
		a.LastAlive = lastAlive
		return nil
	})
	require.NoError(t, err)
}

func newEngine(s *store.MemDB, sched leader.Scheduler, logger *countingLogger) *leader.TriggerEngine {
	cfg := leader.NewConfig()
	if logger != nil {
		cfg.Logger = logger
	}
	return leader.NewTriggerEngine(s, sched, cfg)
}

func TestTriggerEngine_ScanAddsIntervalForLiveAgent(t *testing.T) {
	s := newStore(t)
	live := upsertType(t, s, &model.JobType{Name: "Thumbnailer", Interval: "hourly"})
	stale := upsertType(t, s, &model.JobType{Name: "Indexer", Interval: "daily"})
	registerAgent(t, s, "a1", time.Now(), live)
	registerAgent(t, s, "a2", time.Now().Add(-time.Hour), stale)
	e := newEngine(s, &recordingScheduler{}, nil)

	err := e.Scan(context.Background())

	require.NoError(t, err)
	got := e.Intervals()
	require.Len(t, got, 1)
	assert.Equal(t, "0 * * * *", got[live.ID].Spec)
}

func TestTriggerEngine_ScanIsIdempotent(t *testing.T) {
	s := newStore(t)
	interval := upsertType(t, s, &model.JobType{Name: "Thumbnailer", Interval: "hourly"})
	watch := upsertType(t, s, &model.JobType{Name: "Watcher", Watch: model.CollectionItems})
	registerAgent(t, s, "a1", time.Now(), interval, watch)
	e := newEngine(s, &recordingScheduler{}, nil)

	require.NoError(t, e.Scan(context.Background()))
	intervals, watches := e.Intervals(), e.Watches()

	require.NoError(t, e.Scan(context.Background()))

	assert.Equal(t, intervals, e.Intervals())
	assert.Equal(t, watches, e.Watches())
	assert.Equal(t, map[string]string{watch.ID: model.CollectionItems}, watches)
}

func TestTriggerEngine_ScanReschedulesChangedExpression(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{Name: "Thumbnailer", Interval: "hourly"})
	registerAgent(t, s, "a1", time.Now(), jt)
	e := newEngine(s, &recordingScheduler{}, nil)
	require.NoError(t, e.Scan(context.Background()))
	before := e.Intervals()[jt.ID]

	upsertType(t, s, &model.JobType{Name: "Thumbnailer", CronExp: "*/5 * * * *"})
	require.NoError(t, e.Scan(context.Background()))

	after := e.Intervals()[jt.ID]
	assert.Equal(t, "*/5 * * * *", after.Spec)
	assert.NotEqual(t, before.Entry, after.Entry)
}

func TestTriggerEngine_ScanRemovesOrphanedInterval(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{Name: "Thumbnailer", Interval: "hourly"})
	registerAgent(t, s, "a1", time.Now(), jt)
	e := newEngine(s, &recordingScheduler{}, nil)
	require.NoError(t, e.Scan(context.Background()))
	require.Len(t, e.Intervals(), 1)

	_, err := s.UpdateAgent(context.Background(), "a1", func(a *model.JobAgent) error {
		a.ConnectionID = ""
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, e.Scan(context.Background()))

	assert.Len(t, e.Intervals(), 0)
}

func TestTriggerEngine_ScanIgnoresWatchAndQueryOnce(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{
		Name:  "Broken",
		Watch: model.CollectionItems,
		Query: &model.Query{Selector: "allUsers"},
	})
	registerAgent(t, s, "a1", time.Now(), jt)
	logger := &countingLogger{}
	e := newEngine(s, &recordingScheduler{}, logger)

	require.NoError(t, e.Scan(context.Background()))
	require.NoError(t, e.Scan(context.Background()))

	assert.Empty(t, e.Watches())
	assert.Equal(t, []string{jt.ID}, e.Ignored())
	assert.Equal(t, 1, logger.Errors())
}

func TestTriggerEngine_OnCollectionChange(t *testing.T) {
	s := newStore(t)
	items := upsertType(t, s, &model.JobType{Name: "ItemWatcher", Watch: model.CollectionItems})
	users := upsertType(t, s, &model.JobType{Name: "UserWatcher", Watch: model.CollectionUsers})
	registerAgent(t, s, "a1", time.Now(), items, users)
	sched := &recordingScheduler{}
	e := newEngine(s, sched, nil)
	require.NoError(t, e.Scan(context.Background()))

	e.OnCollectionChange(context.Background(), model.CollectionItems)

	assert.Equal(t, []string{"ItemWatcher"}, sched.Names())
}

func TestTriggerEngine_RunWatchesCollections(t *testing.T) {
	s := newStore(t)
	sched := &recordingScheduler{}
	e := newEngine(s, sched, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	jt := upsertType(t, s, &model.JobType{Name: "ItemWatcher", Watch: model.CollectionItems})
	registerAgent(t, s, "a1", time.Now(), jt)
	retry.Run(t, func(t *retry.SubT) {
		if len(e.Watches()) != 1 {
			t.Fatal("watch trigger not registered")
		}
	})

	require.NoError(t, s.PutElement(context.Background(), &model.Element{ID: "1", Collection: model.CollectionItems}))
	retry.Run(t, func(t *retry.SubT) {
		if len(sched.Names()) == 0 {
			t.Fatal("job type not scheduled")
		}
	})

	cancel()
	<-done
	assert.Empty(t, e.Watches())
}

// blockingScheduler blocks every schedule until released.
type blockingScheduler struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingScheduler) Schedule(context.Context, *model.JobType) error {
	if s.calls.Add(1) == 1 {
		close(s.started)
	}
	<-s.release
	return nil
}

func TestTriggerEngine_RunWaitsForWatchSchedules(t *testing.T) {
	s := newStore(t)
	sched := &blockingScheduler{started: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(s, sched, nil)
	jt := upsertType(t, s, &model.JobType{Name: "ItemWatcher", Watch: model.CollectionItems})
	registerAgent(t, s, "a1", time.Now(), jt)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	retry.Run(t, func(t *retry.SubT) {
		if len(e.Watches()) != 1 {
			t.Fatal("watch trigger not registered")
		}
	})
	require.NoError(t, s.PutElement(context.Background(), &model.Element{ID: "1", Collection: model.CollectionItems}))
	<-sched.started

	cancel()

	select {
	case <-done:
		t.Fatal("engine stopped with a schedule in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(sched.release)
	<-done
	assert.Equal(t, int32(1), sched.calls.Load())
}

func TestCreator_ScheduleSingleInFlight(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{Name: "Thumbnailer", Interval: "hourly"})
	c := leader.NewCreator(s, batch.NewEngine(s, 0), nil, nil)

	require.NoError(t, c.Schedule(context.Background(), jt))
	require.NoError(t, c.Schedule(context.Background(), jt))

	jobs, err := s.Jobs(context.Background(), store.JobFilter{JobTypeID: jt.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobPending, jobs[0].State)
	assert.Equal(t, "Thumbnailer", jobs[0].Type)
	assert.Equal(t, 0, jobs[0].Attempts)
	assert.Equal(t, 0, jobs[0].Progress)
}

func TestCreator_ScheduleConcurrentTriggers(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{Name: "Thumbnailer", Interval: "hourly"})
	c := leader.NewCreator(s, batch.NewEngine(s, 0), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Schedule(context.Background(), jt))
		}()
	}
	wg.Wait()

	jobs, err := s.Jobs(context.Background(), store.JobFilter{JobTypeID: jt.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreator_ScheduleCreatesJobPerBatch(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		require.NoError(t, s.PutElement(context.Background(), &model.Element{ID: id, Collection: model.CollectionUsers}))
	}
	jt := upsertType(t, s, &model.JobType{
		Name:     "UserSync",
		Interval: "daily",
		Query:    &model.Query{Selector: "allUsers", BatchSize: 2},
	})
	c := leader.NewCreator(s, batch.NewEngine(s, 0), nil, nil)

	require.NoError(t, c.Schedule(context.Background(), jt))

	jobs, err := s.Jobs(context.Background(), store.JobFilter{JobTypeID: jt.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	var total int
	for _, job := range jobs {
		total += len(job.Batch)
	}
	assert.Equal(t, 5, total)
}

func TestCreator_ScheduleUnknownSelector(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{Name: "Bad", Query: &model.Query{Selector: "nope"}})
	c := leader.NewCreator(s, batch.NewEngine(s, 0), nil, nil)

	err := c.Schedule(context.Background(), jt)

	assert.ErrorIs(t, err, batch.ErrUnknownSelector)
}

func TestCreator_StartRejectsActive(t *testing.T) {
	s := newStore(t)
	jt := upsertType(t, s, &model.JobType{Name: "Manual", ManualStart: true, Parameters: map[string]interface{}{"a": 1}})
	c := leader.NewCreator(s, batch.NewEngine(s, 0), nil, nil)

	jobs, err := c.Start(context.Background(), jt, leader.StartRequest{
		User:       "bob",
		Elements:   []string{"e1"},
		Parameters: map[string]interface{}{"b": 2},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "bob", jobs[0].User)
	assert.Equal(t, []string{"e1"}, jobs[0].Elements)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, jobs[0].Parameters)

	_, err = c.Start(context.Background(), jt, leader.StartRequest{})

	assert.ErrorIs(t, err, leader.ErrJobActive)
}
