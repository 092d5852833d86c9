// Package leader implements the leader only job triggering.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/jobcluster/model"
	logadapter "github.com/nrwiersma/jobcluster/pkg/log"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/robfig/cron/v3"
)

// TriggerStore is the persistence used by the trigger engine.
type TriggerStore interface {
	JobTypes(ctx context.Context) ([]*model.JobType, error)
	JobType(ctx context.Context, id string) (*model.JobType, error)
	Agents(ctx context.Context) ([]*model.JobAgent, error)
	Watch(ctx context.Context, collection string) <-chan struct{}
}

// Scheduler schedules jobs for a triggered job type.
type Scheduler interface {
	Schedule(ctx context.Context, jt *model.JobType) error
}

// Config configures a trigger engine.
type Config struct {
	// LivenessWindow is the time since an agent was last seen alive for it
	// to count towards making a job type executable.
	LivenessWindow time.Duration

	// ScanInterval is how often triggers are re-evaluated when no change
	// has been seen.
	ScanInterval time.Duration

	// WatchCollections are the collections watch triggers can watch.
	WatchCollections []string

	Logger  log.Logger
	Statter stats.Statter
}

// NewConfig returns a default trigger engine configuration.
func NewConfig() Config {
	return Config{
		LivenessWindow:   60 * time.Second,
		ScanInterval:     30 * time.Second,
		WatchCollections: model.ElementCollections,
	}
}

// IntervalTrigger is an active cron trigger of a job type.
type IntervalTrigger struct {
	Spec  string
	Entry cron.EntryID
}

// TriggerEngine maintains one trigger per executable job type.
type TriggerEngine struct {
	store TriggerStore
	sched Scheduler
	cfg   Config

	cron *cron.Cron

	scanMu sync.Mutex

	mu        sync.Mutex
	intervals map[string]IntervalTrigger
	watches   map[string]string
	ignored   map[string]string

	now     func() time.Time
	log     log.Logger
	statter stats.Statter
}

// NewTriggerEngine returns a trigger engine.
func NewTriggerEngine(s TriggerStore, sched Scheduler, cfg Config) *TriggerEngine {
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Statter == nil {
		cfg.Statter = stats.Null
	}

	cronLog := logadapter.NewCronBridge(cfg.Logger, "cron: ")
	return &TriggerEngine{
		store:     s,
		sched:     sched,
		cfg:       cfg,
		cron:      cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		intervals: map[string]IntervalTrigger{},
		watches:   map[string]string{},
		ignored:   map[string]string{},
		now:       time.Now,
		log:       cfg.Logger,
		statter:   cfg.Statter,
	}
}

// Run runs the trigger engine until the context is done. It is meant to be
// run as a leader routine.
func (e *TriggerEngine) Run(ctx context.Context) {
	e.log.Info("leader: starting trigger engine")

	e.cron.Start()
	defer e.stop()

	// Collection watchers finish their in flight schedules before the
	// engine stops.
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, coll := range e.cfg.WatchCollections {
		ch := e.store.Watch(ctx, coll)

		wg.Add(1)
		go func(coll string) {
			defer wg.Done()
			e.watchCollection(ctx, coll, ch)
		}(coll)
	}

	typesCh := e.store.Watch(ctx, store.CollectionJobTypes)
	agentsCh := e.store.Watch(ctx, store.CollectionAgents)

	var tickCh <-chan time.Time
	if e.cfg.ScanInterval > 0 {
		ticker := time.NewTicker(e.cfg.ScanInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	e.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-typesCh:
			if !ok {
				typesCh = nil
				continue
			}
			e.scan(ctx)

		case _, ok := <-agentsCh:
			if !ok {
				agentsCh = nil
				continue
			}
			e.scan(ctx)

		case <-tickCh:
			e.scan(ctx)
		}
	}
}

func (e *TriggerEngine) stop() {
	<-e.cron.Stop().Done()

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, trig := range e.intervals {
		e.cron.Remove(trig.Entry)
		delete(e.intervals, id)
	}
	e.watches = map[string]string{}
	e.ignored = map[string]string{}

	e.log.Info("leader: trigger engine stopped")
}

func (e *TriggerEngine) scan(ctx context.Context) {
	if err := e.Scan(ctx); err != nil {
		e.log.Error("leader: trigger scan failed", "error", err)
	}
}

func (e *TriggerEngine) watchCollection(ctx context.Context, coll string, ch <-chan struct{}) {
	for range ch {
		if ctx.Err() != nil {
			return
		}
		e.OnCollectionChange(ctx, coll)
	}
}

// Scan re-evaluates the executable job types and updates their triggers.
func (e *TriggerEngine) Scan(ctx context.Context) error {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	types, err := e.store.JobTypes(ctx)
	if err != nil {
		return err
	}
	agents, err := e.store.Agents(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	live := map[string]int{}
	for _, agent := range agents {
		if !agent.Live(now, e.cfg.LivenessWindow) {
			continue
		}
		for _, id := range agent.JobTypes {
			live[id]++
		}
	}

	executable := map[string]struct{}{}
	watches := map[string]string{}
	for _, jt := range types {
		if live[jt.ID] == 0 {
			continue
		}

		if err := jt.Validate(); err != nil {
			e.ignore(jt, err)
			continue
		}
		e.unignore(jt)

		switch {
		case jt.IsInterval():
			spec, _ := jt.CronSpec()
			if err := e.ensureInterval(ctx, jt, spec); err != nil {
				e.ignore(jt, err)
				continue
			}
			executable[jt.ID] = struct{}{}

		case jt.IsWatch():
			watches[jt.ID] = jt.Watch
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, trig := range e.intervals {
		if _, ok := executable[id]; ok {
			continue
		}

		e.cron.Remove(trig.Entry)
		delete(e.intervals, id)
		e.log.Info("leader: interval trigger removed", "type", id)
	}
	e.watches = watches

	return nil
}

func (e *TriggerEngine) ensureInterval(ctx context.Context, jt *model.JobType, spec string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	trig, ok := e.intervals[jt.ID]
	if ok && trig.Spec == spec {
		return nil
	}

	id := jt.ID
	entry, err := e.cron.AddFunc(spec, func() { e.fire(ctx, id) })
	if err != nil {
		return err
	}

	if ok {
		e.cron.Remove(trig.Entry)
		e.log.Info("leader: interval trigger rescheduled", "type", jt.Name, "spec", spec)
	} else {
		e.log.Info("leader: interval trigger added", "type", jt.Name, "spec", spec)
	}
	e.intervals[id] = IntervalTrigger{Spec: spec, Entry: entry}
	return nil
}

func (e *TriggerEngine) fire(ctx context.Context, id string) {
	jt, err := e.store.JobType(ctx, id)
	if err != nil {
		e.log.Error("leader: error loading triggered job type", "type", id, "error", err)
		return
	}

	if err := e.sched.Schedule(ctx, jt); err != nil {
		e.log.Error("leader: error scheduling job", "type", jt.Name, "error", err)
	}
}

// OnCollectionChange schedules the job types watching the collection.
func (e *TriggerEngine) OnCollectionChange(ctx context.Context, coll string) {
	e.mu.Lock()
	var ids []string
	for id, watched := range e.watches {
		if watched == coll {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.fire(ctx, id)
	}
}

func (e *TriggerEngine) ignore(jt *model.JobType, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ignored[jt.ID] == err.Error() {
		return
	}
	e.ignored[jt.ID] = err.Error()

	e.log.Error("leader: ignoring invalid job type", "type", jt.Name, "client", jt.Client, "error", err)
	e.statter.Inc("jobtype.ignored", 1, 1.0)
}

func (e *TriggerEngine) unignore(jt *model.JobType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.ignored, jt.ID)
}

// Intervals returns the active interval triggers by job type id.
func (e *TriggerEngine) Intervals() map[string]IntervalTrigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := make(map[string]IntervalTrigger, len(e.intervals))
	for k, v := range e.intervals {
		m[k] = v
	}
	return m
}

// Watches returns the watched collection by job type id.
func (e *TriggerEngine) Watches() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := make(map[string]string, len(e.watches))
	for k, v := range e.watches {
		m[k] = v
	}
	return m
}

// Ignored returns the ids of job types ignored for invalid configuration.
func (e *TriggerEngine) Ignored() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.ignored))
	for id := range e.ignored {
		ids = append(ids, id)
	}
	return ids
}
