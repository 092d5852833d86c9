// Package election tracks cluster leadership and runs the leader routines
// while this process leads.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
)

// Leadership is the leadership view of this process.
type Leadership struct {
	IsLeader   bool   `json:"isLeader"`
	LeaderHost string `json:"leaderHost"`
}

// Elector reports the current cluster leader.
//
// CurrentLeader blocks until an answer is obtained, only returning an
// error when the context is done.
type Elector interface {
	CurrentLeader(ctx context.Context) (Leadership, error)
}

// Config configures a supervisor.
type Config struct {
	// PollInterval is the interval between leadership polls.
	PollInterval time.Duration

	Logger  log.Logger
	Statter stats.Statter
}

// NewConfig returns a default supervisor configuration.
func NewConfig() Config {
	return Config{
		PollInterval: time.Second,
	}
}

// Supervisor polls an elector and starts or stops the leader routines
// as leadership changes.
type Supervisor struct {
	elector  Elector
	routines *LeaderRoutineManager
	interval time.Duration

	mu      sync.RWMutex
	current Leadership

	log     log.Logger
	statter stats.Statter
}

// NewSupervisor returns a leadership supervisor.
func NewSupervisor(e Elector, routines *LeaderRoutineManager, cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Statter == nil {
		cfg.Statter = stats.Null
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Supervisor{
		elector:  e,
		routines: routines,
		interval: cfg.PollInterval,
		log:      cfg.Logger,
		statter:  cfg.Statter,
	}
}

// Run polls the elector until the context is done. Leader routines are
// stopped on return.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.step(Leadership{})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll queries the elector once and applies the result.
func (s *Supervisor) Poll(ctx context.Context) {
	l, err := s.elector.CurrentLeader(ctx)
	if err != nil {
		return
	}

	s.step(l)
}

func (s *Supervisor) step(l Leadership) {
	s.mu.Lock()
	s.current = l
	s.mu.Unlock()

	leading := s.routines.Running()
	switch {
	case l.IsLeader && !leading:
		s.routines.Start()

		s.log.Info("leader: cluster leadership acquired")
		s.statter.Inc("leader.acquired", 1, 1.0)

	case !l.IsLeader && leading:
		s.log.Debug("leader: shutting down leader routines")
		s.routines.Stop()

		s.log.Info("leader: cluster leadership lost", "leader", l.LeaderHost)
		s.statter.Inc("leader.lost", 1, 1.0)
	}
}

// Leadership returns the last observed leadership.
func (s *Supervisor) Leadership() Leadership {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}
