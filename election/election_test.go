package election_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"
	"github.com/nrwiersma/jobcluster/election"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticElector struct {
	mu sync.Mutex
	l  election.Leadership
}

func (e *staticElector) Set(l election.Leadership) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.l = l
}

func (e *staticElector) CurrentLeader(context.Context) (election.Leadership, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.l, nil
}

func TestLeaderRoutineManager(t *testing.T) {
	var running int32
	m := &election.LeaderRoutineManager{}
	m.Register(func(ctx context.Context) {
		atomic.AddInt32(&running, 1)
		<-ctx.Done()
		atomic.AddInt32(&running, -1)
	})

	m.Start()
	m.Start()
	retry.Run(t, func(t *retry.SubT) {
		if atomic.LoadInt32(&running) != 1 {
			t.Fatal("routine not running")
		}
	})

	m.Stop()
	m.Stop()

	assert.False(t, m.Running())
	assert.Equal(t, int32(0), atomic.LoadInt32(&running))
}

func TestLeaderRoutineManager_RegisterWhileRunning(t *testing.T) {
	started := make(chan struct{})
	m := &election.LeaderRoutineManager{}
	m.Start()
	defer m.Stop()

	m.Register(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("routine not started")
	}
}

func TestSupervisor_StartsAndStopsRoutines(t *testing.T) {
	var runs int32
	m := &election.LeaderRoutineManager{}
	m.Register(func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
		<-ctx.Done()
	})
	e := &staticElector{}
	s := election.NewSupervisor(e, m, election.NewConfig())
	ctx := context.Background()

	s.Poll(ctx)
	assert.False(t, m.Running())

	e.Set(election.Leadership{IsLeader: true, LeaderHost: "10.0.0.1"})
	s.Poll(ctx)
	s.Poll(ctx)
	assert.True(t, m.Running())
	assert.Equal(t, election.Leadership{IsLeader: true, LeaderHost: "10.0.0.1"}, s.Leadership())

	e.Set(election.Leadership{LeaderHost: "10.0.0.2"})
	s.Poll(ctx)

	assert.False(t, m.Running())
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, "10.0.0.2", s.Leadership().LeaderHost)
}

func TestSupervisor_RunStopsRoutinesOnExit(t *testing.T) {
	m := &election.LeaderRoutineManager{}
	m.Register(func(ctx context.Context) { <-ctx.Done() })
	e := &staticElector{l: election.Leadership{IsLeader: true}}
	cfg := election.NewConfig()
	cfg.PollInterval = 10 * time.Millisecond
	s := election.NewSupervisor(e, m, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	retry.Run(t, func(t *retry.SubT) {
		if !m.Running() {
			t.Fatal("routines not started")
		}
	})
	cancel()
	<-done

	assert.False(t, m.Running())
}

func TestSidecar_CurrentLeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"pod-a"}`))
	})
	mux.HandleFunc("/pods", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[
			{"metadata":{"name":"pod-b"},"status":{"podIP":"10.0.0.2"}},
			{"metadata":{"name":"pod-a"},"status":{"podIP":"10.0.0.1"}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name     string
		hostname string
		podList  string
		want     election.Leadership
	}{
		{
			name:     "Leader",
			hostname: "pod-a",
			podList:  srv.URL + "/pods",
			want:     election.Leadership{IsLeader: true, LeaderHost: "10.0.0.1"},
		},
		{
			name:     "Follower",
			hostname: "pod-b",
			podList:  srv.URL + "/pods",
			want:     election.Leadership{IsLeader: false, LeaderHost: "10.0.0.1"},
		},
		{
			name:     "No Pod List",
			hostname: "pod-b",
			want:     election.Leadership{IsLeader: false, LeaderHost: "pod-a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := election.NewSidecarConfig(0)
			cfg.Addr = strings.TrimPrefix(srv.URL, "http://")
			cfg.Hostname = tt.hostname
			cfg.PodListURL = tt.podList
			e := election.NewSidecar(cfg)

			got, err := e.CurrentLeader(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSidecar_CurrentLeaderRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"name":"pod-a"}`))
	}))
	defer srv.Close()

	cfg := election.NewSidecarConfig(0)
	cfg.Addr = strings.TrimPrefix(srv.URL, "http://")
	cfg.Hostname = "pod-a"
	cfg.Backoff = 10 * time.Millisecond
	e := election.NewSidecar(cfg)

	got, err := e.CurrentLeader(context.Background())

	require.NoError(t, err)
	assert.True(t, got.IsLeader)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSidecar_CurrentLeaderContextDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := election.NewSidecarConfig(0)
	cfg.Addr = strings.TrimPrefix(srv.URL, "http://")
	cfg.Backoff = 10 * time.Millisecond
	e := election.NewSidecar(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.CurrentLeader(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
