package jobcluster_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"
	"github.com/nrwiersma/jobcluster"
	"github.com/nrwiersma/jobcluster/auth"
	"github.com/nrwiersma/jobcluster/election"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticElector struct {
	l election.Leadership
}

func (e staticElector) CurrentLeader(ctx context.Context) (election.Leadership, error) {
	return e.l, ctx.Err()
}

func newConfig(t *testing.T) (jobcluster.Config, *store.MemDB) {
	t.Helper()

	s, err := store.NewMemDB()
	require.NoError(t, err)
	a, err := auth.New("test-secret", time.Hour)
	require.NoError(t, err)

	cfg := jobcluster.NewConfig()
	cfg.Store = s
	cfg.Auth = a
	cfg.Elector = staticElector{l: election.Leadership{IsLeader: true, LeaderHost: "10.0.0.1:8080"}}
	cfg.PingInterval = 10 * time.Millisecond
	cfg.Election.PollInterval = 10 * time.Millisecond
	return cfg, s
}

func TestNewApplication_RequiresCollaborators(t *testing.T) {
	tests := []struct {
		name string
		fn   func(cfg *jobcluster.Config)
	}{
		{name: "Store", fn: func(cfg *jobcluster.Config) { cfg.Store = nil }},
		{name: "Elector", fn: func(cfg *jobcluster.Config) { cfg.Elector = nil }},
		{name: "Auth", fn: func(cfg *jobcluster.Config) { cfg.Auth = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := newConfig(t)
			tt.fn(&cfg)

			_, err := jobcluster.NewApplication(cfg)

			assert.Error(t, err)
		})
	}
}

func TestApplication_RunTracksLeadership(t *testing.T) {
	cfg, _ := newConfig(t)
	app, err := jobcluster.NewApplication(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	retry.Run(t, func(t *retry.SubT) {
		if !app.Leadership().IsLeader {
			t.Fatal("not leader")
		}
	})
	assert.Equal(t, "10.0.0.1:8080", app.Leadership().LeaderHost)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}

func TestApplication_RunFailsOnStoreLoss(t *testing.T) {
	cfg, s := newConfig(t)
	app, err := jobcluster.NewApplication(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(context.Background()) }()

	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, store.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}

func TestApplication_Handler(t *testing.T) {
	cfg, _ := newConfig(t)
	app, err := jobcluster.NewApplication(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
