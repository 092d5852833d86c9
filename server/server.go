// Package server exposes agent registration, the agent control channel and
// the control api over http.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/nrwiersma/jobcluster/election"
	"github.com/nrwiersma/jobcluster/leader"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/node"
	"github.com/nrwiersma/jobcluster/store"
	"golang.org/x/time/rate"
)

// TokenHeader is the header carrying the agent credential.
const TokenHeader = "x-access-token"

// Authenticator validates agent credentials.
type Authenticator interface {
	ValidateAgent(token string) (string, error)
}

// Starter starts jobs of manually started job types.
type Starter interface {
	Start(ctx context.Context, jt *model.JobType, req leader.StartRequest) ([]*model.Job, error)
}

// LeadershipView reports the leadership of this process.
type LeadershipView interface {
	Leadership() election.Leadership
}

// NodeLister lists the nodes of the cluster.
type NodeLister interface {
	Nodes() ([]*state.Node, error)
}

// ElementWriter writes the elements selected by job type queries.
type ElementWriter interface {
	PutElement(ctx context.Context, el *model.Element) error
	DeleteElement(ctx context.Context, collection, id string) error
}

// Config configures a server.
type Config struct {
	// Name is the name of this node.
	Name string

	// LoginTimeout is the time a connection has to log in.
	LoginTimeout time.Duration

	// HeartbeatInterval is the interval between heartbeat sweeps.
	HeartbeatInterval time.Duration

	// MessageRate is the number of messages per second accepted from an
	// agent, with bursts of MessageBurst.
	MessageRate  rate.Limit
	MessageBurst int

	// MaxMessageSize is the maximum size of an agent message.
	MaxMessageSize int64

	// SendBuffer is the number of messages queued per connection.
	SendBuffer int

	// Nodes lists the cluster nodes, if available.
	Nodes NodeLister

	Logger  log.Logger
	Statter stats.Statter
}

// NewConfig returns a default server configuration.
func NewConfig() Config {
	return Config{
		LoginTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MessageRate:       50,
		MessageBurst:      100,
		MaxMessageSize:    1024 * 1024,
		SendBuffer:        256,
	}
}

// Server serves the agent and control api.
type Server struct {
	store      store.Store
	node       *node.Node
	auth       Authenticator
	starter    Starter
	leadership LeadershipView
	cfg        Config

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*agentConn

	log     log.Logger
	statter stats.Statter
}

// New returns a server.
func New(s store.Store, n *node.Node, a Authenticator, starter Starter, l LeadershipView, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Statter == nil {
		cfg.Statter = stats.Null
	}
	def := NewConfig()
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate, cfg.MessageBurst = def.MessageRate, def.MessageBurst
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Server{
		store:      s,
		node:       n,
		auth:       a,
		starter:    starter,
		leadership: l,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:   map[string]*agentConn{},
		log:     cfg.Logger,
		statter: cfg.Statter,
	}
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.handleWebsocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/jobs", s.handleStartJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/cluster", s.handleCluster).Methods(http.MethodGet)
	api.HandleFunc("/cluster/nodes", s.handleClusterNodes).Methods(http.MethodGet)
	api.HandleFunc("/elements/{collection}/{id}", s.handlePutElement).Methods(http.MethodPut)
	api.HandleFunc("/elements/{collection}/{id}", s.handleDeleteElement).Methods(http.MethodDelete)

	return r
}

// Run runs the heartbeat sweep until the context is done, closing all
// agent connections on return.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, c := range s.connections() {
				_ = c.Close()
			}
			return

		case <-ticker.C:
			s.Heartbeat(ctx)
		}
	}
}

func (s *Server) addConn(c *agentConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[c.id] = c
}

func (s *Server) removeConn(c *agentConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c.id)
}

func (s *Server) connections() []*agentConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*agentConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

type response struct {
	Result string      `json:"result"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func success(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, response{Result: "success", Data: data})
}

func failed(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, response{Result: "failed", Error: err.Error()})
}
