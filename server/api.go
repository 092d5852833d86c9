package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/nrwiersma/jobcluster/leader"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/store"
	"github.com/pkg/errors"
)

type ctxKey int

const clientKey ctxKey = iota

var (
	errMissingToken = errors.New("missing access token")
	errNotManual    = errors.New("job type cannot be started manually")
	errNoNodes      = errors.New("cluster nodes are not available")
	errNoElements   = errors.New("elements cannot be written")
)

func (s *Server) client(r *http.Request) (string, error) {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		return "", errMissingToken
	}
	return s.auth.ValidateAgent(token)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := s.client(r)
		if err != nil {
			failed(w, http.StatusForbidden, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey, client)))
	})
}

func clientFrom(ctx context.Context) string {
	client, _ := ctx.Value(clientKey).(string)
	return client
}

type registerRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Version      string             `json:"version"`
	Jobs         []*model.JobType   `json:"jobs"`
	Capabilities model.Capabilities `json:"capabilities"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	client, err := s.client(r)
	if err != nil {
		failed(w, http.StatusForbidden, err)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		failed(w, http.StatusBadRequest, errors.Wrap(err, "invalid request"))
		return
	}
	for _, jt := range req.Jobs {
		if jt == nil || jt.Name == "" {
			failed(w, http.StatusBadRequest, errors.New("job type requires a name"))
			return
		}
		if err := jt.Validate(); err != nil {
			failed(w, http.StatusBadRequest, errors.Wrapf(err, "job type %q", jt.Name))
			return
		}
	}

	ctx := r.Context()
	ids := make([]string, 0, len(req.Jobs))
	for _, jt := range req.Jobs {
		jt.ID = ""
		jt.Client = client
		saved, err := s.store.UpsertJobType(ctx, jt)
		if err != nil {
			s.log.Error("server: error saving job type", "client", client, "type", jt.Name, "error", err)
			failed(w, http.StatusInternalServerError, errors.New("could not save job type"))
			return
		}
		ids = append(ids, saved.ID)
	}

	agent, err := s.store.RegisterAgent(ctx, &model.JobAgent{
		ID:           req.ID,
		Name:         req.Name,
		Type:         req.Type,
		Version:      req.Version,
		Client:       client,
		RemoteHost:   remoteHost(r),
		Capabilities: req.Capabilities,
		JobTypes:     ids,
	})
	if err != nil {
		s.log.Error("server: error registering agent", "client", client, "name", req.Name, "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not register agent"))
		return
	}

	s.log.Info("server: agent registered", "agent", agent.ID, "name", agent.Name, "client", client, "types", len(ids))
	success(w, http.StatusOK, agent.ID)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) jobTypeByName(ctx context.Context, client, name string) (*model.JobType, error) {
	types, err := s.store.JobTypes(ctx)
	if err != nil {
		return nil, err
	}
	for _, jt := range types {
		if jt.Client == client && jt.Name == name {
			return jt, nil
		}
	}
	return nil, store.ErrNotFound
}

type startRequest struct {
	Type       string                 `json:"type"`
	User       string                 `json:"user"`
	Elements   []string               `json:"elements"`
	Parameters map[string]interface{} `json:"parameters"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		failed(w, http.StatusBadRequest, errors.Wrap(err, "invalid request"))
		return
	}

	ctx := r.Context()
	jt, err := s.jobTypeByName(ctx, clientFrom(ctx), req.Type)
	switch {
	case errors.Is(err, store.ErrNotFound):
		failed(w, http.StatusNotFound, errors.Errorf("unknown job type %q", req.Type))
		return
	case err != nil:
		s.log.Error("server: error loading job type", "type", req.Type, "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not load job type"))
		return
	case !jt.ManualStart:
		failed(w, http.StatusBadRequest, errNotManual)
		return
	}

	jobs, err := s.starter.Start(ctx, jt, leader.StartRequest{
		User:       req.User,
		Elements:   req.Elements,
		Parameters: req.Parameters,
	})
	switch {
	case errors.Is(err, leader.ErrJobActive):
		failed(w, http.StatusConflict, err)
		return
	case err != nil:
		s.log.Error("server: error starting job", "type", jt.Name, "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not start job"))
		return
	}

	success(w, http.StatusCreated, jobs)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientFrom(ctx)
	q := r.URL.Query()

	var filter store.JobFilter
	if v := q.Get("state"); v != "" {
		state, ok := model.ParseJobState(v)
		if !ok {
			failed(w, http.StatusBadRequest, errors.Errorf("unknown state %q", v))
			return
		}
		filter.State = &state
	}
	if v := q.Get("type"); v != "" {
		jt, err := s.jobTypeByName(ctx, client, v)
		if err != nil {
			success(w, http.StatusOK, []*model.Job{})
			return
		}
		filter.JobTypeID = jt.ID
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			failed(w, http.StatusBadRequest, errors.Errorf("invalid limit %q", v))
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.store.Jobs(ctx, filter)
	if err != nil {
		s.log.Error("server: error listing jobs", "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not list jobs"))
		return
	}

	owned := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Client == client {
			owned = append(owned, job)
		}
	}
	success(w, http.StatusOK, owned)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	job, err := s.store.Job(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound), err == nil && job.Client != clientFrom(ctx):
		failed(w, http.StatusNotFound, errors.Errorf("unknown job %q", id))
		return
	case err != nil:
		s.log.Error("server: error loading job", "job", id, "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not load job"))
		return
	}

	success(w, http.StatusOK, job)
}

type agentView struct {
	*model.JobAgent

	Connected bool `json:"connected"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientFrom(ctx)

	agents, err := s.store.Agents(ctx)
	if err != nil {
		s.log.Error("server: error listing agents", "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not list agents"))
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		if agent.Client != client {
			continue
		}
		views = append(views, agentView{JobAgent: agent, Connected: s.node.Connected(agent.ID)})
	}
	success(w, http.StatusOK, views)
}

type clusterView struct {
	Node       string `json:"node"`
	IsLeader   bool   `json:"isLeader"`
	LeaderHost string `json:"leaderHost"`
	Agents     int    `json:"agents"`
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	l := s.leadership.Leadership()

	success(w, http.StatusOK, clusterView{
		Node:       s.cfg.Name,
		IsLeader:   l.IsLeader,
		LeaderHost: l.LeaderHost,
		Agents:     s.node.Registry().Len(),
	})
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Nodes == nil {
		failed(w, http.StatusNotFound, errNoNodes)
		return
	}

	nodes, err := s.cfg.Nodes.Nodes()
	if err != nil {
		s.log.Error("server: error listing cluster nodes", "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not list nodes"))
		return
	}
	success(w, http.StatusOK, nodes)
}

func (s *Server) elementWriter(w http.ResponseWriter, collection string) (ElementWriter, bool) {
	ew, ok := s.store.(ElementWriter)
	if !ok {
		failed(w, http.StatusNotImplemented, errNoElements)
		return nil, false
	}
	for _, coll := range model.ElementCollections {
		if coll == collection {
			return ew, true
		}
	}
	failed(w, http.StatusNotFound, errors.Errorf("unknown collection %q", collection))
	return nil, false
}

func (s *Server) handlePutElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ew, ok := s.elementWriter(w, vars["collection"])
	if !ok {
		return
	}

	var el model.Element
	if err := json.NewDecoder(r.Body).Decode(&el); err != nil {
		failed(w, http.StatusBadRequest, errors.Wrap(err, "invalid element"))
		return
	}
	el.ID = vars["id"]
	el.Collection = vars["collection"]

	if err := ew.PutElement(r.Context(), &el); err != nil {
		s.log.Error("server: error writing element", "collection", el.Collection, "id", el.ID, "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not write element"))
		return
	}
	success(w, http.StatusOK, el.ID)
}

func (s *Server) handleDeleteElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ew, ok := s.elementWriter(w, vars["collection"])
	if !ok {
		return
	}

	if err := ew.DeleteElement(r.Context(), vars["collection"], vars["id"]); err != nil {
		s.log.Error("server: error deleting element", "collection", vars["collection"], "id", vars["id"], "error", err)
		failed(w, http.StatusInternalServerError, errors.New("could not delete element"))
		return
	}
	success(w, http.StatusOK, vars["id"])
}
