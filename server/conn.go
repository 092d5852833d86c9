package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nrwiersma/jobcluster/model"
	"github.com/nrwiersma/jobcluster/node"
	"github.com/nrwiersma/jobcluster/protocol"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

var (
	errSendBufferFull = errors.New("server: send buffer full")
	errConnClosed     = errors.New("server: connection closed")
)

type connState int

const (
	stateConnecting connState = iota
	stateLoggedIn
	stateClosed
)

// agentConn is a websocket connection of an agent.
type agentConn struct {
	id         string
	remoteHost string
	ws         *websocket.Conn
	srv        *Server

	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	mu           sync.Mutex
	state        connState
	agentID      string
	capabilities model.Capabilities

	awaitingPong atomic.Bool
}

var _ node.Conn = (*agentConn)(nil)

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("server: error upgrading connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &agentConn{
		id:         ksuid.New().String(),
		remoteHost: remoteHost(r),
		ws:         ws,
		srv:        s,
		send:       make(chan interface{}, s.cfg.SendBuffer),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(s.cfg.MessageRate, s.cfg.MessageBurst),
	}
	s.addConn(c)
	s.statter.Inc("conn.opened", 1, 1.0)

	go c.writePump()
	go c.readPump()
}

// ID returns the connection id.
func (c *agentConn) ID() string {
	return c.id
}

// RemoteHost returns the remote host of the connection.
func (c *agentConn) RemoteHost() string {
	return c.remoteHost
}

// Send queues a message without blocking.
func (c *agentConn) Send(msg interface{}) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

// Close terminates the connection. The read loop observes the close and
// disconnects the agent.
func (c *agentConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()

		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *agentConn) loggedIn() (string, model.Capabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.agentID, c.capabilities, c.state == stateLoggedIn
}

func (c *agentConn) readPump() {
	s := c.srv
	defer func() {
		_ = c.Close()
		if agentID, _, _ := c.loggedIn(); agentID != "" {
			s.node.Disconnect(context.Background(), agentID, c.id)
		}
		s.removeConn(c)
		s.statter.Inc("conn.closed", 1, 1.0)
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.awaitingPong.Store(false)
		if agentID, _, ok := c.loggedIn(); ok {
			if err := s.node.Touch(context.Background(), agentID); err != nil {
				s.log.Error("server: error touching agent", "agent", agentID, "error", err)
			}
		}
		return nil
	})

	login := time.AfterFunc(s.cfg.LoginTimeout, func() {
		if _, _, ok := c.loggedIn(); !ok {
			s.log.Info("server: login timeout", "conn", c.id, "remote", c.remoteHost)
			_ = c.Close()
		}
	})
	defer login.Stop()

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("server: error reading message", "conn", c.id, "error", err)
			}
			return
		}

		msg, err := protocol.Decode(b)
		if err != nil {
			_ = c.Send(protocol.Failure(err.Error()))
			continue
		}

		if throttled(msg) && !c.limiter.Allow() {
			s.statter.Inc("conn.throttled", 1, 1.0, "type", msg.Type())
			_ = c.Send(protocol.Failure("rate limit exceeded"))
			continue
		}

		if err := c.handle(msg); err != nil {
			s.log.Error("server: error handling message", "conn", c.id, "type", msg.Type(), "error", err)
			_ = c.Send(protocol.Failure(err.Error()))
		}
	}
}

// throttled reports if the message is subject to the connection rate
// limit. Logins and results are never throttled.
func throttled(msg protocol.Message) bool {
	switch msg.(type) {
	case protocol.Progress, protocol.SysInfo:
		return true
	default:
		return false
	}
}

func (c *agentConn) handle(msg protocol.Message) error {
	s := c.srv
	ctx := context.Background()

	if l, ok := msg.(protocol.Login); ok {
		return c.login(ctx, l.ID)
	}

	agentID, _, ok := c.loggedIn()
	if !ok {
		return node.ErrNotLoggedIn
	}

	switch m := msg.(type) {
	case protocol.Result:
		return s.node.HandleResult(ctx, agentID, c.id, m)
	case protocol.Progress:
		return s.node.HandleProgress(ctx, agentID, c.id, m.Value)
	case protocol.SysInfo:
		return s.node.HandleSysInfo(ctx, agentID, m.Data)
	default:
		return errors.Wrapf(protocol.ErrUnknownType, "type %q", msg.Type())
	}
}

func (c *agentConn) login(ctx context.Context, agentID string) error {
	s := c.srv

	c.mu.Lock()
	if c.state == stateLoggedIn && c.agentID != agentID {
		c.mu.Unlock()
		return errors.New("server: connection bound to another agent")
	}
	c.mu.Unlock()

	agent, err := s.store.Agent(ctx, agentID)
	if err != nil {
		return node.ErrUnknownAgent
	}

	if err := s.node.Activate(ctx, agentID, c); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.agentID = agentID
	c.capabilities = agent.Capabilities
	if c.state != stateClosed {
		c.state = stateLoggedIn
	}
	return nil
}

func (c *agentConn) writePump() {
	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.srv.log.Error("server: error writing message", "conn", c.id, "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

// Heartbeat pings every connection, terminating those that did not answer
// the previous ping, and delivers pending restarts and sysinfo requests.
func (s *Server) Heartbeat(ctx context.Context) {
	for _, c := range s.connections() {
		if c.awaitingPong.Load() {
			s.log.Info("server: connection missed heartbeat", "conn", c.id, "remote", c.remoteHost)
			s.statter.Inc("conn.heartbeat_missed", 1, 1.0)
			_ = c.Close()
			continue
		}

		c.awaitingPong.Store(true)
		if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			_ = c.Close()
			continue
		}

		agentID, caps, ok := c.loggedIn()
		if !ok {
			continue
		}

		_, restart, err := s.node.TakeRestart(ctx, agentID)
		if err != nil {
			s.log.Error("server: error checking restart", "agent", agentID, "error", err)
		}
		if restart {
			if caps.Has(model.CapabilityRestart) {
				s.log.Info("server: restarting agent", "agent", agentID)
				_ = c.Send(protocol.Restart())
			} else {
				s.log.Info("server: terminating agent without restart support", "agent", agentID)
				_ = c.Close()
			}
			continue
		}

		if caps.Has(model.CapabilitySysInfo) {
			_ = c.Send(protocol.SysInfoRequest())
		}
	}
}
