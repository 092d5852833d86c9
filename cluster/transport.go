package cluster

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// ErrRaftLayerClosed is returned when performing an action on a closed
// RaftLayer.
var ErrRaftLayerClosed = errors.New("cluster: raft layer closed")

func (a *Agent) setupListener() (err error) {
	a.ln, err = net.ListenTCP("tcp", a.config.RaftAddr)
	if err != nil {
		return err
	}

	if a.config.RaftAdvertise == nil {
		a.config.RaftAdvertise = a.ln.Addr().(*net.TCPAddr)
	}
	if a.config.RaftAdvertise.IP.IsUnspecified() {
		return errors.Errorf("cluster: raft advertise address %s is not routable", a.config.RaftAdvertise)
	}

	a.raftLayer = NewRaftLayer(a.config.RaftAdvertise)
	return nil
}

func (a *Agent) listen() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.isShutdown() {
				return
			}

			a.log.Error("agent: error accepting connection", "error", err)
			continue
		}

		if err := a.raftLayer.HandOff(conn); err != nil {
			_ = conn.Close()
		}
	}
}

// RaftLayer is the raft stream layer over the agent listener.
type RaftLayer struct {
	addr net.Addr

	connCh chan net.Conn

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewRaftLayer creates a Raft layer.
func NewRaftLayer(addr net.Addr) *RaftLayer {
	return &RaftLayer{
		addr:    addr,
		connCh:  make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
}

// HandOff hands an accepted connection to raft.
func (l *RaftLayer) HandOff(conn net.Conn) error {
	select {
	case l.connCh <- conn:
		return nil
	case <-l.closeCh:
		return ErrRaftLayerClosed
	}
}

// Accept accepts a new connection.
func (l *RaftLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, ErrRaftLayerClosed
	}
}

// Addr returns the address of the listener.
func (l *RaftLayer) Addr() net.Addr {
	return l.addr
}

// Dial creates a new Raft outgoing connection.
func (l *RaftLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.Dial("tcp", string(address))
}

// Close closes the Raft layer.
func (l *RaftLayer) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
	})
	return nil
}
