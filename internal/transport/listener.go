package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/pslog"
)

// helloTimeout bounds the hello exchange on a freshly accepted connection so
// a stalled client cannot wedge the accept loop.
const helloTimeout = 5 * time.Second

// ListenerConfig configures a plain tcp or unix endpoint.
type ListenerConfig struct {
	Network       string // "tcp", "tcp4", "tcp6", "unix"
	Address       string
	MaxFrameBytes int
	Events        Sink
	Logger        pslog.Logger
}

// Listener accepts framed sessions over tcp or unix sockets.
type Listener struct {
	ln            net.Listener
	network       string
	socketPath    string
	maxFrameBytes int
	events        Sink
	logger        pslog.Logger
}

// Listen binds the endpoint. Stale unix sockets are removed first.
func Listen(cfg ListenerConfig) (*Listener, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	if network == "unix" {
		if err := os.Remove(cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen (%s %s): %w", network, cfg.Address, err)
	}
	l := &Listener{
		ln:            ln,
		network:       network,
		maxFrameBytes: cfg.MaxFrameBytes,
		events:        cfg.Events,
		logger:        svcfields.WithSubsystem(logger, "transport.listener"),
	}
	if network == "unix" {
		l.socketPath = cfg.Address
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits up to timeout for a connection, completes the hello exchange
// and returns the established session. ErrTimeout means nothing arrived.
func (l *Listener) Accept(timeout time.Duration) (*Session, error) {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := l.ln.(deadliner); ok && timeout > 0 {
		if err := d.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}

	id := nextSessionID.Add(1)
	_ = conn.SetDeadline(time.Now().Add(helloTimeout))
	frames := newFrameReader(conn, l.maxFrameBytes)
	username, err := exchangeHello(conn, frames, id)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session %d hello failed: %w", id, err)
	}
	if username == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("session %d rejected: no username advertised on %s endpoint", id, l.network)
	}
	_ = conn.SetDeadline(time.Time{})

	sess := newSession(id, conn, frames, username, conn.RemoteAddr().String(), l.events)
	l.logger.Debug("session established",
		"session", sess.ID(),
		"sid", sess.Correlation(),
		"username", sess.Identity(),
		"remote", sess.Remote(),
	)
	return sess, nil
}

// Close stops the listener and removes unix socket files.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if l.socketPath != "" {
		_ = os.Remove(l.socketPath)
	}
	return err
}
