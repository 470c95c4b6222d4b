// Package transport is the protocol engine boundary the coordinator builds
// on: it accepts authenticated transport sessions, frames inbound RPC
// payloads, and reports session activity, termination and new subchannels
// through an event sink the session registry polls.
//
// Endpoints: tcp and unix carry NETCONF 1.0 end-of-message framing with an
// XML hello that advertises the client username (a development-transport
// convention; production deployments front the server with ssh). The ssh
// endpoint authenticates against an authorized_keys file and treats every
// netconf subsystem channel as one pollable session, so additional channels
// on an open connection surface as EventNewChannel.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// ErrTimeout reports that Accept reached its deadline without a new session.
var ErrTimeout = errors.New("transport: accept timed out")

// EventKind classifies registry events.
type EventKind int

const (
	// EventActivity signals at least one inbound frame is ready on Session.
	EventActivity EventKind = iota
	// EventClosed signals Session terminated and must be removed.
	EventClosed
	// EventNewChannel signals Channel is a new subchannel of an existing
	// session and must itself be admitted.
	EventNewChannel
)

// Event is delivered to the registry's sink.
type Event struct {
	Kind    EventKind
	Session *Session
	// Channel carries the new pollable session for EventNewChannel.
	Channel *Session
}

// Sink receives session events. Sends never block session teardown; the
// registry compensates for dropped Closed events by scanning membership.
type Sink chan<- Event

// Acceptor produces transport sessions. Implementations: Listener (tcp,
// unix) and SSHAcceptor.
type Acceptor interface {
	// Accept blocks up to timeout for an incoming session. Returns
	// ErrTimeout when none arrived.
	Accept(timeout time.Duration) (*Session, error)
	// Addr returns the bound address.
	Addr() net.Addr
	// Close stops accepting and releases the listener.
	Close() error
}

// session IDs are monotonically increasing for the lifetime of the process,
// surviving epoch restarts the way NETCONF session-ids do.
var nextSessionID atomic.Uint32

// Session is one authenticated transport channel carrying framed RPCs.
type Session struct {
	id          uint32
	correlation string
	identity    string
	remote      string
	conn        io.ReadWriteCloser
	events      Sink

	inbound chan []byte
	closed  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// newSession wires an established, hello-complete channel into a pollable
// session. frames must be the reader used for the hello exchange so no
// buffered bytes are lost.
func newSession(id uint32, conn io.ReadWriteCloser, frames *frameReader, identity, remote string, events Sink) *Session {
	s := &Session{
		id:          id,
		correlation: xid.New().String(),
		identity:    identity,
		remote:      remote,
		conn:        conn,
		events:      events,
		inbound:     make(chan []byte, 16),
		closed:      make(chan struct{}),
	}
	go s.readLoop(frames)
	return s
}

// ID returns the server-assigned session-id.
func (s *Session) ID() uint32 { return s.id }

// Correlation returns the log correlation token for this session.
func (s *Session) Correlation() string { return s.correlation }

// Identity returns the authenticated client identity.
func (s *Session) Identity() string { return s.identity }

// Remote returns the peer address for logging.
func (s *Session) Remote() string { return s.remote }

// Terminated reports whether the session is gone.
func (s *Session) Terminated() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done exposes the termination signal.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Receive pops one pending inbound frame without blocking.
func (s *Session) Receive() ([]byte, bool) {
	select {
	case frame := <-s.inbound:
		return frame, true
	default:
		return nil, false
	}
}

// Send writes one framed payload. Serialized across callers.
func (s *Session) Send(frame []byte) error {
	if s.Terminated() {
		return errors.New("transport: session terminated")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, frame)
}

// Close terminates the session and the underlying channel. Idempotent.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		if s.events != nil {
			// Best effort: the registry also detects termination by scan.
			select {
			case s.events <- Event{Kind: EventClosed, Session: s}:
			default:
			}
		}
	})
}

// readLoop frames inbound data and signals activity. Any read error
// terminates the session.
func (s *Session) readLoop(frames *frameReader) {
	for {
		frame, err := frames.Next()
		if err != nil {
			s.shutdown()
			return
		}
		select {
		case s.inbound <- frame:
		case <-s.closed:
			return
		}
		if s.events != nil {
			select {
			case s.events <- Event{Kind: EventActivity, Session: s}:
			case <-s.closed:
				return
			}
		}
	}
}
