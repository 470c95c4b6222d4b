package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/pslog"
)

// SSHConfig configures the ssh netconf-subsystem endpoint.
type SSHConfig struct {
	Address            string
	HostKeyPath        string
	AuthorizedKeysPath string
	MaxFrameBytes      int
	Events             Sink
	Logger             pslog.Logger
}

// SSHAcceptor serves NETCONF over ssh. Every netconf subsystem channel is
// one pollable session; the first channel of a connection is handed out via
// Accept, later ones are announced to the event sink as EventNewChannel.
type SSHAcceptor struct {
	ln            net.Listener
	srvConfig     *ssh.ServerConfig
	maxFrameBytes int
	events        Sink
	logger        pslog.Logger

	established chan *Session
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// ListenSSH binds the ssh endpoint, loading the host key and the
// authorized_keys file used for public-key authentication.
func ListenSSH(cfg SSHConfig) (*SSHAcceptor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	hostKeyPEM, err := os.ReadFile(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read host key %q: %w", cfg.HostKeyPath, err)
	}
	hostKey, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse host key %q: %w", cfg.HostKeyPath, err)
	}
	authorized, err := loadAuthorizedKeys(cfg.AuthorizedKeysPath)
	if err != nil {
		return nil, err
	}
	srvConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, ok := authorized[string(key.Marshal())]; ok {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for user %q", conn.User())
		},
	}
	srvConfig.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen (ssh %s): %w", cfg.Address, err)
	}
	a := &SSHAcceptor{
		ln:            ln,
		srvConfig:     srvConfig,
		maxFrameBytes: cfg.MaxFrameBytes,
		events:        cfg.Events,
		logger:        svcfields.WithSubsystem(logger, "transport.ssh"),
		established:   make(chan *Session, 8),
		closed:        make(chan struct{}),
	}
	a.wg.Add(1)
	go a.acceptConns()
	return a, nil
}

func loadAuthorizedKeys(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys %q: %w", path, err)
	}
	keys := make(map[string]struct{})
	for len(data) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			if len(bytes.TrimSpace(data)) == 0 {
				break
			}
			return nil, fmt.Errorf("parse authorized keys %q: %w", path, err)
		}
		keys[string(key.Marshal())] = struct{}{}
		data = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("authorized keys %q contains no usable keys", path)
	}
	return keys, nil
}

// Addr returns the bound address.
func (a *SSHAcceptor) Addr() net.Addr { return a.ln.Addr() }

// Accept waits up to timeout for a new connection's first netconf channel.
func (a *SSHAcceptor) Accept(timeout time.Duration) (*Session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sess := <-a.established:
		return sess, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-a.closed:
		return nil, errors.New("transport: ssh acceptor closed")
	}
}

// Close stops accepting and tears the listener down. Established sessions
// stay alive until their owner closes them.
func (a *SSHAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.ln.Close()
	})
	a.wg.Wait()
	return err
}

func (a *SSHAcceptor) acceptConns() {
	defer a.wg.Done()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closed:
			default:
				a.logger.Warn("accept failed", "error", err)
			}
			return
		}
		a.wg.Add(1)
		go a.serveConn(conn)
	}
}

// serveConn runs the ssh handshake and serves channel opens for the life of
// one connection.
func (a *SSHAcceptor) serveConn(conn net.Conn) {
	defer a.wg.Done()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, a.srvConfig)
	if err != nil {
		a.logger.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	first := true
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, chanReqs, err := newChan.Accept()
		if err != nil {
			a.logger.Warn("channel accept failed", "user", sconn.User(), "error", err)
			continue
		}
		if !awaitNetconfSubsystem(chanReqs) {
			_ = channel.Close()
			continue
		}
		sess, err := a.establishChannel(sconn, channel)
		if err != nil {
			a.logger.Warn("channel hello failed", "user", sconn.User(), "error", err)
			_ = channel.Close()
			continue
		}
		if first {
			first = false
			select {
			case a.established <- sess:
			case <-a.closed:
				_ = sess.Close()
				_ = sconn.Close()
				return
			}
			continue
		}
		// Additional netconf channel on an open connection: announce it so
		// the process loop can bind and admit it.
		if a.events != nil {
			select {
			case a.events <- Event{Kind: EventNewChannel, Channel: sess}:
			case <-a.closed:
				_ = sess.Close()
				_ = sconn.Close()
				return
			}
		}
	}
}

func (a *SSHAcceptor) establishChannel(sconn *ssh.ServerConn, channel ssh.Channel) (*Session, error) {
	id := nextSessionID.Add(1)
	frames := newFrameReader(channel, a.maxFrameBytes)
	if _, err := exchangeHello(channel, frames, id); err != nil {
		return nil, err
	}
	sess := newSession(id, channel, frames, sconn.User(), sconn.RemoteAddr().String(), a.events)
	a.logger.Debug("session established",
		"session", sess.ID(),
		"sid", sess.Correlation(),
		"username", sess.Identity(),
		"remote", sess.Remote(),
	)
	return sess, nil
}

// awaitNetconfSubsystem answers channel requests until the netconf
// subsystem is requested, then keeps draining remaining requests in the
// background. Returns false when the client never asks for it.
func awaitNetconfSubsystem(reqs <-chan *ssh.Request) bool {
	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return false
			}
			if req.Type == "subsystem" && len(req.Payload) >= 4 && string(req.Payload[4:]) == "netconf" {
				_ = req.Reply(true, nil)
				go func() {
					for extra := range reqs {
						if extra.WantReply {
							_ = extra.Reply(false, nil)
						}
					}
				}()
				return true
			}
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		case <-timer.C:
			return false
		}
	}
}
