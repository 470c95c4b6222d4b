package netconfd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/netconfd/internal/clock"
	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/locktable"
	"pkt.systems/netconfd/internal/rpc"
	"pkt.systems/netconfd/internal/session"
	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/netconfd/internal/transport"
	"pkt.systems/pslog"
)

// Server is the session-lifecycle coordinator: it owns the datastore lock
// table, the session registry and the two loops that feed them. Start runs
// epochs; a restart request tears the current epoch down (drain sessions,
// release locks, close listeners) and initializes a fresh one, a stop
// request tears down and exits.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	baseLogger pslog.Logger
	store      datastore.Conn
	ownedStore bool
	locks      *locktable.Table
	registry   *session.Registry
	dispatcher *rpc.Dispatcher
	clock      clock.Clock
	telemetry  *telemetryBundle
	metrics    *coordinatorMetrics
	control    controlCell

	mu       sync.Mutex
	acceptor transport.Acceptor

	readyOnce   sync.Once
	readyCh     chan struct{}
	cleanupOnce sync.Once
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Store        datastore.Conn
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects a pre-built datastore connection (useful for tests).
func WithStore(conn datastore.Conn) Option {
	return func(o *options) {
		o.Store = conn
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a netconfd server according to cfg.
// Example:
//
//	cfg := netconfd.Config{Store: "mem://", Listen: ":4830", ListenProto: "tcp"}
//	srv, err := netconfd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	locks := locktable.New()
	registry := session.NewRegistry(logger)
	metrics := newCoordinatorMetrics(registry, locks)

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           otlpEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		Collectors:             metrics.collectors(),
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	store := o.Store
	ownedStore := false
	if store == nil {
		store, err = openStore(cfg)
		if err != nil {
			if telemetry != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = telemetry.Shutdown(shutdownCtx)
				cancel()
			}
			return nil, err
		}
		ownedStore = true
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	dispatcher := rpc.NewDispatcher(rpc.Config{
		Store:        store,
		Locks:        locks,
		Registry:     registry,
		Logger:       logger,
		OnLockDenied: metrics.lockDenials.Inc,
	})
	logger.Info("store configured", "store", cfg.Store, "datastores", fmt.Sprint(store.Datastores()))

	return &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		baseLogger: logger,
		store:      store,
		ownedStore: ownedStore,
		locks:      locks,
		registry:   registry,
		dispatcher: dispatcher,
		clock:      serverClock,
		telemetry:  telemetry,
		metrics:    metrics,
		readyCh:    make(chan struct{}),
	}, nil
}

// Start runs the server until a stop request and blocks for its lifetime.
// Each iteration of the outer loop is one epoch: listener up, both loops
// running, then drain and either restart or exit.
func (s *Server) Start() error {
	defer s.cleanup()
	for {
		acceptor, err := s.listen()
		if err != nil {
			s.signalReady()
			return fmt.Errorf("init listener: %w", err)
		}
		s.setAcceptor(acceptor)
		s.signalReady()
		s.logger.Info("listening",
			"network", s.cfg.ListenProto,
			"address", acceptor.Addr().String(),
			"store", s.cfg.Store,
		)

		epochCtx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processLoop(epochCtx)
		}()
		s.acceptLoop(epochCtx)
		wg.Wait()
		cancel()

		_ = acceptor.Close()
		s.setAcceptor(nil)
		drained := s.registry.Drain()
		s.locks.Reset()

		if s.control.state() == loopStop {
			s.logger.Info("stopped", "drained_sessions", drained)
			return nil
		}
		if err := s.reconnectStore(); err != nil {
			return err
		}
		s.metrics.epochRestarts.Inc()
		s.control.resume()
		s.logger.Info("restarting", "drained_sessions", drained)
	}
}

// reconnectStore tears down and reopens an owned backend connection so the
// next epoch starts from freshly loaded state. Injected connections are the
// caller's to manage and persist across epochs.
func (s *Server) reconnectStore() error {
	if !s.ownedStore {
		return nil
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
	store, err := openStore(s.cfg)
	if err != nil {
		return fmt.Errorf("reinit store: %w", err)
	}
	s.store = store
	s.dispatcher = rpc.NewDispatcher(rpc.Config{
		Store:        store,
		Locks:        s.locks,
		Registry:     s.registry,
		Logger:       s.baseLogger,
		OnLockDenied: s.metrics.lockDenials.Inc,
	})
	s.logger.Info("store reconnected", "store", s.cfg.Store)
	return nil
}

// Stop requests termination. Both loops observe it within one poll window.
// Stop always wins over a pending restart.
func (s *Server) Stop() {
	s.control.requestStop()
}

// Restart requests an epoch restart. It reports false when a stop is
// already pending, in which case the server will exit instead.
func (s *Server) Restart() bool {
	return s.control.requestRestart()
}

// WaitUntilReady blocks until the first epoch's listener is up or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptor != nil {
		return s.acceptor.Addr()
	}
	return nil
}

// ActiveSessions returns the number of currently admitted sessions.
func (s *Server) ActiveSessions() int {
	return s.registry.ActiveCount()
}

// LockHolder reports which session holds the named datastore lock.
func (s *Server) LockHolder(ds datastore.Name) (uint32, bool) {
	return s.locks.Holder(ds)
}

func (s *Server) listen() (transport.Acceptor, error) {
	if s.cfg.SSHEnabled() {
		return transport.ListenSSH(transport.SSHConfig{
			Address:            s.cfg.Listen,
			HostKeyPath:        s.cfg.HostKeyPath,
			AuthorizedKeysPath: s.cfg.AuthorizedKeysPath,
			MaxFrameBytes:      s.cfg.MaxFrameBytes,
			Events:             s.registry.Sink(),
			Logger:             s.logger,
		})
	}
	return transport.Listen(transport.ListenerConfig{
		Network:       s.cfg.ListenProto,
		Address:       s.cfg.Listen,
		MaxFrameBytes: s.cfg.MaxFrameBytes,
		Events:        s.registry.Sink(),
		Logger:        s.logger,
	})
}

func (s *Server) setAcceptor(a transport.Acceptor) {
	s.mu.Lock()
	s.acceptor = a
	s.mu.Unlock()
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// acceptLoop waits for incoming sessions and admits them until the control
// word leaves continue.
func (s *Server) acceptLoop(ctx context.Context) {
	logger := svcfields.WithSubsystem(s.logger, "accept")
	for s.control.state() == loopContinue {
		s.mu.Lock()
		acceptor := s.acceptor
		s.mu.Unlock()
		ts, err := acceptor.Accept(s.cfg.AcceptTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if s.control.state() != loopContinue {
				return
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		s.admit(ctx, ts, logger)
	}
}

// admit binds a fresh transport session to a backend store session and adds
// it to the registry. A bind failure discards the transport session and the
// server keeps running.
func (s *Server) admit(ctx context.Context, ts *transport.Session, logger pslog.Logger) {
	binding, err := session.Bind(ctx, s.store, ts, s.locks)
	if err != nil {
		s.metrics.bindFailures.Inc()
		logger.Warn("session bind failed",
			"session", ts.ID(),
			"sid", ts.Correlation(),
			"username", ts.Identity(),
			"error", err,
		)
		_ = ts.Close()
		return
	}
	s.registry.Add(binding)
	s.metrics.sessionsAccepted.Inc()
	logger.Info("session admitted",
		"session", ts.ID(),
		"sid", ts.Correlation(),
		"username", ts.Identity(),
		"remote", ts.Remote(),
	)
}

// processLoop polls the registry and dispatches RPCs until the control word
// leaves continue. With no admitted sessions it sleeps instead of polling.
func (s *Server) processLoop(ctx context.Context) {
	logger := svcfields.WithSubsystem(s.logger, "process")
	for s.control.state() == loopContinue {
		if s.registry.ActiveCount() == 0 {
			s.clock.Sleep(s.cfg.IdleSleep)
			continue
		}
		outcome := s.registry.Poll(s.cfg.PollTimeout)
		switch outcome.Kind {
		case session.PollActivity:
			s.serveFrames(ctx, outcome.Binding, logger)
		case session.PollSessionGone:
			if removed := s.registry.RemoveTerminated(); removed > 0 {
				logger.Info("sessions removed", "count", removed)
			}
		case session.PollNewChannel:
			s.admit(ctx, outcome.Channel, logger)
		}
	}
}

// serveFrames drains and answers every pending frame on one session.
func (s *Server) serveFrames(ctx context.Context, b *session.Binding, logger pslog.Logger) {
	for {
		frame, ok := b.Transport().Receive()
		if !ok {
			return
		}
		s.metrics.rpcFrames.Inc()
		reply, closeRequested := s.dispatcher.Dispatch(ctx, b, frame)
		if err := b.Transport().Send(reply); err != nil {
			logger.Debug("reply send failed",
				"session", b.Transport().ID(),
				"sid", b.Transport().Correlation(),
				"error", err,
			)
			b.Unbind()
			s.registry.RemoveTerminated()
			return
		}
		if closeRequested {
			logger.Info("session closed by client",
				"session", b.Transport().ID(),
				"sid", b.Transport().Correlation(),
			)
			b.Unbind()
			s.registry.RemoveTerminated()
			return
		}
	}
}

func (s *Server) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.ownedStore {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("store close failed", "error", err)
			}
		}
		if s.telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("telemetry shutdown failed", "error", err)
			}
			s.telemetry = nil
		}
	})
}

// StartServer starts a netconfd server in a background goroutine and waits
// until it accepts connections. It returns the running server alongside a
// stop function that requests termination and waits for the loops to exit.
// Example:
//
//	cfg := netconfd.Config{Store: "mem://", ListenProto: "tcp", Listen: "127.0.0.1:0"}
//	srv, stop, err := netconfd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		srv.Stop()
		<-errCh
		return nil, nil, err
	}
	// Listener init may have failed right after signalling readiness.
	select {
	case startErr := <-errCh:
		if startErr == nil {
			startErr = errors.New("netconfd: server exited before serving")
		}
		return nil, nil, startErr
	default:
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(stopCtx context.Context) error {
		stopOnce.Do(func() {
			if stopCtx == nil {
				stopCtx = context.Background()
			}
			srv.Stop()
			select {
			case stopErr = <-errCh:
			case <-stopCtx.Done():
				stopErr = stopCtx.Err()
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
