package session_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/datastore/memory"
	"pkt.systems/netconfd/internal/locktable"
	"pkt.systems/netconfd/internal/session"
	"pkt.systems/netconfd/internal/transport"
)

const (
	eom     = "]]>]]>"
	baseCap = "urn:ietf:params:xml:ns:netconf:base:1.0"
)

type env struct {
	registry *session.Registry
	listener *transport.Listener
	conn     *memory.Conn
	locks    *locktable.Table
}

func newEnv(t *testing.T) *env {
	t.Helper()
	registry := session.NewRegistry(nil)
	listener, err := transport.Listen(transport.ListenerConfig{
		Network: "tcp",
		Address: "127.0.0.1:0",
		Events:  registry.Sink(),
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	return &env{
		registry: registry,
		listener: listener,
		conn:     memory.New(),
		locks:    locktable.New(),
	}
}

// dialHello completes the client half of the hello exchange and returns the
// open connection.
func dialHello(t *testing.T, addr, username string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)
	hello := fmt.Sprintf(`<hello xmlns=%q username=%q><capabilities><capability>%s</capability></capabilities></hello>`,
		baseCap, username, baseCap)
	sendFrame(t, conn, hello)
	return conn
}

func readFrame(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sb strings.Builder
	buf := make([]byte, 512)
	for !strings.Contains(sb.String(), eom) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		sb.Write(buf[:n])
	}
	_ = conn.SetReadDeadline(time.Time{})
	return sb.String()
}

func sendFrame(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	if _, err := conn.Write([]byte(payload + "\n" + eom)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// establish accepts one hello-complete session and admits it.
func (e *env) establish(t *testing.T, username string) (net.Conn, *session.Binding) {
	t.Helper()
	accepted := make(chan *transport.Session, 1)
	go func() {
		sess, err := e.listener.Accept(2 * time.Second)
		if err == nil {
			accepted <- sess
		}
	}()
	conn := dialHello(t, e.listener.Addr().String(), username)
	var ts *transport.Session
	select {
	case ts = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}
	binding, err := session.Bind(context.Background(), e.conn, ts, e.locks)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	e.registry.Add(binding)
	return conn, binding
}

func TestBindPairsTransportWithStoreSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn, binding := e.establish(t, "admin")
	defer conn.Close()

	store := binding.Store()
	if store.Identity() != "admin" {
		t.Fatalf("store session identity %q", store.Identity())
	}
	if store.Datastore() != datastore.Running {
		t.Fatalf("store session bound to %q", store.Datastore())
	}
	if store.Token() == "" {
		t.Fatal("store session has no token")
	}
}

func TestUnbindReleasesLocksAndClosesBothHalves(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn, binding := e.establish(t, "admin")
	defer conn.Close()

	id := binding.Transport().ID()
	if !e.locks.TryAcquire(datastore.Candidate, id) {
		t.Fatal("lock acquisition should succeed")
	}

	binding.Unbind()
	binding.Unbind() // second call is a no-op

	if _, held := e.locks.Holder(datastore.Candidate); held {
		t.Fatal("lock must not outlive its owner")
	}
	if !binding.Transport().Terminated() {
		t.Fatal("transport session should be terminated")
	}
	if _, _, err := binding.Store().Get(context.Background()); !errors.Is(err, datastore.ErrUnavailable) {
		t.Fatalf("store session should be closed, got %v", err)
	}
}

func TestBindFailureLeavesTransportUntouched(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_ = e.conn.Close()

	accepted := make(chan *transport.Session, 1)
	go func() {
		sess, err := e.listener.Accept(2 * time.Second)
		if err == nil {
			accepted <- sess
		}
	}()
	conn := dialHello(t, e.listener.Addr().String(), "admin")
	defer conn.Close()
	var ts *transport.Session
	select {
	case ts = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}
	defer ts.Close()

	if _, err := session.Bind(context.Background(), e.conn, ts, e.locks); !errors.Is(err, datastore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if ts.Terminated() {
		t.Fatal("bind failure must not close the transport session")
	}
}

func TestPollReportsActivity(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn, binding := e.establish(t, "admin")
	defer conn.Close()
	defer binding.Unbind()

	sendFrame(t, conn, `<rpc message-id="1"><get/></rpc>`)

	outcome := e.registry.Poll(2 * time.Second)
	if outcome.Kind != session.PollActivity {
		t.Fatalf("expected PollActivity, got %v", outcome.Kind)
	}
	if outcome.Binding != binding {
		t.Fatal("activity attributed to the wrong binding")
	}
	frame, ok := outcome.Binding.Transport().Receive()
	if !ok {
		t.Fatal("expected a pending frame")
	}
	if !strings.Contains(string(frame), "message-id=\"1\"") {
		t.Fatalf("unexpected frame %q", frame)
	}
}

func TestPollReportsGoneSessionAndRemovalCleansUp(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn, binding := e.establish(t, "admin")

	id := binding.Transport().ID()
	if !e.locks.TryAcquire(datastore.Running, id) {
		t.Fatal("lock acquisition should succeed")
	}
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		outcome := e.registry.Poll(100 * time.Millisecond)
		if outcome.Kind == session.PollSessionGone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poll never reported the gone session")
		}
	}
	if removed := e.registry.RemoveTerminated(); removed != 1 {
		t.Fatalf("removed %d sessions, want 1", removed)
	}
	if e.registry.ActiveCount() != 0 {
		t.Fatalf("active count %d after removal", e.registry.ActiveCount())
	}
	if _, held := e.locks.Holder(datastore.Running); held {
		t.Fatal("lock must be released on removal")
	}
}

func TestPollTimesOutWhenIdle(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	outcome := e.registry.Poll(50 * time.Millisecond)
	if outcome.Kind != session.PollTimeout {
		t.Fatalf("expected PollTimeout, got %v", outcome.Kind)
	}
}

func TestDrainUnbindsEveryMember(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var conns []net.Conn
	var bindings []*session.Binding
	for i := 0; i < 3; i++ {
		conn, binding := e.establish(t, fmt.Sprintf("user%d", i))
		conns = append(conns, conn)
		bindings = append(bindings, binding)
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	if drained := e.registry.Drain(); drained != 3 {
		t.Fatalf("drained %d sessions, want 3", drained)
	}
	if e.registry.ActiveCount() != 0 {
		t.Fatalf("active count %d after drain", e.registry.ActiveCount())
	}
	for _, b := range bindings {
		if !b.Transport().Terminated() {
			t.Fatalf("session %d still alive after drain", b.Transport().ID())
		}
	}
}
