package rpc_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/datastore/memory"
	"pkt.systems/netconfd/internal/locktable"
	"pkt.systems/netconfd/internal/rpc"
	"pkt.systems/netconfd/internal/session"
	"pkt.systems/netconfd/internal/transport"
)

const (
	eom     = "]]>]]>"
	baseCap = "urn:ietf:params:xml:ns:netconf:base:1.0"
)

type env struct {
	dispatcher *rpc.Dispatcher
	registry   *session.Registry
	listener   *transport.Listener
	conn       *memory.Conn
	locks      *locktable.Table
}

func newEnv(t *testing.T, seed map[datastore.Name]datastore.Document) *env {
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
	conn := memory.NewWithConfig(memory.Config{Seed: seed})
	locks := locktable.New()
	return &env{
		dispatcher: rpc.NewDispatcher(rpc.Config{Store: conn, Locks: locks, Registry: registry}),
		registry:   registry,
		listener:   listener,
		conn:       conn,
		locks:      locks,
	}
}

func (e *env) establish(t *testing.T, username string) *session.Binding {
	t.Helper()
	accepted := make(chan *transport.Session, 1)
	go func() {
		sess, err := e.listener.Accept(2 * time.Second)
		if err == nil {
			accepted <- sess
		}
	}()
	conn, err := net.Dial("tcp", e.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	readUntilEOM(t, conn)
	hello := fmt.Sprintf(`<hello xmlns=%q username=%q><capabilities><capability>%s</capability></capabilities></hello>`,
		baseCap, username, baseCap)
	if _, err := conn.Write([]byte(hello + "\n" + eom)); err != nil {
		t.Fatalf("send hello: %v", err)
	}
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
	t.Cleanup(binding.Unbind)
	return binding
}

func readUntilEOM(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	var sb strings.Builder
	for !strings.Contains(sb.String(), eom) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		sb.Write(buf[:n])
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func (e *env) dispatch(t *testing.T, b *session.Binding, frame string) (string, bool) {
	t.Helper()
	reply, closeRequested := e.dispatcher.Dispatch(context.Background(), b, []byte(frame))
	return string(reply), closeRequested
}

func TestLockIsExclusiveAcrossSessions(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")
	b := e.establish(t, "bob")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><lock><target><candidate/></target></lock></rpc>`)
	if !strings.Contains(reply, "<ok/>") {
		t.Fatalf("first lock should succeed: %s", reply)
	}

	reply, _ = e.dispatch(t, b, `<rpc message-id="2"><lock><target><candidate/></target></lock></rpc>`)
	if !strings.Contains(reply, "lock-denied") {
		t.Fatalf("second lock should be denied: %s", reply)
	}
	want := fmt.Sprintf("<session-id>%d</session-id>", a.Transport().ID())
	if !strings.Contains(reply, want) {
		t.Fatalf("denial should name the holder: %s", reply)
	}

	reply, _ = e.dispatch(t, a, `<rpc message-id="3"><unlock><target><candidate/></target></unlock></rpc>`)
	if !strings.Contains(reply, "<ok/>") {
		t.Fatalf("unlock should succeed: %s", reply)
	}

	reply, _ = e.dispatch(t, b, `<rpc message-id="4"><lock><target><candidate/></target></lock></rpc>`)
	if !strings.Contains(reply, "<ok/>") {
		t.Fatalf("lock after release should succeed: %s", reply)
	}
}

func TestUnlockByNonOwnerIsNoOp(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")
	b := e.establish(t, "bob")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><lock><target><startup/></target></lock></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("lock failed: %s", reply)
	}
	if reply, _ := e.dispatch(t, b, `<rpc message-id="2"><unlock><target><startup/></target></unlock></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("non-owner unlock should reply ok: %s", reply)
	}
	holder, held := e.locks.Holder(datastore.Startup)
	if !held || holder != a.Transport().ID() {
		t.Fatalf("lock owner changed: holder=%d held=%v", holder, held)
	}
}

func TestGetConfigReturnsDocument(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running: {"hostname": "core1", "mtu": 9000},
	})
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><get-config><source><running/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("missing hostname in reply: %s", reply)
	}
	if !strings.Contains(reply, "<data>") {
		t.Fatalf("reply carries no data element: %s", reply)
	}
}

func TestEditConfigMergesIntoTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Startup: {"hostname": "core1"},
	})
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><edit-config><target><startup/></target><config><domain>lab.example</domain></config></edit-config></rpc>`)
	if !strings.Contains(reply, "<ok/>") {
		t.Fatalf("edit-config failed: %s", reply)
	}
	reply, _ = e.dispatch(t, a, `<rpc message-id="2"><get-config><source><startup/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<domain>lab.example</domain>") {
		t.Fatalf("edit not visible: %s", reply)
	}
	if !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("merge dropped existing content: %s", reply)
	}
}

func TestEditConfigDeniedWhenLockedElsewhere(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")
	b := e.establish(t, "bob")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><lock><target><startup/></target></lock></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("lock failed: %s", reply)
	}
	reply, _ := e.dispatch(t, b, `<rpc message-id="2"><edit-config><target><startup/></target><config><x>1</x></config></edit-config></rpc>`)
	if !strings.Contains(reply, "lock-denied") {
		t.Fatalf("edit against a foreign lock should be denied: %s", reply)
	}
}

func TestGetReturnsRunningDocument(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running: {"hostname": "core1"},
	})
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><get/></rpc>`)
	if !strings.Contains(reply, "<data>") || !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("get should serve the running content: %s", reply)
	}
}

func TestCommitPromotesCandidateToRunning(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running:   {"hostname": "core1"},
		datastore.Candidate: {"hostname": "core2", "mtu": 9000},
	})
	a := e.establish(t, "alice")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><commit/></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("commit failed: %s", reply)
	}
	reply, _ := e.dispatch(t, a, `<rpc message-id="2"><get-config><source><running/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<hostname>core2</hostname>") || !strings.Contains(reply, "<mtu>9000</mtu>") {
		t.Fatalf("running was not replaced by candidate: %s", reply)
	}
}

func TestCommitDeniedWhenRunningLockedElsewhere(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running:   {"hostname": "core1"},
		datastore.Candidate: {"hostname": "core2"},
	})
	a := e.establish(t, "alice")
	b := e.establish(t, "bob")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><lock><target><running/></target></lock></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("lock failed: %s", reply)
	}
	reply, _ := e.dispatch(t, b, `<rpc message-id="2"><commit/></rpc>`)
	if !strings.Contains(reply, "lock-denied") {
		t.Fatalf("commit against a foreign running lock should be denied: %s", reply)
	}
	reply, _ = e.dispatch(t, b, `<rpc message-id="3"><get-config><source><running/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("denied commit must leave running untouched: %s", reply)
	}
}

func TestCopyConfigReplacesTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running: {"hostname": "core1"},
		datastore.Startup: {"hostname": "stale", "mtu": 1500},
	})
	a := e.establish(t, "alice")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><copy-config><target><startup/></target><source><running/></source></copy-config></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("copy-config failed: %s", reply)
	}
	reply, _ := e.dispatch(t, a, `<rpc message-id="2"><get-config><source><startup/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("startup was not replaced by running: %s", reply)
	}
	if strings.Contains(reply, "<mtu>") {
		t.Fatalf("copy should replace, not merge: %s", reply)
	}
}

func TestCopyConfigRejectsSameSourceAndTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><copy-config><target><startup/></target><source><startup/></source></copy-config></rpc>`)
	if !strings.Contains(reply, "invalid-value") {
		t.Fatalf("identical source and target should be rejected: %s", reply)
	}
}

func TestDeleteConfigClearsTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Startup: {"hostname": "core1"},
	})
	a := e.establish(t, "alice")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><delete-config><target><startup/></target></delete-config></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("delete-config failed: %s", reply)
	}
	reply, _ := e.dispatch(t, a, `<rpc message-id="2"><get-config><source><startup/></source></get-config></rpc>`)
	if strings.Contains(reply, "<hostname>") {
		t.Fatalf("startup should be empty after delete: %s", reply)
	}
}

func TestDeleteConfigRejectsRunning(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running: {"hostname": "core1"},
	})
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><delete-config><target><running/></target></delete-config></rpc>`)
	if !strings.Contains(reply, "invalid-value") {
		t.Fatalf("delete-config on running should be rejected: %s", reply)
	}
	reply, _ = e.dispatch(t, a, `<rpc message-id="2"><get-config><source><running/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("running must survive a rejected delete: %s", reply)
	}
}

func TestDeleteConfigDeniedWhenLockedElsewhere(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Startup: {"hostname": "core1"},
	})
	a := e.establish(t, "alice")
	b := e.establish(t, "bob")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><lock><target><startup/></target></lock></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("lock failed: %s", reply)
	}
	reply, _ := e.dispatch(t, b, `<rpc message-id="2"><delete-config><target><startup/></target></delete-config></rpc>`)
	if !strings.Contains(reply, "lock-denied") {
		t.Fatalf("delete against a foreign lock should be denied: %s", reply)
	}
}

func TestDiscardChangesCopiesRunningToCandidate(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[datastore.Name]datastore.Document{
		datastore.Running:   {"hostname": "core1"},
		datastore.Candidate: {"hostname": "scratch"},
	})
	a := e.establish(t, "alice")

	if reply, _ := e.dispatch(t, a, `<rpc message-id="1"><discard-changes/></rpc>`); !strings.Contains(reply, "<ok/>") {
		t.Fatalf("discard-changes failed: %s", reply)
	}
	reply, _ := e.dispatch(t, a, `<rpc message-id="2"><get-config><source><candidate/></source></get-config></rpc>`)
	if !strings.Contains(reply, "<hostname>core1</hostname>") {
		t.Fatalf("candidate was not reset to running: %s", reply)
	}
}

func TestCloseSessionRequestsTermination(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")

	reply, closeRequested := e.dispatch(t, a, `<rpc message-id="1"><close-session/></rpc>`)
	if !strings.Contains(reply, "<ok/>") {
		t.Fatalf("close-session should reply ok: %s", reply)
	}
	if !closeRequested {
		t.Fatal("close-session must request termination")
	}
}

func TestKillSessionUnbindsVictim(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")
	b := e.establish(t, "bob")

	frame := fmt.Sprintf(`<rpc message-id="1"><kill-session><session-id>%d</session-id></kill-session></rpc>`, b.Transport().ID())
	reply, _ := e.dispatch(t, a, frame)
	if !strings.Contains(reply, "<ok/>") {
		t.Fatalf("kill-session failed: %s", reply)
	}
	if !b.Transport().Terminated() {
		t.Fatal("victim session should be terminated")
	}

	reply, _ = e.dispatch(t, a, fmt.Sprintf(`<rpc message-id="2"><kill-session><session-id>%d</session-id></kill-session></rpc>`, a.Transport().ID()))
	if !strings.Contains(reply, "invalid-value") {
		t.Fatalf("self kill should be rejected: %s", reply)
	}
}

func TestUnknownOperationReturnsError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc message-id="1"><frobnicate/></rpc>`)
	if !strings.Contains(reply, "operation-not-supported") {
		t.Fatalf("expected operation-not-supported: %s", reply)
	}
	if !strings.Contains(reply, `message-id="1"`) {
		t.Fatalf("error reply should echo the message-id: %s", reply)
	}
}

func TestMissingMessageIDReturnsError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	a := e.establish(t, "alice")

	reply, _ := e.dispatch(t, a, `<rpc><get-config><source><running/></source></get-config></rpc>`)
	if !strings.Contains(reply, "missing-attribute") {
		t.Fatalf("expected missing-attribute: %s", reply)
	}
}
