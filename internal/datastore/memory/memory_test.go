package memory_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/datastore/memory"
)

func TestOpenSessionAndRoundTrip(t *testing.T) {
	t.Parallel()

	conn := memory.New()
	defer conn.Close()

	sess, err := conn.OpenSession(context.Background(), "admin", datastore.Running)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if sess.Identity() != "admin" || sess.Datastore() != datastore.Running {
		t.Fatalf("unexpected session attributes: %q %q", sess.Identity(), sess.Datastore())
	}
	if sess.Token() == "" {
		t.Fatalf("expected non-empty session token")
	}

	doc, rev, err := sess.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(doc) != 0 || rev != 0 {
		t.Fatalf("expected empty document at revision 0, got %v rev %d", doc, rev)
	}
	if err := sess.Replace(context.Background(), datastore.Document{"hostname": "r1"}, 0); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	doc, rev, err = sess.Get(context.Background())
	if err != nil {
		t.Fatalf("Get after replace: %v", err)
	}
	if doc["hostname"] != "r1" || rev != 1 {
		t.Fatalf("unexpected document %v rev %d", doc, rev)
	}
}

func TestReplaceDetectsRevisionConflict(t *testing.T) {
	t.Parallel()

	conn := memory.New()
	defer conn.Close()
	ctx := context.Background()

	a, err := conn.OpenSession(ctx, "alice", datastore.Candidate)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b, err := conn.OpenSession(ctx, "bob", datastore.Candidate)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := a.Replace(ctx, datastore.Document{"v": 1}, 0); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	_, rev, err := b.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := a.Replace(ctx, datastore.Document{"v": 2}, 0); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	err = b.Replace(ctx, datastore.Document{"v": 3}, rev)
	if !errors.Is(err, datastore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestOpenSessionFailures(t *testing.T) {
	t.Parallel()

	conn := memory.New()
	ctx := context.Background()

	if _, err := conn.OpenSession(ctx, "", datastore.Running); !errors.Is(err, datastore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for empty identity, got %v", err)
	}
	if _, err := conn.OpenSession(ctx, "admin", datastore.Name("nope")); !errors.Is(err, datastore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unknown datastore, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := conn.OpenSession(ctx, "admin", datastore.Running); !errors.Is(err, datastore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after close, got %v", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := memory.New()
	defer conn.Close()
	ctx := context.Background()

	sess, err := conn.OpenSession(ctx, "admin", datastore.Startup)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
	if _, _, err := sess.Get(ctx); !errors.Is(err, datastore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after close, got %v", err)
	}
}

func TestSeedDocuments(t *testing.T) {
	t.Parallel()

	conn := memory.NewWithConfig(memory.Config{
		Seed: map[datastore.Name]datastore.Document{
			datastore.Startup: {"hostname": "seeded"},
		},
	})
	defer conn.Close()

	sess, err := conn.OpenSession(context.Background(), "admin", datastore.Startup)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	doc, rev, err := sess.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["hostname"] != "seeded" || rev != 1 {
		t.Fatalf("unexpected seeded document %v rev %d", doc, rev)
	}
}
