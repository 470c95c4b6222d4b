// Package session pairs transport sessions with backend store sessions and
// tracks the live set in a pollable registry. A transport session is only
// admitted once its binding exists; teardown always runs store close and
// lock release exactly once, regardless of how many paths observe the
// termination.
package session

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/locktable"
	"pkt.systems/netconfd/internal/transport"
)

// Binding couples one transport session with its backend store session.
type Binding struct {
	ts    *transport.Session
	store datastore.Session
	locks *locktable.Table

	unbindOnce sync.Once
}

// Bind opens a store session for the transport session's identity against
// the running datastore and returns the pair. A failure leaves the transport
// session untouched; the caller decides whether to discard it.
func Bind(ctx context.Context, conn datastore.Conn, ts *transport.Session, locks *locktable.Table) (*Binding, error) {
	store, err := conn.OpenSession(ctx, ts.Identity(), datastore.Running)
	if err != nil {
		return nil, fmt.Errorf("bind session %d (%s): %w", ts.ID(), ts.Identity(), err)
	}
	return &Binding{ts: ts, store: store, locks: locks}, nil
}

// Transport returns the bound transport session.
func (b *Binding) Transport() *transport.Session { return b.ts }

// Store returns the bound backend store session.
func (b *Binding) Store() datastore.Session { return b.store }

// Unbind tears the pair down: store session closed, every datastore lock
// owned by the session released, transport channel closed. Runs once.
func (b *Binding) Unbind() {
	b.unbindOnce.Do(func() {
		_ = b.store.Close()
		if b.locks != nil {
			b.locks.ReleaseAll(b.ts.ID())
		}
		_ = b.ts.Close()
	})
}
