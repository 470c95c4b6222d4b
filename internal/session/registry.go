package session

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/netconfd/internal/transport"
	"pkt.systems/pslog"
)

// PollKind classifies what a registry poll observed.
type PollKind int

const (
	// PollTimeout means nothing happened within the poll window.
	PollTimeout PollKind = iota
	// PollActivity means Binding has at least one inbound frame pending.
	PollActivity
	// PollSessionGone means at least one member terminated; the caller
	// should run RemoveTerminated.
	PollSessionGone
	// PollNewChannel means Channel is a fresh transport session that still
	// needs binding and admission.
	PollNewChannel
)

// Outcome is the result of one Poll call.
type Outcome struct {
	Kind    PollKind
	Binding *Binding
	// Channel is set for PollNewChannel.
	Channel *transport.Session
}

// Registry is the poll set of admitted sessions. It owns the event channel
// the transport acceptors publish to; membership lives in a concurrent map
// so admission from the accept loop never blocks the process loop.
type Registry struct {
	events  chan transport.Event
	members *xsync.MapOf[uint32, *Binding]
	logger  pslog.Logger
}

// NewRegistry allocates an empty registry.
func NewRegistry(logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Registry{
		events:  make(chan transport.Event, 64),
		members: xsync.NewMapOf[uint32, *Binding](),
		logger:  svcfields.WithSubsystem(logger, "session.registry"),
	}
}

// Sink returns the event channel transport acceptors publish to.
func (r *Registry) Sink() transport.Sink { return r.events }

// Add admits a bound session into the poll set.
func (r *Registry) Add(b *Binding) {
	r.members.Store(b.Transport().ID(), b)
	r.logger.Debug("session admitted",
		"session", b.Transport().ID(),
		"sid", b.Transport().Correlation(),
		"username", b.Transport().Identity(),
		"store_token", b.Store().Token(),
	)
}

// Lookup returns the binding for a session id.
func (r *Registry) Lookup(id uint32) (*Binding, bool) {
	return r.members.Load(id)
}

// ActiveCount returns the number of admitted sessions.
func (r *Registry) ActiveCount() int { return r.members.Size() }

// Poll waits up to timeout for session activity. Closed-session events are
// best effort on the transport side, so a timed-out poll also scans
// membership for terminated sessions before reporting PollTimeout.
func (r *Registry) Poll(timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-r.events:
			switch ev.Kind {
			case transport.EventActivity:
				b, ok := r.members.Load(ev.Session.ID())
				if !ok {
					continue
				}
				if ev.Session.Terminated() {
					return Outcome{Kind: PollSessionGone}
				}
				return Outcome{Kind: PollActivity, Binding: b}
			case transport.EventClosed:
				if _, ok := r.members.Load(ev.Session.ID()); !ok {
					continue
				}
				return Outcome{Kind: PollSessionGone}
			case transport.EventNewChannel:
				return Outcome{Kind: PollNewChannel, Channel: ev.Channel}
			}
		case <-timer.C:
			if r.hasTerminated() {
				return Outcome{Kind: PollSessionGone}
			}
			return Outcome{Kind: PollTimeout}
		}
	}
}

func (r *Registry) hasTerminated() bool {
	gone := false
	r.members.Range(func(_ uint32, b *Binding) bool {
		if b.Transport().Terminated() {
			gone = true
			return false
		}
		return true
	})
	return gone
}

// RemoveTerminated unbinds and evicts every terminated member, returning
// how many were removed.
func (r *Registry) RemoveTerminated() int {
	removed := 0
	r.members.Range(func(id uint32, b *Binding) bool {
		if !b.Transport().Terminated() {
			return true
		}
		b.Unbind()
		r.members.Delete(id)
		removed++
		r.logger.Debug("session removed",
			"session", id,
			"sid", b.Transport().Correlation(),
		)
		return true
	})
	return removed
}

// Drain unbinds and evicts every member. Used at epoch teardown.
func (r *Registry) Drain() int {
	drained := 0
	r.members.Range(func(id uint32, b *Binding) bool {
		b.Unbind()
		r.members.Delete(id)
		drained++
		return true
	})
	if drained > 0 {
		r.logger.Debug("registry drained", "sessions", drained)
	}
	return drained
}
