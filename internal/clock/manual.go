package clock

import (
	"sync"
	"time"
)

// Manual is a hand-advanced Clock. Sleepers park until Advance moves the
// clock past their wake time.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan struct{}
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	m.mu.Lock()
	if d <= 0 {
		m.mu.Unlock()
		return
	}
	w := waiter{at: m.now.Add(d), ch: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	<-w.ch
}

// Advance moves time forward by d and wakes every sleeper whose wake time
// has been reached.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.at.After(now) {
			remaining = append(remaining, w)
			continue
		}
		close(w.ch)
	}
	m.waiters = remaining
	m.mu.Unlock()
	return now
}
