// Package locktable tracks which session, if any, holds the exclusive lock
// on each named configuration datastore. At most one session owns a given
// slot at a time; releasing a slot you do not own is a silent no-op so that
// teardown paths can release unconditionally.
package locktable

import (
	"sync"

	"pkt.systems/netconfd/internal/datastore"
)

// Table is a fixed set of per-datastore lock slots. Writes are serialized,
// ownership reads may run concurrently with each other.
type Table struct {
	mu    sync.RWMutex
	slots map[datastore.Name]uint32
}

// DefaultDatastores lists the lockable datastores allocated when no explicit
// set is supplied.
var DefaultDatastores = []datastore.Name{
	datastore.Running,
	datastore.Startup,
	datastore.Candidate,
}

// New allocates a table with one unlocked slot per datastore. With no
// arguments the default running/startup/candidate set is used.
func New(names ...datastore.Name) *Table {
	if len(names) == 0 {
		names = DefaultDatastores
	}
	slots := make(map[datastore.Name]uint32, len(names))
	for _, name := range names {
		slots[name] = 0
	}
	return &Table{slots: slots}
}

// TryAcquire records session as the owner of ds iff the slot is currently
// unlocked. It never blocks; false means the lock is held elsewhere (or ds
// is not a lockable datastore), which the RPC layer surfaces as lock-denied.
func (t *Table) TryAcquire(ds datastore.Name, session uint32) bool {
	if session == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.slots[ds]
	if !ok || owner != 0 {
		return false
	}
	t.slots[ds] = session
	return true
}

// Release clears the slot only when session is the current owner.
func (t *Table) Release(ds datastore.Name, session uint32) {
	t.mu.Lock()
	if t.slots[ds] == session {
		t.slots[ds] = 0
	}
	t.mu.Unlock()
}

// ReleaseAll clears every slot owned by session. Invoked during session
// teardown so that no lock outlives its owner.
func (t *Table) ReleaseAll(session uint32) {
	if session == 0 {
		return
	}
	t.mu.Lock()
	for ds, owner := range t.slots {
		if owner == session {
			t.slots[ds] = 0
		}
	}
	t.mu.Unlock()
}

// Holder reports the session owning ds, with held=false for an unlocked or
// unknown slot. Safe to call concurrently with other reads.
func (t *Table) Holder(ds datastore.Name) (session uint32, held bool) {
	t.mu.RLock()
	owner := t.slots[ds]
	t.mu.RUnlock()
	return owner, owner != 0
}

// HeldCount returns the number of currently locked slots.
func (t *Table) HeldCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, owner := range t.slots {
		if owner != 0 {
			n++
		}
	}
	return n
}

// Reset returns every slot to unlocked. Called between epochs.
func (t *Table) Reset() {
	t.mu.Lock()
	for ds := range t.slots {
		t.slots[ds] = 0
	}
	t.mu.Unlock()
}
