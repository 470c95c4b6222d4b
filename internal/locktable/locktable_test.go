package locktable_test

import (
	"sync"
	"testing"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/locktable"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	table := locktable.New()
	if !table.TryAcquire(datastore.Candidate, 1) {
		t.Fatalf("expected first acquire to succeed")
	}
	if table.TryAcquire(datastore.Candidate, 2) {
		t.Fatalf("expected second acquire to be denied while held")
	}
	if owner, held := table.Holder(datastore.Candidate); !held || owner != 1 {
		t.Fatalf("unexpected holder: %d held=%v", owner, held)
	}
	table.Release(datastore.Candidate, 1)
	if !table.TryAcquire(datastore.Candidate, 2) {
		t.Fatalf("expected acquire after release to succeed")
	}
}

func TestReleaseFromNonOwnerIsNoop(t *testing.T) {
	t.Parallel()

	table := locktable.New()
	if !table.TryAcquire(datastore.Running, 7) {
		t.Fatalf("acquire failed")
	}
	table.Release(datastore.Running, 9)
	if owner, held := table.Holder(datastore.Running); !held || owner != 7 {
		t.Fatalf("non-owner release must not clear the slot, holder=%d held=%v", owner, held)
	}
}

func TestReleaseUnknownDatastoreIsNoop(t *testing.T) {
	t.Parallel()

	table := locktable.New()
	table.Release(datastore.Name("intended"), 3)
	if table.TryAcquire(datastore.Name("intended"), 3) {
		t.Fatalf("unknown datastore must not be acquirable")
	}
}

func TestReleaseAllClearsEverySlot(t *testing.T) {
	t.Parallel()

	table := locktable.New()
	table.TryAcquire(datastore.Running, 4)
	table.TryAcquire(datastore.Startup, 4)
	table.TryAcquire(datastore.Candidate, 5)
	table.ReleaseAll(4)
	if _, held := table.Holder(datastore.Running); held {
		t.Fatalf("running still held after ReleaseAll")
	}
	if _, held := table.Holder(datastore.Startup); held {
		t.Fatalf("startup still held after ReleaseAll")
	}
	if owner, held := table.Holder(datastore.Candidate); !held || owner != 5 {
		t.Fatalf("ReleaseAll must not touch other owners, holder=%d held=%v", owner, held)
	}
	if table.HeldCount() != 1 {
		t.Fatalf("expected exactly one held slot, got %d", table.HeldCount())
	}
}

func TestResetUnlocksEverything(t *testing.T) {
	t.Parallel()

	table := locktable.New()
	table.TryAcquire(datastore.Running, 1)
	table.TryAcquire(datastore.Candidate, 2)
	table.Reset()
	if table.HeldCount() != 0 {
		t.Fatalf("expected empty table after reset, got %d held", table.HeldCount())
	}
	if !table.TryAcquire(datastore.Running, 3) {
		t.Fatalf("acquire after reset failed")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()

	table := locktable.New()
	const contenders = 32
	var wg sync.WaitGroup
	wins := make(chan uint32, contenders)
	for i := uint32(1); i <= contenders; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if table.TryAcquire(datastore.Candidate, id) {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	var winners []uint32
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if owner, held := table.Holder(datastore.Candidate); !held || owner != winners[0] {
		t.Fatalf("holder %d does not match winner %d", owner, winners[0])
	}
}
