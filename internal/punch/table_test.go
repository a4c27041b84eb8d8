package punch

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/wisp-vpn/wisp/internal/l3"
)

type fakeOpening struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeOpening) Send(ctx context.Context, payload []byte, target l3.Socket) error { return nil }

func (f *fakeOpening) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeOpening) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeHole struct{}

func (fakeHole) Land(payload []byte, from, to l3.Socket) error { return nil }

func testSource(t *testing.T) l3.Socket {
	t.Helper()
	addr, err := netip.ParseAddr("10.0.0.1")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	return l3.Socket{Host: addr, Port: 1}
}

// TestGetOrCreateOpensOnceUnderConcurrentCallers confirms open is invoked at
// most once even when many goroutines race for the same source's Punch.
func TestGetOrCreateOpensOnceUnderConcurrentCallers(t *testing.T) {
	tbl := NewTable()
	source := testSource(t)

	var mu sync.Mutex
	opens := 0
	open := func() (*Punch, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		return New(source, &fakeOpening{}, fakeHole{}), nil
	}

	const callers = 20
	results := make([]*Punch, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := range results {
		go func(i int) {
			defer wg.Done()
			p, err := tbl.GetOrCreate(source, open)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = p
		}(i)
	}
	wg.Wait()

	if opens != 1 {
		t.Fatalf("open called %d times, want 1", opens)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different Punch instance than caller 0", i)
		}
	}
}

// TestEvictIdleRemovesStaleEntryAndAllowsReopen exercises spec.md §9's
// resolved Punch-table-leak open question: an idle Punch is closed and
// evicted, and a subsequent GetOrCreate for the same source opens a fresh one.
func TestEvictIdleRemovesStaleEntryAndAllowsReopen(t *testing.T) {
	tbl := NewTable()
	source := testSource(t)
	opening := &fakeOpening{}

	opens := 0
	open := func() (*Punch, error) {
		opens++
		return New(source, opening, fakeHole{}), nil
	}

	if _, err := tbl.GetOrCreate(source, open); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	tbl.EvictIdle(time.Millisecond)

	if !opening.isClosed() {
		t.Fatal("expected the idle Punch's Opening to be closed on eviction")
	}

	if _, err := tbl.GetOrCreate(source, open); err != nil {
		t.Fatalf("GetOrCreate after eviction: %v", err)
	}
	if opens != 2 {
		t.Fatalf("open called %d times, want 2 (once before eviction, once after)", opens)
	}
}

// TestEvictIdleLeavesRecentlyUsedEntries confirms a Punch touched within
// maxAge survives a sweep.
func TestEvictIdleLeavesRecentlyUsedEntries(t *testing.T) {
	tbl := NewTable()
	source := testSource(t)
	opening := &fakeOpening{}

	p, err := tbl.GetOrCreate(source, func() (*Punch, error) {
		return New(source, opening, fakeHole{}), nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	tbl.EvictIdle(time.Hour)

	if opening.isClosed() {
		t.Fatal("expected a recently-used Punch to survive EvictIdle")
	}
	if got, err := tbl.GetOrCreate(source, func() (*Punch, error) {
		t.Fatal("open should not be called for a still-live entry")
		return nil, nil
	}); err != nil || got != p {
		t.Fatalf("GetOrCreate returned a different/errored Punch after a no-op sweep: %v, %v", got, err)
	}
}
