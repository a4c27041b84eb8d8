package bridge

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/wisp-vpn/wisp/internal/l3"
)

type fakePlant struct {
	mu    sync.Mutex
	calls int
	four  l3.Four
}

func (p *fakePlant) Pull(ctx context.Context, four l3.Four) error {
	p.mu.Lock()
	p.calls++
	p.four = four
	p.mu.Unlock()
	return nil
}

func (p *fakePlant) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testFour(t *testing.T) l3.Four {
	t.Helper()
	src, err := netip.ParseAddr("10.0.0.2")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	dst, err := netip.ParseAddr("10.0.0.3")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	return l3.Four{Source: l3.Socket{Host: src, Port: 1}, Target: l3.Socket{Host: dst, Port: 2}}
}

// TestFlowCallsPullExactlyOnceAfterBothSplicesTerminate drives a Flow's two
// splice directions to completion and asserts Plant.Pull fires exactly once,
// with the Flow's own four-tuple — not once per splice direction.
func TestFlowCallsPullExactlyOnceAfterBothSplicesTerminate(t *testing.T) {
	four := testFour(t)
	plant := &fakePlant{}
	f := New(plant, four)

	upA, upB := net.Pipe()
	downA, downB := net.Pipe()

	ctx := context.Background()
	f.SetUp(ctx, upA)
	f.SetDown(ctx, downA)

	// Closing the peer end of each pipe makes the corresponding splice's
	// blocking Read return immediately, driving both directions to
	// completion and the two-count shutdown latch to zero.
	upB.Close()
	downB.Close()

	deadline := time.Now().Add(2 * time.Second)
	for plant.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if plant.callCount() == 0 {
		t.Fatal("Plant.Pull was never called")
	}

	// Give a spurious second call a chance to land before asserting.
	time.Sleep(50 * time.Millisecond)

	if got := plant.callCount(); got != 1 {
		t.Fatalf("Plant.Pull called %d times, want exactly 1", got)
	}
	plant.mu.Lock()
	gotFour := plant.four
	plant.mu.Unlock()
	if gotFour != four {
		t.Fatalf("Pull called with %+v, want %+v", gotFour, four)
	}
}

// TestFlowOpenIsIdempotentAcrossSetUpAndSetDown confirms open() only launches
// once regardless of which half of SetUp/SetDown completes second — calling
// SetUp again after both are already set must not relaunch the splice tasks
// (which would double-decrement the shutdown latch and call Pull early).
func TestFlowOpenIsIdempotentAcrossSetUpAndSetDown(t *testing.T) {
	four := testFour(t)
	plant := &fakePlant{}
	f := New(plant, four)

	upA, upB := net.Pipe()
	downA, downB := net.Pipe()
	defer upB.Close()
	defer downB.Close()

	ctx := context.Background()
	f.SetDown(ctx, downA)
	f.SetUp(ctx, upA)
	f.SetUp(ctx, upA) // redundant call after open() has already run once

	upB.Close()
	downB.Close()

	deadline := time.Now().Add(2 * time.Second)
	for plant.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := plant.callCount(); got != 1 {
		t.Fatalf("Plant.Pull called %d times, want exactly 1", got)
	}
}
