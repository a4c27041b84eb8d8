// Package bridge implements the Flow bridge: bidirectional byte-stream
// splicing between a NAT'd TCP session's upstream (Origin-side) and
// downstream (host-side, via the local Acceptor) halves, with a two-sided
// shutdown latch.
package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/runtime"
	"github.com/wisp-vpn/wisp/internal/util"
)

// spliceBufferSize matches spec.md §4.D's "2 KiB Beam" per splice read.
const spliceBufferSize = 2048

// Plant is the Split engine's back-reference: once a Flow's shutdown latch
// reaches zero, the Flow calls Plant.Pull to remove itself from both NAT
// tables. It is a plain borrow — the Plant strictly outlives every Flow it
// owns (spec.md §9).
type Plant interface {
	Pull(ctx context.Context, four l3.Four) error
}

// Flow is a logical TCP session under NAT: an upstream byte stream (Origin
// side, "up") and a downstream byte stream (host side, via the Acceptor,
// "down"). It is allocated on observed SYN and destroyed once both splice
// directions complete and Plant.Pull removes it from the NAT maps.
type Flow struct {
	plant Plant
	four  l3.Four

	mu       sync.Mutex
	up       io.ReadWriteCloser
	down     io.ReadWriteCloser
	openOnce sync.Once

	latch *runtime.Latch
}

// New allocates a Flow for four, bound to plant, before either half is
// connected: Split inserts it into both NAT tables synchronously (spec.md
// §5's ordering guarantee) and fills in up and down as Origin.Connect and
// the local Acceptor complete, in whichever order they finish.
func New(plant Plant, four l3.Four) *Flow {
	return &Flow{
		plant: plant,
		four:  four,
		latch: runtime.NewLatch(2),
	}
}

// SetUp assigns the upstream half once Origin.Connect returns, opening the
// Flow if the downstream half is already present.
func (f *Flow) SetUp(ctx context.Context, up io.ReadWriteCloser) {
	f.mu.Lock()
	f.up = up
	ready := f.up != nil && f.down != nil
	f.mu.Unlock()
	if ready {
		f.open(ctx)
	}
}

// SetDown assigns the downstream half once the local Acceptor accepts the
// reciprocating connection, opening the Flow if the upstream half is already
// present.
func (f *Flow) SetDown(ctx context.Context, down io.ReadWriteCloser) {
	f.mu.Lock()
	f.down = down
	ready := f.up != nil && f.down != nil
	f.mu.Unlock()
	if ready {
		f.open(ctx)
	}
}

// Four returns this Flow's original four-tuple.
func (f *Flow) Four() l3.Four { return f.four }

// open launches the two splice tasks (up→down and down→up) plus a detached
// task that awaits the shutdown latch and invokes Plant.Pull. Guarded so it
// runs exactly once regardless of which half completes second.
func (f *Flow) open(ctx context.Context) {
	f.openOnce.Do(func() {
		util.Stats.FlowOpened()
		util.Stats.AddConn()
		runtime.Go(ctx, func(ctx context.Context) error {
			f.splice(f.up, f.down, "up->down")
			return nil
		})
		runtime.Go(ctx, func(ctx context.Context) error {
			f.splice(f.down, f.up, "down->up")
			return nil
		})
		runtime.Go(ctx, func(ctx context.Context) error {
			f.awaitClose(ctx)
			return nil
		})
	})
}

// splice copies from src to dst until EOF or error, then shuts the far side
// down and decrements the shutdown latch exactly once per call.
func (f *Flow) splice(src, dst io.ReadWriteCloser, label string) {
	defer f.latch.Done()

	buf := make([]byte, spliceBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				util.LogDebug("bridge[%s]: write error on %s: %v", f.four, label, werr)
				break
			}
			if label == "up->down" {
				util.Stats.AddRecv(n)
			} else {
				util.Stats.AddSent(n)
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				util.LogDebug("bridge[%s]: read error on %s: %v", f.four, label, rerr)
			}
			break
		}
	}
	// Half-close: unblock the peer's blocking Read.
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
}

// awaitClose blocks until both splice directions have finished, then tells
// the Plant to remove this Flow from the NAT tables. Invariant: after Pull
// returns, no further packet can be routed through this Flow's ephemeral
// socket, so the Flow can be dropped.
func (f *Flow) awaitClose(ctx context.Context) {
	select {
	case <-f.latch.Wait():
	case <-ctx.Done():
	}
	util.Stats.FlowClosed()
	util.Stats.RemoveConn()
	runtime.Parallel(ctx,
		func(context.Context) error { return f.up.Close() },
		func(context.Context) error { return f.down.Close() },
	)
	if err := f.plant.Pull(ctx, f.four); err != nil {
		util.LogWarning("bridge[%s]: Pull failed: %v", f.four, err)
	}
}
