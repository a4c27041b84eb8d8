package punch

import (
	"context"
	"sync"
	"time"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
)

// Table is the `udp_: Socket → Punch` map from spec.md §3, keyed by the
// host-side source socket of outbound UDP. It is safe for concurrent use.
type Table struct {
	mu sync.Mutex
	m  map[l3.Socket]*Punch
}

func NewTable() *Table {
	return &Table{m: make(map[l3.Socket]*Punch)}
}

// GetOrCreate returns the existing Punch for source, or calls open to
// create one and stores it. open is called at most once per source even
// under concurrent callers.
func (t *Table) GetOrCreate(source l3.Socket, open func() (*Punch, error)) (*Punch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.m[source]; ok {
		return p, nil
	}
	p, err := open()
	if err != nil {
		return nil, err
	}
	t.m[source] = p
	return p, nil
}

// EvictIdle closes and removes every Punch that hasn't been used within
// maxAge. spec.md §9 flags the original's Punch table as never evicted — a
// latent leak for long-running captures with many distinct source ports;
// this is the fix it recommends.
func (t *Table) EvictIdle(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for source, p := range t.m {
		if p.Idle(maxAge) {
			if err := p.Close(); err != nil {
				util.LogWarning("punch: error closing idle opening for %s: %v", source, err)
			}
			delete(t.m, source)
		}
	}
}

// RunJanitor periodically evicts idle Punch entries until ctx is cancelled.
func (t *Table) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.EvictIdle(maxAge)
		case <-ctx.Done():
			return
		}
	}
}
