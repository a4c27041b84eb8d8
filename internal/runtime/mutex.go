package runtime

import (
	"context"
	"sync"
)

// Mutex wraps sync.Mutex with a scoped-unlock acquisition: Lock returns a
// closure that releases the lock, so callers write `defer unlock()` instead
// of risking a mismatched Unlock — spec.md §4.A's "async mutex whose
// scoped_lock releases on any exit". This is the guard the Split engine
// uses for its NAT tables (meta_ in spec.md §5).
type Mutex struct {
	mu sync.Mutex
}

// Lock acquires the mutex and returns an unlock function. It only returns
// an error if ctx is already cancelled — acquisition itself never blocks
// indefinitely in this single-process model, so ctx is checked once up
// front rather than raced against the lock.
func (m *Mutex) Lock(ctx context.Context) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	m.mu.Lock()
	return m.mu.Unlock, nil
}
