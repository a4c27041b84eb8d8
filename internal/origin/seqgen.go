package origin

import "sync/atomic"

// seqGen is a per-socketID atomic sequence number generator, one per
// remoteSocket, shared between the outbound TCP-read goroutine and the
// packet-send call sites.
type seqGen struct {
	val atomic.Uint32
}

// next returns the next sequence number, monotonically increasing from 1.
func (s *seqGen) next() uint32 {
	return s.val.Add(1)
}
