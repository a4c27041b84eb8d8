package origin

import (
	"container/heap"

	"github.com/wisp-vpn/wisp/internal/protocol"
	"github.com/wisp-vpn/wisp/internal/util"
)

// reassembler reorders out-of-order packets within a single socketID stream.
// It is goroutine-local to the remoteSocket that owns it and needs no locking.
type reassembler struct {
	expectedSeq uint32
	buffer      packetHeap
}

// newReassembler creates a reassembler expecting sequence numbers starting at 1.
func newReassembler() *reassembler {
	return &reassembler{expectedSeq: 1}
}

// feed processes an incoming packet and returns all packets that can now be
// delivered in sequence order. Returns nil if none are ready yet.
func (r *reassembler) feed(pkt *protocol.Packet) []*protocol.Packet {
	if pkt.SeqNum < r.expectedSeq {
		util.LogDebug("origin: socket %08x: stale seq %d (expected %d), dropping",
			pkt.SocketID, pkt.SeqNum, r.expectedSeq)
		return nil
	}

	if pkt.SeqNum > r.expectedSeq {
		heap.Push(&r.buffer, pkt)
		return nil
	}

	result := []*protocol.Packet{pkt}
	r.expectedSeq++

	for r.buffer.Len() > 0 && r.buffer[0].SeqNum == r.expectedSeq {
		result = append(result, heap.Pop(&r.buffer).(*protocol.Packet))
		r.expectedSeq++
	}

	return result
}

type packetHeap []*protocol.Packet

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].SeqNum < h[j].SeqNum }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(*protocol.Packet)) }

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
