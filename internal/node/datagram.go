package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/protocol"
	"github.com/wisp-vpn/wisp/internal/punch"
	"github.com/wisp-vpn/wisp/internal/transport"
	"github.com/wisp-vpn/wisp/internal/util"
)

// datagramRouter is the server-side mirror of internal/origin's datagram
// relay: it turns incoming TypeDatagram frames into origin.Unlid-backed
// Punches so the Client can actually reach real UDP destinations, and
// turns whatever comes back into outbound TypeDatagram frames addressed
// back to the client's socketID.
type datagramRouter struct {
	tr  *transport.Transport
	org interface {
		Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error)
	}

	mu     sync.Mutex
	routes map[uint32]*punch.Punch
	seq    atomic.Uint32
}

func newDatagramRouter(tr *transport.Transport, org interface {
	Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error)
}) *datagramRouter {
	return &datagramRouter{tr: tr, org: org, routes: make(map[uint32]*punch.Punch)}
}

// deliver handles one inbound TypeDatagram frame: the payload is
// address-prefixed with the client's intended target; on first sight of a
// socketID this opens a Punch via Origin.Unlid bound to a synthetic source
// keyed by socketID (there is no real host-side socket on the server, so
// the socketID itself stands in for the NAT key).
func (r *datagramRouter) deliver(ctx context.Context, pkt *protocol.Packet) {
	target, payload, err := decodeDatagram(pkt.Payload)
	if err != nil {
		util.LogWarning("node: malformed datagram from socket %08x: %v", pkt.SocketID, err)
		return
	}

	r.mu.Lock()
	p, ok := r.routes[pkt.SocketID]
	r.mu.Unlock()

	if !ok {
		source := l3.Socket{Host: netip.IPv4Unspecified(), Port: uint16(pkt.SocketID)}
		hole := &datagramHole{tr: r.tr, socketID: pkt.SocketID, seq: &r.seq}
		var uerr error
		p, uerr = r.org.Unlid(ctx, source, hole)
		if uerr != nil {
			util.LogWarning("node: unlid for socket %08x failed: %v", pkt.SocketID, uerr)
			return
		}
		r.mu.Lock()
		r.routes[pkt.SocketID] = p
		r.mu.Unlock()
	}

	if err := p.Send(ctx, payload, target); err != nil {
		util.LogWarning("node: datagram send to %s failed: %v", target, err)
	}
}

// datagramHole implements punch.Hole by re-encoding the return payload as a
// TypeDatagram frame back to the owning socketID, mirroring the framing
// internal/origin.Remote's opening uses for the outbound direction.
type datagramHole struct {
	tr       *transport.Transport
	socketID uint32
	seq      *atomic.Uint32
}

func (h *datagramHole) Land(payload []byte, from, to l3.Socket) error {
	h.tr.Send(&protocol.Packet{
		Type:     protocol.TypeDatagram,
		SocketID: h.socketID,
		SeqNum:   h.seq.Add(1),
		Payload:  encodeDatagram(from, payload),
	})
	return nil
}

func encodeDatagram(sock l3.Socket, payload []byte) []byte {
	out := make([]byte, 6+len(payload))
	addr := sock.Host.As4()
	copy(out[0:4], addr[:])
	binary.BigEndian.PutUint16(out[4:6], sock.Port)
	copy(out[6:], payload)
	return out
}

func decodeDatagram(raw []byte) (l3.Socket, []byte, error) {
	if len(raw) < 6 {
		return l3.Socket{}, nil, fmt.Errorf("node: datagram too short: %d bytes", len(raw))
	}
	var addr [4]byte
	copy(addr[:], raw[0:4])
	port := binary.BigEndian.Uint16(raw[4:6])
	return l3.Socket{Host: netip.AddrFrom4(addr), Port: port}, raw[6:], nil
}
