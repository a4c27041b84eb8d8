package node

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wisp-vpn/wisp/internal/origin"
	"github.com/wisp-vpn/wisp/internal/protocol"
	"github.com/wisp-vpn/wisp/internal/transport"
	"github.com/wisp-vpn/wisp/internal/util"
)

// maxPayloadSize bounds one DATA packet's payload, matching the teacher's
// adapter tuning constant.
const maxPayloadSize = 16 * 1024

// hostSocket is the server-side mirror of internal/origin.remoteSocket: one
// socketID's lifecycle on a Client's DataChannel, adapted from the
// teacher's adapter.Socket.runAsHost state machine but dialing through an
// Origin (the shared upstream egress) instead of a fixed net.Dial target,
// since each CONNECT names its own host:port in its payload.
type hostSocket struct {
	id  uint32
	tr  *transport.Transport
	org origin.Origin

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan *protocol.Packet
	seq   atomic.Uint32

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

func newHostSocket(parentCtx context.Context, id uint32, tr *transport.Transport, org origin.Origin) *hostSocket {
	ctx, cancel := context.WithCancel(parentCtx)
	return &hostSocket{
		id:     id,
		tr:     tr,
		org:    org,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *protocol.Packet, 64),
	}
}

func (s *hostSocket) deliver(pkt *protocol.Packet) {
	select {
	case s.inbox <- pkt:
	default:
		util.LogWarning("node: socket %08x inbox full, dropping packet", s.id)
	}
}

// run is the socket's whole lifecycle: wait for CONNECT (dial host:port via
// Origin), then bridge DATA both ways until CLOSE or context cancellation.
func (s *hostSocket) run(host, port string) {
	defer s.cleanup()

	conn, err := s.org.Connect(s.ctx, host, port)
	if err != nil {
		util.LogWarning("node: socket %08x connect %s:%s failed: %v", s.id, host, port, err)
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.pumpToDataChannel()

	for {
		select {
		case pkt := <-s.inbox:
			switch pkt.Type {
			case protocol.TypeData:
				if _, err := conn.Write(pkt.Payload); err != nil {
					util.LogDebug("node: socket %08x write error: %v", s.id, err)
					return
				}
			case protocol.TypeClose:
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *hostSocket) pumpToDataChannel() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.tr.SendData(s.id, s.seq.Add(1), payload)
		}
		if err != nil {
			s.cleanup()
			return
		}
	}
}

func (s *hostSocket) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.tr.SendClose(s.id, s.seq.Add(1))
	})
}
