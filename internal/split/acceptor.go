package split

import (
	"context"
	"net"
	"net/netip"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
)

// acceptLoop is the Acceptor: a locally bound TCP listener on local_. When
// the host kernel completes the handshake with a synthesised ephemeral
// socket, the accepted connection's remote address is that ephemeral socket
// (spec.md §4.F) — it keys the flows_ lookup that assigns flow.down and
// opens the Flow.
func (s *Split) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.acceptor.Close()
	}()

	for {
		conn, err := s.acceptor.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				util.LogWarning("split: acceptor accept error: %v", err)
				return
			}
		}

		remote, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			conn.Close()
			continue
		}
		addr, ok := netip.AddrFromSlice(remote.IP.To4())
		if !ok {
			conn.Close()
			continue
		}
		socket := l3.Socket{Host: addr, Port: uint16(remote.Port)}

		unlock, lerr := s.mu.Lock(ctx)
		if lerr != nil {
			conn.Close()
			return
		}
		flow, ok := s.flows[socket]
		unlock()

		if !ok {
			util.LogDebug("split: acceptor: no pending flow for %s, dropping connection", socket)
			conn.Close()
			continue
		}
		flow.SetDown(ctx, conn)
	}
}
