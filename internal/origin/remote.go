package origin

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/protocol"
	"github.com/wisp-vpn/wisp/internal/punch"
	"github.com/wisp-vpn/wisp/internal/transport"
	"github.com/wisp-vpn/wisp/internal/util"
)

// Remote is an Origin that tunnels TCP connects, UDP datagrams, and HTTPS
// fetches through a WebRTC DataChannel to a remote wisp provider, adapted
// from the teacher's internal/adapter socketID-routing scheme: instead of
// one adapter per accepted local TCP connection, each Split-driven flow or
// Punch opening gets its own socketID multiplexed over a single Transport.
type Remote struct {
	tr *transport.Transport

	nextID atomic.Uint32

	mu    sync.Mutex
	socks map[uint32]*remoteSocket
	grams map[uint32]*remoteDatagramRoute
}

// NewRemote wires dispatch on tr and returns a ready Remote. tr must already
// be signaled (Ready()) by the caller's signaling exchange.
func NewRemote(tr *transport.Transport) *Remote {
	r := &Remote{
		tr:    tr,
		socks: make(map[uint32]*remoteSocket),
		grams: make(map[uint32]*remoteDatagramRoute),
	}
	tr.OnPacket(r.dispatch)
	return r
}

func (r *Remote) dispatch(pkt *protocol.Packet, err error) {
	if err != nil {
		util.LogWarning("origin: remote: decode error: %v", err)
		return
	}

	if pkt.Type == protocol.TypeDatagram {
		r.mu.Lock()
		route, ok := r.grams[pkt.SocketID]
		r.mu.Unlock()
		if !ok {
			util.LogDebug("origin: remote: datagram for unknown route %08x", pkt.SocketID)
			return
		}
		from, payload, err := decodeDatagram(pkt.Payload)
		if err != nil {
			util.LogWarning("origin: remote: malformed datagram: %v", err)
			return
		}
		if err := route.punch.Land(payload, from); err != nil {
			util.LogWarning("origin: remote: land failed: %v", err)
		}
		return
	}

	r.mu.Lock()
	s, ok := r.socks[pkt.SocketID]
	r.mu.Unlock()
	if !ok {
		if pkt.Type != protocol.TypeClose {
			util.LogDebug("origin: remote: packet for unknown socket %08x", pkt.SocketID)
		}
		return
	}
	s.deliver(pkt)
}

// Connect sends a CONNECT carrying "host:port" as payload and returns a
// pipe-backed stream immediately; the remote provider is trusted to dial and
// begin relaying DATA without a separate handshake ack, matching the
// teacher's fire-and-forget CONNECT semantics.
func (r *Remote) Connect(ctx context.Context, host, port string) (io.ReadWriteCloser, error) {
	id := r.nextID.Add(1)
	s := newRemoteSocket(ctx, id, r.tr)

	r.mu.Lock()
	r.socks[id] = s
	r.mu.Unlock()

	go func() {
		<-s.ctx.Done()
		r.mu.Lock()
		delete(r.socks, id)
		r.mu.Unlock()
	}()

	target := fmt.Sprintf("%s:%s", host, port)
	r.tr.SendConnect(id, s.seq.next(), []byte(target))
	return s, nil
}

// Unlid registers a datagram route and returns a Punch whose Opening relays
// outbound payloads as TypeDatagram packets address-prefixed with the
// intended target, and whose inbound Land calls come from dispatch above.
func (r *Remote) Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error) {
	id := r.nextID.Add(1)

	opening := &remoteOpening{id: id, tr: r.tr}
	p := punch.New(source, opening, hole)

	r.mu.Lock()
	r.grams[id] = &remoteDatagramRoute{id: id, punch: p}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.grams, id)
		r.mu.Unlock()
	}()

	return p, nil
}

// Fetch is unsupported for Remote: a WebRTC DataChannel is not an HTTP
// transport, and no example in the pack wraps one as an http.RoundTripper.
// Callers needing HTTPS convenience requests through a remote wisp provider
// should Connect and speak HTTP over the returned stream directly.
func (r *Remote) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	return nil, fmt.Errorf("origin: remote: Fetch not supported, use Connect and speak HTTP directly")
}

// ---------------------------------------------------------------------------
// remoteSocket
// ---------------------------------------------------------------------------

// remoteSocket is one CONNECT-keyed TCP stream multiplexed over the shared
// Transport, exposed to Split/callers as a plain io.ReadWriteCloser.
type remoteSocket struct {
	id  uint32
	tr  *transport.Transport
	seq seqGen
	rea *reassembler

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newRemoteSocket(parent context.Context, id uint32, tr *transport.Transport) *remoteSocket {
	ctx, cancel := context.WithCancel(parent)
	pr, pw := io.Pipe()
	return &remoteSocket{
		id:     id,
		tr:     tr,
		rea:    newReassembler(),
		ctx:    ctx,
		cancel: cancel,
		pr:     pr,
		pw:     pw,
	}
}

func (s *remoteSocket) deliver(pkt *protocol.Packet) {
	for _, d := range s.rea.feed(pkt) {
		switch d.Type {
		case protocol.TypeData:
			if _, err := s.pw.Write(d.Payload); err != nil {
				return
			}
		case protocol.TypeClose:
			s.pw.CloseWithError(io.EOF)
			s.cancel()
			return
		}
	}
}

func (s *remoteSocket) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *remoteSocket) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	s.tr.SendData(s.id, s.seq.next(), payload)
	return len(p), nil
}

func (s *remoteSocket) Close() error {
	s.once.Do(func() {
		s.tr.SendClose(s.id, s.seq.next())
		s.pw.Close()
		s.pr.Close()
		s.cancel()
	})
	return nil
}

// ---------------------------------------------------------------------------
// UDP datagram relay
// ---------------------------------------------------------------------------

type remoteDatagramRoute struct {
	id    uint32
	punch *punch.Punch
}

// remoteOpening implements punch.Opening by relaying each outbound payload
// as a TypeDatagram packet, address-prefixed so the remote end knows where
// to actually send it on the real network.
type remoteOpening struct {
	id  uint32
	tr  *transport.Transport
	seq seqGen
}

func (o *remoteOpening) Send(ctx context.Context, payload []byte, target l3.Socket) error {
	body := encodeDatagram(target, payload)
	o.tr.Send(&protocol.Packet{
		Type:     protocol.TypeDatagram,
		SocketID: o.id,
		SeqNum:   o.seq.next(),
		Payload:  body,
	})
	return nil
}

func (o *remoteOpening) Close() error { return nil }

// encodeDatagram prefixes payload with the 4-byte IPv4 address and 2-byte
// port of sock, matching TypeDatagram's "address-prefixed payload" framing.
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
		return l3.Socket{}, nil, fmt.Errorf("origin: datagram too short: %d bytes", len(raw))
	}
	var addr [4]byte
	copy(addr[:], raw[0:4])
	port := binary.BigEndian.Uint16(raw[4:6])
	sock := l3.Socket{Host: netip.AddrFrom4(addr), Port: port}
	return sock, raw[6:], nil
}
