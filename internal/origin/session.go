package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/wisp-vpn/wisp/internal/egress"
	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/punch"
)

// EgressSession is an Origin backed by a server-side egress.Egress sink
// (spec.md §6's "Egress (server side)... on the reference implementation
// this is an OpenVPN session to an upstream exit"). Connect frames each
// Write as one forwarded packet through Forward and treats the reply as
// the read side — adequate for request/response upstreams; a
// stream-continuous protocol needs a real byte-oriented tunnel instead,
// which is why SessionOrigin (NewWireGuardOrigin/NewOpenVPNOrigin) exists
// as the alternative.
type EgressSession struct {
	eg egress.Egress
}

// NewEgressSession wraps eg as an Origin.
func NewEgressSession(eg egress.Egress) *EgressSession {
	return &EgressSession{eg: eg}
}

func (e *EgressSession) Connect(ctx context.Context, host, port string) (io.ReadWriteCloser, error) {
	return &egressStream{ctx: ctx, eg: e.eg}, nil
}

func (e *EgressSession) Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error) {
	return nil, fmt.Errorf("origin: egress session has no datagram opening")
}

func (e *EgressSession) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	return nil, fmt.Errorf("origin: egress session does not support Fetch")
}

// egressStream turns each Write into one Egress.Forward call and buffers
// the reply for the next Read.
type egressStream struct {
	ctx context.Context
	eg  egress.Egress
	buf []byte
}

func (s *egressStream) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *egressStream) Write(p []byte) (int, error) {
	reply, err := s.eg.Forward(s.ctx, p)
	if err != nil {
		return 0, fmt.Errorf("origin: egress forward: %w", err)
	}
	s.buf = append(s.buf, reply...)
	return len(p), nil
}

func (s *egressStream) Close() error { return nil }

// SessionOrigin is a thin Origin adapter over an already-established
// tunnel session (a WireGuard or OpenVPN handshake — out of scope per
// spec.md §1): Connect returns the same session regardless of host/port,
// since the tunnel is a single pre-negotiated upstream, not something
// this process multiplexes per destination.
type SessionOrigin struct {
	session io.ReadWriteCloser
	kind    string
}

// NewWireGuardOrigin wraps an already-connected WireGuard tunnel session.
func NewWireGuardOrigin(session io.ReadWriteCloser) *SessionOrigin {
	return &SessionOrigin{session: session, kind: "wireguard"}
}

// NewOpenVPNOrigin wraps an already-connected OpenVPN tunnel session.
func NewOpenVPNOrigin(session io.ReadWriteCloser) *SessionOrigin {
	return &SessionOrigin{session: session, kind: "openvpn"}
}

func (s *SessionOrigin) Connect(ctx context.Context, host, port string) (io.ReadWriteCloser, error) {
	return s.session, nil
}

func (s *SessionOrigin) Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error) {
	return nil, fmt.Errorf("origin: %s session has no per-source datagram opening", s.kind)
}

func (s *SessionOrigin) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	return nil, fmt.Errorf("origin: %s session does not support Fetch", s.kind)
}
