// Package egress is the server-side sink Node's Clients forward decapsulated
// IPv4 packets into — spec.md §6's "a sink that accepts forwarded IPv4
// packets and returns response packets; on the reference implementation
// this is an OpenVPN session to an upstream exit."
package egress

import (
	"context"
	"fmt"
)

// Egress accepts one forwarded IPv4 packet and returns the response packet
// the upstream produced, if any (nil, nil for "no reply yet").
type Egress interface {
	Forward(ctx context.Context, packet []byte) ([]byte, error)
}

// Loopback echoes every packet back unchanged — a test double standing in
// for a real upstream, and the default Egress a Node is constructed with
// before SetEgress installs the real OpenVPN-backed one.
type Loopback struct{}

func (Loopback) Forward(ctx context.Context, packet []byte) ([]byte, error) {
	echoed := make([]byte, len(packet))
	copy(echoed, packet)
	return echoed, nil
}

// OpenVPNSession adapts an already-established OpenVPN client session
// (the handshake itself — credentials, TLS, key exchange — is out of scope
// per spec.md §1) into an Egress: packets go in over send, replies come
// back over the recv channel.
type OpenVPNSession struct {
	send func(ctx context.Context, packet []byte) error
	recv <-chan []byte
}

// NewOpenVPNSession wraps the send/recv primitives an out-of-scope OpenVPN
// client implementation would supply once its handshake has completed.
func NewOpenVPNSession(send func(ctx context.Context, packet []byte) error, recv <-chan []byte) *OpenVPNSession {
	return &OpenVPNSession{send: send, recv: recv}
}

func (o *OpenVPNSession) Forward(ctx context.Context, packet []byte) ([]byte, error) {
	if err := o.send(ctx, packet); err != nil {
		return nil, fmt.Errorf("egress: openvpn send: %w", err)
	}
	select {
	case reply := <-o.recv:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
