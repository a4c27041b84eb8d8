// Package origin implements the client-side Origin capability: outbound
// TCP connect, UDP opening, and HTTPS fetch, tunneled through whichever
// egress the client chose (a remote wisp provider over WebRTC, or a direct
// local dial for testing/host-terminated setups). spec.md §9 calls out
// several tagged variants (Local, Remote, Guard, WebRTC client) rather than
// a class hierarchy — realised here as small structs implementing one
// interface.
package origin

import (
	"context"
	"io"
	"net/http"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/punch"
)

// Origin is the capability spec.md §6 names: TCP connect, UDP opening, and
// an HTTPS convenience fetch, all routed through whatever the concrete
// Origin tunnels to.
type Origin interface {
	// Connect establishes a TCP byte stream to host:port over the egress
	// and returns it as out.
	Connect(ctx context.Context, host, port string) (out io.ReadWriteCloser, err error)
	// Unlid binds a new datagram Opening; incoming datagrams are delivered
	// to hole via the returned Punch (internal/punch.New wires this up).
	Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error)
	// Fetch is a convenience HTTPS request over the egress.
	Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error)
}
