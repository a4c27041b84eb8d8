package origin

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/punch"
)

// Local is an Origin that dials the real network directly — used for
// host-side testing (an upstream echo server reachable from this process)
// and for a server Node whose upstream is already terminated locally
// (e.g. an OpenVPN session presented as a loopback interface).
type Local struct {
	dialer net.Dialer
	client *http.Client
}

func NewLocal() *Local {
	return &Local{client: &http.Client{}}
}

func (l *Local) Connect(ctx context.Context, host, port string) (io.ReadWriteCloser, error) {
	conn, err := l.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("origin: local connect %s:%s: %w", host, port, err)
	}
	return conn, nil
}

func (l *Local) Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("origin: local unlid: %w", err)
	}
	opening := &localOpening{conn: conn}
	p := punch.New(source, opening, hole)
	go opening.readLoop(p)
	return p, nil
}

func (l *Local) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	return fetch(ctx, l.client, method, url, headers, body)
}

// localOpening is a real UDP socket bound to a kernel-chosen port.
type localOpening struct {
	conn *net.UDPConn
}

func (o *localOpening) Send(ctx context.Context, payload []byte, target l3.Socket) error {
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(target.Host, target.Port))
	_, err := o.conn.WriteToUDP(payload, addr)
	return err
}

func (o *localOpening) Close() error {
	return o.conn.Close()
}

func (o *localOpening) readLoop(p *punch.Punch) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := o.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		from := l3.Socket{Host: addr.Addr(), Port: addr.Port()}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		_ = p.Land(payload, from)
	}
}
