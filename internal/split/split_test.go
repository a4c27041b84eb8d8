package split

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/punch"
)

// buildSYN serializes a minimal IPv4/TCP SYN packet, mirroring the shape
// internal/l3's own forge_test.go builds for the same purpose.
func buildSYN(t *testing.T, four l3.Four) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    four.Source.Host.AsSlice(),
		DstIP:    four.Target.Host.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(four.Source.Port),
		DstPort: layers.TCPPort(four.Target.Port),
		Seq:     1,
		SYN:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

type connectCall struct{ host, port string }

// fakeOrigin is a minimal origin.Origin: TCP Connect is scripted, Unlid/Fetch
// are unused by these tests and simply error.
type fakeOrigin struct {
	connectCalls chan connectCall
	connectErr   error
	conn         io.ReadWriteCloser
}

func (f *fakeOrigin) Connect(ctx context.Context, host, port string) (io.ReadWriteCloser, error) {
	f.connectCalls <- connectCall{host, port}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.conn, nil
}

func (f *fakeOrigin) Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error) {
	return nil, fmt.Errorf("fakeOrigin: Unlid not supported")
}

func (f *fakeOrigin) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	return nil, fmt.Errorf("fakeOrigin: Fetch not supported")
}

// fakeConn is a no-op upstream half for Flow.SetUp.
type fakeConn struct{}

func (fakeConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (fakeConn) Close() error                { return nil }

// fakeInjector records every packet Split hands back toward the host.
type fakeInjector struct {
	mu      sync.Mutex
	injects [][]byte
}

func (f *fakeInjector) Inject(raw []byte, analyze bool) error {
	f.mu.Lock()
	f.injects = append(f.injects, append([]byte(nil), raw...))
	f.mu.Unlock()
	return nil
}

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injects)
}

func (f *fakeInjector) at(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injects[i]
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func testFour(t *testing.T) l3.Four {
	t.Helper()
	src, err := netip.ParseAddr("10.0.0.5")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	dst, err := netip.ParseAddr("93.184.216.34")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	return l3.Four{Source: l3.Socket{Host: src, Port: 12345}, Target: l3.Socket{Host: dst, Port: 80}}
}

// TestSendTCPSYNMapsEphemeralAndCallsConnect is scenario 1: a host-originated
// SYN inserts both NAT-table entries synchronously, before Origin.Connect
// even runs, and Connect is invoked against the SYN's original target.
func TestSendTCPSYNMapsEphemeralAndCallsConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fo := &fakeOrigin{connectCalls: make(chan connectCall, 1), conn: fakeConn{}}
	fi := &fakeInjector{}
	sp := New(fo, fi, nil)

	if err := sp.Connect(ctx, netip.MustParseAddr("127.0.0.1")); err != nil {
		t.Fatalf("split.Connect: %v", err)
	}

	four := testFour(t)
	beam := l3.WrapBeam(buildSYN(t, four))

	consumed, err := sp.Send(ctx, beam)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !consumed {
		t.Fatal("expected SYN to be reported consumed")
	}

	unlock, err := sp.mu.Lock(ctx)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ephemeral, ok := sp.ephemerals[four]
	_, flowOK := sp.flows[ephemeral]
	unlock()
	if !ok || !flowOK {
		t.Fatal("expected ephemeral and flow NAT entries to exist synchronously after the SYN")
	}

	select {
	case call := <-fo.connectCalls:
		if call.host != "93.184.216.34" || call.port != "80" {
			t.Fatalf("Connect(%s, %s), want (93.184.216.34, 80)", call.host, call.port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Origin.Connect was never called")
	}
}

// TestSendTCPSYNConnectFailureSynthesizesRSTAndClearsMapping is scenario 2:
// when the async Connect fails, Split must inject a synthesized RST toward
// the host and leave no NAT entry behind for the failed flow.
func TestSendTCPSYNConnectFailureSynthesizesRSTAndClearsMapping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fo := &fakeOrigin{connectCalls: make(chan connectCall, 1), connectErr: fmt.Errorf("connection refused")}
	fi := &fakeInjector{}
	sp := New(fo, fi, nil)

	if err := sp.Connect(ctx, netip.MustParseAddr("127.0.0.1")); err != nil {
		t.Fatalf("split.Connect: %v", err)
	}

	four := testFour(t)
	beam := l3.WrapBeam(buildSYN(t, four))

	if _, err := sp.Send(ctx, beam); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-fo.connectCalls:
	case <-time.After(2 * time.Second):
		t.Fatal("Origin.Connect was never called")
	}

	waitForCondition(t, 2*time.Second, func() bool { return fi.count() > 0 })

	beam2 := l3.WrapBeam(fi.at(0))
	span2, err := beam2.Span()
	if err != nil {
		t.Fatalf("parse injected packet: %v", err)
	}
	if !span2.TCP().RST {
		t.Fatal("expected the injected packet to carry the RST flag")
	}

	unlock, err := sp.mu.Lock(ctx)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, ephemeralLeft := sp.ephemerals[four]
	unlock()
	if ephemeralLeft {
		t.Fatal("expected the ephemeral NAT entry to be removed after a failed Connect")
	}
}
