package punch

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/wisp-vpn/wisp/internal/l3"
)

type holeFunc func(payload []byte, from, to l3.Socket) error

func (f holeFunc) Land(payload []byte, from, to l3.Socket) error { return f(payload, from, to) }

type sendRecordingOpening struct {
	payload []byte
	target  l3.Socket
}

func (o *sendRecordingOpening) Send(ctx context.Context, payload []byte, target l3.Socket) error {
	o.payload = append([]byte(nil), payload...)
	o.target = target
	return nil
}

func (o *sendRecordingOpening) Close() error { return nil }

// TestPunchLandReencapsulatesWithRememberedSource confirms Land re-addresses
// a returning datagram to the Punch's remembered host-side source, not the
// wire address it actually arrived from.
func TestPunchLandReencapsulatesWithRememberedSource(t *testing.T) {
	source := l3.Socket{Host: netip.MustParseAddr("10.0.0.5"), Port: 4000}
	wireSrc := l3.Socket{Host: netip.MustParseAddr("93.184.216.34"), Port: 80}

	var gotPayload []byte
	var gotFrom, gotTo l3.Socket
	hole := holeFunc(func(payload []byte, from, to l3.Socket) error {
		gotPayload = payload
		gotFrom = from
		gotTo = to
		return nil
	})

	p := New(source, &sendRecordingOpening{}, hole)
	if err := p.Land([]byte("reply"), wireSrc); err != nil {
		t.Fatalf("Land: %v", err)
	}

	if string(gotPayload) != "reply" {
		t.Fatalf("Land payload = %q, want %q", gotPayload, "reply")
	}
	if gotFrom != wireSrc {
		t.Fatalf("Land from = %s, want %s", gotFrom, wireSrc)
	}
	if gotTo != source {
		t.Fatalf("Land to = %s, want the Punch's remembered source %s", gotTo, source)
	}
}

// TestPunchSendForwardsToOpeningAndTouches confirms Send both forwards the
// payload/target to the Opening and marks the Punch as recently used.
func TestPunchSendForwardsToOpeningAndTouches(t *testing.T) {
	source := l3.Socket{Host: netip.MustParseAddr("10.0.0.5"), Port: 4000}
	target := l3.Socket{Host: netip.MustParseAddr("8.8.8.8"), Port: 53}
	opening := &sendRecordingOpening{}
	p := New(source, opening, holeFunc(func([]byte, l3.Socket, l3.Socket) error { return nil }))

	if err := p.Send(context.Background(), []byte("query"), target); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if string(opening.payload) != "query" {
		t.Fatalf("Opening.Send payload = %q, want %q", opening.payload, "query")
	}
	if opening.target != target {
		t.Fatalf("Opening.Send target = %s, want %s", opening.target, target)
	}
	if p.Idle(time.Hour) {
		t.Fatal("expected Send to refresh lastUsed, so the Punch is not idle relative to a long maxAge")
	}
}
