package egress

import (
	"context"
	"errors"
	"testing"
)

func TestLoopbackEchoesAndCopies(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out, err := (Loopback{}).Forward(context.Background(), in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("Forward = %v, want %v", out, in)
	}

	// Mutating the input after the call must not affect the returned slice.
	in[0] = 0xFF
	if out[0] == 0xFF {
		t.Fatal("Loopback.Forward returned an alias of the input slice")
	}
}

func TestOpenVPNSessionForwardsAndReturnsReply(t *testing.T) {
	var sent []byte
	recv := make(chan []byte, 1)
	recv <- []byte{9, 9}

	sess := NewOpenVPNSession(func(ctx context.Context, packet []byte) error {
		sent = packet
		return nil
	}, recv)

	reply, err := sess.Forward(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(sent) != 1 || sent[0] != 1 {
		t.Errorf("send received %v, want [1]", sent)
	}
	if len(reply) != 2 || reply[0] != 9 {
		t.Errorf("Forward reply = %v, want [9 9]", reply)
	}
}

func TestOpenVPNSessionSendError(t *testing.T) {
	sess := NewOpenVPNSession(func(ctx context.Context, packet []byte) error {
		return errors.New("boom")
	}, make(chan []byte))

	if _, err := sess.Forward(context.Background(), []byte{1}); err == nil {
		t.Fatal("expected error from failing send")
	}
}

func TestOpenVPNSessionContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess := NewOpenVPNSession(func(ctx context.Context, packet []byte) error {
		return nil
	}, make(chan []byte))

	if _, err := sess.Forward(ctx, []byte{1}); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
