// Package node implements the server side of the signalling protocol:
// Node accepts SDP offers over HTTPS, finds-or-builds a per-fingerprint
// Client, and each Client bridges its DataChannel's CONNECT/DATA/CLOSE and
// TypeDatagram frames into the shared Egress-backed Origin (spec.md §4.H).
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wisp-vpn/wisp/internal/origin"
	"github.com/wisp-vpn/wisp/internal/protocol"
	"github.com/wisp-vpn/wisp/internal/runtime"
	"github.com/wisp-vpn/wisp/internal/transport"
	"github.com/wisp-vpn/wisp/internal/util"
)

// answerTimeout bounds how long Respond waits for ICE gathering to settle
// before answering with whatever candidates it has — spec.md's HTTP
// request/response signalling has no trickle-ICE follow-up, so the answer
// must carry every candidate it will ever offer.
const answerTimeout = 5 * time.Second

// Client is one negotiated peer: a live Transport plus the socketID/
// datagram routing state that bridges its DataChannel into org.
type Client struct {
	fingerprint string
	org         origin.Origin

	mu    sync.Mutex
	tr    *transport.Transport
	socks map[uint32]*hostSocket
	grams *datagramRouter
}

func newClient(fingerprint string, org origin.Origin) *Client {
	return &Client{
		fingerprint: fingerprint,
		org:         org,
		socks:       make(map[uint32]*hostSocket),
	}
}

// Respond negotiates one SDP offer/answer exchange: builds a fresh
// Transport, applies offer as the remote description, creates an answer,
// waits for ICE gathering to complete so the answer is self-contained, and
// wires DataChannel dispatch before returning the answer SDP text.
func (c *Client) Respond(ctx context.Context, offer string) (string, error) {
	tr, err := transport.NewTransport(ctx)
	if err != nil {
		return "", fmt.Errorf("node: new transport: %w", err)
	}

	if err := tr.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		tr.Close()
		return "", fmt.Errorf("node: set remote description: %w", err)
	}

	answer, err := tr.CreateAnswer()
	if err != nil {
		tr.Close()
		return "", fmt.Errorf("node: create answer: %w", err)
	}

	gatherComplete := make(chan struct{})
	var once sync.Once
	tr.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			once.Do(func() { close(gatherComplete) })
		}
	})

	if err := tr.SetLocalDescription(answer); err != nil {
		tr.Close()
		return "", fmt.Errorf("node: set local description: %w", err)
	}

	timedOut := make(chan struct{})
	runtime.Go(ctx, func(ctx context.Context) error {
		if err := runtime.Sleep(ctx, answerTimeout); err != nil {
			return nil // ctx cancelled — gatherComplete or the outer select's ctx.Done() already wins
		}
		close(timedOut)
		return nil
	})

	select {
	case <-gatherComplete:
	case <-timedOut:
		util.LogWarning("node: %s: ICE gathering timed out, answering with partial candidates", c.fingerprint)
	case <-ctx.Done():
		tr.Close()
		return "", ctx.Err()
	}

	c.mu.Lock()
	c.tr = tr
	c.grams = newDatagramRouter(tr, c.org)
	c.mu.Unlock()

	tr.OnPacket(func(pkt *protocol.Packet, err error) {
		if err != nil {
			util.LogWarning("node: %s: decode error: %v", c.fingerprint, err)
			return
		}
		c.dispatch(ctx, pkt)
	})

	util.LogInfo("node: %s: SDP negotiated, awaiting DataChannel", c.fingerprint)
	return tr.LocalDescription().SDP, nil
}

func (c *Client) dispatch(ctx context.Context, pkt *protocol.Packet) {
	if pkt.Type == protocol.TypeDatagram {
		c.mu.Lock()
		grams := c.grams
		c.mu.Unlock()
		grams.deliver(ctx, pkt)
		return
	}

	c.mu.Lock()
	s, ok := c.socks[pkt.SocketID]
	tr := c.tr
	c.mu.Unlock()

	if !ok {
		if pkt.Type != protocol.TypeConnect {
			return
		}
		host, port, err := splitHostPort(pkt.Payload)
		if err != nil {
			util.LogWarning("node: %s: malformed CONNECT: %v", c.fingerprint, err)
			return
		}
		s = newHostSocket(ctx, pkt.SocketID, tr, c.org)
		c.mu.Lock()
		c.socks[pkt.SocketID] = s
		c.mu.Unlock()
		runtime.Go(ctx, func(context.Context) error {
			<-s.ctx.Done()
			c.mu.Lock()
			delete(c.socks, pkt.SocketID)
			c.mu.Unlock()
			return nil
		})
		runtime.Go(ctx, func(context.Context) error {
			s.run(host, port)
			return nil
		})
		return
	}
	s.deliver(pkt)
}

// splitHostPort parses a CONNECT payload of the form "host:port" — the
// wire format internal/origin.Remote.Connect writes.
func splitHostPort(payload []byte) (host, port string, err error) {
	s := string(payload)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("no ':' in CONNECT payload %q", s)
}
