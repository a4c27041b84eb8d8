package capture

import (
	"context"

	"github.com/wisp-vpn/wisp/internal/l3"
)

// Injector is satisfied structurally by *Capture — Pass takes it as an
// interface so it doesn't need to import internal/split's identical shape.
type Injector interface {
	Inject(raw []byte, analyze bool) error
}

// Pass is the identity Internal (spec.md §9's tagged-variant note): used
// when the upstream already terminates the flow itself (an already-NAT'd
// OpenVPN session presented as a loopback interface, say) so Capture just
// forwards bytes without Split's TCP/UDP demultiplexing.
type Pass struct {
	sink Injector
}

// NewPass wraps sink, which receives every packet Capture hands to Send.
func NewPass(sink Injector) *Pass {
	return &Pass{sink: sink}
}

// Send always reports consumed, so Capture.Land also runs Analyze on
// every packet — matching spec.md §4.G's "always analyzes incoming" Pass
// path description applied symmetrically to the outbound side.
func (p *Pass) Send(ctx context.Context, beam *l3.Beam) (bool, error) {
	if err := p.sink.Inject(beam.Bytes(), false); err != nil {
		return false, err
	}
	return true, nil
}
