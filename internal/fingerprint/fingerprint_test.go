package fingerprint

import "testing"

const sampleOffer = `v=0
o=- 46117317 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0
m=application 9 UDP/DTLS/SCTP webrtc-datachannel
c=IN IP4 0.0.0.0
a=ice-ufrag:abcd
a=ice-pwd:0123456789abcdef0123456789
a=fingerprint:sha-256 AB:CD:12:34:EF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99
a=setup:actpass
a=mid:0
a=sctp-port:5000
`

func TestExtractLowercasesAndStripsColons(t *testing.T) {
	got, err := Extract(sampleOffer)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := "ab" + "cd1234ef00112233445566778899aabbccddeeff0011223344556677" + "8899"
	if got != want {
		t.Errorf("Extract = %q, want %q", got, want)
	}
}

func TestExtractNoFingerprintLine(t *testing.T) {
	if _, err := Extract("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"); err == nil {
		t.Fatal("expected error for SDP with no fingerprint line")
	}
}

func TestExtractIgnoresCase(t *testing.T) {
	sdp := "a=fingerprint:sha-256 AA:BB:CC\n"
	got, err := Extract(sdp)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "aabbcc" {
		t.Errorf("Extract = %q, want %q", got, "aabbcc")
	}
}
