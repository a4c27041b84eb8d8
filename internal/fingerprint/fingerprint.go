// Package fingerprint extracts the DTLS certificate fingerprint a browser
// or wisp client advertises in its SDP offer, keying Node.Find the way
// spec.md §9's "production implementation" branch resolves the open
// question (the reference source used a debug counter instead).
package fingerprint

import (
	"fmt"
	"strings"
)

// Extract scans sdp line by line for the session- or media-level
// "a=fingerprint:<hash-func> <hex>" attribute and returns the hex digest,
// lowercased and with the colon separators stripped.
//
// A hand-rolled scan rather than pion/sdp/v3's full parse tree: the offer
// is untrusted, arbitrarily large, and this is the one field Node needs —
// building and walking a full SessionDescription for it would be strictly
// more surface for a value one Split() gets just as reliably.
func Extract(sdp string) (string, error) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=fingerprint:") {
			continue
		}
		rest := strings.TrimPrefix(line, "a=fingerprint:")
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			continue
		}
		digest := strings.ToLower(strings.ReplaceAll(fields[1], ":", ""))
		if digest == "" {
			continue
		}
		return digest, nil
	}
	return "", fmt.Errorf("fingerprint: no a=fingerprint line found in offer")
}
