package origin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// fetch is the shared HTTPS convenience-request implementation for Origin
// variants that route Fetch through a plain *http.Client (Local). Guard
// delegates Fetch to the Origin it wraps; Remote returns an error, since a
// WebRTC data channel is not itself an HTTP transport.
func fetch(ctx context.Context, client *http.Client, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("origin: build request: %w", err)
	}
	req.Header = headers
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin: fetch %s: %w", url, err)
	}
	return resp, nil
}
