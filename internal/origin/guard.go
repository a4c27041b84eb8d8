package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/punch"
)

// Guard wraps another Origin with a rate limit on new Connect attempts,
// bounding how fast a single flow-mapping loop can open outbound TCP
// connections through it — the "Guard" variant spec.md §9 names alongside
// Local/Remote without spelling out its throttling policy.
type Guard struct {
	inner   Origin
	limiter *rate.Limiter
}

// NewGuard wraps inner with a token-bucket limiter allowing burst Connect
// calls immediately and refilling at r per second thereafter.
func NewGuard(inner Origin, r rate.Limit, burst int) *Guard {
	return &Guard{inner: inner, limiter: rate.NewLimiter(r, burst)}
}

func (g *Guard) Connect(ctx context.Context, host, port string) (io.ReadWriteCloser, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("origin: guard: rate limited: %w", err)
	}
	return g.inner.Connect(ctx, host, port)
}

func (g *Guard) Unlid(ctx context.Context, source l3.Socket, hole punch.Hole) (*punch.Punch, error) {
	return g.inner.Unlid(ctx, source, hole)
}

func (g *Guard) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	return g.inner.Fetch(ctx, method, url, headers, body)
}
