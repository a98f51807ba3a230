package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited throttles sends through a token bucket. A send whose context ends
// while waiting for a token fails and is left for the retry policy.
type Limited struct {
	next    Dispatcher
	limiter *rate.Limiter
}

// NewLimited allows perSecond sustained sends with the given burst (at
// least 1).
func NewLimited(next Dispatcher, perSecond float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Send(ctx context.Context, msg Message) Reply {
	if err := l.limiter.Wait(ctx); err != nil {
		return Failed(fmt.Errorf("rate limit: %w", err))
	}
	return l.next.Send(ctx, msg)
}

// Cancel is not throttled.
func (l *Limited) Cancel(ctx context.Context, msg Message) error {
	return l.next.Cancel(ctx, msg)
}
