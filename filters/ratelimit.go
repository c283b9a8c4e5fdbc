package filters

import (
	"context"
	"fmt"

	"github.com/glimte/mbus-go/contracts"
	"golang.org/x/time/rate"
)

// RateLimit throttles a chain to the limiter's rate, blocking until a token is available
type RateLimit struct {
	limiter *rate.Limiter
}

// NewRateLimit creates a rate limiting stage allowing perSecond messages with the given burst
func NewRateLimit(perSecond float64, burst int) *RateLimit {
	return &RateLimit{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Name implements Stage
func (r *RateLimit) Name() string {
	return "RateLimit"
}

// Process implements Stage
func (r *RateLimit) Process(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Reject, fmt.Errorf("rate limit wait for %s: %w", msg.Type, err)
	}
	return Pass, nil
}
