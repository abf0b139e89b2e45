package utils

import (
	"context"
	"time"
)

// RateLimiter implements token bucket rate limiting for outbound backend calls.
type RateLimiter struct {
	tokens       chan struct{}
	refillRate   time.Duration
	maxTokens    int
	refillTicker *time.Ticker
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(requestsPerSecond float64, maxBurst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1.0
	}
	if maxBurst <= 0 {
		maxBurst = 10
	}

	refillInterval := time.Duration(float64(time.Second) / requestsPerSecond)
	rl := &RateLimiter{
		tokens:     make(chan struct{}, maxBurst),
		refillRate: refillInterval,
		maxTokens:  maxBurst,
	}

	for i := 0; i < maxBurst; i++ {
		rl.tokens <- struct{}{}
	}

	rl.refillTicker = time.NewTicker(refillInterval)
	go func() {
		for range rl.refillTicker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return rl
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait attempts to acquire a token without blocking.
func (rl *RateLimiter) TryWait() bool {
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// Stop stops the refill goroutine's ticker.
func (rl *RateLimiter) Stop() {
	if rl.refillTicker != nil {
		rl.refillTicker.Stop()
	}
}

// Per-backend limiters. Chat backends are called synchronously per inbound
// message, so generous defaults only guard against rapid-fire probe loops.
var (
	directRateLimiter  = NewRateLimiter(10.0, 20)
	cozeRateLimiter    = NewRateLimiter(5.0, 10)
	defaultRateLimiter = NewRateLimiter(10.0, 20)
)

// GetRateLimiter returns the limiter for a backend name.
func GetRateLimiter(backend string) *RateLimiter {
	switch backend {
	case "llm_direct":
		return directRateLimiter
	case "coze":
		return cozeRateLimiter
	default:
		return defaultRateLimiter
	}
}
