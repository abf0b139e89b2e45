// Package utils provides common helpers shared by the relay components.
package utils

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines the configuration for retry logic using backoff/v4.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns a standard retry configuration for transport-level
// failures (connection resets, 5xx responses).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NewExponentialBackOff creates a backoff.ExponentialBackOff from RetryConfig.
func (rc RetryConfig) NewExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialDelay
	b.MaxInterval = rc.MaxDelay
	b.Multiplier = rc.Multiplier
	if !rc.Jitter {
		b.RandomizationFactor = 0
	}
	return b
}

// ExecuteWithRetry executes a function with exponential backoff.
func ExecuteWithRetry(operation func() error, config RetryConfig) error {
	backoffConfig := config.NewExponentialBackOff()

	// Bound total elapsed time by the geometric sum of the delays so the
	// retry count stays finite.
	maxElapsedTime := time.Duration(0)
	currentDelay := config.InitialDelay
	for i := 0; i <= config.MaxRetries; i++ {
		maxElapsedTime += currentDelay
		currentDelay = time.Duration(float64(currentDelay) * config.Multiplier)
		if currentDelay > config.MaxDelay {
			currentDelay = config.MaxDelay
		}
	}
	backoffConfig.MaxElapsedTime = maxElapsedTime

	err := backoff.RetryNotify(operation, backoffConfig, func(err error, next time.Duration) {})
	if err != nil {
		return fmt.Errorf("operation failed after retries: %w", err)
	}
	return nil
}

// ExecuteWithRetryContext is like ExecuteWithRetry but additionally stops
// when ctx is done. The attempt count stays bounded by MaxRetries either
// way; callers routinely pass a background context.
func ExecuteWithRetryContext(ctx context.Context, operation func() error, config RetryConfig) error {
	backoffConfig := config.NewExponentialBackOff()
	backoffConfig.MaxElapsedTime = 0

	maxRetries := config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	operationWithContext := func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
			return operation()
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoffConfig, uint64(maxRetries)), ctx)
	err := backoff.Retry(operationWithContext, b)
	if err != nil {
		return fmt.Errorf("operation failed after retries: %w", err)
	}
	return nil
}

// IsRetryableStatus determines if an HTTP status code is retryable (429 or 5xx).
func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode <= 599)
}
