package retryer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/client"
)

// RetryConfig holds configuration for retries of read-only backend calls.
// Settlement submissions must never go through this path: an ambiguous
// submission is resolved through the is-settled check, not resubmitted.
type RetryConfig struct {
	MaxAttempts      int           // Maximum number of retry attempts
	InitialDelay     time.Duration // Initial delay between retries
	MaxDelay         time.Duration // Maximum delay between retries
	BackoffFactor    float64       // Multiplicative factor for backoff
	JitterPercentage float64       // Random jitter percentage to add (0-1)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// IsTransientError determines if an error is a transient transport error
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Protocol errors carry their own retry classification.
	if kind := client.KindOf(err); kind != "" {
		return client.IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check for connection issues
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection") &&
		(strings.Contains(errMsg, "reset") ||
			strings.Contains(errMsg, "closed") ||
			strings.Contains(errMsg, "refused") ||
			strings.Contains(errMsg, "timeout"))
}

// WithRetry executes a read-only backend operation with configurable retry policy
func WithRetry(ctx context.Context, logger *zap.Logger, config RetryConfig, operation string, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Execute the operation
		err := fn()
		if err == nil {
			return nil // Success, no need to retry
		}

		lastErr = err

		// If it's not a transient error or we've reached max attempts, return immediately
		if !IsTransientError(err) || attempt == config.MaxAttempts {
			if attempt > 1 {
				logger.Warn("Operation failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		// Calculate jitter
		jitter := time.Duration(float64(delay) * config.JitterPercentage * (0.5 + (float64(attempt) / float64(config.MaxAttempts))))

		// Apply backoff with jitter
		sleepTime := delay + jitter

		logger.Warn("Retrying backend call due to transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err))

		// Check if context has been cancelled before sleeping
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(sleepTime):
			// Continue with next attempt
		}

		// Increase delay for next attempt (with max limit)
		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	// This should never be reached due to the return in the loop, but just in case
	return fmt.Errorf("%s: %w", operation, lastErr)
}
