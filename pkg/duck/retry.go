package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	maxRetries         = 5
	initialRetryDelay  = 100 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
	retryBackoffFactor = 2.0
)

// isRetryableWriteError reports whether a write failed for a transient
// reason (lock contention, transaction conflict, interrupted IO) rather
// than a constraint or SQL error.
func isRetryableWriteError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on tuple") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "could not set lock") ||
		strings.Contains(errStr, "IO Error")
}

// retryWithBackoff retries fn with exponential backoff as long as it
// returns a retryable write error. Non-retryable errors are returned
// immediately.
func retryWithBackoff(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	var lastErr error
	delay := initialRetryDelay

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("context cancelled after %d attempts, last error: %w", attempt, lastErr)
			}
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				log.Info("write succeeded after retries", "operation", operation, "attempts", attempt+1)
			}
			return nil
		}

		if !isRetryableWriteError(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			log.Warn("transient write error, retrying", "operation", operation, "attempt", attempt+1, "max_attempts", maxRetries, "delay", delay, "error", err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * retryBackoffFactor)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}

	return fmt.Errorf("write failed after %d attempts: %w", maxRetries, lastErr)
}
