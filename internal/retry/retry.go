// Package retry provides a bounded fixed-delay retry combinator.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Task is a unit of retryable work.
type Task func(ctx context.Context) error

// Do runs task up to maxAttempts times, waiting delay between attempts, and
// returns the first success or the final failure. The wait is interruptible:
// if ctx is cancelled while waiting, Do returns the context error wrapped
// with the last task error.
func Do(ctx context.Context, task Task, maxAttempts int, delay time.Duration) error {
	if maxAttempts < 1 {
		return fmt.Errorf("retry: maxAttempts must be >= 1, got %d", maxAttempts)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := task(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: cancelled after attempt %d: %w (last error: %v)", attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", maxAttempts, lastErr)
}
