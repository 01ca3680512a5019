package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/executor"
)

// RetryStrategy defines the delay before each retry
type RetryStrategy interface {
	// NextRetry returns the wait after the given failed attempt, counted from 1
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// WithRetry reruns work until it succeeds or maxAttempts calls have failed.
// The whole sequence belongs to a single run, so the task is recorded once.
// Waiting stops early when ctx is done.
func WithRetry(work executor.WorkFunc, maxAttempts int, strategy RetryStrategy, logger *zap.Logger) executor.WorkFunc {
	if maxAttempts <= 1 {
		return work
	}

	return func(ctx context.Context) (string, error) {
		var (
			output string
			err    error
		)
		for attempt := 1; ; attempt++ {
			output, err = work(ctx)
			if err == nil || attempt >= maxAttempts {
				return output, err
			}

			delay := strategy.NextRetry(attempt)
			logger.Warn("Task attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return output, err
			case <-timer.C:
			}
		}
	}
}
