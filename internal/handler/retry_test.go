package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExponentialBackoff(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}

	assert.Equal(t, time.Second, s.NextRetry(1))
	assert.Equal(t, 2*time.Second, s.NextRetry(2))
	assert.Equal(t, 4*time.Second, s.NextRetry(3))
	assert.Equal(t, 5*time.Second, s.NextRetry(4))
}

func TestWithRetry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	strategy := &ExponentialBackoff{InitialDelay: time.Millisecond, Multiplier: 1}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		work := WithRetry(func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("flaky")
			}
			return "ok", nil
		}, 3, strategy, logger)

		out, err := work(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		work := WithRetry(func(ctx context.Context) (string, error) {
			calls++
			return "partial", errors.New("down")
		}, 2, strategy, logger)

		out, err := work(context.Background())
		assert.EqualError(t, err, "down")
		assert.Equal(t, "partial", out)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops waiting on cancel", func(t *testing.T) {
		calls := 0
		slow := &ExponentialBackoff{InitialDelay: time.Hour, Multiplier: 1}
		work := WithRetry(func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("down")
		}, 5, slow, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := work(ctx)
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("single attempt is unchanged", func(t *testing.T) {
		calls := 0
		work := WithRetry(func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("down")
		}, 1, strategy, logger)

		_, err := work(context.Background())
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
