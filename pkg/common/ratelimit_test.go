package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAdmitsBurst(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, rl.Wait(ctx))
	require.NoError(t, rl.Wait(ctx))

	// Burst exhausted; the next token is ~1s away, past the deadline.
	err := rl.Wait(ctx)
	require.Error(t, err)
}

func TestRateLimiterWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rl.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiterUpdateLimits(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	// At the old rate the next token is minutes away; raising the limits
	// must admit immediately.
	rl.UpdateLimits(1000, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl.Wait(ctx))
}
