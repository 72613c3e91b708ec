package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLimiterDisabled(t *testing.T) {
	l := newCommandLimiter(0, time.Minute)
	assert.Nil(t, l)
	assert.NoError(t, l.Wait(context.Background()))
}

func TestCommandLimiterWaitsForNextWindow(t *testing.T) {
	l := newCommandLimiter(2, 100*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCommandLimiterHonoursContext(t *testing.T) {
	l := newCommandLimiter(1, time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
