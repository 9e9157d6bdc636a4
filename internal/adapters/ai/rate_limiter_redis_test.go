package ai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/testsupport"
)

func TestRedisLimiter_BurstThenWait(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	client := testsupport.RedisClient(t)
	ctx := context.Background()

	// 120 rpm refills one token every 500ms
	limiter := NewRedisLimiter(client, "test", 120, 2)

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "burst passes immediately")

	require.NoError(t, limiter.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.InDelta(t, 120, limiter.Limit(), 0.001)
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	client := testsupport.RedisClient(t)

	a := NewRedisLimiter(client, "shared", 6, 1)
	b := NewRedisLimiter(client, "shared", 6, 1)

	require.NoError(t, a.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Wait(ctx), "the second replica sees the emptied bucket")
}
