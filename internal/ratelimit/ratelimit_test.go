package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiterPerKeyIsolation(t *testing.T) {
	kl := NewKeyedLimiter(1, 1)
	assert.True(t, kl.Allow("user-a"))
	assert.False(t, kl.Allow("user-a"))
	assert.True(t, kl.Allow("user-b"))
}

func TestStaggerFloorEnforcesGap(t *testing.T) {
	sf := NewStaggerFloor(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	assert.NoError(t, sf.Wait(ctx))
	assert.NoError(t, sf.Wait(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}
