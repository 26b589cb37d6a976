package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLockerAcquireReleaseExtend exercises the full lifecycle against a real
// Redis instance. It is skipped unless TEST_REDIS_URL is set, since the
// lock's correctness hinges on Redis's atomic SETNX/Lua semantics that an
// in-memory fake cannot faithfully reproduce.
func TestLockerAcquireReleaseExtend(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set; skipping Redis-backed lock test")
	}

	locker, err := New(url, time.Second)
	require.NoError(t, err)
	defer locker.Close()

	ctx := context.Background()
	h, err := locker.Acquire(ctx, "pipeline-1")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "pipeline-1")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, h.Extend(ctx, 2*time.Second))
	require.NoError(t, h.Release(ctx))

	h2, err := locker.Acquire(ctx, "pipeline-1")
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestPipelineKey(t *testing.T) {
	assert.Equal(t, "lock:pipeline:abc", pipelineKey("abc"))
}
