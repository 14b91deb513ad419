package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantSemaphore(t *testing.T) {
	sem := NewTenantSemaphore(&ConcurrencyConfig{MaxConcurrentPerTenant: 1, QueueTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	release, err := sem.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, sem.ActiveJobs("t1"))

	_, err = sem.Acquire(ctx, "t1")
	assert.Error(t, err)

	other, err := sem.Acquire(ctx, "t2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.Zero(t, sem.ActiveJobs("t1"))

	again, err := sem.Acquire(ctx, "t1")
	require.NoError(t, err)
	again()
}

func TestTenantSemaphore_Defaults(t *testing.T) {
	sem := NewTenantSemaphore(nil)
	var releases []func()
	for i := 0; i < DefaultConcurrencyConfig().MaxConcurrentPerTenant; i++ {
		release, err := sem.Acquire(context.Background(), "t1")
		require.NoError(t, err)
		releases = append(releases, release)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sem.Acquire(ctx, "t1")
	assert.Error(t, err)

	for _, r := range releases {
		r()
	}
}
