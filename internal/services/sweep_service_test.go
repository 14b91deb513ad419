package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync-service/internal/cache"
	"marketplace-sync-service/internal/logger"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
)

type busyLock struct{}

func (busyLock) Acquire(context.Context) (bool, error) { return false, nil }
func (busyLock) Release(context.Context) error         { return nil }

func newSweep(env *testEnv, lock cache.Lock) *SweepService {
	s := NewSweepService(env.integrations, env.service, env.webhooks, lock, SweepConfig{Overlap: 10 * time.Minute}, logger.Discard())
	s.SetClock(env.clock.Now)
	return s
}

func TestSweepOnce_QueuesActiveIntegrations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "t1", "s1")
	busy := env.connect(t, "t2", "s2")
	env.connect(t, "t3", "s3")
	_, err := env.service.Disconnect(ctx, "t3", testMarketplace)
	require.NoError(t, err)

	claimed, err := env.integrations.ClaimSync(ctx, busy.ID, uuid.New(), env.clock.Now().Add(time.Hour), env.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := newSweep(env, cache.NoopLock{}).SweepOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Queued)
	assert.Zero(t, res.Failed)

	pending := env.queue.Pending(queue.OrderSync)
	require.Len(t, pending, 1)
	var payload SyncJobPayload
	require.NoError(t, pending[0].Decode(&payload))
	assert.Equal(t, "t1", payload.TenantID)
	assert.Equal(t, models.TriggerScheduled, payload.Trigger)
	assert.Equal(t, models.SyncModeFull, payload.Mode)
}

func TestSweepOnce_WindowStartsBeforeLastSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.connect(t, "t1", "s1")
	run := uuid.New()
	lastSync := env.clock.Now().Add(-2 * time.Hour)
	claimed, err := env.integrations.ClaimSync(ctx, in.ID, run, env.clock.Now().Add(time.Hour), env.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, env.integrations.CompleteSync(ctx, in.ID, run, "", lastSync))

	_, err = newSweep(env, cache.NoopLock{}).SweepOnce(ctx)
	require.NoError(t, err)

	pending := env.queue.Pending(queue.OrderSync)
	require.Len(t, pending, 1)
	var payload SyncJobPayload
	require.NoError(t, pending[0].Decode(&payload))
	assert.WithinDuration(t, lastSync.Add(-10*time.Minute), payload.WindowStart, time.Second)
	assert.WithinDuration(t, env.clock.Now(), payload.WindowEnd, time.Second)
}

func TestSweepOnce_SkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")

	res, err := newSweep(env, busyLock{}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, env.queue.Pending(queue.OrderSync))
}

func TestSweepOnce_SecondSweepIsDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")
	sweep := newSweep(env, cache.NoopLock{})

	_, err := sweep.SweepOnce(context.Background())
	require.NoError(t, err)
	res, err := sweep.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Queued)
	assert.Equal(t, 1, res.Skipped)
}
