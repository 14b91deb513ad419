package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
)

func twoPages(env *testEnv) {
	env.adapter.pages[""] = &clients.OrdersPage{
		Records: []clients.RawOrder{
			rawOrder("o1", "paid", "100", "A", 1, "100"),
			rawOrder("o2", "shipped", "50", "B", 1, "50"),
		},
		NextCursor: "c2",
		HasMore:    true,
		Total:      3,
	}
	env.adapter.pages["c2"] = &clients.OrdersPage{
		Records: []clients.RawOrder{rawOrder("o3", "delivered", "30", "C", 1, "30")},
		Total:   3,
	}
}

func (e *testEnv) runs0(t *testing.T, tenantID string) []models.SyncRun {
	t.Helper()
	runs, err := e.runs.ListByIntegration(context.Background(), tenantID, testMarketplace, 0)
	require.NoError(t, err)
	return runs
}

func TestSync_PagedRunChainsJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "t1", "s1")
	twoPages(env)

	accepted, err := env.service.RequestSync(ctx, "t1", testMarketplace, nil, models.TriggerManual, models.SyncModePaged)
	require.NoError(t, err)

	assert.Equal(t, 2, env.drain(t))
	assert.Equal(t, []string{"", "c2"}, env.adapter.cursors)

	in := env.integration(t, "t1")
	assert.Equal(t, models.IntegrationActive, in.Status)
	require.NotNil(t, in.LastSyncAt)
	assert.Nil(t, in.SyncError)
	assert.Nil(t, in.SyncRunID)

	runs := env.runs0(t, "t1")
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, accepted.RunID, run.ID)
	assert.Equal(t, models.SyncStatusSuccess, run.Status)
	assert.Equal(t, models.TriggerManual, run.TriggeredBy)
	assert.Equal(t, 2, run.Pages)
	assert.Equal(t, 3, run.OrdersFetched)
	assert.Equal(t, 3, run.OrdersReconciled)
	assert.True(t, run.TotalRevenue.Equal(dec("180")), run.TotalRevenue.String())
	require.NotNil(t, run.CompletedAt)

	var orders int64
	require.NoError(t, env.db.Model(&models.Order{}).Where("tenant_id = ?", "t1").Count(&orders).Error)
	assert.EqualValues(t, 3, orders)
}

func TestSync_FullRunLoopsInOneJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "t1", "s1")
	twoPages(env)

	accepted, err := env.service.RequestSync(ctx, "t1", testMarketplace, nil, models.TriggerScheduled, models.SyncModeFull)
	require.NoError(t, err)

	assert.Equal(t, 1, env.drain(t))
	run, err := env.runs.Get(ctx, accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, run.Status)
	assert.Equal(t, 3, run.OrdersReconciled)

	raw, err := env.queue.Progress(ctx, accepted.JobID)
	require.NoError(t, err)
	var progress SyncProgress
	require.NoError(t, json.Unmarshal(raw, &progress))
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, 2, progress.Page)
}

func TestSync_RecordFailuresMakeRunPartial(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")
	env.adapter.pages[""] = &clients.OrdersPage{Records: []clients.RawOrder{
		rawOrder("o1", "paid", "100", "A", 1, "100"),
		rawOrder("o2", "paid", "100", "A", 0, "100"),
		{ID: "o3", Data: json.RawMessage(`not json`)},
	}}

	_, err := env.service.RequestSync(context.Background(), "t1", testMarketplace, nil, models.TriggerManual, "")
	require.NoError(t, err)
	env.drain(t)

	run := env.runs0(t, "t1")[0]
	assert.Equal(t, models.SyncStatusPartial, run.Status)
	assert.Equal(t, 1, run.OrdersReconciled)
	assert.Equal(t, 2, run.OrdersFailed)
	require.Len(t, run.Errors, 2)
	assert.Contains(t, run.Errors[0], "order o2")
	assert.Contains(t, run.Errors[1], "order o3")

	in := env.integration(t, "t1")
	assert.Equal(t, models.IntegrationActive, in.Status)
	require.NotNil(t, in.SyncError)
	assert.Contains(t, *in.SyncError, "order o2")
}

func TestSync_UnsupportedMarketplaceMarksIntegrationError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.integrations.UpsertConnected(ctx, "t1", models.MarketplaceAmazon, &clients.TokenSet{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    env.clock.Now().Add(time.Hour),
		SellerID:     "A1",
	})
	require.NoError(t, err)

	_, err = env.queue.Enqueue(ctx, queue.OrderSync, SyncJobPayload{
		TenantID:    "t1",
		Marketplace: models.MarketplaceAmazon,
		RunID:       uuid.New(),
		Page:        1,
	}, queue.Options{Attempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, env.drain(t))

	in, err := env.integrations.Find(ctx, "t1", models.MarketplaceAmazon)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationError, in.Status)
	require.NotNil(t, in.SyncError)
	assert.Equal(t, "unsupported marketplace: AMAZON", *in.SyncError)

	dead, err := env.queue.Dead(ctx, queue.OrderSync)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestSync_UnloadableRecordFailsOnlyThatOrder(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")
	env.adapter.pages[""] = &clients.OrdersPage{
		Records: []clients.RawOrder{
			rawOrder("o1", "paid", "100", "A", 1, "100"),
			rawOrder("o3", "paid", "40", "C", 1, "40"),
		},
		Failures: []clients.RecordFailure{{ID: "o2", Err: errors.New("upstream returned 404")}},
	}

	_, err := env.service.RequestSync(context.Background(), "t1", testMarketplace, nil, models.TriggerManual, models.SyncModePaged)
	require.NoError(t, err)
	assert.Equal(t, 1, env.drain(t))

	run := env.runs0(t, "t1")[0]
	assert.Equal(t, models.SyncStatusPartial, run.Status)
	assert.Equal(t, 3, run.OrdersFetched)
	assert.Equal(t, 2, run.OrdersReconciled)
	assert.Equal(t, 1, run.OrdersFailed)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "order o2")

	in := env.integration(t, "t1")
	assert.Equal(t, models.IntegrationActive, in.Status)
	assert.NotNil(t, in.LastSyncAt)
}

func TestSync_PaginationVisitsEveryPageOnce(t *testing.T) {
	pageOf := func(prefix string, n int) []clients.RawOrder {
		out := make([]clients.RawOrder, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, rawOrder(prefix+itoa(i), "paid", "10", "S", 1, "10"))
		}
		return out
	}

	for _, mode := range []models.SyncMode{models.SyncModePaged, models.SyncModeFull} {
		t.Run(string(mode), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.connect(t, "t1", "s1")
			env.adapter.pages[""] = &clients.OrdersPage{Records: pageOf("a", 50), NextCursor: "c2", HasMore: true}
			env.adapter.pages["c2"] = &clients.OrdersPage{Records: pageOf("b", 50), NextCursor: "c3", HasMore: true}
			env.adapter.pages["c3"] = &clients.OrdersPage{Records: pageOf("c", 1)}

			accepted, err := env.service.RequestSync(ctx, "t1", testMarketplace, nil, models.TriggerManual, mode)
			require.NoError(t, err)
			env.drain(t)

			assert.Equal(t, []string{"", "c2", "c3"}, env.adapter.cursors)
			run, err := env.runs.Get(ctx, accepted.RunID)
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusSuccess, run.Status)
			assert.Equal(t, 101, run.OrdersFetched)
			assert.Equal(t, 101, run.OrdersReconciled)

			var stored int64
			require.NoError(t, env.db.Model(&models.Order{}).Where("tenant_id = ?", "t1").Count(&stored).Error)
			assert.EqualValues(t, 101, stored)
		})
	}
}

func TestSync_AuthFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")
	env.adapter.fetchErr = &clients.AuthError{Marketplace: testMarketplace, StatusCode: 401, Err: errors.New("revoked")}

	_, err := env.service.RequestSync(context.Background(), "t1", testMarketplace, nil, models.TriggerManual, "")
	require.NoError(t, err)
	assert.Equal(t, 1, env.drain(t))

	in := env.integration(t, "t1")
	assert.Equal(t, models.IntegrationError, in.Status)
	assert.Equal(t, 1, in.ErrorCount)
	assert.Equal(t, models.SyncStatusFailed, env.runs0(t, "t1")[0].Status)

	dead, err := env.queue.Dead(context.Background(), queue.OrderSync)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestSync_TransientFailureRetriesUnderSameRun(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")
	twoPages(env)
	env.adapter.fetchErr = &clients.TransientError{Marketplace: testMarketplace, StatusCode: 503, Err: errors.New("unavailable")}
	env.adapter.fetchErrs = 1

	accepted, err := env.service.RequestSync(context.Background(), "t1", testMarketplace, nil, models.TriggerManual, models.SyncModeFull)
	require.NoError(t, err)

	assert.Equal(t, 1, env.drain(t))
	assert.Equal(t, models.IntegrationSyncing, env.integration(t, "t1").Status)

	env.clock.Advance(time.Minute)
	assert.Equal(t, 1, env.drain(t))

	runs := env.runs0(t, "t1")
	require.Len(t, runs, 1)
	assert.Equal(t, accepted.RunID, runs[0].ID)
	assert.Equal(t, models.SyncStatusSuccess, runs[0].Status)
	assert.Equal(t, models.IntegrationActive, env.integration(t, "t1").Status)
}

func TestSync_TransientFailureOnFinalAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "t1", "s1")
	env.adapter.fetchErr = &clients.TransientError{Marketplace: testMarketplace, StatusCode: 429, Err: errors.New("slow down")}

	_, err := env.service.RequestSync(context.Background(), "t1", testMarketplace, nil, models.TriggerManual, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.drain(t)
		env.clock.Advance(time.Hour)
	}

	in := env.integration(t, "t1")
	assert.Equal(t, models.IntegrationError, in.Status)
	require.NotNil(t, in.SyncError)
	assert.Contains(t, *in.SyncError, "slow down")
	assert.Equal(t, models.SyncStatusFailed, env.runs0(t, "t1")[0].Status)

	dead, err := env.queue.Dead(context.Background(), queue.OrderSync)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempt)
}

func TestSync_SkipsWhenAnotherRunHoldsClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.connect(t, "t1", "s1")
	twoPages(env)

	claimed, err := env.integrations.ClaimSync(ctx, in.ID, uuid.New(), env.clock.Now().Add(time.Hour), env.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = env.queue.Enqueue(ctx, queue.OrderSync, SyncJobPayload{
		TenantID:    "t1",
		Marketplace: testMarketplace,
		WindowStart: env.clock.Now().Add(-time.Hour),
		WindowEnd:   env.clock.Now(),
		RunID:       uuid.New(),
		Mode:        models.SyncModeFull,
	}, queue.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, env.drain(t))
	assert.Empty(t, env.adapter.cursors)
	assert.Empty(t, env.runs0(t, "t1"))
}

func TestSync_UnknownIntegrationIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.queue.Enqueue(ctx, queue.OrderSync, SyncJobPayload{TenantID: "ghost", Marketplace: testMarketplace}, queue.Options{Attempts: 3})
	require.NoError(t, err)

	env.drain(t)
	dead, err := env.queue.Dead(ctx, queue.OrderSync)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempt)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100, percent(3, 3, false))
	assert.Equal(t, 0, percent(10, 0, true))
	assert.Equal(t, 50, percent(5, 10, true))
	assert.Equal(t, 99, percent(12, 10, true))
}
