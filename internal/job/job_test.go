package job

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"settlement/internal/config"
	"settlement/internal/gateway"
	"settlement/internal/infrastructure/lock"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/internal/service"
	"settlement/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg := &config.Config{}
	require.NoError(t, v.Unmarshal(cfg))
	return cfg
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSweepJobSkipsWhileAnotherInstanceRuns(t *testing.T) {
	cfg := testConfig(t)
	db := testutil.NewDB(t)
	_, client := newRedis(t)
	m := metrics.NewSettlementMetrics(prometheus.NewRegistry())
	registry := gateway.NewRegistry(config.GatewaysConfig{}, cfg.Settlement.CountryCode, gateway.Options{}, discardLogger())
	payouts, err := service.NewPayoutService(db, cfg, registry, m, discardLogger())
	require.NoError(t, err)
	job := NewPayoutSweepJob(payouts, client, cfg, m, discardLogger())
	ctx := context.Background()

	held := lock.NewJobLock(client, PayoutSweepName, time.Minute)
	ok, err := held.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = job.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, held.Unlock(ctx))
	report, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Initiated)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.JobRunsTotal.WithLabelValues(PayoutSweepName, "true")))
}

func TestJobsRunWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	db := testutil.NewDB(t)
	ctx := context.Background()
	registry := gateway.NewRegistry(config.GatewaysConfig{}, cfg.Settlement.CountryCode, gateway.Options{}, discardLogger())
	payouts, err := service.NewPayoutService(db, cfg, registry, nil, discardLogger())
	require.NoError(t, err)
	reconciler := service.NewReconcileService(db, cfg, registry, payouts, nil, discardLogger())
	orders := service.NewOrderService(db, cfg, nil, discardLogger())

	released, err := NewAutoReleaseJob(orders, nil, cfg, nil, discardLogger()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	settled, err := NewPaymentRecheckJob(reconciler, payouts, nil, cfg, nil, discardLogger()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestJobStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.AutoReleaseInterval = 10 * time.Millisecond
	db := testutil.NewDB(t)
	orders := service.NewOrderService(db, cfg, nil, discardLogger())
	job := NewAutoReleaseJob(orders, nil, cfg, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}

func TestRecheckJobMovesStalledPayouts(t *testing.T) {
	cfg := testConfig(t)
	db := testutil.NewDB(t)
	ctx := context.Background()
	registry := gateway.NewRegistry(config.GatewaysConfig{}, cfg.Settlement.CountryCode, gateway.Options{}, discardLogger())
	payouts, err := service.NewPayoutService(db, cfg, registry, nil, discardLogger())
	require.NoError(t, err)
	reconciler := service.NewReconcileService(db, cfg, registry, payouts, nil, discardLogger())

	require.NoError(t, repository.NewPayoutRepository(db).Create(ctx, nil, &model.Payout{
		PayoutNo:    "PO-lost",
		VendorID:    77,
		Amount:      900,
		FeeBearer:   model.FeeBearerVendor,
		Method:      "mpesa",
		Status:      model.PayoutStatusPending,
		TriggerType: model.PayoutTriggerManual,
	}))
	require.NoError(t, db.Model(&model.Payout{}).Where("payout_no = ?", "PO-lost").UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	moved, err := NewPaymentRecheckJob(reconciler, payouts, nil, cfg, nil, discardLogger()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	stored, err := repository.NewPayoutRepository(db).GetByPayoutNo(ctx, "PO-lost")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, stored.Status)
}
