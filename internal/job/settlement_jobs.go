package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"settlement/internal/config"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/service"

	"github.com/go-redis/redis/v8"
)

const (
	PayoutSweepName    = "payout_sweep"
	AutoReleaseName    = "auto_release"
	PaymentRecheckName = "payment_recheck"
)

// PayoutSweepJob 定时自动出款
type PayoutSweepJob struct {
	ticker
	payouts     *service.PayoutService
	redisClient *redis.Client
	metrics     *metrics.SettlementMetrics
}

func NewPayoutSweepJob(payouts *service.PayoutService, redisClient *redis.Client, cfg *config.Config, m *metrics.SettlementMetrics, logger *slog.Logger) *PayoutSweepJob {
	return &PayoutSweepJob{
		ticker:      newTicker(PayoutSweepName, cfg.Jobs.PayoutSweepInterval, logger),
		payouts:     payouts,
		redisClient: redisClient,
		metrics:     m,
	}
}

func (j *PayoutSweepJob) Start(ctx context.Context) {
	j.loop(ctx, func(ctx context.Context) {
		if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			j.logger.Error("payout sweep failed", slog.Any("error", err))
		}
	})
}

// RunOnce sweeps every eligible vendor once.
func (j *PayoutSweepJob) RunOnce(ctx context.Context) (*service.SweepReport, error) {
	var report *service.SweepReport
	err := exclusive(ctx, j.redisClient, PayoutSweepName, 10*time.Minute, j.metrics, func(ctx context.Context) error {
		var err error
		report, err = j.payouts.SweepAutomatic(ctx)
		return err
	})
	return report, err
}

// AutoReleaseJob 超时自动确认收货并放款
type AutoReleaseJob struct {
	ticker
	orders      *service.OrderService
	redisClient *redis.Client
	batchSize   int
	metrics     *metrics.SettlementMetrics
}

func NewAutoReleaseJob(orders *service.OrderService, redisClient *redis.Client, cfg *config.Config, m *metrics.SettlementMetrics, logger *slog.Logger) *AutoReleaseJob {
	return &AutoReleaseJob{
		ticker:      newTicker(AutoReleaseName, cfg.Jobs.AutoReleaseInterval, logger),
		orders:      orders,
		redisClient: redisClient,
		batchSize:   cfg.Jobs.BatchSize,
		metrics:     m,
	}
}

func (j *AutoReleaseJob) Start(ctx context.Context) {
	j.loop(ctx, func(ctx context.Context) {
		if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			j.logger.Error("auto release failed", slog.Any("error", err))
		}
	})
}

// RunOnce releases up to one batch of overdue orders.
func (j *AutoReleaseJob) RunOnce(ctx context.Context) (int, error) {
	var released int
	err := exclusive(ctx, j.redisClient, AutoReleaseName, 5*time.Minute, j.metrics, func(ctx context.Context) error {
		var err error
		released, err = j.orders.AutoRelease(ctx, j.batchSize)
		return err
	})
	if released > 0 {
		j.logger.Info("orders auto released", slog.Int("count", released))
	}
	return released, err
}

// PaymentRecheckJob re-verifies payments whose callback never came and
// disbursements whose result was never recorded.
type PaymentRecheckJob struct {
	ticker
	reconciler  *service.ReconcileService
	payouts     *service.PayoutService
	redisClient *redis.Client
	olderThan   time.Duration
	batchSize   int
	metrics     *metrics.SettlementMetrics
}

func NewPaymentRecheckJob(reconciler *service.ReconcileService, payouts *service.PayoutService, redisClient *redis.Client, cfg *config.Config, m *metrics.SettlementMetrics, logger *slog.Logger) *PaymentRecheckJob {
	return &PaymentRecheckJob{
		ticker:      newTicker(PaymentRecheckName, cfg.Jobs.PaymentRecheckInterval, logger),
		reconciler:  reconciler,
		payouts:     payouts,
		redisClient: redisClient,
		olderThan:   cfg.Jobs.PaymentRecheckAfter,
		batchSize:   cfg.Jobs.BatchSize,
		metrics:     m,
	}
}

func (j *PaymentRecheckJob) Start(ctx context.Context) {
	j.loop(ctx, func(ctx context.Context) {
		if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			j.logger.Error("payment recheck failed", slog.Any("error", err))
		}
	})
}

// RunOnce returns how many payments and payouts it settled.
func (j *PaymentRecheckJob) RunOnce(ctx context.Context) (int, error) {
	var settled, payouts int
	err := exclusive(ctx, j.redisClient, PaymentRecheckName, 2*time.Minute, j.metrics, func(ctx context.Context) error {
		var err error
		settled, err = j.reconciler.RecheckPending(ctx, j.olderThan, j.batchSize)
		if err != nil {
			return err
		}
		if j.payouts == nil {
			return nil
		}
		payouts, err = j.payouts.RecheckPayouts(ctx, j.olderThan, j.batchSize)
		return err
	})
	if settled > 0 {
		j.logger.Info("stale payments settled", slog.Int("count", settled))
	}
	if payouts > 0 {
		j.logger.Info("stale payouts moved on", slog.Int("count", payouts))
	}
	return settled + payouts, err
}
