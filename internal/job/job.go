// Package job runs the periodic settlement work: payout sweeps, escrow
// auto-release, payment rechecks and outbox publishing.
package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"settlement/internal/infrastructure/lock"
	"settlement/internal/infrastructure/metrics"

	"github.com/go-redis/redis/v8"
)

// ErrAlreadyRunning is returned by RunOnce when another instance holds the
// job lock.
var ErrAlreadyRunning = errors.New("job is already running elsewhere")

// ticker is the Start/Stop loop shared by every job.
type ticker struct {
	name     string
	interval time.Duration
	stopCh   chan struct{}
	logger   *slog.Logger
}

func newTicker(name string, interval time.Duration, logger *slog.Logger) ticker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return ticker{
		name:     name,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger.With(slog.String("component", name)),
	}
}

func (t *ticker) loop(ctx context.Context, tick func(ctx context.Context)) {
	t.logger.Info("job started", slog.Duration("interval", t.interval))

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("context cancelled, job exiting")
			return
		case <-t.stopCh:
			t.logger.Info("job stopped")
			return
		case <-tk.C:
			tick(ctx)
		}
	}
}

func (t *ticker) Stop() {
	close(t.stopCh)
}

// exclusive runs fn under the job's Redis lock. Without Redis fn always runs.
func exclusive(ctx context.Context, client *redis.Client, job string, ttl time.Duration, m *metrics.SettlementMetrics, fn func(ctx context.Context) error) error {
	l := lock.NewJobLock(client, job, ttl)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() { _ = l.Unlock(context.Background()) }()

	err = fn(ctx)
	m.RecordJobRun(job, err == nil)
	return err
}
