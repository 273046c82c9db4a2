package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"settlement/internal/config"
	"settlement/internal/gateway"
	"settlement/internal/handler"
	"settlement/internal/infrastructure/cache"
	"settlement/internal/infrastructure/database"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/infrastructure/mq"
	"settlement/internal/job"
	"settlement/internal/pricing"
	"settlement/internal/repository"
	"settlement/internal/service"
	"settlement/internal/webhook"
	"settlement/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "settlement",
		Short:         "Escrow settlement engine for the marketplace",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML config file")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run a settlement job once and exit",
	}
	sweep.AddCommand(
		&cobra.Command{
			Use:   "payouts",
			Short: "Pay out every vendor above the automatic threshold",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					report, err := a.payoutSweep.RunOnce(ctx)
					if err != nil {
						return err
					}
					a.logger.Info("payout sweep finished",
						slog.Int("initiated", report.Initiated),
						slog.Int("failed", report.Failed),
						slog.Int("skipped", report.Skipped))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "releases",
			Short: "Release escrow for shipped orders past the confirmation window",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					n, err := a.autoRelease.RunOnce(ctx)
					if err != nil {
						return err
					}
					a.logger.Info("auto release finished", slog.Int("released", n))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "payments",
			Short: "Re-verify payments whose callback never arrived",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					n, err := a.paymentRecheck.RunOnce(ctx)
					if err != nil {
						return err
					}
					a.logger.Info("payment recheck finished", slog.Int("settled", n))
					return nil
				})
			},
		},
	)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP API and background jobs",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, serve)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				logger := newLogger(cfg.Server)
				db, err := database.Open(cfg.Database, logger)
				if err != nil {
					return err
				}
				defer database.Close(db)
				if err := database.Migrate(db); err != nil {
					return err
				}
				logger.Info("schema migrated")
				return nil
			},
		},
		sweep,
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("SETTLEMENT_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// app holds everything built from the config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.SettlementMetrics

	handler        *handler.Handler
	auth           *handler.Authenticator
	payoutSweep    *job.PayoutSweepJob
	autoRelease    *job.AutoReleaseJob
	paymentRecheck *job.PaymentRecheckJob
	outbox         *job.OutboxSender
	publisher      mq.Publisher
}

func withApp(ctx context.Context, configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

func build(cfg *config.Config) (*app, error) {
	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return nil, fmt.Errorf("server.worker_id: %w", err)
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	a.redis, err = cache.NewRedisClient(cfg.Redis)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.redis == nil {
		logger.Warn("redis disabled; collect and job locks are skipped")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewSettlementMetrics(a.registry)

	rails := gateway.NewRegistry(cfg.Gateways, cfg.Settlement.CountryCode, gateway.Options{
		Store:    repository.NewProviderConfigRepository(db),
		Observer: a.metrics,
		Logger:   logger,
	}, logger)
	logger.Info("payment rails ready", slog.Any("gateways", rails.Names()))

	zones := make([]pricing.Zone, 0, len(cfg.Pricing.Zones))
	for _, z := range cfg.Pricing.Zones {
		zones = append(zones, pricing.Zone{Name: z.Name, Fee: z.Fee, Keywords: z.Keywords})
	}
	validator := pricing.NewValidator(zones, cfg.Pricing.DefaultFee, cfg.Pricing.Tolerance, logger)

	payouts, err := service.NewPayoutService(db, cfg, rails, a.metrics, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	reconciler := service.NewReconcileService(db, cfg, rails, payouts, a.metrics, logger)
	orders := service.NewOrderService(db, cfg, a.metrics, logger)
	checkout := service.NewCheckoutService(db, a.redis, cfg, rails, validator, reconciler, a.metrics, logger)

	a.payoutSweep = job.NewPayoutSweepJob(payouts, a.redis, cfg, a.metrics, logger)
	a.autoRelease = job.NewAutoReleaseJob(orders, a.redis, cfg, a.metrics, logger)
	a.paymentRecheck = job.NewPaymentRecheckJob(reconciler, payouts, a.redis, cfg, a.metrics, logger)

	if cfg.Kafka.Enabled {
		producer, err := mq.NewSyncProducer(cfg.Kafka)
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = mq.NewKafkaPublisher(producer)
		a.outbox = job.NewOutboxSender(db, a.publisher, cfg, logger)
	}

	parser := webhook.NewParser(webhook.Secrets{
		PaystackSecretKey:     cfg.Gateways.Paystack.SecretKey,
		FlutterwaveSecretHash: cfg.Gateways.Flutterwave.SecretHash,
		AirtelCallbackToken:   cfg.Gateways.Airtel.CallbackToken,
		MpesaCallbackToken:    cfg.Gateways.Mpesa.CallbackToken,
	})
	if cfg.Settlement.PayoutGateway == string(gateway.Mpesa) && cfg.Gateways.Mpesa.CallbackToken == "" {
		logger.Warn("gateways.mpesa.callback_token is empty; M-Pesa payout results will wait for review")
	}
	a.handler = handler.NewHandler(handler.Services{
		Orders:     orders,
		Checkout:   checkout,
		Reconciler: reconciler,
		Payouts:    payouts,
	}, parser, handler.Jobs{
		PayoutSweep:    a.payoutSweep,
		AutoRelease:    a.autoRelease,
		PaymentRecheck: a.paymentRecheck,
	}, logger)
	return a, nil
}

func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("kafka producer close failed", slog.Any("error", err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		database.Close(a.db)
	}
}

func serve(ctx context.Context, a *app) error {
	auth, err := handler.NewAuthenticator(a.cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 启动后台任务
	go a.payoutSweep.Start(ctx)
	go a.autoRelease.Start(ctx)
	go a.paymentRecheck.Start(ctx)
	if a.outbox != nil {
		go a.outbox.Start(ctx)
	} else {
		a.logger.Warn("kafka disabled; settlement events stay in the outbox")
	}

	router := handler.SetupRouter(a.handler, handler.RouterOptions{
		Auth:           auth,
		SchedulerToken: a.cfg.Auth.SchedulerToken,
		Gatherer:       a.registry,
		Logger:         a.logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("服务启动", slog.Int("port", a.cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("正在关闭服务...")
	a.payoutSweep.Stop()
	a.autoRelease.Stop()
	a.paymentRecheck.Stop()
	if a.outbox != nil {
		a.outbox.Stop()
	}

	// 关闭 HTTP 服务（等待最多10秒）
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("服务已关闭")
	return nil
}
