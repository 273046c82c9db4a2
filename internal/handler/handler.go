package handler

import (
	"log/slog"

	"settlement/internal/job"
	"settlement/internal/service"
	"settlement/internal/webhook"
)

// Jobs are the periodic tasks a scheduler can also trigger over HTTP.
type Jobs struct {
	PayoutSweep    *job.PayoutSweepJob
	AutoRelease    *job.AutoReleaseJob
	PaymentRecheck *job.PaymentRecheckJob
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	orders     *service.OrderService
	checkout   *service.CheckoutService
	reconciler *service.ReconcileService
	payouts    *service.PayoutService
	parser     *webhook.Parser
	jobs       Jobs
	logger     *slog.Logger
}

type Services struct {
	Orders     *service.OrderService
	Checkout   *service.CheckoutService
	Reconciler *service.ReconcileService
	Payouts    *service.PayoutService
}

func NewHandler(svc Services, parser *webhook.Parser, jobs Jobs, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orders:     svc.Orders,
		checkout:   svc.Checkout,
		reconciler: svc.Reconciler,
		payouts:    svc.Payouts,
		parser:     parser,
		jobs:       jobs,
		logger:     logger.With(slog.String("component", "http")),
	}
}
