package handler

import (
	"log/slog"
	"net/http"

	"settlement/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	Auth           *Authenticator
	SchedulerToken string
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Providers call these without credentials; GET and OPTIONS probes are
	// acknowledged too.
	for _, method := range []string{http.MethodPost, http.MethodGet, http.MethodOptions} {
		r.Handle(method, "/webhooks/:gateway", h.Webhook)
	}

	jobs := r.Group("/jobs", SchedulerMiddleware(opts.SchedulerToken, opts.Auth))
	{
		jobs.POST("/payout-sweep", h.RunPayoutSweep)
		jobs.POST("/auto-release", h.RunAutoRelease)
		jobs.POST("/payment-recheck", h.RunPaymentRecheck)
	}

	api := r.Group("/api/v1", CORSMiddleware())
	api.OPTIONS("/*path", func(c *gin.Context) {})
	{
		buyer := AuthMiddleware(opts.Auth, service.RoleBuyer)
		vendor := AuthMiddleware(opts.Auth, service.RoleVendor)
		admin := AuthMiddleware(opts.Auth, service.RoleAdmin)
		anyone := AuthMiddleware(opts.Auth)

		orders := api.Group("/orders")
		{
			orders.POST("", buyer, h.CreateOrder)
			orders.GET("", anyone, h.ListOrders)
			orders.GET("/:order_no", anyone, h.GetOrder)
			orders.POST("/:order_no/pay", buyer, h.PayOrder)
			orders.POST("/:order_no/cancel", buyer, h.CancelOrder)
			orders.POST("/:order_no/confirm", buyer, h.ConfirmDelivery)
			orders.POST("/:order_no/dispute", buyer, h.DisputeOrder)
		}

		vendorGroup := api.Group("/vendor", vendor)
		{
			vendorGroup.POST("/orders/:order_no/accept", h.VendorAccept)
			vendorGroup.POST("/orders/:order_no/reject", h.VendorReject)
			vendorGroup.POST("/orders/:order_no/ship", h.Ship)
			vendorGroup.POST("/orders/:order_no/deliver", h.MarkDelivered)
			vendorGroup.GET("/orders/:order_no/settlement", h.OrderSettlement)
			vendorGroup.GET("/balance", h.GetBalance)
			vendorGroup.GET("/payouts", h.ListPayouts)
			vendorGroup.POST("/payouts/withdraw", h.Withdraw)
			vendorGroup.PUT("/payout-account", h.SavePayoutAccount)
			vendorGroup.GET("/commissions", h.ListCommissions)
			vendorGroup.GET("/products/:product_id/stock", h.GetStock)
			vendorGroup.PUT("/products/:product_id/stock", h.SetStock)
		}

		adminGroup := api.Group("/admin", admin)
		{
			adminGroup.POST("/orders/:order_no/resolve", h.ResolveDispute)
			adminGroup.GET("/commissions/total", h.CommissionTotal)
		}
	}

	return r
}
