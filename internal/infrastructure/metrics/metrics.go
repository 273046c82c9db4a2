package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SettlementMetrics 结算相关指标
// All Record methods are safe on a nil receiver.
type SettlementMetrics struct {
	GatewayCallDuration prometheus.HistogramVec
	GatewayCallErrors   prometheus.CounterVec

	WebhooksTotal prometheus.CounterVec

	OrderTransitionsTotal prometheus.CounterVec
	PriceCorrectionsTotal prometheus.CounterVec

	PayoutsTotal       prometheus.CounterVec
	PayoutAmountTotal  prometheus.CounterVec
	PayoutFeeTotal     prometheus.CounterVec
	EscrowReleaseTotal prometheus.CounterVec
	CommissionTotal    prometheus.CounterVec

	JobRunsTotal prometheus.CounterVec
}

// NewSettlementMetrics registers the metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	f := promauto.With(reg)
	return &SettlementMetrics{
		GatewayCallDuration: *f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_call_duration_seconds",
				Help:    "Latency of calls to payment rails",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"gateway", "op"},
		),

		GatewayCallErrors: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_call_errors_total",
				Help: "Failed calls to payment rails",
			},
			[]string{"gateway", "op"},
		),

		WebhooksTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_total",
				Help: "Inbound gateway callbacks by outcome",
			},
			[]string{"gateway", "outcome"},
		),

		OrderTransitionsTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_transitions_total",
				Help: "Order state changes by target status",
			},
			[]string{"status"},
		),

		PriceCorrectionsTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_corrections_total",
				Help: "Orders whose client-supplied totals were overwritten",
			},
			[]string{"zone"},
		),

		PayoutsTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payouts_total",
				Help: "Vendor disbursements by trigger and resulting status",
			},
			[]string{"trigger", "status"},
		),

		PayoutAmountTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_amount_total",
				Help: "Amount sent to vendors",
			},
			[]string{"trigger", "currency"},
		),

		PayoutFeeTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_fee_total",
				Help: "Transfer fees by who absorbed them",
			},
			[]string{"bearer", "currency"},
		),

		EscrowReleaseTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_release_amount_total",
				Help: "Escrow released to vendor balances",
			},
			[]string{"currency"},
		),

		CommissionTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_commission_total",
				Help: "Commission recorded in the ledger",
			},
			[]string{"currency"},
		),

		JobRunsTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_runs_total",
				Help: "Scheduled job runs by result",
			},
			[]string{"job", "result"},
		),
	}
}

// ObserveGatewayCall implements gateway.Observer.
func (m *SettlementMetrics) ObserveGatewayCall(gateway, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.GatewayCallDuration.WithLabelValues(gateway, op).Observe(d.Seconds())
	if err != nil {
		m.GatewayCallErrors.WithLabelValues(gateway, op).Inc()
	}
}

func (m *SettlementMetrics) RecordWebhook(gateway, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(gateway, outcome).Inc()
}

func (m *SettlementMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.OrderTransitionsTotal.WithLabelValues(status).Inc()
}

func (m *SettlementMetrics) RecordPriceCorrection(zone string) {
	if m == nil {
		return
	}
	m.PriceCorrectionsTotal.WithLabelValues(zone).Inc()
}

func (m *SettlementMetrics) RecordPayout(trigger, status, currency, bearer string, amount, fee int64) {
	if m == nil {
		return
	}
	m.PayoutsTotal.WithLabelValues(trigger, status).Inc()
	if amount > 0 {
		m.PayoutAmountTotal.WithLabelValues(trigger, currency).Add(float64(amount))
	}
	if fee > 0 {
		m.PayoutFeeTotal.WithLabelValues(bearer, currency).Add(float64(fee))
	}
}

func (m *SettlementMetrics) RecordRelease(currency string, released, commission int64) {
	if m == nil {
		return
	}
	m.EscrowReleaseTotal.WithLabelValues(currency).Add(float64(released))
	m.CommissionTotal.WithLabelValues(currency).Add(float64(commission))
}

func (m *SettlementMetrics) RecordJobRun(job string, ok bool) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, strconv.FormatBool(ok)).Inc()
}
