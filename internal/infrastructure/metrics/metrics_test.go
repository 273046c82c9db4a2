package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPayout(t *testing.T) {
	m := NewSettlementMetrics(prometheus.NewRegistry())
	m.RecordPayout("manual", "processing", "KES", "vendor", 500, 100)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PayoutsTotal.WithLabelValues("manual", "processing")))
	assert.Equal(t, float64(500), testutil.ToFloat64(m.PayoutAmountTotal.WithLabelValues("manual", "KES")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.PayoutFeeTotal.WithLabelValues("vendor", "KES")))
}

func TestObserveGatewayCallCountsErrors(t *testing.T) {
	m := NewSettlementMetrics(prometheus.NewRegistry())
	m.ObserveGatewayCall("mpesa", "collect", 10*time.Millisecond, nil)
	m.ObserveGatewayCall("mpesa", "collect", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayCallErrors.WithLabelValues("mpesa", "collect")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *SettlementMetrics
	assert.NotPanics(t, func() {
		m.RecordWebhook("mpesa", "ok")
		m.RecordPayout("automatic", "failed", "KES", "platform", 1, 1)
		m.ObserveGatewayCall("mpesa", "verify", time.Second, nil)
	})
}
