package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"settlement/internal/gateway"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentEvent(ref string) webhook.Event {
	return webhook.Event{Kind: webhook.KindPayment, Gateway: gateway.Mpesa, Reference: ref}
}

func TestReplayedWebhookIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 5000)
	ref := env.pay(t, order.OrderNo)

	for i := 0; i < 5; i++ {
		outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent(ref))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	assert.Equal(t, int64(1), env.count(t, &model.EscrowTransaction{}, "order_id = ?", order.ID))
	assert.Equal(t, 1, env.countEvents(t, model.EventPaymentCaptured))
	assert.Equal(t, int64(5400), env.escrow(t, order.ID).HeldAmount)
	assert.Equal(t, model.OrderStatusPendingVendorConfirmation, env.order(t, order.OrderNo).Status)
}

func TestConcurrentWebhooksCreateOneEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)
	env.mpesa.setState(resp.Reference, gateway.PaymentState{Status: gateway.StatusCompleted, Amount: resp.Amount})

	outcomes := make(chan string, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
			outcomes <- outcome
			errs <- err
		}()
	}

	captured := 0
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
		if <-outcomes == OutcomeCaptured {
			captured++
		}
	}
	assert.Equal(t, 1, captured)
	assert.Equal(t, int64(1), env.count(t, &model.EscrowTransaction{}, "order_id = ?", order.ID))
}

func TestWebhookNeverTrustsCallbackStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)

	ev := paymentEvent(resp.Reference)
	ev.StatusHint = "0"
	outcome, err := env.reconciler.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
	assert.Equal(t, model.OrderStatusPendingPayment, env.order(t, order.OrderNo).Status)
	assert.Zero(t, env.count(t, &model.EscrowTransaction{}, "order_id = ?", order.ID))
}

func TestUnknownAndIgnorableEventsAreAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent("ws_CO_nope"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownReference, outcome)

	outcome, err = env.reconciler.HandleEvent(ctx, webhook.Event{Kind: webhook.KindIgnorable, Gateway: gateway.Mpesa, Reason: "empty body"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	outcome, err = env.reconciler.HandleEvent(ctx, webhook.Event{Kind: webhook.KindTransaction, Gateway: gateway.Airtel, Reference: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownReference, outcome)
}

func TestRetryableVerifyFailureAsksForRedelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)

	env.mpesa.verifyErr = &gateway.GatewayError{Gateway: gateway.Mpesa, Op: "stk_query", StatusCode: 503}
	_, err = env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	assert.Error(t, err)

	env.mpesa.verifyErr = &gateway.GatewayError{Gateway: gateway.Mpesa, Op: "stk_query", StatusCode: 400}
	outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
}

func TestNonRecoverableFailureFailsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)
	env.mpesa.setState(resp.Reference, gateway.PaymentState{Status: gateway.StatusFailed, Code: "2001", Description: "wrong PIN"})

	outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	payment, err := repository.NewPaymentRepository(env.db).GetByOrderAndGateway(ctx, order.ID, "mpesa")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, payment.Status)
	assert.Contains(t, payment.FailureReason, "wrong PIN")
	assert.Equal(t, model.OrderStatusPaymentFailed, env.order(t, order.OrderNo).Status)
	assert.Equal(t, 1, env.countEvents(t, model.EventPaymentFailed))

	outcome, err = env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestUnderpaymentIsNotCaptured(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)
	env.mpesa.setState(resp.Reference, gateway.PaymentState{Status: gateway.StatusCompleted, Amount: 10})

	outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Zero(t, env.count(t, &model.EscrowTransaction{}, "order_id = ?", order.ID))
}

func TestCaptureOnCancelledOrderCreatesNoEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)
	_, err = env.orders.Cancel(ctx, testBuyer, order.OrderNo)
	require.NoError(t, err)

	env.mpesa.setState(resp.Reference, gateway.PaymentState{Status: gateway.StatusCompleted, Amount: resp.Amount})
	outcome, err := env.reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCaptured, outcome)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, order.OrderNo).Status)
	assert.Zero(t, env.count(t, &model.EscrowTransaction{}, "order_id = ?", order.ID))
	assert.Equal(t, 1, env.countEvents(t, model.EventPaymentCaptured))
}

func TestRecheckPendingSettlesMissedCallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	paid := env.createOrder(t, 1000)
	paidResp, err := collect(env, paid.OrderNo)
	require.NoError(t, err)
	env.mpesa.setState(paidResp.Reference, gateway.PaymentState{Status: gateway.StatusCompleted, Amount: paidResp.Amount})

	waiting := env.createOrder(t, 1000)
	_, err = collect(env, waiting.OrderNo)
	require.NoError(t, err)

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, env.db.Model(&model.Payment{}).Where("1 = 1").UpdateColumn("updated_at", old).Error)

	settled, err := env.reconciler.RecheckPending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, model.OrderStatusPendingVendorConfirmation, env.order(t, paid.OrderNo).Status)
	assert.Equal(t, model.OrderStatusPendingPayment, env.order(t, waiting.OrderNo).Status)

	settled, err = env.reconciler.RecheckPending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, settled, fmt.Sprintf("touched rows must not be picked again: %d", settled))
}

func TestReplayedRecoverableFailureCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := metrics.NewSettlementMetrics(prometheus.NewRegistry())
	reconciler := NewReconcileService(env.db, env.cfg, env.registry, env.payouts, m, discardLogger())

	order := env.createOrder(t, 1000)
	resp, err := collect(env, order.OrderNo)
	require.NoError(t, err)
	env.mpesa.setState(resp.Reference, gateway.PaymentState{Status: gateway.StatusFailed, Recoverable: true, Code: "1037", Description: "DS timeout user cannot be reached"})

	outcome, err := reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	outcome, err = reconciler.HandleEvent(ctx, paymentEvent(resp.Reference))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.OrderTransitionsTotal.WithLabelValues(model.OrderStatusPaymentFailed)))
	assert.Equal(t, model.OrderStatusPaymentFailed, env.order(t, order.OrderNo).Status)
}

func TestRecheckPendingVerifiesTimedOutCollects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	airtel := newFakeGateway(gateway.Airtel)
	env.registry.Register(airtel)

	viaAirtel := env.createOrder(t, 1000)
	airtel.collectErr = fmt.Errorf("collect: %w", gateway.ErrUnknownOutcome)
	_, err := env.checkout.Collect(ctx, testBuyer, viaAirtel.OrderNo, &CollectRequest{Gateway: "airtel", Billing: gateway.BillingInfo{Phone: "0733123456"}})
	require.ErrorIs(t, err, ErrRetryLater)

	viaMpesa := env.createOrder(t, 1000)
	env.mpesa.collectErr = fmt.Errorf("stk push: %w", gateway.ErrUnknownOutcome)
	_, err = collect(env, viaMpesa.OrderNo)
	require.ErrorIs(t, err, ErrRetryLater)

	payment, err := repository.NewPaymentRepository(env.db).GetByOrderAndGateway(ctx, viaAirtel.ID, "airtel")
	require.NoError(t, err)
	airtel.setState(payment.MerchantRef, gateway.PaymentState{Status: gateway.StatusCompleted, Amount: payment.Amount})

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, env.db.Model(&model.Payment{}).Where("1 = 1").UpdateColumn("updated_at", old).Error)

	settled, err := env.reconciler.RecheckPending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, model.OrderStatusPendingVendorConfirmation, env.order(t, viaAirtel.OrderNo).Status)
	assert.Equal(t, model.OrderStatusPendingPayment, env.order(t, viaMpesa.OrderNo).Status)
	assert.Zero(t, env.mpesa.verifies)
}
