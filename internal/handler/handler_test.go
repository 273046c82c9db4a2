package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"settlement/internal/config"
	"settlement/internal/gateway"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/job"
	"settlement/internal/pricing"
	"settlement/internal/service"
	"settlement/internal/testutil"
	"settlement/internal/webhook"
	"settlement/pkg/response"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret     = "test-secret"
	schedulerToken = "sched-token"
	buyerID        = 11
	vendorID       = 77
)

type stubRail struct {
	mu        sync.Mutex
	completed map[string]int64
	verifyErr error
}

func (s *stubRail) Name() gateway.Name { return gateway.Mpesa }

func (s *stubRail) Collect(_ context.Context, req gateway.CollectRequest) (*gateway.CollectResult, error) {
	return &gateway.CollectResult{Reference: "ws_CO_" + req.MerchantRef, Prompt: "Enter your PIN"}, nil
}

func (s *stubRail) VerifyStatus(_ context.Context, reference string) (*gateway.PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	if amount, ok := s.completed[reference]; ok {
		return &gateway.PaymentState{Status: gateway.StatusCompleted, Amount: amount}, nil
	}
	return &gateway.PaymentState{Status: gateway.StatusPending}, nil
}

func (s *stubRail) Disburse(_ context.Context, req gateway.DisburseRequest) (*gateway.DisburseResult, error) {
	return &gateway.DisburseResult{TrackingID: "AG_" + req.Reference}, nil
}

func (s *stubRail) complete(reference string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[reference] = amount
}

type testServer struct {
	t      *testing.T
	router http.Handler
	rail   *stubRail
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg := &config.Config{}
	require.NoError(t, v.Unmarshal(cfg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := testutil.NewDB(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewSettlementMetrics(reg)

	rail := &stubRail{completed: map[string]int64{}}
	registry := gateway.NewRegistry(config.GatewaysConfig{}, cfg.Settlement.CountryCode, gateway.Options{}, logger)
	registry.Register(rail)

	payouts, err := service.NewPayoutService(db, cfg, registry, m, logger)
	require.NoError(t, err)
	reconciler := service.NewReconcileService(db, cfg, registry, payouts, m, logger)
	orders := service.NewOrderService(db, cfg, m, logger)
	validator := pricing.NewValidator(nil, cfg.Pricing.DefaultFee, cfg.Pricing.Tolerance, logger)
	checkout := service.NewCheckoutService(db, nil, cfg, registry, validator, reconciler, m, logger)

	auth, err := NewAuthenticator(config.AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)

	h := NewHandler(Services{
		Orders:     orders,
		Checkout:   checkout,
		Reconciler: reconciler,
		Payouts:    payouts,
	}, webhook.NewParser(webhook.Secrets{}), Jobs{
		PayoutSweep:    job.NewPayoutSweepJob(payouts, nil, cfg, m, logger),
		AutoRelease:    job.NewAutoReleaseJob(orders, nil, cfg, m, logger),
		PaymentRecheck: job.NewPaymentRecheckJob(reconciler, payouts, nil, cfg, m, logger),
	}, logger)

	router := SetupRouter(h, RouterOptions{Auth: auth, SchedulerToken: schedulerToken, Gatherer: reg, Logger: logger})
	return &testServer{t: t, router: router, rail: rail}
}

func token(t *testing.T, id int64, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(method, path, bearer string, body interface{}, header ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) response.Response {
	t.Helper()
	resp := response.Response{Data: data}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (s *testServer) createOrder(unitPrice int64) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/orders", token(s.t, buyerID, service.RoleBuyer), map[string]interface{}{
		"vendor_id":     vendorID,
		"items":         []map[string]interface{}{{"product_id": "P-1", "quantity": 1, "unit_price": unitPrice}},
		"shipping_city": "Mombasa",
		"total":         unitPrice,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var order struct {
		OrderNo string `json:"order_no"`
	}
	decode(s.t, w, &order)
	return order.OrderNo
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil).Code)

	w := s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresValidToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/vendor/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/vendor/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             service.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = s.do(http.MethodPost, "/api/v1/admin/orders/X/resolve", forged, map[string]string{"resolution": "refund"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/vendor/balance", token(t, buyerID, service.RoleBuyer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/vendor/balance", token(t, vendorID, service.RoleVendor), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPayAndWebhookFlow(t *testing.T) {
	s := newTestServer(t)
	buyer := token(t, buyerID, service.RoleBuyer)
	orderNo := s.createOrder(1000)

	w := s.do(http.MethodPost, "/api/v1/orders/"+orderNo+"/pay", buyer, map[string]interface{}{
		"gateway": "mpesa",
		"billing": map[string]string{"phone": "0712345678"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var collect service.CollectResponse
	decode(t, w, &collect)
	assert.Equal(t, int64(1400), collect.Amount)

	s.rail.complete(collect.Reference, collect.Amount)
	callback := `{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":"` + collect.Reference + `","ResultCode":0,"ResultDesc":"ok"}}}`
	for i := 0; i < 2; i++ {
		w = s.do(http.MethodPost, "/webhooks/mpesa", "", callback)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
	}

	w = s.do(http.MethodGet, "/api/v1/orders/"+orderNo, buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var order struct {
		Status string `json:"status"`
	}
	decode(t, w, &order)
	assert.Equal(t, "pending_vendor_confirmation", order.Status)

	w = s.do(http.MethodGet, "/api/v1/orders/"+orderNo, token(t, buyerID+1, service.RoleBuyer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders/"+orderNo+"/cancel", buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.CodeStateConflict, decode(t, w, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/vendor/orders/"+orderNo+"/settlement", token(t, vendorID, service.RoleVendor), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settlement struct {
		Escrow *struct {
			HeldAmount int64 `json:"held_amount"`
		} `json:"escrow"`
		Release    json.RawMessage `json:"release"`
		Commission json.RawMessage `json:"commission"`
	}
	decode(t, w, &settlement)
	require.NotNil(t, settlement.Escrow)
	assert.Equal(t, int64(1400), settlement.Escrow.HeldAmount)
	assert.Empty(t, settlement.Release)
	assert.Empty(t, settlement.Commission)

	w = s.do(http.MethodGet, "/api/v1/vendor/orders/"+orderNo+"/settlement", token(t, vendorID+1, service.RoleVendor), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookAsksForRedeliveryOnTransientFailure(t *testing.T) {
	s := newTestServer(t)
	buyer := token(t, buyerID, service.RoleBuyer)
	orderNo := s.createOrder(1000)
	w := s.do(http.MethodPost, "/api/v1/orders/"+orderNo+"/pay", buyer, map[string]interface{}{
		"gateway": "mpesa",
		"billing": map[string]string{"phone": "0712345678"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var collect service.CollectResponse
	decode(t, w, &collect)

	s.rail.mu.Lock()
	s.rail.verifyErr = &gateway.GatewayError{Gateway: gateway.Mpesa, Op: "stk_query", StatusCode: 503}
	s.rail.mu.Unlock()

	callback := `{"Body":{"stkCallback":{"CheckoutRequestID":"` + collect.Reference + `","ResultCode":0}}}`
	w = s.do(http.MethodPost, "/webhooks/mpesa", "", callback)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookAcknowledgesNoise(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/webhooks/mpesa", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/webhooks/mpesa", "", "{not json")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodOptions, "/webhooks/paystack", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/webhooks/bitcoin", "", "{}")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWithdrawRejectionIsExplained(t *testing.T) {
	s := newTestServer(t)
	vendor := token(t, vendorID, service.RoleVendor)

	w := s.do(http.MethodPost, "/api/v1/vendor/payouts/withdraw", vendor, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var data struct {
		Reason string `json:"reason"`
	}
	resp := decode(t, w, &data)
	assert.Equal(t, response.CodePayoutRejected, resp.Code)
	assert.Equal(t, service.RejectNoPayoutAccount, data.Reason)

	w = s.do(http.MethodPut, "/api/v1/vendor/payout-account", vendor, map[string]string{"account_number": "0712345678"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/vendor/payouts/withdraw", vendor, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decode(t, w, &data)
	assert.Equal(t, service.RejectBelowThreshold, data.Reason)
}

func TestSchedulerEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/jobs/payout-sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/jobs/payout-sweep", "", nil, headerSchedulerToken, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/jobs/payout-sweep", "", nil, headerSchedulerToken, schedulerToken)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/jobs/auto-release", token(t, 1, service.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/jobs/payment-recheck", token(t, vendorID, service.RoleVendor), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodOptions, "/api/v1/orders", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/health", "", nil, headerRequestID, "req-1")
	assert.Equal(t, "req-1", w.Header().Get(headerRequestID))

	w = s.do(http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestVendorStockAndCommissionReports(t *testing.T) {
	s := newTestServer(t)
	vendor := token(t, vendorID, service.RoleVendor)

	w := s.do(http.MethodPut, "/api/v1/vendor/products/P-1/stock", vendor, map[string]int64{"stock": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/vendor/products/P-1/stock", token(t, vendorID+1, service.RoleVendor), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/vendor/products/P-1/stock", vendor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stock struct {
		Stock int64 `json:"stock"`
	}
	decode(t, w, &stock)
	assert.Equal(t, int64(5), stock.Stock)

	w = s.do(http.MethodPut, "/api/v1/vendor/products/P-1/stock", vendor, map[string]int64{"stock": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/vendor/commissions", vendor, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	admin := token(t, 1, service.RoleAdmin)
	w = s.do(http.MethodGet, "/api/v1/admin/commissions/total?from=2026-02-01&to=2026-01-01", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/commissions/total?from=2026-01-01&to=2026-02-01", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Commission int64 `json:"commission"`
	}
	decode(t, w, &report)
	assert.Zero(t, report.Commission)
}

func TestErrorMessagesAreEnglish(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/orders", token(t, buyerID, service.RoleBuyer), "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w, nil)
	assert.Contains(t, resp.Message, "invalid request: ")
}
