package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"settlement/internal/config"
	"settlement/internal/gateway"
	"settlement/internal/model"
	"settlement/internal/pricing"
	"settlement/internal/repository"
	"settlement/internal/testutil"
	"settlement/internal/webhook"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testBuyer  int64 = 11
	testVendor int64 = 77
)

// fakeGateway records calls and answers status queries from a table.
type fakeGateway struct {
	name gateway.Name

	mu          sync.Mutex
	collects    []gateway.CollectRequest
	disburses   []gateway.DisburseRequest
	verifies    int
	states      map[string]*gateway.PaymentState
	collectErr  error
	verifyErr   error
	disburseErr error
	// onDisburse runs inside Disburse, before it answers.
	onDisburse func()
}

func newFakeGateway(name gateway.Name) *fakeGateway {
	return &fakeGateway{name: name, states: make(map[string]*gateway.PaymentState)}
}

func (f *fakeGateway) Name() gateway.Name { return f.name }

func (f *fakeGateway) Collect(_ context.Context, req gateway.CollectRequest) (*gateway.CollectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collects = append(f.collects, req)
	if f.collectErr != nil {
		return nil, f.collectErr
	}
	return &gateway.CollectResult{
		Reference: "ws_CO_" + req.MerchantRef,
		Prompt:    "Enter your PIN",
		Raw:       []byte(`{"ResponseCode":"0"}`),
	}, nil
}

func (f *fakeGateway) VerifyStatus(_ context.Context, reference string) (*gateway.PaymentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if st, ok := f.states[reference]; ok {
		cp := *st
		return &cp, nil
	}
	return &gateway.PaymentState{Status: gateway.StatusPending}, nil
}

func (f *fakeGateway) Disburse(_ context.Context, req gateway.DisburseRequest) (*gateway.DisburseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disburses = append(f.disburses, req)
	if f.onDisburse != nil {
		f.onDisburse()
	}
	if f.disburseErr != nil {
		return nil, f.disburseErr
	}
	return &gateway.DisburseResult{TrackingID: "AG_" + req.Reference}, nil
}

func (f *fakeGateway) setState(reference string, st gateway.PaymentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[reference] = &st
}

func (f *fakeGateway) lastCollect() gateway.CollectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collects[len(f.collects)-1]
}

func (f *fakeGateway) collectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collects)
}

func (f *fakeGateway) disburseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disburses)
}

// verifyingGateway also answers transfer status queries.
type verifyingGateway struct {
	*fakeGateway
	payoutStates map[string]gateway.Status
}

func (v *verifyingGateway) VerifyPayout(_ context.Context, trackingID string) (*gateway.PayoutState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.payoutStates[trackingID]
	if !ok {
		st = gateway.StatusPending
	}
	return &gateway.PayoutState{Status: st, Description: "rail says " + string(st)}, nil
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	mpesa      *fakeGateway
	registry   *gateway.Registry
	orders     *OrderService
	checkout   *CheckoutService
	reconciler *ReconcileService
	payouts    *PayoutService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg := &config.Config{}
	require.NoError(t, v.Unmarshal(cfg))
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range tweak {
		fn(cfg)
	}
	db := testutil.NewDB(t)
	logger := discardLogger()

	registry := gateway.NewRegistry(config.GatewaysConfig{}, cfg.Settlement.CountryCode, gateway.Options{}, logger)
	mpesa := newFakeGateway(gateway.Mpesa)
	registry.Register(mpesa)

	payouts, err := NewPayoutService(db, cfg, registry, nil, logger)
	require.NoError(t, err)
	reconciler := NewReconcileService(db, cfg, registry, payouts, nil, logger)

	zones := make([]pricing.Zone, 0, len(cfg.Pricing.Zones))
	for _, z := range cfg.Pricing.Zones {
		zones = append(zones, pricing.Zone{Name: z.Name, Fee: z.Fee, Keywords: z.Keywords})
	}
	validator := pricing.NewValidator(zones, cfg.Pricing.DefaultFee, cfg.Pricing.Tolerance, logger)

	return &testEnv{
		db:         db,
		cfg:        cfg,
		mpesa:      mpesa,
		registry:   registry,
		orders:     NewOrderService(db, cfg, nil, logger),
		checkout:   NewCheckoutService(db, nil, cfg, registry, validator, reconciler, nil, logger),
		reconciler: reconciler,
		payouts:    payouts,
	}
}

// createOrder places a single-item order shipped outside the metro zone.
func (e *testEnv) createOrder(t *testing.T, unitPrice int64) *model.Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), testBuyer, &CreateOrderRequest{
		VendorID:        testVendor,
		Items:           []OrderItemInput{{ProductID: "P-1", Quantity: 1, UnitPrice: unitPrice}},
		ShippingAddress: "Nyali Road",
		ShippingCity:    "Mombasa",
		ShippingRegion:  "Coast",
		ShippingFee:     0,
		Total:           unitPrice,
	})
	require.NoError(t, err)
	return order
}

// pay collects on the fake rail and delivers a successful callback.
func (e *testEnv) pay(t *testing.T, orderNo string) string {
	t.Helper()
	ctx := context.Background()
	resp, err := e.checkout.Collect(ctx, testBuyer, orderNo, &CollectRequest{
		Gateway: "mpesa",
		Billing: gateway.BillingInfo{Phone: "0712345678"},
	})
	require.NoError(t, err)

	e.mpesa.setState(resp.Reference, gateway.PaymentState{Status: gateway.StatusCompleted, Amount: resp.Amount, Currency: "KES", Receipt: "QKX1"})
	outcome, err := e.reconciler.HandleEvent(ctx, webhook.Event{Kind: webhook.KindPayment, Gateway: gateway.Mpesa, Reference: resp.Reference})
	require.NoError(t, err)
	require.Equal(t, OutcomeCaptured, outcome)
	return resp.Reference
}

// ship takes a paid order through vendor acceptance and shipment.
func (e *testEnv) ship(t *testing.T, orderNo string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.orders.VendorAccept(ctx, testVendor, orderNo)
	require.NoError(t, err)
	_, err = e.orders.Ship(ctx, testVendor, orderNo)
	require.NoError(t, err)
}

func (e *testEnv) order(t *testing.T, orderNo string) *model.Order {
	t.Helper()
	order, err := repository.NewOrderRepository(e.db).GetByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	return order
}

func (e *testEnv) escrow(t *testing.T, orderID int64) *model.EscrowTransaction {
	t.Helper()
	escrow, err := repository.NewEscrowRepository(e.db).GetByOrderID(context.Background(), nil, orderID)
	require.NoError(t, err)
	return escrow
}

func (e *testEnv) balance(t *testing.T, vendorID int64) *model.VendorBalance {
	t.Helper()
	balance, err := repository.NewBalanceRepository(e.db).GetOrCreate(context.Background(), vendorID)
	require.NoError(t, err)
	return balance
}

func (e *testEnv) credit(t *testing.T, vendorID, amount int64) {
	t.Helper()
	require.NoError(t, repository.NewBalanceRepository(e.db).Credit(context.Background(), nil, vendorID, amount))
}

func (e *testEnv) linkAccount(t *testing.T, vendorID int64) {
	t.Helper()
	_, err := e.payouts.SavePayoutAccount(context.Background(), vendorID, &PayoutAccountInput{
		Method:        "mpesa",
		AccountNumber: "+254712345678",
		AccountName:   fmt.Sprintf("Vendor %d", vendorID),
	})
	require.NoError(t, err)
}

func (e *testEnv) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	msgs, err := repository.NewOutboxRepository(e.db, "").ListByEventType(context.Background(), eventType)
	require.NoError(t, err)
	return len(msgs)
}

func (e *testEnv) count(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(m).Where(query, args...).Count(&n).Error)
	return n
}

func (e *testEnv) shipDaysAgo(t *testing.T, orderID int64, days int) {
	t.Helper()
	at := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	require.NoError(t, e.db.Model(&model.Order{}).Where("id = ?", orderID).Update("shipped_at", at).Error)
}
