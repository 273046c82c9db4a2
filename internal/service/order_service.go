package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"settlement/internal/config"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderService struct {
	db             *gorm.DB
	cfg            *config.Config
	orderRepo      *repository.OrderRepository
	escrowRepo     *repository.EscrowRepository
	balanceRepo    *repository.BalanceRepository
	commissionRepo *repository.CommissionRepository
	payoutRepo     *repository.PayoutRepository
	inventoryRepo  *repository.InventoryRepository
	outboxRepo     *repository.OutboxRepository
	metrics        *metrics.SettlementMetrics
	logger         *slog.Logger
}

func NewOrderService(db *gorm.DB, cfg *config.Config, m *metrics.SettlementMetrics, logger *slog.Logger) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		db:             db,
		cfg:            cfg,
		orderRepo:      repository.NewOrderRepository(db),
		escrowRepo:     repository.NewEscrowRepository(db),
		balanceRepo:    repository.NewBalanceRepository(db),
		commissionRepo: repository.NewCommissionRepository(db),
		payoutRepo:     repository.NewPayoutRepository(db),
		inventoryRepo:  repository.NewInventoryRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db, cfg.Kafka.Topic.SettlementEvents),
		metrics:        m,
		logger:         logger.With(slog.String("component", "order_service")),
	}
}

type OrderItemInput struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required,gt=0"`
	UnitPrice int64  `json:"unit_price" binding:"gte=0"`
}

// CreateOrderRequest is what the storefront submits at checkout. ShippingFee
// and Total are the client's figures; they are kept only until the price
// validator overwrites them before the first collect.
type CreateOrderRequest struct {
	VendorID        int64            `json:"vendor_id" binding:"required"`
	Items           []OrderItemInput `json:"items" binding:"required,min=1,dive"`
	ShippingAddress string           `json:"shipping_address"`
	ShippingCity    string           `json:"shipping_city"`
	ShippingRegion  string           `json:"shipping_region"`
	ShippingFee     int64            `json:"shipping_fee"`
	Total           int64            `json:"total"`
}

type RatingInput struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// CreateOrder 创建订单
func (s *OrderService) CreateOrder(ctx context.Context, buyerID int64, req *CreateOrderRequest) (*model.Order, error) {
	if req.VendorID <= 0 {
		return nil, invalidf("vendor_id is required")
	}
	if len(req.Items) == 0 {
		return nil, invalidf("an order needs at least one item")
	}

	var subtotal int64
	items := make([]model.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" || it.Quantity <= 0 || it.UnitPrice < 0 {
			return nil, invalidf("invalid item %q", it.ProductID)
		}
		subtotal += it.Quantity * it.UnitPrice
		items = append(items, model.OrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	rate, err := decimal.NewFromString(s.cfg.Settlement.CommissionRate)
	if err != nil {
		return nil, fmt.Errorf("commission rate: %w", err)
	}

	order := &model.Order{
		OrderNo:         idgen.GenerateOrderNo(),
		BuyerID:         buyerID,
		VendorID:        req.VendorID,
		Subtotal:        subtotal,
		ShippingFee:     req.ShippingFee,
		Total:           req.Total,
		CommissionRate:  rate.String(),
		ShippingAddress: req.ShippingAddress,
		ShippingCity:    req.ShippingCity,
		ShippingRegion:  req.ShippingRegion,
		Status:          model.OrderStatusPendingPayment,
		Items:           items,
	}
	if order.Total == 0 {
		order.Total = subtotal + order.ShippingFee
	}

	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}
	return order, nil
}

// Get returns an order visible to the caller.
func (s *OrderService) Get(ctx context.Context, caller Caller, orderNo string) (*model.Order, error) {
	order, err := s.load(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	switch {
	case caller.IsAdmin():
	case caller.Role == RoleBuyer && order.BuyerID == caller.ID:
	case caller.Role == RoleVendor && order.VendorID == caller.ID:
	default:
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderService) List(ctx context.Context, caller Caller, page, pageSize int) ([]*model.Order, int64, error) {
	page, pageSize = pageBounds(page, pageSize)
	if caller.Role == RoleVendor {
		return s.orderRepo.ListByVendorID(ctx, caller.ID, page, pageSize)
	}
	return s.orderRepo.ListByBuyerID(ctx, caller.ID, page, pageSize)
}

func (s *OrderService) load(ctx context.Context, orderNo string) (*model.Order, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderNo)
		}
		return nil, err
	}
	return order, nil
}

func (s *OrderService) loadForBuyer(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error) {
	order, err := s.load(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderService) loadForVendor(ctx context.Context, vendorID int64, orderNo string) (*model.Order, error) {
	order, err := s.load(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.VendorID != vendorID {
		return nil, ErrForbidden
	}
	return order, nil
}

// transition runs a single status change outside any other write.
func (s *OrderService) transition(ctx context.Context, order *model.Order, from []string, to string, extra map[string]interface{}) error {
	err := s.orderRepo.Transition(ctx, nil, order.ID, from, to, extra)
	if err != nil {
		return s.stateError(order, to, err)
	}
	s.metrics.RecordTransition(to)
	order.Status = to
	return nil
}

func (s *OrderService) stateError(order *model.Order, to string, err error) error {
	if errors.Is(err, repository.ErrOrderStatusInvalid) || errors.Is(err, repository.ErrEscrowNotHeld) {
		return conflictf("order %s is %s and cannot become %s", order.OrderNo, order.Status, to)
	}
	return err
}

func (s *OrderService) VendorAccept(ctx context.Context, vendorID int64, orderNo string) (*model.Order, error) {
	order, err := s.loadForVendor(ctx, vendorID, orderNo)
	if err != nil {
		return nil, err
	}
	err = s.transition(ctx, order, []string{model.OrderStatusPendingVendorConfirmation}, model.OrderStatusVendorConfirmed, nil)
	return order, err
}

// VendorReject refunds a paid order the vendor will not fulfil.
func (s *OrderService) VendorReject(ctx context.Context, vendorID int64, orderNo, reason string) (*model.Order, error) {
	order, err := s.loadForVendor(ctx, vendorID, orderNo)
	if err != nil {
		return nil, err
	}
	from := []string{model.OrderStatusPendingVendorConfirmation, model.OrderStatusVendorConfirmed}
	if err := s.refund(ctx, order, from, "vendor_rejected: "+reason); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) Ship(ctx context.Context, vendorID int64, orderNo string) (*model.Order, error) {
	order, err := s.loadForVendor(ctx, vendorID, orderNo)
	if err != nil {
		return nil, err
	}
	err = s.transition(ctx, order, []string{model.OrderStatusVendorConfirmed}, model.OrderStatusShipped, nil)
	return order, err
}

func (s *OrderService) MarkDelivered(ctx context.Context, vendorID int64, orderNo string) (*model.Order, error) {
	order, err := s.loadForVendor(ctx, vendorID, orderNo)
	if err != nil {
		return nil, err
	}
	err = s.transition(ctx, order, []string{model.OrderStatusShipped}, model.OrderStatusDelivered, nil)
	return order, err
}

// Cancel 取消未支付订单
func (s *OrderService) Cancel(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error) {
	order, err := s.loadForBuyer(ctx, buyerID, orderNo)
	if err != nil {
		return nil, err
	}
	from := []string{model.OrderStatusPendingPayment, model.OrderStatusPaymentFailed}
	err = s.transition(ctx, order, from, model.OrderStatusCancelled, nil)
	return order, err
}

// ConfirmDelivery completes the order on the buyer's word and releases the
// escrow to the vendor.
func (s *OrderService) ConfirmDelivery(ctx context.Context, buyerID int64, orderNo string, rating *RatingInput) (*model.Order, error) {
	if rating != nil && (rating.Score < 1 || rating.Score > 5) {
		return nil, invalidf("rating score must be between 1 and 5")
	}
	order, err := s.loadForBuyer(ctx, buyerID, orderNo)
	if err != nil {
		return nil, err
	}
	from := []string{model.OrderStatusShipped, model.OrderStatusDelivered}
	if err := s.complete(ctx, order, from, rating); err != nil {
		return nil, err
	}
	return order, nil
}

// Dispute freezes the escrow until an admin resolves the order.
func (s *OrderService) Dispute(ctx context.Context, buyerID int64, orderNo, reason string) (*model.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalidf("a dispute needs a reason")
	}
	order, err := s.loadForBuyer(ctx, buyerID, orderNo)
	if err != nil {
		return nil, err
	}

	from := []string{model.OrderStatusShipped, model.OrderStatusDelivered}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{"dispute_reason": truncate(reason, 512)}
		if err := s.orderRepo.Transition(ctx, tx, order.ID, from, model.OrderStatusDisputed, extra); err != nil {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventOrderDisputed, order.OrderNo, map[string]interface{}{
			"order_no":  order.OrderNo,
			"buyer_id":  order.BuyerID,
			"vendor_id": order.VendorID,
			"reason":    reason,
		})
	})
	if err != nil {
		return nil, s.stateError(order, model.OrderStatusDisputed, err)
	}

	s.metrics.RecordTransition(model.OrderStatusDisputed)
	order.Status = model.OrderStatusDisputed
	order.DisputeReason = reason
	return order, nil
}

// Resolve 管理员裁决纠纷：放款给商家或退款给买家
func (s *OrderService) Resolve(ctx context.Context, orderNo, resolution string) (*model.Order, error) {
	order, err := s.load(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	from := []string{model.OrderStatusDisputed}
	switch resolution {
	case ResolutionRelease:
		err = s.complete(ctx, order, from, nil)
	case ResolutionRefund:
		err = s.refund(ctx, order, from, "dispute_resolved_refund")
	default:
		return nil, invalidf("resolution must be %q or %q", ResolutionRelease, ResolutionRefund)
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// AutoRelease completes orders the buyer neither confirmed nor disputed
// within the release window after shipment. Orders already moved on by a
// concurrent confirmation or dispute are skipped.
func (s *OrderService) AutoRelease(ctx context.Context, limit int) (int, error) {
	cutoff := time.Now().Add(-s.cfg.Settlement.AutoReleaseAfter)
	orders, err := s.orderRepo.GetReleasable(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, order := range orders {
		from := []string{model.OrderStatusShipped, model.OrderStatusDelivered}
		if err := s.complete(ctx, order, from, nil); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			s.logger.Error("auto release failed",
				slog.String("order_no", order.OrderNo),
				slog.Any("error", err))
			continue
		}
		released++
	}
	return released, nil
}

// complete moves the order to completed and releases its escrow.
//
// The status change, escrow release, balance credit, commission entry and
// release payout row commit together. Stock and rating are written after
// the commit; their failures are logged and leave the money where it is.
func (s *OrderService) complete(ctx context.Context, order *model.Order, from []string, rating *RatingInput) error {
	var escrow *model.EscrowTransaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Transition(ctx, tx, order.ID, from, model.OrderStatusCompleted, nil); err != nil {
			return err
		}

		var err error
		escrow, err = s.escrowRepo.GetByOrderID(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("load escrow: %w", err)
		}
		if err := s.escrowRepo.Release(ctx, tx, order.ID); err != nil {
			return err
		}

		// Credit locks the balance row before the payout insert below.
		if err := s.balanceRepo.Credit(ctx, tx, order.VendorID, escrow.ReleaseAmount); err != nil {
			return fmt.Errorf("credit vendor balance: %w", err)
		}

		if escrow.CommissionAmount > 0 {
			entry := &model.CommissionLedger{
				VendorID:         order.VendorID,
				OrderID:          order.ID,
				CommissionAmount: escrow.CommissionAmount,
			}
			if err := s.commissionRepo.Append(ctx, tx, entry); err != nil {
				return fmt.Errorf("record commission: %w", err)
			}
		}

		orderID := order.ID
		payout := &model.Payout{
			PayoutNo:      idgen.GeneratePayoutNo(),
			VendorID:      order.VendorID,
			OrderID:       &orderID,
			Amount:        escrow.ReleaseAmount,
			DebitedAmount: 0,
			FeeBearer:     model.FeeBearerPlatform,
			Status:        model.PayoutStatusPending,
			TriggerType:   model.PayoutTriggerEscrowRelease,
		}
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			return fmt.Errorf("record release payout: %w", err)
		}

		if err := s.outboxRepo.Enqueue(ctx, tx, model.EventOrderCompleted, order.OrderNo, map[string]interface{}{
			"order_no":  order.OrderNo,
			"buyer_id":  order.BuyerID,
			"vendor_id": order.VendorID,
			"total":     order.Total,
		}); err != nil {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventEscrowReleased, order.OrderNo, map[string]interface{}{
			"order_no":   order.OrderNo,
			"vendor_id":  order.VendorID,
			"held":       escrow.HeldAmount,
			"commission": escrow.CommissionAmount,
			"released":   escrow.ReleaseAmount,
			"payout_no":  payout.PayoutNo,
		})
	})
	if err != nil {
		return s.stateError(order, model.OrderStatusCompleted, err)
	}

	order.Status = model.OrderStatusCompleted
	s.metrics.RecordTransition(model.OrderStatusCompleted)
	s.metrics.RecordRelease(s.cfg.Settlement.Currency, escrow.ReleaseAmount, escrow.CommissionAmount)
	s.logger.Info("escrow released",
		slog.String("order_no", order.OrderNo),
		slog.Int64("vendor_id", order.VendorID),
		slog.Int64("released", escrow.ReleaseAmount),
		slog.Int64("commission", escrow.CommissionAmount))

	for _, item := range order.Items {
		if err := s.inventoryRepo.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("stock decrement failed after completion",
				slog.String("order_no", order.OrderNo),
				slog.String("product_id", item.ProductID),
				slog.Any("error", err))
		}
	}

	if rating != nil {
		err := s.inventoryRepo.CreateRating(ctx, &model.VendorRating{
			OrderID:  order.ID,
			VendorID: order.VendorID,
			BuyerID:  order.BuyerID,
			Score:    rating.Score,
			Comment:  truncate(rating.Comment, 512),
		})
		if err != nil {
			s.logger.Error("vendor rating not recorded",
				slog.String("order_no", order.OrderNo),
				slog.Any("error", err))
		}
	}
	return nil
}

// refund 退款：订单转为 refunded，托管资金退回
func (s *OrderService) refund(ctx context.Context, order *model.Order, from []string, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Transition(ctx, tx, order.ID, from, model.OrderStatusRefunded, nil); err != nil {
			return err
		}
		escrow, err := s.escrowRepo.GetByOrderID(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("load escrow: %w", err)
		}
		if err := s.escrowRepo.Refund(ctx, tx, order.ID); err != nil {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventEscrowRefunded, order.OrderNo, map[string]interface{}{
			"order_no": order.OrderNo,
			"buyer_id": order.BuyerID,
			"amount":   escrow.HeldAmount,
			"reason":   reason,
		})
	})
	if err != nil {
		return s.stateError(order, model.OrderStatusRefunded, err)
	}

	order.Status = model.OrderStatusRefunded
	s.metrics.RecordTransition(model.OrderStatusRefunded)
	s.logger.Info("escrow refunded", slog.String("order_no", order.OrderNo), slog.String("reason", reason))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SetStock sets the stock a vendor holds for a product. Completed orders
// draw it down.
func (s *OrderService) SetStock(ctx context.Context, vendorID int64, productID string, stock int64) (*model.ProductStock, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, invalidf("product id is required")
	}
	if stock < 0 {
		return nil, invalidf("stock must not be negative")
	}
	current, err := s.inventoryRepo.Get(ctx, productID)
	switch {
	case err == nil && current.VendorID != vendorID:
		return nil, ErrForbidden
	case err != nil && !errors.Is(err, repository.ErrProductNotFound):
		return nil, err
	}

	row := &model.ProductStock{ProductID: productID, VendorID: vendorID, Stock: stock}
	if err := s.inventoryRepo.SetStock(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *OrderService) Stock(ctx context.Context, vendorID int64, productID string) (*model.ProductStock, error) {
	stock, err := s.inventoryRepo.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
		}
		return nil, err
	}
	if stock.VendorID != vendorID {
		return nil, ErrForbidden
	}
	return stock, nil
}

// OrderSettlement is what an order's money did: the escrow hold, the
// release credited to the vendor and the commission the platform kept.
// Release and Commission stay nil until the order completes.
type OrderSettlement struct {
	OrderNo    string                   `json:"order_no"`
	Status     string                   `json:"status"`
	Escrow     *model.EscrowTransaction `json:"escrow,omitempty"`
	Release    *model.Payout            `json:"release,omitempty"`
	Commission *model.CommissionLedger  `json:"commission,omitempty"`
}

// Settlement 查询订单结算明细
func (s *OrderService) Settlement(ctx context.Context, vendorID int64, orderNo string) (*OrderSettlement, error) {
	order, err := s.loadForVendor(ctx, vendorID, orderNo)
	if err != nil {
		return nil, err
	}
	out := &OrderSettlement{OrderNo: order.OrderNo, Status: order.Status}

	out.Escrow, err = s.escrowRepo.GetByOrderID(ctx, nil, order.ID)
	if err != nil && !errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, err
	}
	out.Release, err = s.payoutRepo.GetByOrderID(ctx, order.ID)
	if err != nil && !errors.Is(err, repository.ErrPayoutNotFound) {
		return nil, err
	}
	out.Commission, err = s.commissionRepo.GetByOrderID(ctx, order.ID)
	if err != nil && !errors.Is(err, repository.ErrCommissionNotFound) {
		return nil, err
	}
	return out, nil
}
