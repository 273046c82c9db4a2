package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderStatusInvalid = errors.New("order status does not allow this transition")
)

// timestampColumn is stamped when an order enters the status.
var timestampColumn = map[string]string{
	model.OrderStatusPendingVendorConfirmation: "paid_at",
	model.OrderStatusVendorConfirmed:           "confirmed_at",
	model.OrderStatusShipped:                   "shipped_at",
	model.OrderStatusDelivered:                 "delivered_at",
	model.OrderStatusCompleted:                 "completed_at",
	model.OrderStatusDisputed:                  "disputed_at",
	model.OrderStatusCancelled:                 "cancelled_at",
}

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order together with its items.
func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Order, error) {
	if tx == nil {
		tx = r.db
	}
	var order model.Order
	err := tx.WithContext(ctx).Preload("Items").Where("id = ?", id).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// Transition moves the order to toStatus if it is currently in one of
// fromStatuses and the state machine allows the move. The WHERE clause makes
// concurrent or repeated transitions race-free: exactly one caller wins and
// the rest get ErrOrderStatusInvalid.
func (r *OrderRepository) Transition(ctx context.Context, tx *gorm.DB, orderID int64, fromStatuses []string, toStatus string, extra map[string]interface{}) error {
	allowed := make([]string, 0, len(fromStatuses))
	for _, from := range fromStatuses {
		if model.CanTransitionTo(from, toStatus) {
			allowed = append(allowed, from)
		}
	}
	if len(allowed) == 0 {
		return ErrOrderStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}
	if col, ok := timestampColumn[toStatus]; ok {
		updates[col] = time.Now()
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status IN ?", orderID, allowed).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	return nil
}

// UpdatePricing persists server-computed amounts. Only unpaid orders can be
// repriced.
func (r *OrderRepository) UpdatePricing(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status IN ?", order.ID, []string{model.OrderStatusPendingPayment, model.OrderStatusPaymentFailed}).
		Updates(map[string]interface{}{
			"shipping_fee":      order.ShippingFee,
			"total":             order.Total,
			"commission_rate":   order.CommissionRate,
			"commission_amount": order.CommissionAmount,
			"payout_amount":     order.PayoutAmount,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

// GetReleasable returns shipped or delivered orders whose shipment is older
// than shippedBefore.
func (r *OrderRepository) GetReleasable(ctx context.Context, shippedBefore time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("status IN ? AND shipped_at < ?", []string{model.OrderStatusShipped, model.OrderStatusDelivered}, shippedBefore).
		Order("shipped_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByBuyerID(ctx context.Context, buyerID int64, page, pageSize int) ([]*model.Order, int64, error) {
	return r.list(ctx, "buyer_id = ?", buyerID, page, pageSize)
}

func (r *OrderRepository) ListByVendorID(ctx context.Context, vendorID int64, page, pageSize int) ([]*model.Order, int64, error) {
	return r.list(ctx, "vendor_id = ?", vendorID, page, pageSize)
}

func (r *OrderRepository) list(ctx context.Context, cond string, id int64, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where(cond, id)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
