package model

import (
	"time"
)

const (
	OrderStatusPendingPayment            = "pending_payment"
	OrderStatusPaymentFailed             = "payment_failed"
	OrderStatusPendingVendorConfirmation = "pending_vendor_confirmation"
	OrderStatusVendorConfirmed           = "vendor_confirmed"
	OrderStatusShipped                   = "shipped"
	OrderStatusDelivered                 = "delivered"
	OrderStatusCompleted                 = "completed"
	OrderStatusCancelled                 = "cancelled"
	OrderStatusRefunded                  = "refunded"
	OrderStatusDisputed                  = "disputed"
)

// ValidStatusTransitions 订单状态机
//
// completed is only reachable from shipped, delivered or disputed, and those
// only from vendor_confirmed, which in turn requires pending_vendor_confirmation.
// An order therefore cannot skip the paid/confirmed/shipped path.
var ValidStatusTransitions = map[string][]string{
	OrderStatusPendingPayment:            {OrderStatusPendingVendorConfirmation, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaymentFailed:             {OrderStatusPendingPayment, OrderStatusPendingVendorConfirmation, OrderStatusCancelled},
	OrderStatusPendingVendorConfirmation: {OrderStatusVendorConfirmed, OrderStatusRefunded},
	OrderStatusVendorConfirmed:           {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:                   {OrderStatusDelivered, OrderStatusCompleted, OrderStatusDisputed},
	OrderStatusDelivered:                 {OrderStatusCompleted, OrderStatusDisputed},
	OrderStatusDisputed:                  {OrderStatusCompleted, OrderStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may move to targetStatus.
func SourcesOf(targetStatus string) []string {
	var sources []string
	for from, targets := range ValidStatusTransitions {
		for _, t := range targets {
			if t == targetStatus {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// Order 订单
// Total = Subtotal + ShippingFee and PayoutAmount = Total - CommissionAmount
// hold once the price validator has run.
type Order struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	BuyerID          int64      `gorm:"index;not null" json:"buyer_id"`
	VendorID         int64      `gorm:"index;not null" json:"vendor_id"`
	Subtotal         int64      `gorm:"not null" json:"subtotal"`
	ShippingFee      int64      `gorm:"not null;default:0" json:"shipping_fee"`
	Total            int64      `gorm:"not null" json:"total"`
	CommissionRate   string     `gorm:"type:varchar(16);not null" json:"commission_rate"`
	CommissionAmount int64      `gorm:"not null;default:0" json:"commission_amount"`
	PayoutAmount     int64      `gorm:"not null;default:0" json:"payout_amount"`
	ShippingAddress  string     `gorm:"type:varchar(256)" json:"shipping_address"`
	ShippingCity     string     `gorm:"type:varchar(64)" json:"shipping_city"`
	ShippingRegion   string     `gorm:"type:varchar(64)" json:"shipping_region"`
	Status           string     `gorm:"type:varchar(40);index;not null" json:"status"`
	DisputeReason    string     `gorm:"type:varchar(512)" json:"dispute_reason,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	ShippedAt        *time.Time `gorm:"index" json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DisputedAt       *time.Time `json:"disputed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	Version          int        `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem 订单行（下单时的价格快照）
type OrderItem struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64  `gorm:"index;not null" json:"order_id"`
	ProductID string `gorm:"type:varchar(64);not null" json:"product_id"`
	Quantity  int64  `gorm:"not null" json:"quantity"`
	UnitPrice int64  `gorm:"not null" json:"unit_price"`
}

func (OrderItem) TableName() string {
	return "order_item"
}

// ProductStock 商品库存
type ProductStock struct {
	ProductID string    `gorm:"type:varchar(64);primaryKey" json:"product_id"`
	VendorID  int64     `gorm:"index;not null" json:"vendor_id"`
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProductStock) TableName() string {
	return "product_stock"
}

// VendorRating is recorded at most once per order.
type VendorRating struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64     `gorm:"uniqueIndex;not null" json:"order_id"`
	VendorID  int64     `gorm:"index;not null" json:"vendor_id"`
	BuyerID   int64     `gorm:"not null" json:"buyer_id"`
	Score     int       `gorm:"not null" json:"score"`
	Comment   string    `gorm:"type:varchar(512)" json:"comment,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (VendorRating) TableName() string {
	return "vendor_rating"
}
