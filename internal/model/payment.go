package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusCaptured = "captured"
	PaymentStatusFailed   = "failed"
)

// Payment 支付尝试
// One row per (order, gateway): a second collect on the same rail reuses the row.
type Payment struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       int64          `gorm:"uniqueIndex:ux_payment_order_gateway,priority:1;not null" json:"order_id"`
	Gateway       string         `gorm:"type:varchar(20);uniqueIndex:ux_payment_order_gateway,priority:2;uniqueIndex:ux_payment_gateway_ref,priority:1;not null" json:"gateway"`
	Reference     *string        `gorm:"type:varchar(128);uniqueIndex:ux_payment_gateway_ref,priority:2" json:"reference,omitempty"`
	MerchantRef   string         `gorm:"type:varchar(32);index;not null" json:"merchant_ref"`
	Amount        int64          `gorm:"not null" json:"amount"`
	Status        string         `gorm:"type:varchar(20);index;not null" json:"status"`
	CheckoutURL   string         `gorm:"type:varchar(512)" json:"checkout_url,omitempty"`
	FailureReason string         `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	// OutcomeUnknown is set when the collect call timed out, so the rail may
	// have sent a prompt that no reference was returned for.
	OutcomeUnknown bool `gorm:"not null;default:false" json:"outcome_unknown,omitempty"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	VerifiedAt    *time.Time     `json:"verified_at,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payment"
}

func (p *Payment) Ref() string {
	if p.Reference == nil {
		return ""
	}
	return *p.Reference
}
