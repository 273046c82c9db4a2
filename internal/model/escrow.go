package model

import (
	"time"
)

const (
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// EscrowTransaction 托管记录，每个订单唯一，只从 held 迁移一次
type EscrowTransaction struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID          int64      `gorm:"uniqueIndex;not null" json:"order_id"`
	VendorID         int64      `gorm:"index;not null" json:"vendor_id"`
	Status           string     `gorm:"type:varchar(20);index;not null" json:"status"`
	HeldAmount       int64      `gorm:"not null" json:"held_amount"`
	CommissionAmount int64      `gorm:"not null" json:"commission_amount"`
	ReleaseAmount    int64      `gorm:"not null" json:"release_amount"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EscrowTransaction) TableName() string {
	return "escrow_transaction"
}
