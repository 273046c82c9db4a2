package model

import (
	"time"
)

// VendorBalance 商家余额
// PendingBalance is only changed with arithmetic UPDATE expressions or a
// version-guarded swap, never by writing back a value read earlier.
type VendorBalance struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	VendorID       int64      `gorm:"uniqueIndex;not null" json:"vendor_id"`
	PendingBalance int64      `gorm:"not null;default:0;index" json:"pending_balance"`
	TotalEarned    int64      `gorm:"not null;default:0" json:"total_earned"`
	TotalPaidOut   int64      `gorm:"not null;default:0" json:"total_paid_out"`
	LastPayoutAt   *time.Time `json:"last_payout_at,omitempty"`
	Version        int        `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VendorBalance) TableName() string {
	return "vendor_balance"
}

// VendorPayoutAccount 商家收款账户
type VendorPayoutAccount struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	VendorID      int64     `gorm:"uniqueIndex;not null" json:"vendor_id"`
	Method        string    `gorm:"type:varchar(20);not null" json:"method"`
	AccountNumber string    `gorm:"type:varchar(32);not null" json:"account_number"`
	AccountName   string    `gorm:"type:varchar(128)" json:"account_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VendorPayoutAccount) TableName() string {
	return "vendor_payout_account"
}
