package model

import (
	"time"
)

// CommissionLedger 平台佣金流水
//
// 只追加，不修改，不删除. One entry per order.
type CommissionLedger struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	VendorID         int64     `gorm:"index;not null" json:"vendor_id"`
	OrderID          int64     `gorm:"uniqueIndex;not null" json:"order_id"`
	CommissionAmount int64     `gorm:"not null" json:"commission_amount"`
	RecordedAt       time.Time `gorm:"autoCreateTime;index" json:"recorded_at"`
}

func (CommissionLedger) TableName() string {
	return "commission_ledger"
}
