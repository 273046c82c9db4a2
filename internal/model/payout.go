package model

import (
	"time"
)

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusPaid       = "paid"
	PayoutStatusFailed     = "failed"
)

const (
	PayoutTriggerAutomatic     = "automatic"
	PayoutTriggerManual        = "manual"
	PayoutTriggerEscrowRelease = "escrow_release"
)

const (
	FeeBearerPlatform = "platform"
	FeeBearerVendor   = "vendor"
)

// Payout 出款记录
//
// Rows with trigger escrow_release record what an order earned; they carry no
// money movement of their own and are settled by the disbursement that
// sweeps the balance containing them. DebitedAmount is what left the vendor
// balance; Amount is what was sent to the vendor.
type Payout struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	VendorID          int64      `gorm:"index;not null" json:"vendor_id"`
	OrderID           *int64     `gorm:"uniqueIndex" json:"order_id,omitempty"`
	Amount            int64      `gorm:"not null" json:"amount"`
	Fee               int64      `gorm:"not null;default:0" json:"fee"`
	DebitedAmount     int64      `gorm:"not null;default:0" json:"debited_amount"`
	FeeBearer         string     `gorm:"type:varchar(20);not null" json:"fee_bearer"`
	Method            string     `gorm:"type:varchar(20)" json:"method"`
	Destination       string     `gorm:"type:varchar(32)" json:"destination,omitempty"`
	TrackingRef       *string    `gorm:"type:varchar(128);uniqueIndex" json:"tracking_ref,omitempty"`
	Status            string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TriggerType       string     `gorm:"type:varchar(20);index;not null" json:"trigger_type"`
	FailureReason     string     `gorm:"type:varchar(1024)" json:"failure_reason,omitempty"`
	SettledByPayoutID *int64     `gorm:"index" json:"settled_by_payout_id,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string {
	return "payout"
}

func (p *Payout) Tracking() string {
	if p.TrackingRef == nil {
		return ""
	}
	return *p.TrackingRef
}
