package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCommissionNotFound = errors.New("commission entry not found")

// CommissionRepository writes the append-only platform revenue ledger.
// There is no update or delete.
type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

// Append records the commission for an order once.
func (r *CommissionRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.CommissionLedger) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(entry).Error
}

func (r *CommissionRepository) GetByOrderID(ctx context.Context, orderID int64) (*model.CommissionLedger, error) {
	var entry model.CommissionLedger
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *CommissionRepository) ListByVendorID(ctx context.Context, vendorID int64, page, pageSize int) ([]*model.CommissionLedger, int64, error) {
	var entries []*model.CommissionLedger
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CommissionLedger{}).Where("vendor_id = ?", vendorID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("recorded_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// Total sums commission recorded in [from, to).
func (r *CommissionRepository) Total(ctx context.Context, from, to time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.CommissionLedger{}).
		Where("recorded_at >= ? AND recorded_at < ?", from, to).
		Select("COALESCE(SUM(commission_amount), 0)").
		Scan(&total).Error
	return total, err
}
