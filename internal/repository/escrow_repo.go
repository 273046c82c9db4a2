package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrEscrowNotHeld  = errors.New("escrow is not held")
)

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

// CreateIfAbsent inserts the escrow hold unless the order already has one.
// It reports whether a row was inserted.
func (r *EscrowRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, escrow *model.EscrowTransaction) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(escrow)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *EscrowRepository) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) (*model.EscrowTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var escrow model.EscrowTransaction
	err := tx.WithContext(ctx).Where("order_id = ?", orderID).First(&escrow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

// Release moves a held escrow to released. Held is the only state it can
// leave, and it leaves it once.
func (r *EscrowRepository) Release(ctx context.Context, tx *gorm.DB, orderID int64) error {
	return r.leaveHeld(ctx, tx, orderID, model.EscrowStatusReleased, "released_at")
}

func (r *EscrowRepository) Refund(ctx context.Context, tx *gorm.DB, orderID int64) error {
	return r.leaveHeld(ctx, tx, orderID, model.EscrowStatusRefunded, "refunded_at")
}

func (r *EscrowRepository) leaveHeld(ctx context.Context, tx *gorm.DB, orderID int64, status, stampColumn string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.EscrowTransaction{}).
		Where("order_id = ? AND status = ?", orderID, model.EscrowStatusHeld).
		Updates(map[string]interface{}{
			"status":    status,
			stampColumn: time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEscrowNotHeld
	}
	return nil
}
