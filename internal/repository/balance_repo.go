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
	ErrBalanceNotFound       = errors.New("vendor balance not found")
	ErrOptimisticLock        = errors.New("vendor balance changed concurrently, retry")
	ErrPayoutAccountNotFound = errors.New("vendor has no payout account")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByVendorID(ctx context.Context, tx *gorm.DB, vendorID int64) (*model.VendorBalance, error) {
	if tx == nil {
		tx = r.db
	}
	var balance model.VendorBalance
	err := tx.WithContext(ctx).Where("vendor_id = ?", vendorID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// Ensure creates the zero balance row for a vendor if it does not exist.
func (r *BalanceRepository) Ensure(ctx context.Context, tx *gorm.DB, vendorID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor_id"}},
			DoNothing: true,
		}).
		Create(&model.VendorBalance{VendorID: vendorID}).Error
}

func (r *BalanceRepository) GetOrCreate(ctx context.Context, vendorID int64) (*model.VendorBalance, error) {
	balance, err := r.GetByVendorID(ctx, nil, vendorID)
	if err == nil {
		return balance, nil
	}

	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	if err := r.Ensure(ctx, nil, vendorID); err != nil {
		return nil, err
	}

	return r.GetByVendorID(ctx, nil, vendorID)
}

// Credit adds a released escrow to the vendor's balance.
func (r *BalanceRepository) Credit(ctx context.Context, tx *gorm.DB, vendorID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	if err := r.Ensure(ctx, tx, vendorID); err != nil {
		return err
	}
	result := tx.WithContext(ctx).
		Model(&model.VendorBalance{}).
		Where("vendor_id = ?", vendorID).
		Updates(map[string]interface{}{
			"pending_balance": gorm.Expr("pending_balance + ?", amount),
			"total_earned":    gorm.Expr("total_earned + ?", amount),
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}

	return nil
}

// TakeAll zeroes the balance if it still holds exactly expected at version.
// Both payout paths go through it, so the same funds can only be taken once.
func (r *BalanceRepository) TakeAll(ctx context.Context, tx *gorm.DB, vendorID int64, expected int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.VendorBalance{}).
		Where("vendor_id = ? AND pending_balance = ? AND version = ?", vendorID, expected, version).
		Updates(map[string]interface{}{
			"pending_balance": 0,
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	return nil
}

// Restore puts back funds taken for a disbursement that did not happen.
func (r *BalanceRepository) Restore(ctx context.Context, tx *gorm.DB, vendorID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.VendorBalance{}).
		Where("vendor_id = ?", vendorID).
		Updates(map[string]interface{}{
			"pending_balance": gorm.Expr("pending_balance + ?", amount),
			"version":         gorm.Expr("version + 1"),
		}).Error
}

func (r *BalanceRepository) RecordPaidOut(ctx context.Context, tx *gorm.DB, vendorID int64, amount int64, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.VendorBalance{}).
		Where("vendor_id = ?", vendorID).
		Updates(map[string]interface{}{
			"total_paid_out": gorm.Expr("total_paid_out + ?", amount),
			"last_payout_at": at,
		}).Error
}

// ReversePaidOut undoes RecordPaidOut and returns the funds to the balance
// when the rail reports a disbursement failed after accepting it.
func (r *BalanceRepository) ReversePaidOut(ctx context.Context, tx *gorm.DB, vendorID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.VendorBalance{}).
		Where("vendor_id = ?", vendorID).
		Updates(map[string]interface{}{
			"total_paid_out":  gorm.Expr("total_paid_out - ?", amount),
			"pending_balance": gorm.Expr("pending_balance + ?", amount),
			"version":         gorm.Expr("version + 1"),
		}).Error
}

// ListAtLeast pages through vendors holding at least threshold, ordered by
// vendor id after afterVendorID.
func (r *BalanceRepository) ListAtLeast(ctx context.Context, threshold int64, afterVendorID int64, limit int) ([]*model.VendorBalance, error) {
	var balances []*model.VendorBalance
	err := r.db.WithContext(ctx).
		Where("pending_balance >= ? AND vendor_id > ?", threshold, afterVendorID).
		Order("vendor_id ASC").
		Limit(limit).
		Find(&balances).Error
	return balances, err
}

func (r *BalanceRepository) GetPayoutAccount(ctx context.Context, vendorID int64) (*model.VendorPayoutAccount, error) {
	var account model.VendorPayoutAccount
	err := r.db.WithContext(ctx).Where("vendor_id = ?", vendorID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *BalanceRepository) SavePayoutAccount(ctx context.Context, account *model.VendorPayoutAccount) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"method", "account_number", "account_name", "updated_at"}),
		}).
		Create(account).Error
}
