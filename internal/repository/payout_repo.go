package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrPayoutStatusInvalid = errors.New("payout status does not allow this change")
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.Payout) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payout).Error
}

func (r *PayoutRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Payout, error) {
	var payout model.Payout
	err := r.db.WithContext(ctx).Where(query, args...).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (r *PayoutRepository) GetByPayoutNo(ctx context.Context, payoutNo string) (*model.Payout, error) {
	return r.first(ctx, "payout_no = ?", payoutNo)
}

// GetByTracking finds a disbursement by the id the rail reports results
// under.
func (r *PayoutRepository) GetByTracking(ctx context.Context, method, trackingRef string) (*model.Payout, error) {
	return r.first(ctx, "method = ? AND tracking_ref = ?", method, trackingRef)
}

// GetByOrderID returns the escrow_release row an order's completion wrote.
func (r *PayoutRepository) GetByOrderID(ctx context.Context, orderID int64) (*model.Payout, error) {
	return r.first(ctx, "order_id = ?", orderID)
}

// ListStale returns disbursements in status that have not changed since
// before. Escrow release rows are not disbursements and are never returned.
// An empty methods list matches every rail.
func (r *PayoutRepository) ListStale(ctx context.Context, status string, methods []string, before time.Time, limit int) ([]*model.Payout, error) {
	var payouts []*model.Payout
	query := r.db.WithContext(ctx).
		Where("status = ? AND trigger_type <> ? AND updated_at < ?", status, model.PayoutTriggerEscrowRelease, before)
	if len(methods) > 0 {
		query = query.Where("method IN ?", methods)
	}
	err := query.Order("updated_at ASC").Limit(limit).Find(&payouts).Error
	return payouts, err
}

// Touch bumps updated_at so a recheck does not pick the row again at once.
func (r *PayoutRepository) Touch(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

func (r *PayoutRepository) transition(ctx context.Context, tx *gorm.DB, id int64, from []string, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}
	return nil
}

// MarkProcessing records that the rail accepted the disbursement, or that
// its outcome is unknown and a result callback is awaited.
func (r *PayoutRepository) MarkProcessing(ctx context.Context, tx *gorm.DB, id int64, trackingRef, note string) error {
	updates := map[string]interface{}{
		"status":         model.PayoutStatusProcessing,
		"failure_reason": truncate(note, 1024),
	}
	if trackingRef != "" {
		updates["tracking_ref"] = trackingRef
	}
	return r.transition(ctx, tx, id, []string{model.PayoutStatusPending}, updates)
}

func (r *PayoutRepository) MarkPaid(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	return r.transition(ctx, tx, id, []string{model.PayoutStatusProcessing}, map[string]interface{}{
		"status":         model.PayoutStatusPaid,
		"paid_at":        at,
		"failure_reason": "",
	})
}

func (r *PayoutRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id int64, from []string, reason string) error {
	return r.transition(ctx, tx, id, from, map[string]interface{}{
		"status":         model.PayoutStatusFailed,
		"failure_reason": truncate(reason, 1024),
	})
}

// ClaimReleases links every unsettled escrow_release row of the vendor to the
// disbursement that is sweeping them.
func (r *PayoutRepository) ClaimReleases(ctx context.Context, tx *gorm.DB, vendorID, payoutID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("vendor_id = ? AND trigger_type = ? AND status = ?", vendorID, model.PayoutTriggerEscrowRelease, model.PayoutStatusPending).
		Updates(map[string]interface{}{
			"status":               model.PayoutStatusProcessing,
			"settled_by_payout_id": payoutID,
		}).Error
}

// SettleReleases marks the rows claimed by payoutID as paid.
func (r *PayoutRepository) SettleReleases(ctx context.Context, tx *gorm.DB, payoutID int64, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("settled_by_payout_id = ? AND trigger_type = ?", payoutID, model.PayoutTriggerEscrowRelease).
		Updates(map[string]interface{}{
			"status":  model.PayoutStatusPaid,
			"paid_at": at,
		}).Error
}

// ReleaseClaims returns the rows claimed by a failed disbursement to pending.
func (r *PayoutRepository) ReleaseClaims(ctx context.Context, tx *gorm.DB, payoutID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("settled_by_payout_id = ? AND trigger_type = ?", payoutID, model.PayoutTriggerEscrowRelease).
		Updates(map[string]interface{}{
			"status":               model.PayoutStatusPending,
			"settled_by_payout_id": nil,
		}).Error
}

func (r *PayoutRepository) ListByVendorID(ctx context.Context, vendorID int64, page, pageSize int) ([]*model.Payout, int64, error) {
	var payouts []*model.Payout
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Payout{}).Where("vendor_id = ?", vendorID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payouts).Error

	return payouts, total, err
}
