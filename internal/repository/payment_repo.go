package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentCaptured = errors.New("payment already captured")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) first(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.Payment, error) {
	if tx == nil {
		tx = r.db
	}
	var payment model.Payment
	err := tx.WithContext(ctx).Where(query, args...).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) GetByOrderAndGateway(ctx context.Context, orderID int64, gateway string) (*model.Payment, error) {
	return r.first(ctx, nil, "order_id = ? AND gateway = ?", orderID, gateway)
}

// GetByReference finds a payment by the rail's reference, falling back to
// our merchant reference for rails that echo it instead.
func (r *PaymentRepository) GetByReference(ctx context.Context, gateway, reference string) (*model.Payment, error) {
	payment, err := r.first(ctx, nil, "gateway = ? AND reference = ?", gateway, reference)
	if errors.Is(err, ErrPaymentNotFound) {
		return r.first(ctx, nil, "gateway = ? AND merchant_ref = ?", gateway, reference)
	}
	return payment, err
}

func (r *PaymentRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Payment, error) {
	return r.first(ctx, tx, "id = ?", id)
}

// Upsert writes the collection attempt keyed on (order, gateway), so a
// repeated collect for the same order and rail never adds a second row.
func (r *PaymentRepository) Upsert(ctx context.Context, tx *gorm.DB, payment *model.Payment) (*model.Payment, error) {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "order_id"}, {Name: "gateway"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"reference", "merchant_ref", "amount", "status", "checkout_url", "failure_reason", "metadata", "verified_at", "updated_at",
			}),
		}).
		Create(payment).Error
	if err != nil {
		return nil, err
	}
	return r.first(ctx, tx, "order_id = ? AND gateway = ?", payment.OrderID, payment.Gateway)
}

// MarkCaptured moves a pending payment to captured. It reports false when the
// payment was already handled.
func (r *PaymentRepository) MarkCaptured(ctx context.Context, tx *gorm.DB, id int64, metadata datatypes.JSON) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":         model.PaymentStatusCaptured,
			"metadata":       metadata,
			"verified_at":     now,
			"failure_reason":  "",
			"outcome_unknown": false,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed records a failure. A recoverable failure keeps the payment
// pending so that a retry on the same rail reuses the row.
func (r *PaymentRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id int64, reason string, recoverable bool, metadata datatypes.JSON) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"failure_reason":  truncate(reason, 512),
		"metadata":        metadata,
		"verified_at":     time.Now(),
		"outcome_unknown": false,
	}
	if !recoverable {
		updates["status"] = model.PaymentStatusFailed
	}
	result := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, model.PaymentStatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetStalePending returns pending payments that have not changed since
// before and can be asked about: those with a rail reference, and timed out
// attempts on rails that key charges on our merchant reference. Attempts that
// already failed recoverably are left for the buyer to retry.
func (r *PaymentRepository) GetStalePending(ctx context.Context, before time.Time, merchantRefGateways []string, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	query := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.PaymentStatusPending, before)
	if len(merchantRefGateways) > 0 {
		query = query.Where(
			"((reference IS NOT NULL AND (failure_reason = '' OR failure_reason IS NULL)) OR (outcome_unknown = ? AND gateway IN ?))",
			true, merchantRefGateways)
	} else {
		query = query.Where("reference IS NOT NULL AND (failure_reason = '' OR failure_reason IS NULL)")
	}
	err := query.
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// Touch bumps updated_at so a recheck sweep does not pick the row again
// immediately.
func (r *PaymentRepository) Touch(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

func (r *PaymentRepository) ListByOrderID(ctx context.Context, orderID int64) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&payments).Error
	return payments, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// AttachReference stores what the rail returned for a collection attempt.
func (r *PaymentRepository) AttachReference(ctx context.Context, id int64, reference, checkoutURL string, metadata datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"reference":       reference,
			"checkout_url":    checkoutURL,
			"metadata":        metadata,
			"outcome_unknown": false,
		}).Error
}

// Abandon marks an attempt that never reached the rail as failed.
func (r *PaymentRepository) Abandon(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":         model.PaymentStatusFailed,
			"failure_reason": truncate(reason, 512),
		}).Error
}

// MarkOutcomeUnknown records a collect call that timed out. The attempt
// stays pending until the rail can be asked about it.
func (r *PaymentRepository) MarkOutcomeUnknown(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"failure_reason":  truncate(reason, 512),
			"outcome_unknown": true,
		}).Error
}

// Restart reuses an attempt row for a new collection on the same rail. A
// captured row is never reset.
func (r *PaymentRepository) Restart(ctx context.Context, id int64, merchantRef string, amount int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ? AND status <> ?", id, model.PaymentStatusCaptured).
		Updates(map[string]interface{}{
			"reference":      nil,
			"merchant_ref":   merchantRef,
			"amount":         amount,
			"status":         model.PaymentStatusPending,
			"checkout_url":   "",
			"failure_reason":  "",
			"outcome_unknown": false,
			"verified_at":     nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPaymentCaptured
	}
	return nil
}
