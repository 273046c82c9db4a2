package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProviderConfigRepository persists gateway tokens and one-time setup ids.
// It satisfies gateway.ProviderStore.
type ProviderConfigRepository struct {
	db *gorm.DB
}

func NewProviderConfigRepository(db *gorm.DB) *ProviderConfigRepository {
	return &ProviderConfigRepository{db: db}
}

func (r *ProviderConfigRepository) get(ctx context.Context, gateway string) (*model.ProviderConfig, error) {
	var cfg model.ProviderConfig
	err := r.db.WithContext(ctx).Where("gateway = ?", gateway).First(&cfg).Error
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *ProviderConfigRepository) upsert(ctx context.Context, cfg *model.ProviderConfig, columns ...string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway"}},
			DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
		}).
		Create(cfg).Error
}

func (r *ProviderConfigRepository) LoadToken(ctx context.Context, gateway string) (string, time.Time, error) {
	cfg, err := r.get(ctx, gateway)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, err
	}
	if cfg.TokenExpiresAt == nil {
		return cfg.AccessToken, time.Time{}, nil
	}
	return cfg.AccessToken, *cfg.TokenExpiresAt, nil
}

func (r *ProviderConfigRepository) SaveToken(ctx context.Context, gateway, token string, expiresAt time.Time) error {
	cfg := &model.ProviderConfig{Gateway: gateway, AccessToken: token}
	if !expiresAt.IsZero() {
		cfg.TokenExpiresAt = &expiresAt
	}
	return r.upsert(ctx, cfg, "access_token", "token_expires_at")
}

func (r *ProviderConfigRepository) LoadCallbackID(ctx context.Context, gateway string) (string, error) {
	cfg, err := r.get(ctx, gateway)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return cfg.CallbackID, nil
}

func (r *ProviderConfigRepository) SaveCallbackID(ctx context.Context, gateway, callbackID string) error {
	return r.upsert(ctx, &model.ProviderConfig{Gateway: gateway, CallbackID: callbackID}, "callback_id")
}
