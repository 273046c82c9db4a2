package repository

import (
	"context"
	"errors"

	"settlement/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrProductNotFound = errors.New("product stock not found")

type InventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// DecrementStock lowers the stock of a product, never below zero.
func (r *InventoryRepository) DecrementStock(ctx context.Context, productID string, quantity int64) error {
	return r.db.WithContext(ctx).
		Model(&model.ProductStock{}).
		Where("product_id = ?", productID).
		UpdateColumn("stock", gorm.Expr("CASE WHEN stock > ? THEN stock - ? ELSE 0 END", quantity, quantity)).Error
}

func (r *InventoryRepository) SetStock(ctx context.Context, stock *model.ProductStock) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vendor_id", "stock", "updated_at"}),
		}).
		Create(stock).Error
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (*model.ProductStock, error) {
	var stock model.ProductStock
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &stock, nil
}

// CreateRating records the buyer's rating; a second rating for the same
// order is ignored.
func (r *InventoryRepository) CreateRating(ctx context.Context, rating *model.VendorRating) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(rating).Error
}
