package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
)

// Repository issues the ledger's single-statement stock mutations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Increment(ctx context.Context, variantID uuid.UUID, qty int) (int64, error)
	Decrement(ctx context.Context, variantID uuid.UUID, qty int) (int64, error)
	Find(ctx context.Context, variantID uuid.UUID) (*models.StockCounter, error)
	InsertRestoration(ctx context.Context, entry *models.StockRestoration) error
	ListRestorations(ctx context.Context, checkoutID uuid.UUID) ([]models.StockRestoration, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an inventory repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Increment(ctx context.Context, variantID uuid.UUID, qty int) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE stock_counters
		SET stock_count = stock_count + ?,
			in_stock = TRUE,
			updated_at = CURRENT_TIMESTAMP
		WHERE variant_id = ?
	`, qty, variantID)
	return res.RowsAffected, res.Error
}

// Decrement never takes stock below zero: the guard leaves the row untouched
// when fewer than qty units remain.
func (r *repository) Decrement(ctx context.Context, variantID uuid.UUID, qty int) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE stock_counters
		SET stock_count = stock_count - ?,
			in_stock = (stock_count - ? > 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE variant_id = ? AND stock_count >= ?
	`, qty, qty, variantID, qty)
	return res.RowsAffected, res.Error
}

func (r *repository) Find(ctx context.Context, variantID uuid.UUID) (*models.StockCounter, error) {
	var counter models.StockCounter
	if err := r.db.WithContext(ctx).
		Where("variant_id = ?", variantID).
		First(&counter).Error; err != nil {
		return nil, err
	}
	return &counter, nil
}

func (r *repository) InsertRestoration(ctx context.Context, entry *models.StockRestoration) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListRestorations(ctx context.Context, checkoutID uuid.UUID) ([]models.StockRestoration, error) {
	var rows []models.StockRestoration
	err := r.db.WithContext(ctx).
		Where("checkout_id = ?", checkoutID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
