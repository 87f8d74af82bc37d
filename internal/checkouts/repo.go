package checkouts

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
)

// Repository persists checkouts and their items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, checkout *models.Checkout) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Checkout, error)
	UpdatePaymentState(ctx context.Context, id uuid.UUID, change StateChange) (int64, error)
}

// StateChange moves a checkout's payment and order status in one statement.
// It only applies while the current payment status is one of From and, when
// FromOrder is set, the order status is one of FromOrder.
type StateChange struct {
	From          []enums.PaymentStatus
	FromOrder     []enums.OrderStatus
	PaymentStatus enums.PaymentStatus
	OrderStatus   *enums.OrderStatus
	TransactionID *string
	CancelReason  *string
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a checkout repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, checkout *models.Checkout) error {
	return r.db.WithContext(ctx).Create(checkout).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Checkout, error) {
	var checkout models.Checkout
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("id = ?", id).
		First(&checkout).Error
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// UpdatePaymentState issues the guarded checkout UPDATE and, when it matched,
// moves every item to the new order status. Callers run it inside a
// transaction so items never disagree with their checkout.
func (r *repository) UpdatePaymentState(ctx context.Context, id uuid.UUID, change StateChange) (int64, error) {
	updates := map[string]any{
		"payment_status": change.PaymentStatus,
	}
	if change.OrderStatus != nil {
		updates["order_status"] = *change.OrderStatus
	}
	if change.TransactionID != nil {
		updates["payment_transaction_id"] = *change.TransactionID
	}
	if change.CancelReason != nil {
		updates["cancel_reason"] = *change.CancelReason
	}

	query := r.db.WithContext(ctx).Model(&models.Checkout{}).Where("id = ?", id)
	if len(change.From) > 0 {
		query = query.Where("payment_status IN ?", change.From)
	}
	if len(change.FromOrder) > 0 {
		query = query.Where("order_status IN ?", change.FromOrder)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 || change.OrderStatus == nil {
		return res.RowsAffected, nil
	}

	if err := r.db.WithContext(ctx).
		Model(&models.CheckoutItem{}).
		Where("checkout_id = ?", id).
		Update("status", *change.OrderStatus).Error; err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}
