package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
)

// Repository persists payment intents keyed by provider order id.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, intent *models.PaymentIntent) error
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*models.PaymentIntent, error)
	FindOpenByCheckoutID(ctx context.Context, checkoutID uuid.UUID) (*models.PaymentIntent, error)
	TransitionFromCreated(ctx context.Context, providerOrderID string, update TerminalUpdate) (int64, error)
}

// TerminalUpdate is the column set written when an intent leaves created.
type TerminalUpdate struct {
	Status            enums.IntentStatus
	ProviderPaymentID *string
	Signature         *string
	FailureReason     *string
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payment intent repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, intent *models.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *repository) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).
		Where("provider_order_id = ?", providerOrderID).
		First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// FindOpenByCheckoutID returns the newest intent still in created for the checkout.
func (r *repository) FindOpenByCheckoutID(ctx context.Context, checkoutID uuid.UUID) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).
		Where("checkout_id = ? AND status = ?", checkoutID, enums.IntentStatusCreated).
		Order("created_at DESC").
		First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// TransitionFromCreated is the compare-and-set used to settle an intent. Zero
// rows affected means another caller already moved it out of created.
func (r *repository) TransitionFromCreated(ctx context.Context, providerOrderID string, update TerminalUpdate) (int64, error) {
	updates := map[string]any{
		"status": update.Status,
	}
	if update.ProviderPaymentID != nil {
		updates["provider_payment_id"] = *update.ProviderPaymentID
	}
	if update.Signature != nil {
		updates["signature"] = *update.Signature
	}
	if update.FailureReason != nil {
		updates["failure_reason"] = *update.FailureReason
	}

	res := r.db.WithContext(ctx).
		Model(&models.PaymentIntent{}).
		Where("provider_order_id = ? AND status = ?", providerOrderID, enums.IntentStatusCreated).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
