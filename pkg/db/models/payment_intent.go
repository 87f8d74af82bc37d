package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
)

// PaymentIntent records one provider order created for a checkout. AmountMinor
// is the canonical amount in the currency's minor unit.
type PaymentIntent struct {
	ID                uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	ProviderOrderID   string             `gorm:"column:provider_order_id;not null;uniqueIndex:ux_payment_intents_provider_order_id"`
	UserID            uuid.UUID          `gorm:"column:user_id;type:uuid;not null"`
	CheckoutID        uuid.UUID          `gorm:"column:checkout_id;type:uuid;not null;index"`
	AmountMinor       int64              `gorm:"column:amount_minor;not null"`
	Currency          enums.Currency     `gorm:"column:currency;type:text;not null"`
	Status            enums.IntentStatus `gorm:"column:status;type:text;not null;default:'created'"`
	ProviderPaymentID *string            `gorm:"column:provider_payment_id"`
	Signature         *string            `gorm:"column:signature"`
	FailureReason     *string            `gorm:"column:failure_reason"`
	CreatedAt         time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *PaymentIntent) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
