package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
)

// CheckoutItem snapshots a product variant's price at checkout-build time.
// Prices are major units; either may be null.
type CheckoutItem struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	CheckoutID    uuid.UUID           `gorm:"column:checkout_id;type:uuid;not null;index"`
	VariantID     uuid.UUID           `gorm:"column:variant_id;type:uuid;not null"`
	Position      int                 `gorm:"column:position;not null;default:0"`
	Quantity      int                 `gorm:"column:quantity;not null"`
	Price         decimal.NullDecimal `gorm:"column:price;type:numeric(12,2)"`
	DiscountPrice decimal.NullDecimal `gorm:"column:discount_price;type:numeric(12,2)"`
	Status        enums.OrderStatus   `gorm:"column:status;type:text;not null;default:'Pending'"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *CheckoutItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
