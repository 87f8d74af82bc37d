package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
)

// Checkout is a user's intent to purchase a fixed set of items. Payment and
// order status move together; see checkouts.Repository.
type Checkout struct {
	ID                   uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	UserID               uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	ShippingAddressID    *uuid.UUID          `gorm:"column:shipping_address_id;type:uuid"`
	PaymentStatus        enums.PaymentStatus `gorm:"column:payment_status;type:text;not null;default:'none'"`
	PaymentTransactionID *string             `gorm:"column:payment_transaction_id"`
	OrderStatus          enums.OrderStatus   `gorm:"column:order_status;type:text;not null;default:'Pending'"`
	CancelReason         *string             `gorm:"column:cancel_reason"`
	Items                []CheckoutItem      `gorm:"foreignKey:CheckoutID;constraint:OnDelete:CASCADE"`
	CreatedAt            time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Checkout) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
