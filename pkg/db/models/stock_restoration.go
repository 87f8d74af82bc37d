package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StockRestoration is the compensation log entry written when a cancelled
// checkout item's quantity is returned to stock. One row per (checkout, item).
type StockRestoration struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	CheckoutID uuid.UUID `gorm:"column:checkout_id;type:uuid;not null;uniqueIndex:ux_stock_restorations_checkout_item"`
	ItemID     uuid.UUID `gorm:"column:item_id;type:uuid;not null;uniqueIndex:ux_stock_restorations_checkout_item"`
	VariantID  uuid.UUID `gorm:"column:variant_id;type:uuid;not null"`
	Quantity   int       `gorm:"column:quantity;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (r *StockRestoration) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
