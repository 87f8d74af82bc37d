package models

import (
	"time"

	"github.com/google/uuid"
)

// StockCounter holds on-hand stock for a product variant.
type StockCounter struct {
	VariantID  uuid.UUID `gorm:"column:variant_id;type:uuid;primaryKey"`
	StockCount int       `gorm:"column:stock_count;not null;default:0"`
	InStock    bool      `gorm:"column:in_stock;not null;default:false"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
