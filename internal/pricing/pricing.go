package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
)

var (
	// FreeDeliveryThreshold is the subtotal from which delivery is free.
	FreeDeliveryThreshold = decimal.NewFromInt(1000)
	// DeliveryCharge is the flat fee added below FreeDeliveryThreshold.
	DeliveryCharge = decimal.NewFromInt(40)

	minorUnitMultiplier = decimal.NewFromInt(100)
)

// LineItem is the pricing view of a checkout item.
type LineItem struct {
	VariantID     string
	Quantity      int
	Price         decimal.NullDecimal
	DiscountPrice decimal.NullDecimal
}

// Totals is the payable breakdown of a checkout in major units.
type Totals struct {
	Subtotal       decimal.Decimal
	DeliveryCharge decimal.Decimal
	Total          decimal.Decimal
}

// EffectivePrice returns the discount price when present, else the list price.
func (l LineItem) EffectivePrice() (decimal.Decimal, bool) {
	if l.DiscountPrice.Valid {
		return l.DiscountPrice.Decimal, true
	}
	if l.Price.Valid {
		return l.Price.Decimal, true
	}
	return decimal.Zero, false
}

// ComputeTotal prices items and applies the delivery rule.
func ComputeTotal(items []LineItem) (Totals, error) {
	subtotal := decimal.Zero
	for idx, item := range items {
		price, ok := item.EffectivePrice()
		if !ok {
			return Totals{}, pkgerrors.New(pkgerrors.CodeInvalidLineItem, "line item has no price").
				WithDetails(map[string]any{"index": idx, "variant_id": item.VariantID})
		}
		if item.Quantity <= 0 {
			return Totals{}, pkgerrors.New(pkgerrors.CodeInvalidLineItem, fmt.Sprintf("line item quantity must be positive, got %d", item.Quantity)).
				WithDetails(map[string]any{"index": idx, "variant_id": item.VariantID})
		}
		if price.IsNegative() {
			return Totals{}, pkgerrors.New(pkgerrors.CodeInvalidLineItem, "line item price is negative").
				WithDetails(map[string]any{"index": idx, "variant_id": item.VariantID})
		}
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	delivery := decimal.Zero
	if subtotal.LessThan(FreeDeliveryThreshold) {
		delivery = DeliveryCharge
	}

	return Totals{
		Subtotal:       subtotal,
		DeliveryCharge: delivery,
		Total:          subtotal.Add(delivery),
	}, nil
}

// ToMinorUnits converts a major-unit amount to the provider's minor unit,
// rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnitMultiplier).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to a two-place major amount.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// ItemsFromCheckout maps persisted checkout items to pricing line items.
func ItemsFromCheckout(items []models.CheckoutItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	for _, item := range items {
		out = append(out, LineItem{
			VariantID:     item.VariantID.String(),
			Quantity:      item.Quantity,
			Price:         item.Price,
			DiscountPrice: item.DiscountPrice,
		})
	}
	return out
}
