package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
)

// PaymentIntentCreatedEvent is emitted once a provider order has been persisted.
type PaymentIntentCreatedEvent struct {
	IntentID        uuid.UUID      `json:"intent_id"`
	CheckoutID      uuid.UUID      `json:"checkout_id"`
	ProviderOrderID string         `json:"provider_order_id"`
	AmountMinor     int64          `json:"amount_minor"`
	Currency        enums.Currency `json:"currency"`
}

// PaymentCompletedEvent is emitted with the checkout's move to Processing.
type PaymentCompletedEvent struct {
	IntentID          uuid.UUID      `json:"intent_id"`
	CheckoutID        uuid.UUID      `json:"checkout_id"`
	UserID            uuid.UUID      `json:"user_id"`
	ProviderOrderID   string         `json:"provider_order_id"`
	ProviderPaymentID string         `json:"provider_payment_id"`
	AmountMinor       int64          `json:"amount_minor"`
	Currency          enums.Currency `json:"currency"`
	CompletedAt       time.Time      `json:"completed_at"`
}

// PaymentCancelledEvent is emitted with the checkout's move to Cancelled.
type PaymentCancelledEvent struct {
	IntentID        uuid.UUID `json:"intent_id"`
	CheckoutID      uuid.UUID `json:"checkout_id"`
	UserID          uuid.UUID `json:"user_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Reason          string    `json:"reason"`
	CancelledAt     time.Time `json:"cancelled_at"`
}

// StockRestoredEvent is emitted once per restored checkout item.
type StockRestoredEvent struct {
	VariantID  uuid.UUID `json:"variant_id"`
	CheckoutID uuid.UUID `json:"checkout_id"`
	ItemID     uuid.UUID `json:"item_id"`
	Quantity   int       `json:"quantity"`
}
