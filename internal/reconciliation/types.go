package reconciliation

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
)

// PaymentProvider creates provider-side orders. Implemented by square.Client.
type PaymentProvider interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receiptRef string) (string, error)
}

// CreateIntentInput starts a payment for a checkout. Currency falls back to the configured default.
type CreateIntentInput struct {
	CheckoutID uuid.UUID
	Currency   string
}

type CreateIntentResult struct {
	IntentID        uuid.UUID
	ProviderOrderID string
	AmountMinor     int64
	Currency        enums.Currency
	// Replayed is true when the checkout's existing open intent was returned.
	Replayed bool
}

// VerifyIntentInput carries the provider's success callback.
type VerifyIntentInput struct {
	ProviderOrderID   string
	ProviderPaymentID string
	Signature         string
	CheckoutID        uuid.UUID
}

type VerifyIntentResult struct {
	IntentID    uuid.UUID
	Status      enums.IntentStatus
	AmountMinor int64
	Currency    enums.Currency
	Replayed    bool
}

type CancelIntentInput struct {
	ProviderOrderID string
	CheckoutID      uuid.UUID
	Reason          string
}

type CancelIntentResult struct {
	IntentID    uuid.UUID
	Status      enums.IntentStatus
	Replayed    bool
	Restoration RestorationReport
	// Warning is set with CodePartialRestoration when any item failed to restore.
	Warning *pkgerrors.Error
}

// Restoration attempt results.
const (
	RestorationRestored = "restored"
	RestorationSkipped  = "skipped"
	RestorationFailed   = "failed"
)

// RestorationAttempt is the outcome for one checkout item.
type RestorationAttempt struct {
	ItemID    uuid.UUID `json:"item_id"`
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
}

type RestorationReport struct {
	Attempts []RestorationAttempt `json:"attempts"`
}

// FailedVariantIDs lists variants whose restoration failed, in item order.
func (r RestorationReport) FailedVariantIDs() []uuid.UUID {
	var out []uuid.UUID
	for _, attempt := range r.Attempts {
		if attempt.Result == RestorationFailed {
			out = append(out, attempt.VariantID)
		}
	}
	return out
}

func (r RestorationReport) count(result string) int {
	n := 0
	for _, attempt := range r.Attempts {
		if attempt.Result == result {
			n++
		}
	}
	return n
}

// IntentView is a stored intent plus the stock returned when its checkout was cancelled.
type IntentView struct {
	Intent       *models.PaymentIntent
	Restorations []models.StockRestoration
}
