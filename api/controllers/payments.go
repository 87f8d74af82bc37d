package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-payments/api/responses"
	"github.com/angelmondragon/packfinderz-payments/api/validators"
	"github.com/angelmondragon/packfinderz-payments/internal/pricing"
	"github.com/angelmondragon/packfinderz-payments/internal/reconciliation"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
	"github.com/angelmondragon/packfinderz-payments/pkg/logger"
)

const (
	maxProviderIDLen = 128
	maxReasonLen     = 255
)

type createIntentRequest struct {
	CheckoutID uuid.UUID `json:"checkout_id" validate:"required"`
	Currency   string    `json:"currency,omitempty" validate:"omitempty,currency"`
}

type verifyIntentRequest struct {
	ProviderOrderID   string    `json:"provider_order_id" validate:"required,max=128"`
	ProviderPaymentID string    `json:"provider_payment_id" validate:"required,max=128"`
	Signature         string    `json:"signature" validate:"required,hexadecimal"`
	CheckoutID        uuid.UUID `json:"checkout_id" validate:"required"`
}

type cancelIntentRequest struct {
	ProviderOrderID string    `json:"provider_order_id" validate:"required,max=128"`
	CheckoutID      uuid.UUID `json:"checkout_id" validate:"required"`
	Reason          string    `json:"reason,omitempty"`
}

type createIntentResponse struct {
	IntentID        uuid.UUID `json:"intent_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Replayed        bool      `json:"replayed"`
}

type verifyIntentResponse struct {
	IntentID uuid.UUID `json:"intent_id"`
	Status   string    `json:"status"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Replayed bool      `json:"replayed"`
}

type cancelIntentResponse struct {
	IntentID    uuid.UUID                           `json:"intent_id"`
	Status      string                              `json:"status"`
	Replayed    bool                                `json:"replayed"`
	Restoration []reconciliation.RestorationAttempt `json:"restoration"`
}

type intentResponse struct {
	IntentID        uuid.UUID             `json:"intent_id"`
	ProviderOrderID string                `json:"provider_order_id"`
	CheckoutID      uuid.UUID             `json:"checkout_id"`
	Status          string                `json:"status"`
	Amount          int64                 `json:"amount"`
	AmountDisplay   string                `json:"amount_display"`
	Currency        string                `json:"currency"`
	PaymentID       *string               `json:"payment_id,omitempty"`
	FailureReason   *string               `json:"failure_reason,omitempty"`
	Restorations    []restorationResponse `json:"restorations,omitempty"`
}

type restorationResponse struct {
	ItemID     uuid.UUID `json:"item_id"`
	VariantID  uuid.UUID `json:"variant_id"`
	Quantity   int       `json:"quantity"`
	RestoredAt time.Time `json:"restored_at"`
}

// PaymentsCreateIntent prices the checkout and opens a provider order for it.
func PaymentsCreateIntent(svc reconciliation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service unavailable"))
			return
		}

		var payload createIntentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithCheckoutID(ctx, payload.CheckoutID.String())
		}

		result, err := svc.CreateIntent(ctx, reconciliation.CreateIntentInput{
			CheckoutID: payload.CheckoutID,
			Currency:   payload.Currency,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, createIntentResponse{
			IntentID:        result.IntentID,
			ProviderOrderID: result.ProviderOrderID,
			Amount:          result.AmountMinor,
			Currency:        string(result.Currency),
			Replayed:        result.Replayed,
		})
	}
}

// PaymentsVerifyIntent handles the client-side success callback.
func PaymentsVerifyIntent(svc reconciliation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service unavailable"))
			return
		}

		var payload verifyIntentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithProviderOrderID(ctx, payload.ProviderOrderID)
		}

		result, err := svc.VerifyIntent(ctx, reconciliation.VerifyIntentInput{
			ProviderOrderID:   payload.ProviderOrderID,
			ProviderPaymentID: payload.ProviderPaymentID,
			Signature:         payload.Signature,
			CheckoutID:        payload.CheckoutID,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, verifyIntentResponse{
			IntentID: result.IntentID,
			Status:   string(result.Status),
			Amount:   result.AmountMinor,
			Currency: string(result.Currency),
			Replayed: result.Replayed,
		})
	}
}

// PaymentsCancelIntent fails the intent and restocks the checkout. A partial
// restock is reported as a warning on a 200 response.
func PaymentsCancelIntent(svc reconciliation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service unavailable"))
			return
		}

		var payload cancelIntentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithProviderOrderID(ctx, payload.ProviderOrderID)
		}

		result, err := svc.CancelIntent(ctx, reconciliation.CancelIntentInput{
			ProviderOrderID: payload.ProviderOrderID,
			CheckoutID:      payload.CheckoutID,
			Reason:          validators.SanitizeString(payload.Reason, maxReasonLen),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		body := cancelIntentResponse{
			IntentID:    result.IntentID,
			Status:      string(result.Status),
			Replayed:    result.Replayed,
			Restoration: result.Restoration.Attempts,
		}
		if body.Restoration == nil {
			body.Restoration = []reconciliation.RestorationAttempt{}
		}
		responses.WriteWarning(w, http.StatusOK, body, result.Warning)
	}
}

// PaymentsGetIntent returns the stored intent for a provider order id.
func PaymentsGetIntent(svc reconciliation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service unavailable"))
			return
		}

		providerOrderID, err := validators.PathParam(r, "providerOrderId", maxProviderIDLen)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.GetIntent(r.Context(), providerOrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newIntentResponse(view))
	}
}

func newIntentResponse(view *reconciliation.IntentView) intentResponse {
	if view == nil || view.Intent == nil {
		return intentResponse{}
	}
	intent := view.Intent
	resp := intentResponse{
		IntentID:        intent.ID,
		ProviderOrderID: intent.ProviderOrderID,
		CheckoutID:      intent.CheckoutID,
		Status:          string(intent.Status),
		Amount:          intent.AmountMinor,
		AmountDisplay:   pricing.FromMinorUnits(intent.AmountMinor).StringFixed(2),
		Currency:        string(intent.Currency),
		PaymentID:       intent.ProviderPaymentID,
		FailureReason:   intent.FailureReason,
	}
	for _, row := range view.Restorations {
		resp.Restorations = append(resp.Restorations, restorationResponse{
			ItemID:     row.ItemID,
			VariantID:  row.VariantID,
			Quantity:   row.Quantity,
			RestoredAt: row.CreatedAt,
		})
	}
	return resp
}
