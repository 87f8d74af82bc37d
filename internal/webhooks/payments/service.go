package paymentwebhook

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-payments/internal/reconciliation"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
	"github.com/angelmondragon/packfinderz-payments/pkg/logger"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

type reconciler interface {
	VerifyIntent(ctx context.Context, input reconciliation.VerifyIntentInput) (*reconciliation.VerifyIntentResult, error)
	CancelIntent(ctx context.Context, input reconciliation.CancelIntentInput) (*reconciliation.CancelIntentResult, error)
}

type ServiceParams struct {
	Reconciler reconciler
	Logger     *logger.Logger
}

// Service routes provider payment callbacks to the reconciliation service.
type Service struct {
	reconciler reconciler
	logg       *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{reconciler: params.Reconciler, logg: params.Logger}, nil
}

type PaymentWebhookEvent struct {
	EventID string             `json:"event_id"`
	Type    string             `json:"type"`
	Data    PaymentWebhookData `json:"data"`
}

type PaymentWebhookData struct {
	Type   string               `json:"type"`
	ID     string               `json:"id"`
	Object PaymentWebhookObject `json:"object"`
}

type PaymentWebhookObject struct {
	Payment *WebhookPayment `json:"payment"`
}

// WebhookPayment is the provider's view of a payment. ReferenceID carries the checkout id
// passed as the receipt reference when the order was created.
type WebhookPayment struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	ReferenceID   string `json:"reference_id"`
	Signature     string `json:"signature"`
	FailureReason string `json:"failure_reason"`
}

// HandleEvent processes payment.captured and payment.failed events; other types are ignored.
func (s *Service) HandleEvent(ctx context.Context, event *PaymentWebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment event required")
	}
	eventType := strings.ToLower(strings.TrimSpace(event.Type))
	if eventType != EventPaymentCaptured && eventType != EventPaymentFailed {
		s.logg.Debug(s.logg.WithField(ctx, "event_type", event.Type), "payment webhook ignored")
		return nil
	}

	payment := event.Data.Object.Payment
	if payment == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
	}
	if payment.OrderID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment order id missing")
	}
	checkoutID, err := uuid.Parse(strings.TrimSpace(payment.ReferenceID))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payment reference must be a checkout id")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":   event.EventID,
		"event_type": eventType,
	})

	if eventType == EventPaymentCaptured {
		_, err = s.reconciler.VerifyIntent(ctx, reconciliation.VerifyIntentInput{
			ProviderOrderID:   payment.OrderID,
			ProviderPaymentID: payment.ID,
			Signature:         payment.Signature,
			CheckoutID:        checkoutID,
		})
		return s.settle(ctx, err)
	}

	result, err := s.reconciler.CancelIntent(ctx, reconciliation.CancelIntentInput{
		ProviderOrderID: payment.OrderID,
		CheckoutID:      checkoutID,
		Reason:          payment.FailureReason,
	})
	if err != nil {
		return s.settle(ctx, err)
	}
	if result.Warning != nil {
		s.logg.Warn(ctx, "payment webhook cancelled with partial restoration")
	}
	return nil
}

// settle acknowledges a lost terminal race so the provider stops redelivering.
func (s *Service) settle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.Is(err, pkgerrors.CodeConflictingState) {
		s.logg.Info(ctx, "payment webhook already settled")
		return nil
	}
	return err
}
