package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/internal/checkouts"
	"github.com/angelmondragon/packfinderz-payments/internal/inventory"
	"github.com/angelmondragon/packfinderz-payments/internal/payments"
	"github.com/angelmondragon/packfinderz-payments/internal/pricing"
	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
	"github.com/angelmondragon/packfinderz-payments/pkg/logger"
	"github.com/angelmondragon/packfinderz-payments/pkg/metrics"
	"github.com/angelmondragon/packfinderz-payments/pkg/outbox"
	"github.com/angelmondragon/packfinderz-payments/pkg/outbox/payloads"
)

const (
	opCreate = "create"
	opVerify = "verify"
	opCancel = "cancel"

	providerOpCreateOrder = "create_order"

	defaultProviderTimeout = 10 * time.Second
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type signatureVerifier interface {
	Verify(providerOrderID, providerPaymentID, signature string) bool
}

type metricsRecorder interface {
	IncOutcome(operation, outcome string)
	ObserveProvider(operation string, duration time.Duration)
	IncRestoration(result string)
}

// Service keeps checkouts, payment intents and stock counters consistent while
// the provider reports payment results.
type Service interface {
	CreateIntent(ctx context.Context, input CreateIntentInput) (*CreateIntentResult, error)
	VerifyIntent(ctx context.Context, input VerifyIntentInput) (*VerifyIntentResult, error)
	CancelIntent(ctx context.Context, input CancelIntentInput) (*CancelIntentResult, error)
	GetIntent(ctx context.Context, providerOrderID string) (*IntentView, error)
}

type ServiceParams struct {
	TransactionRunner txRunner
	Checkouts         checkouts.Service
	Payments          payments.Service
	Inventory         inventory.Service
	Provider          PaymentProvider
	Signer            signatureVerifier
	Outbox            outbox.Emitter
	Metrics           metricsRecorder
	Logger            *logger.Logger
	DefaultCurrency   string
	ProviderTimeout   time.Duration
}

type service struct {
	tx              txRunner
	checkouts       checkouts.Service
	payments        payments.Service
	inventory       inventory.Service
	provider        PaymentProvider
	signer          signatureVerifier
	outbox          outbox.Emitter
	metrics         metricsRecorder
	logg            *logger.Logger
	defaultCurrency enums.Currency
	providerTimeout time.Duration
}

// NewService wires the reconciliation service.
func NewService(params ServiceParams) (Service, error) {
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Checkouts == nil {
		return nil, fmt.Errorf("checkout service required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment intent service required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory service required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("payment provider required")
	}
	if params.Signer == nil {
		return nil, fmt.Errorf("signature verifier required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	currency := enums.CurrencyINR
	if strings.TrimSpace(params.DefaultCurrency) != "" {
		parsed, err := enums.ParseCurrency(params.DefaultCurrency)
		if err != nil {
			return nil, err
		}
		currency = parsed
	}
	timeout := params.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	var recorder metricsRecorder = params.Metrics
	if recorder == nil {
		recorder = metrics.NewReconciliationMetrics(nil)
	}
	return &service{
		tx:              params.TransactionRunner,
		checkouts:       params.Checkouts,
		payments:        params.Payments,
		inventory:       params.Inventory,
		provider:        params.Provider,
		signer:          params.Signer,
		outbox:          params.Outbox,
		metrics:         recorder,
		logg:            params.Logger,
		defaultCurrency: currency,
		providerTimeout: timeout,
	}, nil
}

func (s *service) CreateIntent(ctx context.Context, input CreateIntentInput) (*CreateIntentResult, error) {
	result, err := s.createIntent(ctx, input)
	s.record(opCreate, err, result != nil && result.Replayed)
	return result, err
}

func (s *service) createIntent(ctx context.Context, input CreateIntentInput) (*CreateIntentResult, error) {
	if input.CheckoutID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout id required")
	}
	currency := s.defaultCurrency
	if strings.TrimSpace(input.Currency) != "" {
		parsed, err := enums.ParseCurrency(input.Currency)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported currency")
		}
		currency = parsed
	}
	ctx = s.logg.WithCheckoutID(ctx, input.CheckoutID.String())

	checkout, err := s.checkouts.Get(ctx, input.CheckoutID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithUserID(ctx, checkout.UserID.String())
	if err := payable(checkout); err != nil {
		return nil, err
	}
	if len(checkout.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout has no items")
	}

	totals, err := pricing.ComputeTotal(pricing.ItemsFromCheckout(checkout.Items))
	if err != nil {
		return nil, err
	}
	amountMinor := pricing.ToMinorUnits(totals.Total)

	if checkout.PaymentStatus == enums.PaymentStatusCreated {
		return s.reuseOpenIntent(ctx, checkout, amountMinor, currency)
	}

	providerOrderID, err := s.createProviderOrder(ctx, amountMinor, currency, checkout.ID.String())
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithProviderOrderID(ctx, providerOrderID)

	intent := &models.PaymentIntent{
		ProviderOrderID: providerOrderID,
		UserID:          checkout.UserID,
		CheckoutID:      checkout.ID,
		AmountMinor:     amountMinor,
		Currency:        currency,
		Status:          enums.IntentStatusCreated,
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.Create(ctx, tx, intent); err != nil {
			return err
		}
		if err := s.checkouts.MarkPaymentCreated(ctx, tx, checkout.ID); err != nil {
			return err
		}
		return s.emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentIntentCreated,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   intent.ID,
			Actor:         &outbox.ActorRef{UserID: checkout.UserID, Source: opCreate},
			Data: payloads.PaymentIntentCreatedEvent{
				IntentID:        intent.ID,
				CheckoutID:      checkout.ID,
				ProviderOrderID: providerOrderID,
				AmountMinor:     amountMinor,
				Currency:        currency,
			},
		})
	})
	if err != nil {
		s.logg.Error(ctx, "payment.intent_persist_failed", err)
		return nil, err
	}

	s.logg.Info(s.logg.WithField(ctx, "amount_minor", amountMinor), "payment.intent_created")
	return &CreateIntentResult{
		IntentID:        intent.ID,
		ProviderOrderID: providerOrderID,
		AmountMinor:     amountMinor,
		Currency:        currency,
	}, nil
}

// payable rejects checkouts that can no longer start a payment.
func payable(checkout *models.Checkout) error {
	details := map[string]any{
		"checkout_id":    checkout.ID.String(),
		"payment_status": checkout.PaymentStatus,
		"order_status":   checkout.OrderStatus,
	}
	switch {
	case checkout.PaymentStatus == enums.PaymentStatusCompleted:
		return pkgerrors.New(pkgerrors.CodeConflictingState, "checkout already paid").WithDetails(details)
	case checkout.PaymentStatus == enums.PaymentStatusFailed, checkout.OrderStatus == enums.OrderStatusCancelled:
		return pkgerrors.New(pkgerrors.CodeConflictingState, "checkout was cancelled").WithDetails(details)
	case checkout.OrderStatus != enums.OrderStatusPending:
		return pkgerrors.New(pkgerrors.CodeConflictingState, "checkout is no longer pending").WithDetails(details)
	}
	return nil
}

// reuseOpenIntent answers a repeated CreateIntent with the checkout's open
// intent. A checkout carries at most one live intent, so terms that no longer
// match it are a conflict rather than a second provider order.
func (s *service) reuseOpenIntent(ctx context.Context, checkout *models.Checkout, amountMinor int64, currency enums.Currency) (*CreateIntentResult, error) {
	intent, err := s.payments.OpenForCheckout(ctx, checkout.ID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflictingState, "checkout payment is being settled").
			WithDetails(map[string]any{"checkout_id": checkout.ID.String()})
	}
	ctx = s.logg.WithProviderOrderID(ctx, intent.ProviderOrderID)
	if intent.AmountMinor != amountMinor || intent.Currency != currency {
		return nil, pkgerrors.New(pkgerrors.CodeConflictingState, "checkout already has an open payment with different terms").
			WithDetails(map[string]any{
				"checkout_id":       checkout.ID.String(),
				"provider_order_id": intent.ProviderOrderID,
				"amount_minor":      intent.AmountMinor,
				"currency":          intent.Currency,
			})
	}
	s.logg.Info(ctx, "payment.intent_reused")
	return &CreateIntentResult{
		IntentID:        intent.ID,
		ProviderOrderID: intent.ProviderOrderID,
		AmountMinor:     intent.AmountMinor,
		Currency:        intent.Currency,
		Replayed:        true,
	}, nil
}

// createProviderOrder calls the provider once under the configured timeout. Failures are not retried.
func (s *service) createProviderOrder(ctx context.Context, amountMinor int64, currency enums.Currency, receiptRef string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	started := time.Now()
	orderID, err := s.provider.CreateOrder(callCtx, amountMinor, currency.String(), receiptRef)
	s.metrics.ObserveProvider(providerOpCreateOrder, time.Since(started))
	if err != nil {
		s.logg.Error(ctx, "payment.provider_create_order_failed", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) || pkgerrors.Is(err, pkgerrors.CodeProviderTimeout) {
			return "", pkgerrors.Wrap(pkgerrors.CodeProviderTimeout, err, "payment provider timed out")
		}
		if pkgerrors.Is(err, pkgerrors.CodeProviderError) {
			return "", err
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeProviderError, err, "payment provider create order failed")
	}
	if strings.TrimSpace(orderID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeProviderError, "payment provider returned empty order id")
	}
	return orderID, nil
}

func (s *service) VerifyIntent(ctx context.Context, input VerifyIntentInput) (*VerifyIntentResult, error) {
	result, err := s.verifyIntent(ctx, input)
	s.record(opVerify, err, result != nil && result.Replayed)
	return result, err
}

func (s *service) verifyIntent(ctx context.Context, input VerifyIntentInput) (*VerifyIntentResult, error) {
	if input.ProviderOrderID == "" || input.ProviderPaymentID == "" || input.Signature == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider order id, payment id and signature required")
	}
	ctx = s.logg.WithProviderOrderID(ctx, input.ProviderOrderID)
	ctx = s.logg.WithCheckoutID(ctx, input.CheckoutID.String())

	if !s.signer.Verify(input.ProviderOrderID, input.ProviderPaymentID, input.Signature) {
		s.logg.Warn(s.logg.WithField(ctx, "provider_payment_id", input.ProviderPaymentID), "payment.signature_mismatch")
		return nil, pkgerrors.New(pkgerrors.CodeSignatureMismatch, "payment signature mismatch")
	}

	intent, err := s.ownedIntent(ctx, input.ProviderOrderID, input.CheckoutID)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case enums.IntentStatusFailed:
		return nil, intentConflict(intent, enums.IntentStatusCompleted)
	case enums.IntentStatusCompleted:
		if stored := derefString(intent.ProviderPaymentID); stored != "" && stored != input.ProviderPaymentID {
			return nil, intentConflict(intent, enums.IntentStatusCompleted)
		}
	}

	checkout, err := s.checkouts.Get(ctx, input.CheckoutID)
	if err != nil {
		return nil, err
	}

	settlement, err := s.payments.Complete(ctx, input.ProviderOrderID, input.ProviderPaymentID, input.Signature)
	if err != nil {
		return nil, err
	}
	intent = settlement.Intent

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		outcome, err := s.checkouts.CompletePayment(ctx, tx, checkout.ID, input.ProviderPaymentID)
		if err != nil {
			return err
		}
		if outcome == checkouts.OutcomeAlreadyApplied {
			return nil
		}
		return s.emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentCompleted,
			AggregateType: enums.AggregateCheckout,
			AggregateID:   checkout.ID,
			Actor:         &outbox.ActorRef{UserID: checkout.UserID, Source: opVerify},
			Data: payloads.PaymentCompletedEvent{
				IntentID:          intent.ID,
				CheckoutID:        checkout.ID,
				UserID:            checkout.UserID,
				ProviderOrderID:   intent.ProviderOrderID,
				ProviderPaymentID: input.ProviderPaymentID,
				AmountMinor:       intent.AmountMinor,
				Currency:          intent.Currency,
				CompletedAt:       time.Now().UTC(),
			},
		})
	})
	if err != nil {
		s.logg.Error(ctx, "payment.partial_reconciliation", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodePartialReconciliation, err, "payment completed but checkout update failed").
			WithDetails(map[string]any{
				"intent_id":         intent.ID.String(),
				"provider_order_id": intent.ProviderOrderID,
				"checkout_id":       checkout.ID.String(),
			})
	}

	s.logg.Info(ctx, "payment.verified")
	return &VerifyIntentResult{
		IntentID:    intent.ID,
		Status:      intent.Status,
		AmountMinor: intent.AmountMinor,
		Currency:    intent.Currency,
		Replayed:    settlement.Replayed,
	}, nil
}

func (s *service) CancelIntent(ctx context.Context, input CancelIntentInput) (*CancelIntentResult, error) {
	result, err := s.cancelIntent(ctx, input)
	if err == nil && result.Warning != nil {
		s.metrics.IncOutcome(opCancel, metrics.OutcomePartialRestoration)
		return result, nil
	}
	s.record(opCancel, err, result != nil && result.Replayed)
	return result, err
}

func (s *service) cancelIntent(ctx context.Context, input CancelIntentInput) (*CancelIntentResult, error) {
	if input.ProviderOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider order id required")
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = checkouts.DefaultCancelReason
	}
	ctx = s.logg.WithProviderOrderID(ctx, input.ProviderOrderID)
	ctx = s.logg.WithCheckoutID(ctx, input.CheckoutID.String())

	intent, err := s.ownedIntent(ctx, input.ProviderOrderID, input.CheckoutID)
	if err != nil {
		return nil, err
	}
	if intent.Status == enums.IntentStatusCompleted {
		return nil, intentConflict(intent, enums.IntentStatusFailed)
	}

	checkout, err := s.checkouts.Get(ctx, input.CheckoutID)
	if err != nil {
		return nil, err
	}

	settlement, err := s.payments.Fail(ctx, input.ProviderOrderID, reason)
	if err != nil {
		return nil, err
	}
	intent = settlement.Intent

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		outcome, err := s.checkouts.CancelPayment(ctx, tx, checkout.ID, reason)
		if err != nil {
			return err
		}
		if outcome == checkouts.OutcomeAlreadyApplied {
			return nil
		}
		return s.emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentCancelled,
			AggregateType: enums.AggregateCheckout,
			AggregateID:   checkout.ID,
			Actor:         &outbox.ActorRef{UserID: checkout.UserID, Source: opCancel},
			Data: payloads.PaymentCancelledEvent{
				IntentID:        intent.ID,
				CheckoutID:      checkout.ID,
				UserID:          checkout.UserID,
				ProviderOrderID: intent.ProviderOrderID,
				Reason:          reason,
				CancelledAt:     time.Now().UTC(),
			},
		})
	})
	if err != nil {
		s.logg.Error(ctx, "payment.partial_reconciliation", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodePartialReconciliation, err, "payment cancelled but checkout update failed").
			WithDetails(map[string]any{
				"step":              "cancel_checkout",
				"intent_id":         intent.ID.String(),
				"provider_order_id": intent.ProviderOrderID,
				"checkout_id":       checkout.ID.String(),
			})
	}

	report, restoreErr := s.restoreStock(ctx, checkout)
	result := &CancelIntentResult{
		IntentID:    intent.ID,
		Status:      intent.Status,
		Replayed:    settlement.Replayed,
		Restoration: report,
	}
	if restoreErr != nil {
		failed := report.FailedVariantIDs()
		ids := make([]string, 0, len(failed))
		for _, id := range failed {
			ids = append(ids, id.String())
		}
		s.logg.Error(s.logg.WithField(ctx, "failed_variant_ids", ids), "payment.partial_restoration", restoreErr)
		result.Warning = pkgerrors.Wrap(pkgerrors.CodePartialRestoration, restoreErr, "stock restoration incomplete").
			WithDetails(map[string]any{"failed_variant_ids": ids})
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"restored": report.count(RestorationRestored),
		"skipped":  report.count(RestorationSkipped),
		"failed":   report.count(RestorationFailed),
	}), "payment.cancelled")
	return result, nil
}

// restoreStock returns every item to stock at most once, continuing past failures.
func (s *service) restoreStock(ctx context.Context, checkout *models.Checkout) (RestorationReport, error) {
	report := RestorationReport{Attempts: make([]RestorationAttempt, 0, len(checkout.Items))}
	var errs error
	for _, item := range checkout.Items {
		attempt := RestorationAttempt{
			ItemID:    item.ID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		}
		restored, err := s.inventory.RestoreOnce(ctx, inventory.Restoration{
			CheckoutID: checkout.ID,
			ItemID:     item.ID,
			VariantID:  item.VariantID,
			Quantity:   item.Quantity,
		})
		switch {
		case err != nil:
			attempt.Result = RestorationFailed
			attempt.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("variant %s: %w", item.VariantID, err))
		case restored:
			attempt.Result = RestorationRestored
		default:
			attempt.Result = RestorationSkipped
		}
		s.metrics.IncRestoration(attempt.Result)
		report.Attempts = append(report.Attempts, attempt)
	}
	return report, errs
}

// GetIntent loads an intent by provider order id. Failed intents carry the
// checkout's compensation log so callers can see what went back to stock.
func (s *service) GetIntent(ctx context.Context, providerOrderID string) (*IntentView, error) {
	if strings.TrimSpace(providerOrderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider order id required")
	}
	intent, err := s.payments.GetByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return nil, err
	}
	view := &IntentView{Intent: intent}
	if intent.Status != enums.IntentStatusFailed {
		return view, nil
	}
	view.Restorations, err = s.inventory.Restorations(ctx, intent.CheckoutID)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ownedIntent loads the intent and hides intents belonging to another checkout.
func (s *service) ownedIntent(ctx context.Context, providerOrderID string, checkoutID uuid.UUID) (*models.PaymentIntent, error) {
	intent, err := s.payments.GetByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return nil, err
	}
	if intent.CheckoutID != checkoutID {
		s.logg.Warn(ctx, "payment.intent_checkout_mismatch")
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
	}
	return intent, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("emit %s", event.EventType))
	}
	return nil
}

func (s *service) record(operation string, err error, replayed bool) {
	switch {
	case err == nil && replayed:
		s.metrics.IncOutcome(operation, metrics.OutcomeReplay)
	case err == nil:
		s.metrics.IncOutcome(operation, metrics.OutcomeSuccess)
	default:
		s.metrics.IncOutcome(operation, outcomeFor(err))
	}
}

func outcomeFor(err error) string {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeConflictingState:
		return metrics.OutcomeConflict
	case pkgerrors.CodeSignatureMismatch:
		return metrics.OutcomeSignatureMismatch
	case pkgerrors.CodePartialReconciliation:
		return metrics.OutcomePartialReconciliation
	default:
		return metrics.OutcomeError
	}
}

func intentConflict(intent *models.PaymentIntent, requested enums.IntentStatus) error {
	return pkgerrors.New(pkgerrors.CodeConflictingState, "payment intent already settled").
		WithDetails(map[string]any{
			"provider_order_id": intent.ProviderOrderID,
			"status":            intent.Status,
			"requested":         requested,
		})
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
