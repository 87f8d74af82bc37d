package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/db"
	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
)

// Settlement is the result of a terminal transition attempt.
type Settlement struct {
	Intent *models.PaymentIntent
	// Replayed is true when the intent was already in the requested state.
	Replayed bool
}

// Service is the payment intent store.
type Service interface {
	Create(ctx context.Context, tx *gorm.DB, intent *models.PaymentIntent) error
	GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.PaymentIntent, error)
	// OpenForCheckout returns the checkout's intent still awaiting the provider, or nil.
	OpenForCheckout(ctx context.Context, checkoutID uuid.UUID) (*models.PaymentIntent, error)
	Complete(ctx context.Context, providerOrderID, providerPaymentID, signature string) (Settlement, error)
	Fail(ctx context.Context, providerOrderID, reason string) (Settlement, error)
}

type service struct {
	repo Repository
}

// NewService builds the payment intent store.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payment intent repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Create(ctx context.Context, tx *gorm.DB, intent *models.PaymentIntent) error {
	if intent == nil || intent.ProviderOrderID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "provider order id required")
	}
	if intent.AmountMinor <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "intent amount must be positive")
	}
	intent.Status = enums.IntentStatusCreated
	if err := s.repo.WithTx(tx).Create(ctx, intent); err != nil {
		if db.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeConflictingState, err, "payment intent already exists for provider order").
				WithDetails(map[string]any{"provider_order_id": intent.ProviderOrderID})
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}
	return nil
}

func (s *service) GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.PaymentIntent, error) {
	intent, err := s.repo.FindByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment intent")
	}
	return intent, nil
}

func (s *service) OpenForCheckout(ctx context.Context, checkoutID uuid.UUID) (*models.PaymentIntent, error) {
	intent, err := s.repo.FindOpenByCheckoutID(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load open payment intent")
	}
	return intent, nil
}

func (s *service) Complete(ctx context.Context, providerOrderID, providerPaymentID, signature string) (Settlement, error) {
	return s.settle(ctx, providerOrderID, TerminalUpdate{
		Status:            enums.IntentStatusCompleted,
		ProviderPaymentID: &providerPaymentID,
		Signature:         &signature,
	})
}

func (s *service) Fail(ctx context.Context, providerOrderID, reason string) (Settlement, error) {
	return s.settle(ctx, providerOrderID, TerminalUpdate{
		Status:        enums.IntentStatusFailed,
		FailureReason: &reason,
	})
}

func (s *service) settle(ctx context.Context, providerOrderID string, update TerminalUpdate) (Settlement, error) {
	rows, err := s.repo.TransitionFromCreated(ctx, providerOrderID, update)
	if err != nil {
		return Settlement{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "transition payment intent")
	}

	intent, err := s.GetByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return Settlement{}, err
	}
	if rows > 0 {
		return Settlement{Intent: intent}, nil
	}
	if intent.Status == update.Status && samePayment(intent, update) {
		return Settlement{Intent: intent, Replayed: true}, nil
	}
	return Settlement{Intent: intent}, pkgerrors.New(pkgerrors.CodeConflictingState, "payment intent already settled").
		WithDetails(map[string]any{
			"provider_order_id": providerOrderID,
			"status":            intent.Status,
			"requested":         update.Status,
		})
}

// samePayment reports whether a replayed completion names the payment that was
// recorded. A different provider payment id is a second capture, not a replay.
func samePayment(intent *models.PaymentIntent, update TerminalUpdate) bool {
	if update.ProviderPaymentID == nil || intent.ProviderPaymentID == nil {
		return true
	}
	return *intent.ProviderPaymentID == *update.ProviderPaymentID
}
