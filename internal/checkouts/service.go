package checkouts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
)

// Outcome reports whether a transition changed state or found it already applied.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeAlreadyApplied
)

const DefaultCancelReason = "cancelled by user"

// Service is the order ledger's mutation surface. Mutating methods take the
// caller's transaction so they can be combined with intent and outbox writes.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Checkout, error)
	MarkPaymentCreated(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	CompletePayment(ctx context.Context, tx *gorm.DB, id uuid.UUID, transactionID string) (Outcome, error)
	CancelPayment(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (Outcome, error)
}

type service struct {
	repo Repository
}

// NewService builds the order ledger service.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("checkout repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Checkout, error) {
	return s.load(ctx, s.repo, id)
}

// MarkPaymentCreated opens the checkout's single payment. Only a pending
// checkout with no payment yet qualifies: a cancelled checkout has already
// released its stock and an open payment must be settled first.
func (s *service) MarkPaymentCreated(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	repo := s.repo.WithTx(tx)
	rows, err := repo.UpdatePaymentState(ctx, id, StateChange{
		From:          []enums.PaymentStatus{enums.PaymentStatusNone},
		FromOrder:     []enums.OrderStatus{enums.OrderStatusPending},
		PaymentStatus: enums.PaymentStatusCreated,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark checkout payment created")
	}
	if rows > 0 {
		return nil
	}
	current, err := s.load(ctx, repo, id)
	if err != nil {
		return err
	}
	return conflict(current, enums.PaymentStatusCreated)
}

func (s *service) CompletePayment(ctx context.Context, tx *gorm.DB, id uuid.UUID, transactionID string) (Outcome, error) {
	repo := s.repo.WithTx(tx)
	processing := enums.OrderStatusProcessing
	rows, err := repo.UpdatePaymentState(ctx, id, StateChange{
		From:          []enums.PaymentStatus{enums.PaymentStatusNone, enums.PaymentStatusCreated},
		PaymentStatus: enums.PaymentStatusCompleted,
		OrderStatus:   &processing,
		TransactionID: &transactionID,
	})
	if err != nil {
		return OutcomeApplied, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete checkout payment")
	}
	if rows > 0 {
		return OutcomeApplied, nil
	}
	return s.settled(ctx, repo, id, enums.PaymentStatusCompleted)
}

func (s *service) CancelPayment(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (Outcome, error) {
	if reason == "" {
		reason = DefaultCancelReason
	}
	repo := s.repo.WithTx(tx)
	cancelled := enums.OrderStatusCancelled
	rows, err := repo.UpdatePaymentState(ctx, id, StateChange{
		From:          []enums.PaymentStatus{enums.PaymentStatusNone, enums.PaymentStatusCreated},
		PaymentStatus: enums.PaymentStatusFailed,
		OrderStatus:   &cancelled,
		CancelReason:  &reason,
	})
	if err != nil {
		return OutcomeApplied, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel checkout payment")
	}
	if rows > 0 {
		return OutcomeApplied, nil
	}
	return s.settled(ctx, repo, id, enums.PaymentStatusFailed)
}

// settled explains a guarded update that matched nothing.
func (s *service) settled(ctx context.Context, repo Repository, id uuid.UUID, target enums.PaymentStatus) (Outcome, error) {
	current, err := s.load(ctx, repo, id)
	if err != nil {
		return OutcomeApplied, err
	}
	if current.PaymentStatus == target {
		return OutcomeAlreadyApplied, nil
	}
	return OutcomeApplied, conflict(current, target)
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.Checkout, error) {
	checkout, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "checkout not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load checkout")
	}
	return checkout, nil
}

func conflict(current *models.Checkout, target enums.PaymentStatus) error {
	return pkgerrors.New(pkgerrors.CodeConflictingState, "checkout payment already settled").
		WithDetails(map[string]any{
			"checkout_id":    current.ID.String(),
			"payment_status": current.PaymentStatus,
			"requested":      target,
		})
}
