package inventory

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
	"github.com/angelmondragon/packfinderz-payments/pkg/outbox"
	"github.com/angelmondragon/packfinderz-payments/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Restoration identifies one cancelled checkout item to return to stock.
type Restoration struct {
	CheckoutID uuid.UUID
	ItemID     uuid.UUID
	VariantID  uuid.UUID
	Quantity   int
}

// Service is the inventory ledger. Every mutation is a single conditional
// UPDATE on one variant; nothing locks across variants.
type Service interface {
	Get(ctx context.Context, variantID uuid.UUID) (*models.StockCounter, error)
	Reserve(ctx context.Context, variantID uuid.UUID, qty int) error
	Restore(ctx context.Context, variantID uuid.UUID, qty int) error
	RestoreOnce(ctx context.Context, r Restoration) (bool, error)
	Restorations(ctx context.Context, checkoutID uuid.UUID) ([]models.StockRestoration, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	emitter outbox.Emitter
}

// NewService builds the inventory ledger.
func NewService(repo Repository, tx txRunner, emitter outbox.Emitter) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &service{repo: repo, tx: tx, emitter: emitter}, nil
}

func (s *service) Get(ctx context.Context, variantID uuid.UUID) (*models.StockCounter, error) {
	counter, err := s.repo.Find(ctx, variantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "stock counter not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load stock counter")
	}
	return counter, nil
}

func (s *service) Reserve(ctx context.Context, variantID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	rows, err := s.repo.Decrement(ctx, variantID, qty)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve stock")
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, variantID); err != nil {
		return err
	}
	return pkgerrors.New(pkgerrors.CodeConflictingState, "insufficient stock").
		WithDetails(map[string]any{"variant_id": variantID.String(), "requested": qty})
}

func (s *service) Restore(ctx context.Context, variantID uuid.UUID, qty int) error {
	return s.restore(ctx, s.repo, variantID, qty)
}

// RestoreOnce records the restoration in the compensation log and increments
// stock in one transaction. It returns false without touching stock when the
// item was already restored.
func (s *service) RestoreOnce(ctx context.Context, r Restoration) (bool, error) {
	restored := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		entry := &models.StockRestoration{
			CheckoutID: r.CheckoutID,
			ItemID:     r.ItemID,
			VariantID:  r.VariantID,
			Quantity:   r.Quantity,
		}
		if err := repo.InsertRestoration(ctx, entry); err != nil {
			if db.IsUniqueViolation(err, "") {
				return errAlreadyRestored
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record stock restoration")
		}
		if err := s.restore(ctx, repo, r.VariantID, r.Quantity); err != nil {
			return err
		}
		if err := s.emitter.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventStockRestored,
			AggregateType: enums.AggregateStockCounter,
			AggregateID:   r.VariantID,
			Data: payloads.StockRestoredEvent{
				VariantID:  r.VariantID,
				CheckoutID: r.CheckoutID,
				ItemID:     r.ItemID,
				Quantity:   r.Quantity,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit stock restored")
		}
		restored = true
		return nil
	})
	if errors.Is(err, errAlreadyRestored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return restored, nil
}

var errAlreadyRestored = errors.New("stock already restored")

// Restorations lists the compensation log for a checkout, oldest first.
func (s *service) Restorations(ctx context.Context, checkoutID uuid.UUID) ([]models.StockRestoration, error) {
	rows, err := s.repo.ListRestorations(ctx, checkoutID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stock restorations")
	}
	return rows, nil
}

func (s *service) restore(ctx context.Context, repo Repository, variantID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	rows, err := repo.Increment(ctx, variantID, qty)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "restore stock")
	}
	if rows == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "stock counter not found").
			WithDetails(map[string]any{"variant_id": variantID.String()})
	}
	return nil
}
