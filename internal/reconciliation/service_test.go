package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-payments/internal/checkouts"
	"github.com/angelmondragon/packfinderz-payments/internal/inventory"
	"github.com/angelmondragon/packfinderz-payments/internal/payments"
	"github.com/angelmondragon/packfinderz-payments/pkg/db"
	"github.com/angelmondragon/packfinderz-payments/pkg/db/models"
	"github.com/angelmondragon/packfinderz-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-payments/pkg/errors"
	"github.com/angelmondragon/packfinderz-payments/pkg/logger"
	"github.com/angelmondragon/packfinderz-payments/pkg/metrics"
	"github.com/angelmondragon/packfinderz-payments/pkg/outbox"
)

const testSecret = "provider-secret"

type fakeProvider struct {
	mu      sync.Mutex
	calls   []providerCall
	orderID string
	err     error
	block   bool
}

type providerCall struct {
	amountMinor int64
	currency    string
	receiptRef  string
}

func (f *fakeProvider) CreateOrder(ctx context.Context, amountMinor int64, currency, receiptRef string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, providerCall{amountMinor: amountMinor, currency: currency, receiptRef: receiptRef})
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	if f.orderID != "" {
		return f.orderID, nil
	}
	return "order_" + uuid.NewString(), nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *fakeMetrics) IncOutcome(operation, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, operation+":"+outcome)
}

func (f *fakeMetrics) ObserveProvider(string, time.Duration) {}

func (f *fakeMetrics) IncRestoration(string) {}

// flakyCheckouts fails CompletePayment or CancelPayment while the matching flag is set.
type flakyCheckouts struct {
	checkouts.Service
	failComplete bool
	failCancel   bool
}

func (f *flakyCheckouts) CancelPayment(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (checkouts.Outcome, error) {
	if f.failCancel {
		return checkouts.OutcomeApplied, pkgerrors.New(pkgerrors.CodeDependency, "checkout store unavailable")
	}
	return f.Service.CancelPayment(ctx, tx, id, reason)
}

func (f *flakyCheckouts) CompletePayment(ctx context.Context, tx *gorm.DB, id uuid.UUID, transactionID string) (checkouts.Outcome, error) {
	if f.failComplete {
		return checkouts.OutcomeApplied, pkgerrors.New(pkgerrors.CodeDependency, "checkout store unavailable")
	}
	return f.Service.CompletePayment(ctx, tx, id, transactionID)
}

// flakyInventory fails RestoreOnce for the listed variants.
type flakyInventory struct {
	inventory.Service
	failing map[uuid.UUID]bool
}

func (f *flakyInventory) RestoreOnce(ctx context.Context, r inventory.Restoration) (bool, error) {
	if f.failing[r.VariantID] {
		return false, pkgerrors.New(pkgerrors.CodeDependency, "stock counter locked")
	}
	return f.Service.RestoreOnce(ctx, r)
}

type harness struct {
	conn      *gorm.DB
	svc       Service
	provider  *fakeProvider
	signer    *payments.Signer
	metrics   *fakeMetrics
	checkouts *flakyCheckouts
	inventory *flakyInventory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Checkout{},
		&models.CheckoutItem{},
		&models.PaymentIntent{},
		&models.StockCounter{},
		&models.StockRestoration{},
		&models.OutboxEvent{},
	))
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	client := db.NewFromConn(conn)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)

	checkoutSvc, err := checkouts.NewService(checkouts.NewRepository(conn))
	require.NoError(t, err)
	paymentSvc, err := payments.NewService(payments.NewRepository(conn))
	require.NoError(t, err)
	inventorySvc, err := inventory.NewService(inventory.NewRepository(conn), client, emitter)
	require.NoError(t, err)
	signer, err := payments.NewSigner(testSecret)
	require.NoError(t, err)

	h := &harness{
		conn:      conn,
		provider:  &fakeProvider{},
		signer:    signer,
		metrics:   &fakeMetrics{},
		checkouts: &flakyCheckouts{Service: checkoutSvc},
		inventory: &flakyInventory{Service: inventorySvc, failing: map[uuid.UUID]bool{}},
	}
	h.svc, err = NewService(ServiceParams{
		TransactionRunner: client,
		Checkouts:         h.checkouts,
		Payments:          paymentSvc,
		Inventory:         h.inventory,
		Provider:          h.provider,
		Signer:            signer,
		Outbox:            emitter,
		Metrics:           h.metrics,
		Logger:            logger.New(logger.Options{ServiceName: "reconciliation-test", Output: io.Discard}),
		DefaultCurrency:   "INR",
		ProviderTimeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	return h
}

type itemSeed struct {
	price    *int64
	discount *int64
	qty      int
	stock    int
}

func price(v int64) *int64 { return &v }

func (h *harness) seedCheckout(t *testing.T, seeds ...itemSeed) *models.Checkout {
	t.Helper()
	checkout := &models.Checkout{
		UserID:        uuid.New(),
		PaymentStatus: enums.PaymentStatusNone,
		OrderStatus:   enums.OrderStatusPending,
	}
	for i, seed := range seeds {
		item := models.CheckoutItem{
			VariantID: uuid.New(),
			Position:  i,
			Quantity:  seed.qty,
			Status:    enums.OrderStatusPending,
		}
		if seed.price != nil {
			item.Price = decimal.NewNullDecimal(decimal.NewFromInt(*seed.price))
		}
		if seed.discount != nil {
			item.DiscountPrice = decimal.NewNullDecimal(decimal.NewFromInt(*seed.discount))
		}
		checkout.Items = append(checkout.Items, item)
		require.NoError(t, h.conn.Create(&models.StockCounter{
			VariantID:  item.VariantID,
			StockCount: seed.stock,
			InStock:    seed.stock > 0,
		}).Error)
	}
	require.NoError(t, h.conn.Create(checkout).Error)
	return checkout
}

func (h *harness) reloadCheckout(t *testing.T, id uuid.UUID) *models.Checkout {
	t.Helper()
	var checkout models.Checkout
	require.NoError(t, h.conn.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&checkout, "id = ?", id).Error)
	return &checkout
}

func (h *harness) intent(t *testing.T, providerOrderID string) *models.PaymentIntent {
	t.Helper()
	var intent models.PaymentIntent
	require.NoError(t, h.conn.First(&intent, "provider_order_id = ?", providerOrderID).Error)
	return &intent
}

func (h *harness) stock(t *testing.T, variantID uuid.UUID) models.StockCounter {
	t.Helper()
	var counter models.StockCounter
	require.NoError(t, h.conn.First(&counter, "variant_id = ?", variantID).Error)
	return counter
}

func (h *harness) countEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func (h *harness) createIntent(t *testing.T, checkout *models.Checkout) *CreateIntentResult {
	t.Helper()
	result, err := h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
	require.NoError(t, err)
	return result
}

func (h *harness) verifyInput(checkoutID uuid.UUID, providerOrderID, paymentID string) VerifyIntentInput {
	return VerifyIntentInput{
		ProviderOrderID:   providerOrderID,
		ProviderPaymentID: paymentID,
		Signature:         h.signer.Sign(providerOrderID, paymentID),
		CheckoutID:        checkoutID,
	}
}

func TestCreateIntentAmountWithoutDelivery(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t,
		itemSeed{price: price(500), qty: 2},
		itemSeed{discount: price(200), qty: 1},
	)

	result := h.createIntent(t, checkout)

	assert.Equal(t, int64(120000), result.AmountMinor)
	assert.Equal(t, enums.CurrencyINR, result.Currency)
	require.Len(t, h.provider.calls, 1)
	assert.Equal(t, int64(120000), h.provider.calls[0].amountMinor)
	assert.Equal(t, checkout.ID.String(), h.provider.calls[0].receiptRef)

	stored := h.intent(t, result.ProviderOrderID)
	assert.Equal(t, result.IntentID, stored.ID)
	assert.Equal(t, enums.IntentStatusCreated, stored.Status)
	assert.Equal(t, int64(120000), stored.AmountMinor)
	assert.Equal(t, checkout.ID, stored.CheckoutID)
	assert.Equal(t, enums.PaymentStatusCreated, h.reloadCheckout(t, checkout.ID).PaymentStatus)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventPaymentIntentCreated))
}

func TestCreateIntentAddsDeliveryBelowThreshold(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 3})

	result, err := h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID, Currency: "usd"})
	require.NoError(t, err)

	assert.Equal(t, int64(34000), result.AmountMinor)
	assert.Equal(t, enums.CurrencyUSD, result.Currency)
	assert.Equal(t, "USD", h.provider.calls[0].currency)
}

func TestCreateIntentFailuresLeaveNoIntent(t *testing.T) {
	cases := map[string]struct {
		setup func(h *harness)
		items []itemSeed
		want  pkgerrors.Code
	}{
		"provider error": {
			setup: func(h *harness) { h.provider.err = errors.New("connection refused") },
			items: []itemSeed{{price: price(100), qty: 1}},
			want:  pkgerrors.CodeProviderError,
		},
		"provider timeout": {
			setup: func(h *harness) { h.provider.block = true },
			items: []itemSeed{{price: price(100), qty: 1}},
			want:  pkgerrors.CodeProviderTimeout,
		},
		"unpriced item": {
			setup: func(*harness) {},
			items: []itemSeed{{qty: 1}},
			want:  pkgerrors.CodeInvalidLineItem,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			checkout := h.seedCheckout(t, tc.items...)

			_, err := h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
			require.Error(t, err)
			assert.Equal(t, tc.want, pkgerrors.CodeOf(err))

			var n int64
			require.NoError(t, h.conn.Model(&models.PaymentIntent{}).Count(&n).Error)
			assert.Zero(t, n)
			assert.Equal(t, enums.PaymentStatusNone, h.reloadCheckout(t, checkout.ID).PaymentStatus)
		})
	}
}

func TestCreateIntentUnknownCheckout(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: uuid.New()})
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
	assert.Empty(t, h.provider.calls)
}

func TestCreateIntentAfterCancelIsRejected(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 3, stock: 5})
	created := h.createIntent(t, checkout)

	_, err := h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID})
	require.NoError(t, err)
	require.Equal(t, 8, h.stock(t, checkout.Items[0].VariantID).StockCount)

	_, err = h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))
	assert.Len(t, h.provider.calls, 1)

	var n int64
	require.NoError(t, h.conn.Model(&models.PaymentIntent{}).Where("checkout_id = ?", checkout.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	got := h.reloadCheckout(t, checkout.ID)
	assert.Equal(t, enums.PaymentStatusFailed, got.PaymentStatus)
	assert.Equal(t, enums.OrderStatusCancelled, got.OrderStatus)
	assert.Equal(t, 8, h.stock(t, checkout.Items[0].VariantID).StockCount)
}

func TestCreateIntentReturnsOpenIntent(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 3, stock: 5})
	first := h.createIntent(t, checkout)

	second, err := h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.IntentID, second.IntentID)
	assert.Equal(t, first.ProviderOrderID, second.ProviderOrderID)
	assert.Equal(t, first.AmountMinor, second.AmountMinor)
	assert.Len(t, h.provider.calls, 1)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventPaymentIntentCreated))
	assert.Contains(t, h.metrics.outcomes, "create:"+metrics.OutcomeReplay)

	// The single live intent settles the checkout; nothing is left to capture afterwards.
	_, err = h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: first.ProviderOrderID, CheckoutID: checkout.ID})
	require.NoError(t, err)
	_, err = h.svc.VerifyIntent(context.Background(), h.verifyInput(checkout.ID, second.ProviderOrderID, "pay_1"))
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.PaymentStatusFailed, h.reloadCheckout(t, checkout.ID).PaymentStatus)
	assert.Equal(t, 8, h.stock(t, checkout.Items[0].VariantID).StockCount)
}

func TestCreateIntentRejectsChangedTermsWhileOpen(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 3, stock: 5})
	created := h.createIntent(t, checkout)

	_, err := h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID, Currency: "USD"})
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))

	require.NoError(t, h.conn.Model(&models.CheckoutItem{}).
		Where("checkout_id = ?", checkout.ID).
		Update("price", decimal.NewFromInt(250)).Error)
	_, err = h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))

	assert.Len(t, h.provider.calls, 1)
	assert.Equal(t, enums.IntentStatusCreated, h.intent(t, created.ProviderOrderID).Status)
}

func TestConcurrentCreateIntentOpensOneIntent(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1, stock: 2})

	results := make([]error, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))
		}
	}
	var n int64
	require.NoError(t, h.conn.Model(&models.PaymentIntent{}).
		Where("checkout_id = ? AND status = ?", checkout.ID, enums.IntentStatusCreated).
		Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestVerifyIntentCompletesCheckout(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(500), qty: 2}, itemSeed{price: price(50), qty: 1})
	created := h.createIntent(t, checkout)

	result, err := h.svc.VerifyIntent(context.Background(), h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, enums.IntentStatusCompleted, result.Status)
	assert.Equal(t, created.AmountMinor, result.AmountMinor)
	assert.False(t, result.Replayed)

	got := h.reloadCheckout(t, checkout.ID)
	assert.Equal(t, enums.PaymentStatusCompleted, got.PaymentStatus)
	assert.Equal(t, enums.OrderStatusProcessing, got.OrderStatus)
	require.NotNil(t, got.PaymentTransactionID)
	assert.Equal(t, "pay_1", *got.PaymentTransactionID)
	for _, item := range got.Items {
		assert.Equal(t, enums.OrderStatusProcessing, item.Status)
	}
	stored := h.intent(t, created.ProviderOrderID)
	require.NotNil(t, stored.ProviderPaymentID)
	assert.Equal(t, "pay_1", *stored.ProviderPaymentID)
}

func TestVerifyIntentTamperedSignatureTouchesNothing(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1})
	created := h.createIntent(t, checkout)

	input := h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1")
	input.ProviderPaymentID = "pay_2"

	_, err := h.svc.VerifyIntent(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeSignatureMismatch, pkgerrors.CodeOf(err))
	assert.NotContains(t, err.Error(), h.signer.Sign(created.ProviderOrderID, "pay_2"))

	assert.Equal(t, enums.IntentStatusCreated, h.intent(t, created.ProviderOrderID).Status)
	assert.Equal(t, enums.PaymentStatusCreated, h.reloadCheckout(t, checkout.ID).PaymentStatus)
	assert.Contains(t, h.metrics.outcomes, "verify:"+metrics.OutcomeSignatureMismatch)
}

func TestVerifyIntentReplayMutatesOnce(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1})
	created := h.createIntent(t, checkout)
	input := h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1")

	first, err := h.svc.VerifyIntent(context.Background(), input)
	require.NoError(t, err)
	firstUpdate := h.intent(t, created.ProviderOrderID).UpdatedAt

	second, err := h.svc.VerifyIntent(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, enums.IntentStatusCompleted, first.Status)
	assert.Equal(t, enums.IntentStatusCompleted, second.Status)
	assert.True(t, second.Replayed)
	assert.Equal(t, firstUpdate, h.intent(t, created.ProviderOrderID).UpdatedAt)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventPaymentCompleted))
}

func TestVerifyIntentWrongCheckoutIsNotFound(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1})
	other := h.seedCheckout(t, itemSeed{price: price(100), qty: 1})
	created := h.createIntent(t, checkout)

	_, err := h.svc.VerifyIntent(context.Background(), h.verifyInput(other.ID, created.ProviderOrderID, "pay_1"))
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))

	_, err = h.svc.VerifyIntent(context.Background(), h.verifyInput(checkout.ID, "order_missing", "pay_1"))
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.IntentStatusCreated, h.intent(t, created.ProviderOrderID).Status)
}

func TestVerifyIntentPartialReconciliationHealsOnReplay(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1})
	created := h.createIntent(t, checkout)
	input := h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1")

	h.checkouts.failComplete = true
	_, err := h.svc.VerifyIntent(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePartialReconciliation, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.IntentStatusCompleted, h.intent(t, created.ProviderOrderID).Status)
	assert.Equal(t, enums.PaymentStatusCreated, h.reloadCheckout(t, checkout.ID).PaymentStatus)
	assert.Zero(t, h.countEvents(t, enums.EventPaymentCompleted))
	assert.Contains(t, h.metrics.outcomes, "verify:"+metrics.OutcomePartialReconciliation)

	h.checkouts.failComplete = false
	result, err := h.svc.VerifyIntent(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, enums.PaymentStatusCompleted, h.reloadCheckout(t, checkout.ID).PaymentStatus)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventPaymentCompleted))
}

func TestVerifyIntentAfterCancelConflicts(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1, stock: 1})
	created := h.createIntent(t, checkout)

	_, err := h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID})
	require.NoError(t, err)

	_, err = h.svc.VerifyIntent(context.Background(), h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1"))
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.IntentStatusFailed, h.intent(t, created.ProviderOrderID).Status)
}

func TestCancelIntentRestoresStock(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t,
		itemSeed{price: price(100), qty: 3, stock: 5},
		itemSeed{price: price(100), qty: 1, stock: 0},
	)
	created := h.createIntent(t, checkout)
	variantA, variantB := checkout.Items[0].VariantID, checkout.Items[1].VariantID

	result, err := h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID})
	require.NoError(t, err)
	assert.Nil(t, result.Warning)
	assert.Equal(t, enums.IntentStatusFailed, result.Status)
	require.Len(t, result.Restoration.Attempts, 2)

	a, b := h.stock(t, variantA), h.stock(t, variantB)
	assert.Equal(t, 8, a.StockCount)
	assert.Equal(t, 1, b.StockCount)
	assert.True(t, a.InStock)
	assert.True(t, b.InStock)

	got := h.reloadCheckout(t, checkout.ID)
	assert.Equal(t, enums.PaymentStatusFailed, got.PaymentStatus)
	assert.Equal(t, enums.OrderStatusCancelled, got.OrderStatus)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, checkouts.DefaultCancelReason, *got.CancelReason)
	for _, item := range got.Items {
		assert.Equal(t, enums.OrderStatusCancelled, item.Status)
	}
	stored := h.intent(t, created.ProviderOrderID)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, checkouts.DefaultCancelReason, *stored.FailureReason)
}

func TestCancelIntentPartialRestorationThenRetry(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t,
		itemSeed{price: price(100), qty: 3, stock: 5},
		itemSeed{price: price(100), qty: 1, stock: 0},
	)
	created := h.createIntent(t, checkout)
	variantA, variantB := checkout.Items[0].VariantID, checkout.Items[1].VariantID
	input := CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID, Reason: "payment window expired"}

	h.inventory.failing[variantA] = true
	result, err := h.svc.CancelIntent(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, result.Warning)
	assert.Equal(t, pkgerrors.CodePartialRestoration, result.Warning.Code())
	assert.Equal(t, []uuid.UUID{variantA}, result.Restoration.FailedVariantIDs())
	assert.Equal(t, 5, h.stock(t, variantA).StockCount)
	assert.Equal(t, 1, h.stock(t, variantB).StockCount)
	assert.Contains(t, h.metrics.outcomes, "cancel:"+metrics.OutcomePartialRestoration)

	delete(h.inventory.failing, variantA)
	retry, err := h.svc.CancelIntent(context.Background(), input)
	require.NoError(t, err)
	assert.Nil(t, retry.Warning)
	assert.True(t, retry.Replayed)
	assert.Equal(t, 8, h.stock(t, variantA).StockCount)
	assert.Equal(t, 1, h.stock(t, variantB).StockCount)
	require.Len(t, retry.Restoration.Attempts, 2)
	assert.Equal(t, RestorationRestored, retry.Restoration.Attempts[0].Result)
	assert.Equal(t, RestorationSkipped, retry.Restoration.Attempts[1].Result)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventPaymentCancelled))
}

func TestCancelIntentPartialReconciliationHealsOnRetry(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 2, stock: 4})
	created := h.createIntent(t, checkout)
	input := CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID}

	h.checkouts.failCancel = true
	_, err := h.svc.CancelIntent(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePartialReconciliation, pkgerrors.CodeOf(err))
	details, ok := pkgerrors.As(err).Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, created.IntentID.String(), details["intent_id"])
	assert.Equal(t, checkout.ID.String(), details["checkout_id"])
	assert.Contains(t, h.metrics.outcomes, "cancel:"+metrics.OutcomePartialReconciliation)

	assert.Equal(t, enums.IntentStatusFailed, h.intent(t, created.ProviderOrderID).Status)
	assert.Equal(t, enums.PaymentStatusCreated, h.reloadCheckout(t, checkout.ID).PaymentStatus)
	assert.Equal(t, 4, h.stock(t, checkout.Items[0].VariantID).StockCount)

	_, err = h.svc.CreateIntent(context.Background(), CreateIntentInput{CheckoutID: checkout.ID})
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))

	h.checkouts.failCancel = false
	retry, err := h.svc.CancelIntent(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, enums.OrderStatusCancelled, h.reloadCheckout(t, checkout.ID).OrderStatus)
	assert.Equal(t, 6, h.stock(t, checkout.Items[0].VariantID).StockCount)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventPaymentCancelled))
}

func TestCancelIntentAfterVerifyConflicts(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 2, stock: 4})
	created := h.createIntent(t, checkout)
	_, err := h.svc.VerifyIntent(context.Background(), h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1"))
	require.NoError(t, err)

	_, err = h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID})
	assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(err))
	assert.Equal(t, 4, h.stock(t, checkout.Items[0].VariantID).StockCount)
	assert.Equal(t, enums.PaymentStatusCompleted, h.reloadCheckout(t, checkout.ID).PaymentStatus)
}

func TestConcurrentVerifyAndCancelSettleOnce(t *testing.T) {
	for i := 0; i < 5; i++ {
		h := newHarness(t)
		checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1, stock: 2})
		created := h.createIntent(t, checkout)

		var wg sync.WaitGroup
		var verifyErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, verifyErr = h.svc.VerifyIntent(context.Background(), h.verifyInput(checkout.ID, created.ProviderOrderID, "pay_1"))
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID})
		}()
		wg.Wait()

		require.True(t, (verifyErr == nil) != (cancelErr == nil), "exactly one transition must win: verify=%v cancel=%v", verifyErr, cancelErr)
		intent := h.intent(t, created.ProviderOrderID)
		got := h.reloadCheckout(t, checkout.ID)
		if verifyErr == nil {
			assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(cancelErr))
			assert.Equal(t, enums.IntentStatusCompleted, intent.Status)
			assert.Equal(t, enums.PaymentStatusCompleted, got.PaymentStatus)
			assert.Equal(t, 2, h.stock(t, checkout.Items[0].VariantID).StockCount)
		} else {
			assert.Equal(t, pkgerrors.CodeConflictingState, pkgerrors.CodeOf(verifyErr))
			assert.Equal(t, enums.IntentStatusFailed, intent.Status)
			assert.Equal(t, enums.PaymentStatusFailed, got.PaymentStatus)
			assert.Equal(t, 3, h.stock(t, checkout.Items[0].VariantID).StockCount)
		}
	}
}

func TestGetIntent(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t, itemSeed{price: price(100), qty: 1})
	created := h.createIntent(t, checkout)

	view, err := h.svc.GetIntent(context.Background(), created.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, created.IntentID, view.Intent.ID)
	assert.Empty(t, view.Restorations)

	_, err = h.svc.GetIntent(context.Background(), "order_missing")
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestGetIntentListsRestorationsAfterCancel(t *testing.T) {
	h := newHarness(t)
	checkout := h.seedCheckout(t,
		itemSeed{price: price(100), qty: 3, stock: 5},
		itemSeed{price: price(100), qty: 1, stock: 0},
	)
	created := h.createIntent(t, checkout)
	variantA, variantB := checkout.Items[0].VariantID, checkout.Items[1].VariantID

	h.inventory.failing[variantB] = true
	_, err := h.svc.CancelIntent(context.Background(), CancelIntentInput{ProviderOrderID: created.ProviderOrderID, CheckoutID: checkout.ID})
	require.NoError(t, err)

	view, err := h.svc.GetIntent(context.Background(), created.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.IntentStatusFailed, view.Intent.Status)
	require.Len(t, view.Restorations, 1)
	assert.Equal(t, variantA, view.Restorations[0].VariantID)
	assert.Equal(t, 3, view.Restorations[0].Quantity)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}
