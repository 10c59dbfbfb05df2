package processor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/token"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/services/coverage"
	"github.com/magabrotheeeer/tutor-billing/internal/services/idempotency"
	"github.com/magabrotheeeer/tutor-billing/internal/services/ledger"
	"github.com/magabrotheeeer/tutor-billing/internal/services/promoter"
	"github.com/magabrotheeeer/tutor-billing/internal/services/reconciler"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/memory"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// planCatalog читает каталог напрямую из памяти, без Redis.
type planCatalog struct {
	store *memory.Store
}

func (c *planCatalog) FindByGatewayPriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	return c.store.Repos().Plans.FindByGatewayPriceID(ctx, priceID)
}

func newProcessor(t *testing.T, store *memory.Store) *Processor {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledgerSvc := ledger.New(log)
	guard := idempotency.New(nil, log)
	resolver := promoter.New(token.NewMaker("test-secret", 72*time.Hour), ledgerSvc, nil, 3, log)
	rec := reconciler.New(&planCatalog{store: store}, nil, nil, log)
	cov := coverage.New(log)
	return New(store, guard, resolver, rec, cov, ledgerSvc, log)
}

func seedPlan(store *memory.Store, maxChildren int) *models.Plan {
	return store.AddPlan(models.Plan{
		Name:           "Базовый 90",
		GatewayPriceID: "price_90d",
		DurationDays:   90,
		Amount:         990000,
		Currency:       "RUB",
		MaxChildren:    maxChildren,
	})
}

func invoicePaidEvent(id, customerID, email string, meta map[string]string) *webhook.Event {
	return &webhook.Event{
		ID:         id,
		Type:       webhook.EventInvoicePaymentSucceeded,
		CustomerID: customerID,
		Invoice: &webhook.InvoiceObject{
			ID:              "in_" + id,
			CustomerID:      customerID,
			CustomerEmail:   email,
			SubscriptionID:  "sub_1",
			PaymentIntentID: "pi_" + id,
			AmountPaid:      990000,
			Currency:        "RUB",
			Metadata:        meta,
			Lines: []webhook.InvoiceLineItem{
				{Description: "Базовый 90", PriceID: "price_90d", Amount: 990000},
			},
		},
	}
}

func TestHandleInvoicePaid_NewStudentScenario(t *testing.T) {
	store := memory.NewStore()
	seedPlan(store, 0)
	p := newProcessor(t, store)

	require.NoError(t, store.Repos().TemporaryUsers.Create(context.Background(), models.TemporaryUser{
		GatewayCustomerID: "cus_1",
		Email:             "student@example.com",
		Name:              "Иван",
		Role:              models.RoleStudent,
	}))

	err := p.HandleInvoicePaid(context.Background(),
		invoicePaidEvent("evt_1", "cus_1", "student@example.com", nil))
	require.NoError(t, err)

	user, err := store.Repos().Users.FindByEmail(context.Background(), "student@example.com")
	require.NoError(t, err)
	require.NotNil(t, user, "temporary user promoted to a permanent one")

	subs, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.SubscriptionActive, subs[0].Status)
	assert.WithinDuration(t, subs[0].StartDate.AddDate(0, 0, 90), subs[0].NextPaymentDate, time.Second)

	payment, err := store.Repos().Payments.FindByGatewayPaymentID(context.Background(), "pi_evt_1")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, int64(990000), payment.Amount)

	invoice, err := store.Repos().Invoices.FindByPaymentID(context.Background(), payment.ID)
	require.NoError(t, err)
	require.NotNil(t, invoice)
	assert.NotEmpty(t, invoice.Number)
}

func TestHandleInvoicePaid_DuplicateDeliveryIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	seedPlan(store, 0)
	p := newProcessor(t, store)

	require.NoError(t, store.Repos().TemporaryUsers.Create(context.Background(), models.TemporaryUser{
		GatewayCustomerID: "cus_1",
		Email:             "student@example.com",
		Role:              models.RoleStudent,
	}))

	ev := invoicePaidEvent("evt_1", "cus_1", "student@example.com", nil)
	require.NoError(t, p.HandleInvoicePaid(context.Background(), ev))
	require.NoError(t, p.HandleInvoicePaid(context.Background(), ev))

	assert.Len(t, store.Users, 1)
	assert.Len(t, store.Subscriptions, 1)
	assert.Len(t, store.Payments, 1)
	assert.Len(t, store.Invoices, 1)

	user, err := store.Repos().Users.FindByEmail(context.Background(), "student@example.com")
	require.NoError(t, err)
	balance, err := store.Repos().TokenLedger.Balance(context.Background(), user.UID)
	require.NoError(t, err)
	assert.Equal(t, 3, balance, "signup bonus credited exactly once")
}

func TestHandleInvoicePaid_ParentGetsChildCoverage(t *testing.T) {
	store := memory.NewStore()
	seedPlan(store, 2)
	p := newProcessor(t, store)

	parent := store.AddUser(models.User{Email: "parent@example.com", Role: models.RoleParent})
	childA := store.AddUser(models.User{
		Email: "a@example.com", Role: models.RoleStudent, ParentUID: &parent.UID,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	store.AddUser(models.User{
		Email: "b@example.com", Role: models.RoleStudent, ParentUID: &parent.UID,
		CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})

	err := p.HandleInvoicePaid(context.Background(),
		invoicePaidEvent("evt_1", "cus_1", "parent@example.com",
			map[string]string{"child_uids": childA.UID, "child_count": "1"}))
	require.NoError(t, err)

	subs, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	active, err := store.Repos().CoveredChildren.ListActiveBySubscription(context.Background(), subs[0].ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, childA.UID, active[0].ChildUID)
}

func TestHandleInvoicePaid_UnknownPriceFailsRetryably(t *testing.T) {
	store := memory.NewStore()
	p := newProcessor(t, store)

	store.AddUser(models.User{
		Email:             "parent@example.com",
		Role:              models.RoleParent,
		GatewayCustomerID: strPtr("cus_1"),
	})

	err := p.HandleInvoicePaid(context.Background(),
		invoicePaidEvent("evt_1", "cus_1", "parent@example.com", nil))
	require.ErrorIs(t, err, domain.ErrUnknownPlan)
	assert.Empty(t, store.Subscriptions, "no partial state on failure")
	assert.Empty(t, store.Payments)
}

func TestHandlePaymentIntentSucceeded_TokenPackOnce(t *testing.T) {
	store := memory.NewStore()
	p := newProcessor(t, store)
	user := store.AddUser(models.User{
		Email:             "student@example.com",
		Role:              models.RoleStudent,
		GatewayCustomerID: strPtr("cus_1"),
	})

	ev := &webhook.Event{
		ID:         "evt_pack",
		Type:       webhook.EventPaymentIntentSucceeded,
		CustomerID: "cus_1",
		PaymentIntent: &webhook.PaymentIntentObject{
			ID:         "pi_1",
			CustomerID: "cus_1",
			Amount:     50000,
			Currency:   "RUB",
			Metadata:   map[string]string{"tokens": "5", "email": "student@example.com"},
		},
	}
	require.NoError(t, p.HandlePaymentIntentSucceeded(context.Background(), ev))
	require.NoError(t, p.HandlePaymentIntentSucceeded(context.Background(), ev))

	balance, err := store.Repos().TokenLedger.Balance(context.Background(), user.UID)
	require.NoError(t, err)
	assert.Equal(t, 5, balance, "one pack credited despite duplicate delivery")
	assert.Len(t, store.Payments, 1)
}

func TestHandlePaymentIntentSucceeded_MalformedPackSize(t *testing.T) {
	store := memory.NewStore()
	p := newProcessor(t, store)
	store.AddUser(models.User{
		Email:             "student@example.com",
		Role:              models.RoleStudent,
		GatewayCustomerID: strPtr("cus_1"),
	})

	err := p.HandlePaymentIntentSucceeded(context.Background(), &webhook.Event{
		ID:         "evt_pack",
		Type:       webhook.EventPaymentIntentSucceeded,
		CustomerID: "cus_1",
		PaymentIntent: &webhook.PaymentIntentObject{
			ID:         "pi_1",
			CustomerID: "cus_1",
			Amount:     50000,
			Metadata:   map[string]string{"tokens": "many"},
		},
	})
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestHandleInvoicePaymentFailed_UnknownCustomer(t *testing.T) {
	store := memory.NewStore()
	p := newProcessor(t, store)

	err := p.HandleInvoicePaymentFailed(context.Background(), &webhook.Event{
		ID:         "evt_fail",
		Type:       webhook.EventInvoicePaymentFailed,
		CustomerID: "cus_ghost",
		Invoice:    &webhook.InvoiceObject{ID: "in_1", CustomerID: "cus_ghost"},
	})
	require.ErrorIs(t, err, domain.ErrMissingPrerequisite)
}

func TestHandleCustomerCreated_CreatesTemporaryUser(t *testing.T) {
	store := memory.NewStore()
	p := newProcessor(t, store)

	ev := &webhook.Event{
		ID:         "evt_cus",
		Type:       webhook.EventCustomerCreated,
		CustomerID: "cus_1",
		Customer: &webhook.CustomerObject{
			ID:       "cus_1",
			Email:    "parent@example.com",
			Name:     "Мария",
			Metadata: map[string]string{"role": "parent"},
		},
	}
	require.NoError(t, p.HandleCustomerCreated(context.Background(), ev))
	require.NoError(t, p.HandleCustomerCreated(context.Background(), ev))

	tu, err := store.Repos().TemporaryUsers.FindByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.NotNil(t, tu)
	assert.Equal(t, models.RoleParent, tu.Role)
	assert.Len(t, store.TemporaryUsers, 1)
}

func TestHandlePromotionCodeCreated(t *testing.T) {
	store := memory.NewStore()
	p := newProcessor(t, store)
	owner := store.AddUser(models.User{
		Email:        "parent@example.com",
		Role:         models.RoleParent,
		ReferralCode: "REF-123",
	})

	require.NoError(t, p.HandlePromotionCodeCreated(context.Background(), &webhook.Event{
		ID:            "evt_promo",
		Type:          webhook.EventPromotionCodeCreated,
		PromotionCode: &webhook.PromotionCodeObject{ID: "promo_1", Code: "REF-123"},
	}))

	updated, err := store.Repos().Users.Get(context.Background(), owner.UID)
	require.NoError(t, err)
	require.NotNil(t, updated.GatewayPromoID)
	assert.Equal(t, "promo_1", *updated.GatewayPromoID)

	// Неизвестный код подтверждается без ошибки.
	require.NoError(t, p.HandlePromotionCodeCreated(context.Background(), &webhook.Event{
		ID:            "evt_promo2",
		Type:          webhook.EventPromotionCodeCreated,
		PromotionCode: &webhook.PromotionCodeObject{ID: "promo_2", Code: "UNKNOWN"},
	}))
}

func strPtr(s string) *string { return &s }
