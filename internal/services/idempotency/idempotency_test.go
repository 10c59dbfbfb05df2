package idempotency

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/memory"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

type cacheStub struct {
	values map[string]bool
}

func newCacheStub() *cacheStub {
	return &cacheStub{values: make(map[string]bool)}
}

func (c *cacheStub) Get(_ context.Context, key string, result any) (bool, error) {
	v, ok := c.values[key]
	if !ok {
		return false, nil
	}
	*(result.(*bool)) = v
	return true, nil
}

func (c *cacheStub) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.values[key] = value.(bool)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func invoicePaidEvent(periodEnd time.Time) *webhook.Event {
	return &webhook.Event{
		ID:         "evt_1",
		Type:       webhook.EventInvoicePaymentSucceeded,
		CustomerID: "cus_1",
		Invoice: &webhook.InvoiceObject{
			ID:              "in_1",
			CustomerID:      "cus_1",
			PaymentIntentID: "pi_1",
			AmountPaid:      990000,
			PeriodEnd:       periodEnd.Unix(),
		},
	}
}

func TestClassify_InvoicePaidFresh(t *testing.T) {
	store := memory.NewStore()
	guard := New(nil, discardLogger())

	status, err := guard.Classify(context.Background(), store.Repos(),
		invoicePaidEvent(time.Now().UTC().AddDate(0, 0, 90)))
	require.NoError(t, err)
	assert.Equal(t, Fresh, status)
}

func TestClassify_InvoicePaidSkipWhenFullyApplied(t *testing.T) {
	store := memory.NewStore()
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})
	periodEnd := time.Now().UTC().AddDate(0, 0, 90)

	_, err := store.Repos().Payments.Create(context.Background(), models.Payment{
		GatewayPaymentID: "pi_1",
		CustomerID:       "cus_1",
		Amount:           990000,
		PaidAt:           time.Now().UTC(),
	})
	require.NoError(t, err)
	store.AddSubscription(models.Subscription{
		UserUID:           user.UID,
		GatewayCustomerID: "cus_1",
		Status:            models.SubscriptionActive,
		NextPaymentDate:   periodEnd,
	})

	guard := New(nil, discardLogger())
	status, err := guard.Classify(context.Background(), store.Repos(), invoicePaidEvent(periodEnd))
	require.NoError(t, err)
	assert.Equal(t, Skip, status)
}

func TestClassify_InvoicePaidReapplyWhenPartiallyApplied(t *testing.T) {
	store := memory.NewStore()
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})
	periodEnd := time.Now().UTC().AddDate(0, 0, 90)

	// Платёж записан, но подписка не продвинута за оплаченный период:
	// именно этот разрыв и должен дать Reapply.
	_, err := store.Repos().Payments.Create(context.Background(), models.Payment{
		GatewayPaymentID: "pi_1",
		CustomerID:       "cus_1",
		Amount:           990000,
		PaidAt:           time.Now().UTC(),
	})
	require.NoError(t, err)
	store.AddSubscription(models.Subscription{
		UserUID:           user.UID,
		GatewayCustomerID: "cus_1",
		Status:            models.SubscriptionActive,
		NextPaymentDate:   time.Now().UTC().AddDate(0, 0, -1),
	})

	guard := New(nil, discardLogger())
	status, err := guard.Classify(context.Background(), store.Repos(), invoicePaidEvent(periodEnd))
	require.NoError(t, err)
	assert.Equal(t, Reapply, status)
}

func TestClassify_CacheHitAloneNeverSkipsMutatingEvent(t *testing.T) {
	store := memory.NewStore()
	cache := newCacheStub()
	guard := New(cache, discardLogger())

	ev := invoicePaidEvent(time.Now().UTC().AddDate(0, 0, 90))
	guard.MarkProcessed(context.Background(), ev.ID)

	status, err := guard.Classify(context.Background(), store.Repos(), ev)
	require.NoError(t, err)
	assert.Equal(t, Fresh, status, "row state decides for mutating events, not the cache marker")
}

func TestClassify_TokenPackDuplicate(t *testing.T) {
	store := memory.NewStore()
	_, err := store.Repos().Payments.Create(context.Background(), models.Payment{
		GatewayPaymentID: "pi_pack",
		CustomerID:       "cus_1",
		Amount:           50000,
		PaidAt:           time.Now().UTC(),
	})
	require.NoError(t, err)

	guard := New(nil, discardLogger())
	status, err := guard.Classify(context.Background(), store.Repos(), &webhook.Event{
		ID:         "evt_2",
		Type:       webhook.EventPaymentIntentSucceeded,
		CustomerID: "cus_1",
		PaymentIntent: &webhook.PaymentIntentObject{
			ID:         "pi_pack",
			CustomerID: "cus_1",
			Amount:     50000,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Skip, status)
}

func TestClassify_CustomerCreatedDuplicate(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.Repos().TemporaryUsers.Create(context.Background(), models.TemporaryUser{
		GatewayCustomerID: "cus_1",
		Email:             "s@example.com",
	}))

	guard := New(nil, discardLogger())
	status, err := guard.Classify(context.Background(), store.Repos(), &webhook.Event{
		ID:       "evt_3",
		Type:     webhook.EventCustomerCreated,
		Customer: &webhook.CustomerObject{ID: "cus_1", Email: "s@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, Skip, status)
}

func TestClassify_UnknownTypeUsesCacheMarker(t *testing.T) {
	store := memory.NewStore()
	cache := newCacheStub()
	guard := New(cache, discardLogger())

	ev := &webhook.Event{ID: "evt_4", Type: "charge.refunded"}
	status, err := guard.Classify(context.Background(), store.Repos(), ev)
	require.NoError(t, err)
	assert.Equal(t, Fresh, status)

	guard.MarkProcessed(context.Background(), ev.ID)
	status, err = guard.Classify(context.Background(), store.Repos(), ev)
	require.NoError(t, err)
	assert.Equal(t, Skip, status)
}
