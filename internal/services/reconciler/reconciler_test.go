package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/memory"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

type catalogStub struct {
	plans map[string]*models.Plan
}

func (c *catalogStub) FindByGatewayPriceID(_ context.Context, priceID string) (*models.Plan, error) {
	return c.plans[priceID], nil
}

type notifierStub struct {
	ended []models.SubscriptionEndedEmail
}

func (n *notifierStub) PublishSubscriptionEnded(msg models.SubscriptionEndedEmail) error {
	n.ended = append(n.ended, msg)
	return nil
}

func newService(store *memory.Store, notifier *notifierStub) (*Service, *models.Plan) {
	plan := store.AddPlan(models.Plan{
		Name:           "Семейный 90",
		GatewayPriceID: "price_90d",
		DurationDays:   90,
		Amount:         990000,
		Currency:       "RUB",
		MaxChildren:    2,
	})
	catalog := &catalogStub{plans: map[string]*models.Plan{plan.GatewayPriceID: plan}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ended EndedNotifier
	if notifier != nil {
		ended = notifier
	}
	return New(catalog, ended, nil, log), plan
}

func TestActivateOrRenew_FirstPayment(t *testing.T) {
	store := memory.NewStore()
	svc, plan := newService(store, nil)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})

	sub, err := svc.ActivateOrRenew(context.Background(), store.Repos(), user,
		"cus_1", "sub_1", plan.GatewayPriceID, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.True(t, sub.AutoRenew)
	assert.Nil(t, sub.EndOfSubscriptionDate)
	wantNext := sub.StartDate.AddDate(0, 0, plan.DurationDays)
	assert.WithinDuration(t, wantNext, sub.NextPaymentDate, time.Second)

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestActivateOrRenew_RenewalReusesRow(t *testing.T) {
	store := memory.NewStore()
	svc, plan := newService(store, nil)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})

	first, err := svc.ActivateOrRenew(context.Background(), store.Repos(), user,
		"cus_1", "sub_1", plan.GatewayPriceID, time.Time{})
	require.NoError(t, err)

	periodEnd := time.Now().UTC().AddDate(0, 0, 180).Truncate(time.Second)
	second, err := svc.ActivateOrRenew(context.Background(), store.Repos(), user,
		"cus_1", "sub_1", plan.GatewayPriceID, periodEnd)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "renewal must reuse the row")
	assert.Equal(t, periodEnd, second.NextPaymentDate)

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestActivateOrRenew_ReactivatesEndedRow(t *testing.T) {
	store := memory.NewStore()
	svc, plan := newService(store, nil)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})

	ended := time.Now().UTC().AddDate(0, 0, -10)
	cancelled := ended.AddDate(0, 0, -5)
	row := store.AddSubscription(models.Subscription{
		UserUID:               user.UID,
		GatewayCustomerID:     "cus_1",
		GatewaySubscriptionID: "sub_1",
		PlanID:                plan.ID,
		Status:                models.SubscriptionEnded,
		StartDate:             ended.AddDate(0, 0, -90),
		EndOfSubscriptionDate: &ended,
		CancelledAt:           &cancelled,
	})

	sub, err := svc.ActivateOrRenew(context.Background(), store.Repos(), user,
		"cus_1", "sub_1", plan.GatewayPriceID, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, row.ID, sub.ID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.True(t, sub.AutoRenew)
	assert.Nil(t, sub.EndOfSubscriptionDate)
	assert.Nil(t, sub.CancelledAt)
	assert.WithinDuration(t, time.Now().UTC(), sub.StartDate, time.Second)
}

func TestActivateOrRenew_UnknownPlan(t *testing.T) {
	store := memory.NewStore()
	svc, _ := newService(store, nil)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})

	_, err := svc.ActivateOrRenew(context.Background(), store.Repos(), user,
		"cus_1", "sub_1", "price_missing", time.Time{})
	require.ErrorIs(t, err, domain.ErrUnknownPlan)
}

func TestPaymentFailed_NoRows(t *testing.T) {
	store := memory.NewStore()
	svc, _ := newService(store, nil)

	err := svc.PaymentFailed(context.Background(), store.Repos(), "cus_ghost", time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrMissingPrerequisite)
}

func TestPaymentFailed_SingleRowEnded(t *testing.T) {
	store := memory.NewStore()
	notifier := &notifierStub{}
	svc, plan := newService(store, notifier)
	user := store.AddUser(models.User{Email: "p@example.com", Name: "Мария", Role: models.RoleParent})
	sub := store.AddSubscription(models.Subscription{
		UserUID:           user.UID,
		GatewayCustomerID: "cus_1",
		PlanID:            plan.ID,
		Status:            models.SubscriptionActive,
	})
	_, err := store.Repos().CoveredChildren.Create(context.Background(), models.CoveredChild{
		SubscriptionID: sub.ID,
		ChildUID:       "child-1",
		IsActive:       true,
	})
	require.NoError(t, err)

	failedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, svc.PaymentFailed(context.Background(), store.Repos(), "cus_1", failedAt))

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SubscriptionEnded, rows[0].Status)
	require.NotNil(t, rows[0].EndOfSubscriptionDate)
	assert.Equal(t, failedAt, *rows[0].EndOfSubscriptionDate)

	active, err := store.Repos().CoveredChildren.ListActiveBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, active, "coverage must be deactivated with the subscription")

	require.Len(t, notifier.ended, 1)
	assert.Equal(t, user.Email, notifier.ended[0].Email)
}

func TestPaymentFailed_MultiRowEndsOnlyParentOwned(t *testing.T) {
	store := memory.NewStore()
	svc, plan := newService(store, nil)
	parent := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})
	student := store.AddUser(models.User{Email: "s@example.com", Role: models.RoleStudent})

	parentSub := store.AddSubscription(models.Subscription{
		UserUID:           parent.UID,
		GatewayCustomerID: "cus_1",
		PlanID:            plan.ID,
		Status:            models.SubscriptionActive,
	})
	studentSub := store.AddSubscription(models.Subscription{
		UserUID:           student.UID,
		GatewayCustomerID: "cus_1",
		PlanID:            plan.ID,
		Status:            models.SubscriptionCancelling,
	})

	require.NoError(t, svc.PaymentFailed(context.Background(), store.Repos(), "cus_1", time.Now().UTC()))

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	byID := map[int]*models.Subscription{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	assert.Equal(t, models.SubscriptionEnded, byID[parentSub.ID].Status)
	assert.Equal(t, models.SubscriptionCancelling, byID[studentSub.ID].Status,
		"student-owned row must survive a parent payment failure")
}

func TestHandleGatewayUpdated_CancelAtPeriodEnd(t *testing.T) {
	store := memory.NewStore()
	svc, plan := newService(store, nil)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})
	store.AddSubscription(models.Subscription{
		UserUID:               user.UID,
		GatewayCustomerID:     "cus_1",
		GatewaySubscriptionID: "sub_1",
		PlanID:                plan.ID,
		Status:                models.SubscriptionActive,
		AutoRenew:             true,
	})

	periodEnd := time.Now().UTC().AddDate(0, 0, 30).Truncate(time.Second)
	err := svc.HandleGatewayUpdated(context.Background(), store.Repos(), &webhook.SubscriptionObject{
		ID:                "sub_1",
		CustomerID:        "cus_1",
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  periodEnd.Unix(),
	})
	require.NoError(t, err)

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SubscriptionCancelling, rows[0].Status)
	assert.False(t, rows[0].AutoRenew)
	require.NotNil(t, rows[0].EndOfSubscriptionDate)
	assert.Equal(t, periodEnd, *rows[0].EndOfSubscriptionDate)
	assert.NotNil(t, rows[0].CancelledAt)
}

func TestHandleGatewayUpdated_UncancelClearsStamps(t *testing.T) {
	store := memory.NewStore()
	svc, plan := newService(store, nil)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})
	end := time.Now().UTC().AddDate(0, 0, 20)
	cancelled := time.Now().UTC()
	store.AddSubscription(models.Subscription{
		UserUID:               user.UID,
		GatewayCustomerID:     "cus_1",
		GatewaySubscriptionID: "sub_1",
		PlanID:                plan.ID,
		Status:                models.SubscriptionCancelling,
		EndOfSubscriptionDate: &end,
		CancelledAt:           &cancelled,
	})

	err := svc.HandleGatewayUpdated(context.Background(), store.Repos(), &webhook.SubscriptionObject{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		CurrentPeriodEnd: time.Now().UTC().AddDate(0, 0, 20).Unix(),
	})
	require.NoError(t, err)

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SubscriptionActive, rows[0].Status)
	assert.True(t, rows[0].AutoRenew)
	assert.Nil(t, rows[0].EndOfSubscriptionDate)
	assert.Nil(t, rows[0].CancelledAt)
}

func TestHandleGatewayDeleted_EndIsGatewayPeriodEnd(t *testing.T) {
	store := memory.NewStore()
	notifier := &notifierStub{}
	svc, plan := newService(store, notifier)
	user := store.AddUser(models.User{Email: "p@example.com", Role: models.RoleParent})
	store.AddSubscription(models.Subscription{
		UserUID:               user.UID,
		GatewayCustomerID:     "cus_1",
		GatewaySubscriptionID: "sub_1",
		PlanID:                plan.ID,
		Status:                models.SubscriptionActive,
	})

	periodEnd := time.Now().UTC().AddDate(0, 0, 14).Truncate(time.Second)
	err := svc.HandleGatewayDeleted(context.Background(), store.Repos(), &webhook.SubscriptionObject{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		CurrentPeriodEnd: periodEnd.Unix(),
	})
	require.NoError(t, err)

	rows, err := store.Repos().Subscriptions.ListByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SubscriptionEnded, rows[0].Status)
	require.NotNil(t, rows[0].EndOfSubscriptionDate)
	assert.Equal(t, periodEnd, *rows[0].EndOfSubscriptionDate,
		"end date comes from the gateway, never the processing timestamp")
	require.Len(t, notifier.ended, 1)
	assert.Equal(t, periodEnd, notifier.ended[0].EndDate)
}

func TestHandleGatewayDeleted_MissingRow(t *testing.T) {
	store := memory.NewStore()
	svc, _ := newService(store, nil)

	err := svc.HandleGatewayDeleted(context.Background(), store.Repos(), &webhook.SubscriptionObject{
		ID:         "sub_ghost",
		CustomerID: "cus_ghost",
	})
	require.ErrorIs(t, err, domain.ErrMissingPrerequisite)
}
