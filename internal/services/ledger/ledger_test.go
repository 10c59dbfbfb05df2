package ledger

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
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordPayment_DuplicateReturnsExistingRow(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())
	ctx := context.Background()

	payment := models.Payment{
		GatewayPaymentID: "pi_1",
		CustomerID:       "cus_1",
		Amount:           990000,
		Currency:         "RUB",
		PaidAt:           time.Now().UTC(),
	}

	first, err := svc.RecordPayment(ctx, store.Repos(), payment)
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	second, err := svc.RecordPayment(ctx, store.Repos(), payment)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replayed payment must reuse the stored row")
}

func TestRecordPayment_RejectsEmptyGatewayID(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())

	_, err := svc.RecordPayment(context.Background(), store.Repos(), models.Payment{
		CustomerID: "cus_1",
		Amount:     100,
		Currency:   "RUB",
	})
	require.Error(t, err)
}

func TestRecordInvoice_ReplayReturnsSameInvoice(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())
	ctx := context.Background()

	payment, err := svc.RecordPayment(ctx, store.Repos(), models.Payment{
		GatewayPaymentID: "pi_1",
		CustomerID:       "cus_1",
		Amount:           990000,
		Currency:         "RUB",
		PaidAt:           time.Now().UTC(),
	})
	require.NoError(t, err)

	lines := []models.InvoiceLine{{Description: "Базовый 90", Amount: 990000, Currency: "RUB"}}

	first, err := svc.RecordInvoice(ctx, store.Repos(), payment, lines)
	require.NoError(t, err)
	require.NotEmpty(t, first.Number)
	assert.Equal(t, payment.PaidAt, first.IssuedAt)

	second, err := svc.RecordInvoice(ctx, store.Repos(), payment, lines)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Number, second.Number, "replay must not burn a new invoice number")
}

func TestCreditTokens_SameSourceRefCreditsOnce(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())
	ctx := context.Background()
	user := store.AddUser(models.User{Email: "student@example.com", Role: models.RoleStudent})

	created, err := svc.CreditTokens(ctx, store.Repos(), user.UID, 3, models.TokenReasonSignupBonus, "signup:cus_1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.CreditTokens(ctx, store.Repos(), user.UID, 3, models.TokenReasonSignupBonus, "signup:cus_1")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := svc.Balance(ctx, store.Repos(), user.UID)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
}

func TestCreditTokens_RejectsNonPositiveAmount(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())
	user := store.AddUser(models.User{Email: "student@example.com", Role: models.RoleStudent})

	_, err := svc.CreditTokens(context.Background(), store.Repos(), user.UID, 0, models.TokenReasonTokenPack, "payment:pi_1")
	require.Error(t, err)
}

func TestDebitTokens_InsufficientBalance(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())
	ctx := context.Background()
	user := store.AddUser(models.User{Email: "student@example.com", Role: models.RoleStudent})

	_, err := svc.CreditTokens(ctx, store.Repos(), user.UID, 2, models.TokenReasonSignupBonus, "signup:cus_1")
	require.NoError(t, err)

	_, err = svc.DebitTokens(ctx, store.Repos(), user.UID, 5, models.TokenReasonLesson, "lesson:42")
	require.ErrorIs(t, err, domain.ErrInsufficientTokens)

	balance, err := svc.Balance(ctx, store.Repos(), user.UID)
	require.NoError(t, err)
	assert.Equal(t, 2, balance, "failed debit must not move the balance")
}

func TestDebitTokens_SameSourceRefDebitsOnce(t *testing.T) {
	store := memory.NewStore()
	svc := New(discardLogger())
	ctx := context.Background()
	user := store.AddUser(models.User{Email: "student@example.com", Role: models.RoleStudent})

	_, err := svc.CreditTokens(ctx, store.Repos(), user.UID, 10, models.TokenReasonTokenPack, "payment:pi_1")
	require.NoError(t, err)

	created, err := svc.DebitTokens(ctx, store.Repos(), user.UID, 1, models.TokenReasonLesson, "lesson:42")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.DebitTokens(ctx, store.Repos(), user.UID, 1, models.TokenReasonLesson, "lesson:42")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := svc.Balance(ctx, store.Repos(), user.UID)
	require.NoError(t, err)
	assert.Equal(t, 9, balance)
}
