// Package ledger реализует запись финансовых артефактов: платежей,
// инвойсов и движений токенов уроков. Платежи и инвойсы append-only,
// баланс токенов выводится из леджера и нигде не хранится.
//
// Любой сбой записи здесь распространяется наверх: молчаливая потеря
// платежа или начисления — дефект финансовой целостности.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
)

// Service — писатель леджера.
type Service struct {
	log *slog.Logger
}

// New создает Service.
func New(log *slog.Logger) *Service {
	return &Service{log: log}
}

// RecordPayment записывает платёж. Если платёж с тем же gateway_payment_id
// уже существует, новая строка не создаётся и возвращается существующая:
// это защита в глубину за спиной idempotency guard.
func (s *Service) RecordPayment(ctx context.Context, r *repository.Repos, p models.Payment) (*models.Payment, error) {
	const op = "ledger.RecordPayment"

	if p.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%s: empty gateway payment id", op)
	}

	newID, err := r.Payments.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if newID == 0 {
		existing, err := r.Payments.FindByGatewayPaymentID(ctx, p.GatewayPaymentID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if existing == nil {
			return nil, fmt.Errorf("%s: payment %s vanished after conflict", op, p.GatewayPaymentID)
		}
		s.log.Info("duplicate payment delivery, reusing existing row",
			slog.String("gateway_payment_id", p.GatewayPaymentID),
			slog.Int("payment_id", existing.ID))
		return existing, nil
	}

	p.ID = newID
	return &p, nil
}

// RecordInvoice создает инвойс, производный 1:1 от платежа. Повторный
// вызов для того же платежа возвращает уже существующий инвойс.
func (s *Service) RecordInvoice(ctx context.Context, r *repository.Repos, payment *models.Payment, lines []models.InvoiceLine) (*models.Invoice, error) {
	const op = "ledger.RecordInvoice"

	existing, err := r.Invoices.FindByPaymentID(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if existing != nil {
		return existing, nil
	}

	number, err := r.Invoices.NextNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	inv := models.Invoice{
		PaymentID: payment.ID,
		Number:    number,
		Lines:     lines,
		IssuedAt:  payment.PaidAt,
	}
	newID, err := r.Invoices.Create(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	inv.ID = newID
	return &inv, nil
}

// CreditTokens начисляет amount токенов пользователю со стабильной ссылкой
// на источник. Повторное начисление с той же ссылкой не меняет баланс;
// возвращаемый флаг сообщает, была ли запись создана.
func (s *Service) CreditTokens(ctx context.Context, r *repository.Repos, userUID string, amount int, reason, sourceRef string) (bool, error) {
	const op = "ledger.CreditTokens"

	if amount <= 0 {
		return false, fmt.Errorf("%s: non-positive credit amount %d", op, amount)
	}

	newID, err := r.TokenLedger.Append(ctx, models.TokenEntry{
		UserUID:   userUID,
		Delta:     amount,
		Reason:    reason,
		SourceRef: sourceRef,
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if newID == 0 {
		s.log.Info("duplicate token credit skipped",
			slog.String("user_uid", userUID),
			slog.String("source_ref", sourceRef))
		return false, nil
	}
	return true, nil
}

// DebitTokens списывает amount токенов. Списание, уводящее баланс
// в минус, отклоняется с domain.ErrInsufficientTokens.
func (s *Service) DebitTokens(ctx context.Context, r *repository.Repos, userUID string, amount int, reason, sourceRef string) (bool, error) {
	const op = "ledger.DebitTokens"

	if amount <= 0 {
		return false, fmt.Errorf("%s: non-positive debit amount %d", op, amount)
	}

	balance, err := r.TokenLedger.Balance(ctx, userUID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if balance < amount {
		return false, fmt.Errorf("%s: %w: balance %d, debit %d", op, domain.ErrInsufficientTokens, balance, amount)
	}

	newID, err := r.TokenLedger.Append(ctx, models.TokenEntry{
		UserUID:   userUID,
		Delta:     -amount,
		Reason:    reason,
		SourceRef: sourceRef,
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if newID == 0 {
		s.log.Info("duplicate token debit skipped",
			slog.String("user_uid", userUID),
			slog.String("source_ref", sourceRef))
		return false, nil
	}
	return true, nil
}

// Balance возвращает текущий баланс токенов пользователя.
func (s *Service) Balance(ctx context.Context, r *repository.Repos, userUID string) (int, error) {
	const op = "ledger.Balance"
	balance, err := r.TokenLedger.Balance(ctx, userUID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}
