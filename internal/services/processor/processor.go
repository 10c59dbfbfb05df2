// Package processor связывает сервисы сверки в обработчики событий шлюза.
// Каждый обработчик выполняет все мутации события внутри одной транзакции:
// эффект события либо виден целиком, либо не виден вовсе.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/services/idempotency"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// TxRunner исполняет fn в границах одной транзакции хранилища.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(r *repository.Repos) error) error
}

// Resolver сопоставляет клиента шлюза с локальным пользователем.
type Resolver interface {
	ResolveOrPromote(ctx context.Context, r *repository.Repos, customerID, email string, meta map[string]string) (*models.User, error)
}

// Reconciler — машина состояний подписок.
type Reconciler interface {
	ActivateOrRenew(ctx context.Context, r *repository.Repos, user *models.User, customerID, gatewaySubID, priceID string, periodEnd time.Time) (*models.Subscription, error)
	PaymentFailed(ctx context.Context, r *repository.Repos, customerID string, failedAt time.Time) error
	HandleGatewayUpdated(ctx context.Context, r *repository.Repos, obj *webhook.SubscriptionObject) error
	HandleGatewayDeleted(ctx context.Context, r *repository.Repos, obj *webhook.SubscriptionObject) error
}

// CoverageSyncer синхронизирует покрытие детей семейной подписки.
type CoverageSyncer interface {
	Sync(ctx context.Context, r *repository.Repos, parent *models.User, sub *models.Subscription, selectedChildUIDs []string, childCount int) error
}

// LedgerWriter пишет платежи, инвойсы и движения токенов.
type LedgerWriter interface {
	RecordPayment(ctx context.Context, r *repository.Repos, p models.Payment) (*models.Payment, error)
	RecordInvoice(ctx context.Context, r *repository.Repos, payment *models.Payment, lines []models.InvoiceLine) (*models.Invoice, error)
	CreditTokens(ctx context.Context, r *repository.Repos, userUID string, amount int, reason, sourceRef string) (bool, error)
}

// Guard классифицирует событие перед обработкой.
type Guard interface {
	Classify(ctx context.Context, r *repository.Repos, ev *webhook.Event) (idempotency.Status, error)
	MarkProcessed(ctx context.Context, eventID string)
}

// Processor — набор обработчиков событий шлюза.
type Processor struct {
	db         TxRunner
	guard      Guard
	resolver   Resolver
	reconciler Reconciler
	coverage   CoverageSyncer
	ledger     LedgerWriter
	log        *slog.Logger
}

// New создает Processor.
func New(db TxRunner, guard Guard, resolver Resolver, reconciler Reconciler, coverage CoverageSyncer, ledger LedgerWriter, log *slog.Logger) *Processor {
	return &Processor{
		db:         db,
		guard:      guard,
		resolver:   resolver,
		reconciler: reconciler,
		coverage:   coverage,
		ledger:     ledger,
		log:        log,
	}
}

// HandleInvoicePaid обрабатывает успешную оплату инвойса подписки: резолвит
// пользователя (с промоушеном временной учётки при первом платеже),
// активирует или продлевает подписку, синхронизирует покрытие детей
// для родителя и записывает платёж с инвойсом.
func (p *Processor) HandleInvoicePaid(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandleInvoicePaid"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		status, err := p.guard.Classify(ctx, r, ev)
		if err != nil {
			return err
		}
		if status == idempotency.Skip {
			p.logSkip(ev)
			return nil
		}

		inv := ev.Invoice
		user, err := p.resolver.ResolveOrPromote(ctx, r, ev.CustomerID, inv.CustomerEmail, inv.Metadata)
		if err != nil {
			return err
		}

		sub, err := p.reconciler.ActivateOrRenew(ctx, r, user, ev.CustomerID,
			inv.SubscriptionID, inv.PriceID(), unixTime(inv.PeriodEnd))
		if err != nil {
			return err
		}

		if user.Role == models.RoleParent {
			count, selected, err := p.coverageTarget(ctx, r, sub, inv.Metadata)
			if err != nil {
				return err
			}
			if err := p.coverage.Sync(ctx, r, user, sub, selected, count); err != nil {
				return err
			}
		}

		payment, err := p.ledger.RecordPayment(ctx, r, models.Payment{
			GatewayPaymentID: invoicePaymentRef(inv),
			GatewayInvoiceID: &inv.ID,
			CustomerID:       ev.CustomerID,
			Amount:           inv.AmountPaid,
			Currency:         inv.Currency,
			PaidAt:           time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		_, err = p.ledger.RecordInvoice(ctx, r, payment, invoiceLines(inv))
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// HandleInvoicePaymentFailed завершает подписку клиента после неуспешного
// списания.
func (p *Processor) HandleInvoicePaymentFailed(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandleInvoicePaymentFailed"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		return p.reconciler.PaymentFailed(ctx, r, ev.CustomerID, time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// HandlePaymentIntentSucceeded обрабатывает разовое списание — покупку
// пакета токенов уроков. Размер пакета берётся из metadata.tokens;
// отсутствие или мусор в поле — дефект контракта события.
func (p *Processor) HandlePaymentIntentSucceeded(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandlePaymentIntentSucceeded"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		status, err := p.guard.Classify(ctx, r, ev)
		if err != nil {
			return err
		}
		if status == idempotency.Skip {
			p.logSkip(ev)
			return nil
		}

		pi := ev.PaymentIntent
		tokens, err := strconv.Atoi(pi.Metadata["tokens"])
		if err != nil || tokens <= 0 {
			return fmt.Errorf("token pack size %q: %w", pi.Metadata["tokens"], domain.ErrMalformedEvent)
		}

		user, err := p.resolver.ResolveOrPromote(ctx, r, ev.CustomerID, pi.Metadata["email"], pi.Metadata)
		if err != nil {
			return err
		}

		if _, err := p.ledger.RecordPayment(ctx, r, models.Payment{
			GatewayPaymentID: pi.ID,
			CustomerID:       ev.CustomerID,
			Amount:           pi.Amount,
			Currency:         pi.Currency,
			PaidAt:           unixTimeOrNow(pi.CreatedAt),
		}); err != nil {
			return err
		}

		_, err = p.ledger.CreditTokens(ctx, r, user.UID, tokens,
			models.TokenReasonTokenPack, "payment:"+pi.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// HandleSubscriptionUpdated применяет изменение подписки со стороны шлюза.
func (p *Processor) HandleSubscriptionUpdated(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandleSubscriptionUpdated"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		return p.reconciler.HandleGatewayUpdated(ctx, r, ev.Subscription)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// HandleSubscriptionDeleted применяет удаление подписки со стороны шлюза.
func (p *Processor) HandleSubscriptionDeleted(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandleSubscriptionDeleted"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		return p.reconciler.HandleGatewayDeleted(ctx, r, ev.Subscription)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// HandleCustomerCreated создает временную учётку чекаута. Повторная
// доставка и уже существующий клиент подтверждаются без изменений.
func (p *Processor) HandleCustomerCreated(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandleCustomerCreated"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		status, err := p.guard.Classify(ctx, r, ev)
		if err != nil {
			return err
		}
		if status == idempotency.Skip {
			p.logSkip(ev)
			return nil
		}

		c := ev.Customer
		role := strings.ToUpper(strings.TrimSpace(c.Metadata["role"]))
		if role != models.RoleParent {
			role = models.RoleStudent
		}
		return r.TemporaryUsers.Create(ctx, models.TemporaryUser{
			GatewayCustomerID: c.ID,
			Email:             c.Email,
			Name:              c.Name,
			Role:              role,
			Metadata:          c.Metadata,
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// HandlePromotionCodeCreated привязывает ID промокода шлюза к владельцу
// реферального кода. Неизвестный код подтверждается с записью в лог:
// промокоды создаются и вне этой подсистемы.
func (p *Processor) HandlePromotionCodeCreated(ctx context.Context, ev *webhook.Event) error {
	const op = "processor.HandlePromotionCodeCreated"

	err := p.db.WithinTx(ctx, func(r *repository.Repos) error {
		pc := ev.PromotionCode
		owner, err := r.Users.FindByReferralCode(ctx, pc.Code)
		if err != nil {
			return err
		}
		if owner == nil {
			p.log.Info("promotion code without a local owner, acknowledged",
				slog.String("event_id", ev.ID),
				slog.String("code", pc.Code))
			return nil
		}
		_, err = r.Users.SetGatewayPromoID(ctx, owner.UID, pc.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.guard.MarkProcessed(ctx, ev.ID)
	return nil
}

// coverageTarget вычисляет состав покрытия: явные UID детей из метаданных
// и предел количества (metadata.child_count либо max_children плана).
func (p *Processor) coverageTarget(ctx context.Context, r *repository.Repos, sub *models.Subscription, meta map[string]string) (int, []string, error) {
	plan, err := r.Plans.Get(ctx, sub.PlanID)
	if err != nil {
		return 0, nil, err
	}
	count := plan.MaxChildren
	if raw, ok := meta["child_count"]; ok {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 && parsed < count {
			count = parsed
		}
	}

	var selected []string
	for _, uid := range strings.Split(meta["child_uids"], ",") {
		if uid = strings.TrimSpace(uid); uid != "" {
			selected = append(selected, uid)
		}
	}
	return count, selected, nil
}

func (p *Processor) logSkip(ev *webhook.Event) {
	p.log.Info("event effects already applied, skipping",
		slog.String("action", "idempotent_skip"),
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("customer_id", ev.CustomerID))
}

func invoicePaymentRef(inv *webhook.InvoiceObject) string {
	if inv.PaymentIntentID != "" {
		return inv.PaymentIntentID
	}
	return inv.ID
}

func invoiceLines(inv *webhook.InvoiceObject) []models.InvoiceLine {
	lines := make([]models.InvoiceLine, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		lines = append(lines, models.InvoiceLine{
			Description: line.Description,
			Amount:      line.Amount,
			Currency:    inv.Currency,
		})
	}
	return lines
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func unixTimeOrNow(ts int64) time.Time {
	if ts == 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
