// Package idempotency классифицирует входящие события шлюза перед
// обработкой. Статус выводится из фактически сохранённых строк, а не из
// флага "событие видели": предыдущая доставка могла завершиться частично
// (платёж записан, подписка не продвинута), и тогда событие нужно
// доприменить, а не пропустить.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// Status — результат классификации события.
type Status int

const (
	// Fresh — событие не применялось, обработать целиком.
	Fresh Status = iota
	// Skip — все эффекты события уже на месте, подтвердить без обработки.
	Skip
	// Reapply — событие применено частично, обработчик должен доприменить
	// недостающие эффекты (сами обработчики идемпотентны по строкам).
	Reapply
)

// String возвращает имя статуса для логов.
func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Skip:
		return "skip"
	case Reapply:
		return "reapply"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Cache — быстрая метка "событие видели". Подсказка, не источник истины.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// Guard классифицирует события. Только чтение, никаких побочных эффектов
// кроме advisory-метки в кеше после успешной обработки.
type Guard struct {
	cache Cache
	log   *slog.Logger
}

// New создает Guard. cache может быть nil.
func New(cache Cache, log *slog.Logger) *Guard {
	return &Guard{cache: cache, log: log}
}

// Classify определяет статус события по сохранённым строкам.
func (g *Guard) Classify(ctx context.Context, r *repository.Repos, ev *webhook.Event) (Status, error) {
	const op = "idempotency.Classify"

	seen := g.seenInCache(ctx, ev.ID)

	switch ev.Type {
	case webhook.EventInvoicePaymentSucceeded:
		status, err := g.classifyInvoicePaid(ctx, r, ev)
		if err != nil {
			return Fresh, fmt.Errorf("%s: %w", op, err)
		}
		return status, nil

	case webhook.EventPaymentIntentSucceeded:
		payment, err := r.Payments.FindByGatewayPaymentID(ctx, ev.PaymentIntent.ID)
		if err != nil {
			return Fresh, fmt.Errorf("%s: %w", op, err)
		}
		if payment != nil {
			return Skip, nil
		}
		return Fresh, nil

	case webhook.EventCustomerCreated:
		tu, err := r.TemporaryUsers.FindByCustomerID(ctx, ev.Customer.ID)
		if err != nil {
			return Fresh, fmt.Errorf("%s: %w", op, err)
		}
		if tu != nil {
			return Skip, nil
		}
		user, err := r.Users.FindByCustomerID(ctx, ev.Customer.ID)
		if err != nil {
			return Fresh, fmt.Errorf("%s: %w", op, err)
		}
		if user != nil {
			return Skip, nil
		}
		return Fresh, nil

	default:
		// Остальные обработчики идемпотентны по строкам; метка кеша
		// позволяет пропустить только точный повтор того же события.
		if seen {
			return Skip, nil
		}
		return Fresh, nil
	}
}

// MarkProcessed ставит advisory-метку об обработанном событии.
// Сбой кеша логируется и не влияет на результат обработки.
func (g *Guard) MarkProcessed(ctx context.Context, eventID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(eventID), true, 24*time.Hour); err != nil {
		g.log.Warn("failed to mark event as processed in cache",
			slog.String("event_id", eventID), sl.Err(err))
	}
}

// classifyInvoicePaid: платежа нет — Fresh; платёж есть, но подписка не
// покрывает оплаченный период — Reapply; платёж есть и подписка продвинута —
// Skip.
func (g *Guard) classifyInvoicePaid(ctx context.Context, r *repository.Repos, ev *webhook.Event) (Status, error) {
	payment, err := r.Payments.FindByGatewayPaymentID(ctx, paymentRef(ev.Invoice))
	if err != nil {
		return Fresh, err
	}
	if payment == nil {
		return Fresh, nil
	}

	subs, err := r.Subscriptions.ListByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return Fresh, err
	}
	periodEnd := time.Unix(ev.Invoice.PeriodEnd, 0).UTC()
	for _, sub := range subs {
		if sub.Status != models.SubscriptionActive {
			continue
		}
		if ev.Invoice.PeriodEnd == 0 || !sub.NextPaymentDate.Before(periodEnd) {
			return Skip, nil
		}
	}
	g.log.Info("payment persisted but subscription not advanced, reapplying",
		slog.String("event_id", ev.ID),
		slog.String("customer_id", ev.CustomerID))
	return Reapply, nil
}

func (g *Guard) seenInCache(ctx context.Context, eventID string) bool {
	if g.cache == nil {
		return false
	}
	var marker bool
	found, err := g.cache.Get(ctx, cacheKey(eventID), &marker)
	if err != nil {
		g.log.Warn("event cache read failed", slog.String("event_id", eventID), sl.Err(err))
		return false
	}
	return found && marker
}

// paymentRef — стабильный идентификатор платежа для инвойса: payment_intent
// при наличии, иначе ID самого инвойса.
func paymentRef(inv *webhook.InvoiceObject) string {
	if inv.PaymentIntentID != "" {
		return inv.PaymentIntentID
	}
	return inv.ID
}

func cacheKey(eventID string) string {
	return "event:processed:" + eventID
}
