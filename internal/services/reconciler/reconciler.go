// Package reconciler приводит локальные строки подписок в соответствие
// событиям платёжного шлюза. Жизненный цикл строки: NONE -> ACTIVE ->
// CANCELLING -> ENDED, с реактивацией обратно в ACTIVE. Строка на клиента
// переиспользуется: продление и реактивация никогда не создают дубликат.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// PlanCatalog отдаёт план по ID цены шлюза либо (nil, nil) для неизвестной цены.
type PlanCatalog interface {
	FindByGatewayPriceID(ctx context.Context, priceID string) (*models.Plan, error)
}

// EndedNotifier публикует письмо о завершении подписки.
type EndedNotifier interface {
	PublishSubscriptionEnded(msg models.SubscriptionEndedEmail) error
}

// Service — машина состояний подписок.
type Service struct {
	plans      PlanCatalog
	notifier   EndedNotifier
	violations prometheus.Counter
	log        *slog.Logger
}

// New создает Service. notifier и violations могут быть nil в тестах.
func New(plans PlanCatalog, notifier EndedNotifier, violations prometheus.Counter, log *slog.Logger) *Service {
	return &Service{
		plans:      plans,
		notifier:   notifier,
		violations: violations,
		log:        log,
	}
}

// ActivateOrRenew применяет успешный платёж за подписку: создаёт строку
// при первом платеже, продлевает существующую ACTIVE, реактивирует
// CANCELLING/ENDED. periodEnd — конец оплаченного периода из события;
// нулевое значение заменяется на start + длительность плана.
//
// Неизвестная цена каталога — domain.ErrUnknownPlan: диспетчер вернёт
// ретраябельный ответ, и шлюз повторит доставку после правки каталога.
func (s *Service) ActivateOrRenew(ctx context.Context, r *repository.Repos, user *models.User, customerID, gatewaySubID, priceID string, periodEnd time.Time) (*models.Subscription, error) {
	const op = "reconciler.ActivateOrRenew"

	plan, err := s.plans.FindByGatewayPriceID(ctx, priceID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if plan == nil {
		return nil, fmt.Errorf("%s: price %s: %w", op, priceID, domain.ErrUnknownPlan)
	}

	subs, err := r.Subscriptions.ListByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.checkActiveInvariant(subs, customerID)

	now := time.Now().UTC()
	next := periodEnd
	if next.IsZero() || !next.After(now) {
		next = now.AddDate(0, 0, plan.DurationDays)
	}

	sub := pickRow(subs, gatewaySubID)
	if sub == nil {
		created := models.Subscription{
			UserUID:               user.UID,
			GatewayCustomerID:     customerID,
			GatewaySubscriptionID: gatewaySubID,
			PlanID:                plan.ID,
			Status:                models.SubscriptionActive,
			AutoRenew:             true,
			StartDate:             now,
			NextPaymentDate:       next,
		}
		id, err := r.Subscriptions.Create(ctx, created)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		created.ID = id
		s.log.Info("subscription activated",
			slog.String("action", "subscription_activate"),
			slog.String("customer_id", customerID),
			slog.Int("subscription_id", id),
			slog.Int("plan_id", plan.ID))
		return &created, nil
	}

	// Реюз строки: продление для ACTIVE, реактивация для остальных.
	// Новый жизненный цикл после ENDED начинает отсчёт дат заново.
	reactivated := sub.Status != models.SubscriptionActive
	if sub.Status == models.SubscriptionEnded {
		sub.StartDate = now
	}
	sub.PlanID = plan.ID
	sub.Status = models.SubscriptionActive
	sub.AutoRenew = true
	sub.NextPaymentDate = next
	sub.EndOfSubscriptionDate = nil
	sub.CancelledAt = nil
	if gatewaySubID != "" {
		sub.GatewaySubscriptionID = gatewaySubID
	}

	if _, err := r.Subscriptions.Update(ctx, *sub); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	action := "subscription_renew"
	if reactivated {
		action = "subscription_reactivate"
	}
	s.log.Info("subscription reconciled",
		slog.String("action", action),
		slog.String("customer_id", customerID),
		slog.Int("subscription_id", sub.ID))
	return sub, nil
}

// PaymentFailed завершает подписку клиента после неуспешного списания.
// Отсутствие строк у платящего клиента — пробел целостности данных,
// domain.ErrMissingPrerequisite. В защитном случае нескольких строк
// завершаются только строки, принадлежащие родителям: независимая
// подписка студента не должна гаснуть из-за чужого платежа.
func (s *Service) PaymentFailed(ctx context.Context, r *repository.Repos, customerID string, failedAt time.Time) error {
	const op = "reconciler.PaymentFailed"

	subs, err := r.Subscriptions.ListByCustomerID(ctx, customerID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(subs) == 0 {
		return fmt.Errorf("%s: customer %s: %w", op, customerID, domain.ErrMissingPrerequisite)
	}

	var live []*models.Subscription
	for _, sub := range subs {
		if sub.Status != models.SubscriptionEnded {
			live = append(live, sub)
		}
	}
	if len(live) == 0 {
		s.log.Info("payment failure for already ended subscriptions, nothing to do",
			slog.String("customer_id", customerID))
		return nil
	}

	targets := live
	if len(live) > 1 {
		s.reportViolation(customerID, len(live))
		targets = make([]*models.Subscription, 0, len(live))
		for _, sub := range live {
			owner, err := r.Users.Get(ctx, sub.UserUID)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if owner.Role == models.RoleParent {
				targets = append(targets, sub)
			}
		}
	}

	for _, sub := range targets {
		if err := s.endSubscription(ctx, r, sub, failedAt, "subscription_payment_failed"); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// HandleGatewayUpdated применяет customer.subscription.updated: постановку
// на отмену в конце периода (CANCELLING), снятие отмены (реактивация с
// очисткой штампов) и смену плана с ревалидацией цены.
func (s *Service) HandleGatewayUpdated(ctx context.Context, r *repository.Repos, obj *webhook.SubscriptionObject) error {
	const op = "reconciler.HandleGatewayUpdated"

	sub, err := s.findByGatewaySub(ctx, r, obj.CustomerID, obj.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sub.Status == models.SubscriptionEnded {
		s.log.Info("update for ended subscription ignored",
			slog.String("customer_id", obj.CustomerID),
			slog.Int("subscription_id", sub.ID))
		return nil
	}

	if obj.PriceID != "" {
		plan, err := s.plans.FindByGatewayPriceID(ctx, obj.PriceID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if plan == nil {
			return fmt.Errorf("%s: price %s: %w", op, obj.PriceID, domain.ErrUnknownPlan)
		}
		sub.PlanID = plan.ID
	}

	if obj.CancelAtPeriodEnd {
		end := obj.PeriodEnd()
		cancelled := time.Now().UTC()
		if obj.CanceledAt != 0 {
			cancelled = time.Unix(obj.CanceledAt, 0).UTC()
		}
		sub.Status = models.SubscriptionCancelling
		sub.AutoRenew = false
		sub.EndOfSubscriptionDate = &end
		sub.CancelledAt = &cancelled
	} else {
		sub.Status = models.SubscriptionActive
		sub.AutoRenew = true
		sub.EndOfSubscriptionDate = nil
		sub.CancelledAt = nil
		if end := obj.PeriodEnd(); end.After(time.Now().UTC()) {
			sub.NextPaymentDate = end
		}
	}

	if _, err := r.Subscriptions.Update(ctx, *sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("subscription updated from gateway",
		slog.String("action", "subscription_update"),
		slog.String("customer_id", obj.CustomerID),
		slog.Int("subscription_id", sub.ID),
		slog.Bool("cancel_at_period_end", obj.CancelAtPeriodEnd))
	return nil
}

// HandleGatewayDeleted применяет customer.subscription.deleted: подписка
// завершается с датой окончания из события, не моментом обработки —
// оплаченный доступ действует до конца периода.
func (s *Service) HandleGatewayDeleted(ctx context.Context, r *repository.Repos, obj *webhook.SubscriptionObject) error {
	const op = "reconciler.HandleGatewayDeleted"

	sub, err := s.findByGatewaySub(ctx, r, obj.CustomerID, obj.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sub.Status == models.SubscriptionEnded {
		s.log.Info("delete for already ended subscription, nothing to do",
			slog.String("customer_id", obj.CustomerID),
			slog.Int("subscription_id", sub.ID))
		return nil
	}

	end := obj.PeriodEnd()
	if obj.CurrentPeriodEnd == 0 {
		if obj.CanceledAt != 0 {
			end = time.Unix(obj.CanceledAt, 0).UTC()
		} else {
			end = time.Now().UTC()
		}
	}
	if err := s.endSubscription(ctx, r, sub, end, "subscription_delete"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// endSubscription переводит строку в ENDED, снимает покрытие детей и ставит
// в очередь письмо о завершении. Сбой публикации письма логируется и не
// откатывает сверку.
func (s *Service) endSubscription(ctx context.Context, r *repository.Repos, sub *models.Subscription, end time.Time, action string) error {
	cancelled := time.Now().UTC()
	sub.Status = models.SubscriptionEnded
	sub.AutoRenew = false
	sub.EndOfSubscriptionDate = &end
	if sub.CancelledAt == nil {
		sub.CancelledAt = &cancelled
	}
	if _, err := r.Subscriptions.Update(ctx, *sub); err != nil {
		return err
	}
	if _, err := r.CoveredChildren.DeactivateBySubscription(ctx, sub.ID, end); err != nil {
		return err
	}

	s.log.Info("subscription ended",
		slog.String("action", action),
		slog.String("customer_id", sub.GatewayCustomerID),
		slog.Int("subscription_id", sub.ID),
		slog.Time("end_date", end))

	if s.notifier == nil {
		return nil
	}
	owner, err := r.Users.Get(ctx, sub.UserUID)
	if err != nil {
		s.log.Error("failed to load subscription owner for ended email", sl.Err(err),
			slog.Int("subscription_id", sub.ID))
		return nil
	}
	if err := s.notifier.PublishSubscriptionEnded(models.SubscriptionEndedEmail{
		Email:   owner.Email,
		Name:    owner.Name,
		EndDate: end,
	}); err != nil {
		s.log.Error("failed to enqueue subscription ended email", sl.Err(err),
			slog.String("email", owner.Email))
	}
	return nil
}

// findByGatewaySub ищет строку по ID подписки шлюза, затем по любому
// незавершённому ряду клиента. Отсутствие — domain.ErrMissingPrerequisite.
func (s *Service) findByGatewaySub(ctx context.Context, r *repository.Repos, customerID, gatewaySubID string) (*models.Subscription, error) {
	subs, err := r.Subscriptions.ListByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.GatewaySubscriptionID == gatewaySubID {
			return sub, nil
		}
	}
	for _, sub := range subs {
		if sub.Status != models.SubscriptionEnded {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("customer %s subscription %s: %w", customerID, gatewaySubID, domain.ErrMissingPrerequisite)
}

// pickRow выбирает строку для реюза: сначала по ID подписки шлюза,
// затем незавершённую, затем последнюю по ID.
func pickRow(subs []*models.Subscription, gatewaySubID string) *models.Subscription {
	if gatewaySubID != "" {
		for _, sub := range subs {
			if sub.GatewaySubscriptionID == gatewaySubID {
				return sub
			}
		}
	}
	for _, sub := range subs {
		if sub.Status != models.SubscriptionEnded {
			return sub
		}
	}
	if len(subs) > 0 {
		return subs[len(subs)-1]
	}
	return nil
}

func (s *Service) checkActiveInvariant(subs []*models.Subscription, customerID string) {
	active := 0
	for _, sub := range subs {
		if sub.Status == models.SubscriptionActive {
			active++
		}
	}
	if active > 1 {
		s.reportViolation(customerID, active)
	}
}

func (s *Service) reportViolation(customerID string, rows int) {
	s.log.Error("integrity violation: multiple live subscription rows for customer",
		slog.String("action", "integrity_violation"),
		slog.String("customer_id", customerID),
		slog.Int("rows", rows))
	if s.violations != nil {
		s.violations.Inc()
	}
}
