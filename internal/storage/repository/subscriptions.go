package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type subscriptions struct {
	db DBTX
}

const subscriptionColumns = `id, user_uid, gateway_customer_id, gateway_subscription_id, plan_id,
			      status, auto_renew, start_date, next_payment_date, end_of_subscription_date, cancelled_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	s := &models.Subscription{}
	var endDate, cancelledAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserUID, &s.GatewayCustomerID, &s.GatewaySubscriptionID,
		&s.PlanID, &s.Status, &s.AutoRenew, &s.StartDate, &s.NextPaymentDate,
		&endDate, &cancelledAt); err != nil {
		return nil, err
	}
	if endDate.Valid {
		s.EndOfSubscriptionDate = &endDate.Time
	}
	if cancelledAt.Valid {
		s.CancelledAt = &cancelledAt.Time
	}
	return s, nil
}

// Create вставляет новую строку подписки и возвращает её ID.
func (r *subscriptions) Create(ctx context.Context, sub models.Subscription) (int, error) {
	const op = "storage.subscriptions.Create"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO subscriptions (user_uid, gateway_customer_id, gateway_subscription_id,
			      plan_id, status, auto_renew, start_date, next_payment_date,
			      end_of_subscription_date, cancelled_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			  RETURNING id`
	var newID int
	err := r.db.QueryRowContext(ctx, query,
		sub.UserUID, sub.GatewayCustomerID, sub.GatewaySubscriptionID, sub.PlanID,
		sub.Status, sub.AutoRenew, sub.StartDate, sub.NextPaymentDate,
		sub.EndOfSubscriptionDate, sub.CancelledAt).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// ListByCustomerID возвращает все строки подписок клиента шлюза,
// включая завершённые. Порядок стабильный, по ID.
func (r *subscriptions) ListByCustomerID(ctx context.Context, customerID string) ([]*models.Subscription, error) {
	const op = "storage.subscriptions.ListByCustomerID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE gateway_customer_id = $1
			  ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// Update перезаписывает строку подписки по её ID и возвращает
// количество изменённых строк. Строки подписок переиспользуются:
// продление и реактивация всегда идут через Update, не через Create.
func (r *subscriptions) Update(ctx context.Context, sub models.Subscription) (int, error) {
	const op = "storage.subscriptions.Update"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET gateway_subscription_id = $1, plan_id = $2, status = $3, auto_renew = $4,
			      start_date = $5, next_payment_date = $6, end_of_subscription_date = $7,
			      cancelled_at = $8
			  WHERE id = $9`
	res, err := r.db.ExecContext(ctx, query,
		sub.GatewaySubscriptionID, sub.PlanID, sub.Status, sub.AutoRenew,
		sub.StartDate, sub.NextPaymentDate, sub.EndOfSubscriptionDate, sub.CancelledAt, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// CountActiveByCustomerID считает ACTIVE-строки клиента. Больше одной —
// нарушение инварианта, которое сверка логирует отдельно.
func (r *subscriptions) CountActiveByCustomerID(ctx context.Context, customerID string) (int, error) {
	const op = "storage.subscriptions.CountActiveByCustomerID"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT COUNT(*) FROM subscriptions
			  WHERE gateway_customer_id = $1 AND status = $2`
	var count int
	if err := r.db.QueryRowContext(ctx, query, customerID, models.SubscriptionActive).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}
