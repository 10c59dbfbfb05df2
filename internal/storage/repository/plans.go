package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type plans struct {
	db DBTX
}

// Get возвращает план по внутреннему ID.
func (r *plans) Get(ctx context.Context, id int) (*models.Plan, error) {
	const op = "storage.plans.Get"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, name, gateway_price_id, duration_days, amount, currency, max_children
			  FROM plans WHERE id = $1`
	p := &models.Plan{}
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.GatewayPriceID, &p.DurationDays, &p.Amount, &p.Currency, &p.MaxChildren); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// FindByGatewayPriceID ищет план по ID цены из шлюза.
// Возвращает (nil, nil), если цена каталогу неизвестна.
func (r *plans) FindByGatewayPriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	const op = "storage.plans.FindByGatewayPriceID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, name, gateway_price_id, duration_days, amount, currency, max_children
			  FROM plans WHERE gateway_price_id = $1`
	p := &models.Plan{}
	err := r.db.QueryRowContext(ctx, query, priceID).Scan(
		&p.ID, &p.Name, &p.GatewayPriceID, &p.DurationDays, &p.Amount, &p.Currency, &p.MaxChildren)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}
