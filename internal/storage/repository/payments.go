package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type payments struct {
	db DBTX
}

// Create вставляет запись платежа. Платёж с уже существующим
// gateway_payment_id не вставляется повторно: возвращается (0, nil),
// и вызывающая сторона трактует это как повторную доставку.
func (r *payments) Create(ctx context.Context, p models.Payment) (int, error) {
	const op = "storage.payments.Create"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO payments (gateway_payment_id, gateway_invoice_id, customer_id,
			      amount, currency, paid_at)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  ON CONFLICT (gateway_payment_id) DO NOTHING
			  RETURNING id`
	var newID int
	err := r.db.QueryRowContext(ctx, query,
		p.GatewayPaymentID, p.GatewayInvoiceID, p.CustomerID,
		p.Amount, p.Currency, p.PaidAt).Scan(&newID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// FindByGatewayPaymentID возвращает платёж по ID из шлюза либо (nil, nil).
func (r *payments) FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error) {
	const op = "storage.payments.FindByGatewayPaymentID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, gateway_payment_id, gateway_invoice_id, customer_id, amount, currency, paid_at
			  FROM payments
			  WHERE gateway_payment_id = $1`
	p := &models.Payment{}
	var invoiceID sql.NullString
	err := r.db.QueryRowContext(ctx, query, gatewayPaymentID).Scan(
		&p.ID, &p.GatewayPaymentID, &invoiceID, &p.CustomerID, &p.Amount, &p.Currency, &p.PaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if invoiceID.Valid {
		p.GatewayInvoiceID = &invoiceID.String
	}
	return p, nil
}
