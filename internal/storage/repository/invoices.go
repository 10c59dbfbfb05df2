package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type invoices struct {
	db DBTX
}

// Create вставляет инвойс, производный от платежа, и возвращает его ID.
func (r *invoices) Create(ctx context.Context, inv models.Invoice) (int, error) {
	const op = "storage.invoices.Create"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO invoices (payment_id, number, lines, issued_at)
			  VALUES ($1, $2, $3, $4)
			  RETURNING id`
	var newID int
	if err := r.db.QueryRowContext(ctx, query,
		inv.PaymentID, inv.Number, lines, inv.IssuedAt).Scan(&newID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// FindByPaymentID возвращает инвойс платежа либо (nil, nil).
// Связь платёж-инвойс строго 1:1.
func (r *invoices) FindByPaymentID(ctx context.Context, paymentID int) (*models.Invoice, error) {
	const op = "storage.invoices.FindByPaymentID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, payment_id, number, lines, issued_at
			  FROM invoices
			  WHERE payment_id = $1`
	inv := &models.Invoice{}
	var lines []byte
	err := r.db.QueryRowContext(ctx, query, paymentID).Scan(
		&inv.ID, &inv.PaymentID, &inv.Number, &lines, &inv.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &inv.Lines); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return inv, nil
}

// NextNumber выдаёт следующий номер инвойса вида INV-<год>-<порядковый>.
// Номера монотонны в пределах последовательности, не года: пропуски
// допустимы, повторы — нет.
func (r *invoices) NextNumber(ctx context.Context) (string, error) {
	const op = "storage.invoices.NextNumber"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Sprintf("INV-%d-%06d", time.Now().UTC().Year(), seq), nil
}
