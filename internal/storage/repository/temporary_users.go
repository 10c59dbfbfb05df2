package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type temporaryUsers struct {
	db DBTX
}

// Create вставляет временную учётку чекаута. Повторная доставка события
// customer.created для того же клиента не дублирует запись.
func (r *temporaryUsers) Create(ctx context.Context, tu models.TemporaryUser) error {
	const op = "storage.temporaryUsers.Create"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	meta, err := json.Marshal(tu.Metadata)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO temporary_users (gateway_customer_id, email, name, role, metadata)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (gateway_customer_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query,
		tu.GatewayCustomerID, tu.Email, tu.Name, tu.Role, meta); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FindByCustomerID возвращает временную учётку по ID клиента шлюза
// либо (nil, nil), если её нет.
func (r *temporaryUsers) FindByCustomerID(ctx context.Context, customerID string) (*models.TemporaryUser, error) {
	const op = "storage.temporaryUsers.FindByCustomerID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT gateway_customer_id, email, name, role, metadata, created_at
			  FROM temporary_users
			  WHERE gateway_customer_id = $1`
	tu := &models.TemporaryUser{}
	var meta []byte
	err := r.db.QueryRowContext(ctx, query, customerID).Scan(
		&tu.GatewayCustomerID, &tu.Email, &tu.Name, &tu.Role, &meta, &tu.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tu.Metadata); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return tu, nil
}

// Delete удаляет временную учётку после промоушена и возвращает
// количество удалённых строк.
func (r *temporaryUsers) Delete(ctx context.Context, customerID string) (int, error) {
	const op = "storage.temporaryUsers.Delete"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `DELETE FROM temporary_users WHERE gateway_customer_id = $1`
	res, err := r.db.ExecContext(ctx, query, customerID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}
