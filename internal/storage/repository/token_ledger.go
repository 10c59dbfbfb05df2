package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type tokenLedger struct {
	db DBTX
}

// Append добавляет запись в леджер токенов. Запись с уже существующей
// парой (user_uid, source_ref) не вставляется повторно: возвращается
// (0, nil) — так повторная доставка события не удваивает баланс.
func (r *tokenLedger) Append(ctx context.Context, e models.TokenEntry) (int, error) {
	const op = "storage.tokenLedger.Append"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO token_ledger (user_uid, delta, reason, source_ref)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (user_uid, source_ref) DO NOTHING
			  RETURNING id`
	var newID int
	err := r.db.QueryRowContext(ctx, query, e.UserUID, e.Delta, e.Reason, e.SourceRef).Scan(&newID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// ExistsBySourceRef сообщает, есть ли у пользователя запись с данной ссылкой.
func (r *tokenLedger) ExistsBySourceRef(ctx context.Context, userUID, sourceRef string) (bool, error) {
	const op = "storage.tokenLedger.ExistsBySourceRef"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT EXISTS (
			  SELECT 1 FROM token_ledger WHERE user_uid = $1 AND source_ref = $2
			  )`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userUID, sourceRef).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// Balance возвращает текущий баланс токенов пользователя.
// Баланс всегда вычисляется суммой записей и нигде не хранится.
func (r *tokenLedger) Balance(ctx context.Context, userUID string) (int, error) {
	const op = "storage.tokenLedger.Balance"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT COALESCE(SUM(delta), 0) FROM token_ledger WHERE user_uid = $1`
	var balance int
	if err := r.db.QueryRowContext(ctx, query, userUID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}
