package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type coveredChildren struct {
	db DBTX
}

func scanCoveredChild(row interface{ Scan(...any) error }) (*models.CoveredChild, error) {
	cc := &models.CoveredChild{}
	var endedAt sql.NullTime
	if err := row.Scan(&cc.ID, &cc.SubscriptionID, &cc.ChildUID, &cc.IsActive, &endedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		cc.EndedAt = &endedAt.Time
	}
	return cc, nil
}

// Create вставляет строку покрытия ребёнка и возвращает её ID.
func (r *coveredChildren) Create(ctx context.Context, cc models.CoveredChild) (int, error) {
	const op = "storage.coveredChildren.Create"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO covered_children (subscription_id, child_uid, is_active, ended_at)
			  VALUES ($1, $2, $3, $4)
			  RETURNING id`
	var newID int
	err := r.db.QueryRowContext(ctx, query,
		cc.SubscriptionID, cc.ChildUID, cc.IsActive, cc.EndedAt).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// FindBySubscriptionAndChild возвращает строку покрытия ребёнка в рамках
// подписки (активную или нет) либо (nil, nil).
func (r *coveredChildren) FindBySubscriptionAndChild(ctx context.Context, subscriptionID int, childUID string) (*models.CoveredChild, error) {
	const op = "storage.coveredChildren.FindBySubscriptionAndChild"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, subscription_id, child_uid, is_active, ended_at
			  FROM covered_children
			  WHERE subscription_id = $1 AND child_uid = $2`
	cc, err := scanCoveredChild(r.db.QueryRowContext(ctx, query, subscriptionID, childUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cc, nil
}

// FindActiveByChild возвращает активное покрытие ребёнка любой подпиской
// либо (nil, nil). Ребёнок активно покрыт не более чем одной подпиской.
func (r *coveredChildren) FindActiveByChild(ctx context.Context, childUID string) (*models.CoveredChild, error) {
	const op = "storage.coveredChildren.FindActiveByChild"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, subscription_id, child_uid, is_active, ended_at
			  FROM covered_children
			  WHERE child_uid = $1 AND is_active = true`
	cc, err := scanCoveredChild(r.db.QueryRowContext(ctx, query, childUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cc, nil
}

// ListActiveBySubscription возвращает активные строки покрытия подписки.
func (r *coveredChildren) ListActiveBySubscription(ctx context.Context, subscriptionID int) ([]*models.CoveredChild, error) {
	const op = "storage.coveredChildren.ListActiveBySubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, subscription_id, child_uid, is_active, ended_at
			  FROM covered_children
			  WHERE subscription_id = $1 AND is_active = true
			  ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.CoveredChild
	for rows.Next() {
		cc, err := scanCoveredChild(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, cc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SetActive переключает флаг активности строки покрытия. Строки не
// удаляются: история покрытия нужна для аудита.
func (r *coveredChildren) SetActive(ctx context.Context, id int, active bool, endedAt *time.Time) (int, error) {
	const op = "storage.coveredChildren.SetActive"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE covered_children SET is_active = $1, ended_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, active, endedAt, id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// DeactivateBySubscription гасит все активные строки покрытия подписки.
// Вызывается на переходе подписки в ENDED.
func (r *coveredChildren) DeactivateBySubscription(ctx context.Context, subscriptionID int, endedAt time.Time) (int, error) {
	const op = "storage.coveredChildren.DeactivateBySubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE covered_children
			  SET is_active = false, ended_at = $1
			  WHERE subscription_id = $2 AND is_active = true`
	res, err := r.db.ExecContext(ctx, query, endedAt, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}
