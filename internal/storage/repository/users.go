package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

type users struct {
	db DBTX
}

const userColumns = `uid, email, name, role, parent_uid, grade, address, referral_code,
			      gateway_promo_id, gateway_customer_id, registration_token_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	var parentUID, address, promoID, customerID sql.NullString
	var grade sql.NullInt64
	if err := row.Scan(&u.UID, &u.Email, &u.Name, &u.Role, &parentUID, &grade, &address,
		&u.ReferralCode, &promoID, &customerID, &u.RegistrationTokenHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	if parentUID.Valid {
		u.ParentUID = &parentUID.String
	}
	if grade.Valid {
		g := int(grade.Int64)
		u.Grade = &g
	}
	if address.Valid {
		u.Address = &address.String
	}
	if promoID.Valid {
		u.GatewayPromoID = &promoID.String
	}
	if customerID.Valid {
		u.GatewayCustomerID = &customerID.String
	}
	return u, nil
}

// Create вставляет нового пользователя и возвращает его UID.
func (r *users) Create(ctx context.Context, user models.User) (string, error) {
	const op = "storage.users.Create"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO users (email, name, role, parent_uid, grade, address, referral_code,
			      gateway_customer_id, registration_token_hash)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  RETURNING uid`
	var newUID string
	err := r.db.QueryRowContext(ctx, query,
		user.Email, user.Name, user.Role, user.ParentUID, user.Grade, user.Address,
		user.ReferralCode, user.GatewayCustomerID, user.RegistrationTokenHash).Scan(&newUID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return newUID, nil
}

// Get возвращает пользователя по его UID.
func (r *users) Get(ctx context.Context, uid string) (*models.User, error) {
	const op = "storage.users.Get"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE uid = $1`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, uid))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindByEmail ищет пользователя по email без учёта регистра.
// Возвращает (nil, nil), если пользователь не найден.
func (r *users) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.users.FindByEmail"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindByCustomerID ищет пользователя по ID клиента шлюза.
func (r *users) FindByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	const op = "storage.users.FindByCustomerID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE gateway_customer_id = $1`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindByReferralCode ищет владельца персонального реферального кода.
func (r *users) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	const op = "storage.users.FindByReferralCode"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE referral_code = $1`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// ListChildren возвращает детские учётки родителя в порядке создания.
func (r *users) ListChildren(ctx context.Context, parentUID string) ([]*models.User, error) {
	const op = "storage.users.ListChildren"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + `
			  FROM users
			  WHERE parent_uid = $1
			  ORDER BY created_at, uid`
	rows, err := r.db.QueryContext(ctx, query, parentUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, u)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SetGatewayPromoID привязывает ID промокода шлюза к пользователю
// и возвращает количество изменённых строк.
func (r *users) SetGatewayPromoID(ctx context.Context, uid, promoID string) (int, error) {
	const op = "storage.users.SetGatewayPromoID"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users SET gateway_promo_id = $1 WHERE uid = $2`
	res, err := r.db.ExecContext(ctx, query, promoID, uid)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// SetRegistrationTokenHash сохраняет хэш регистрационного токена пользователя
// и возвращает количество изменённых строк.
func (r *users) SetRegistrationTokenHash(ctx context.Context, uid, hash string) (int, error) {
	const op = "storage.users.SetRegistrationTokenHash"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users SET registration_token_hash = $1 WHERE uid = $2`
	res, err := r.db.ExecContext(ctx, query, hash, uid)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}
