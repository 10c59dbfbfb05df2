// Package repository реализует хранилище данных на основе PostgreSQL
// для сущностей биллинга: пользователей, подписок, покрытия детей,
// платежей, инвойсов и леджера токенов. Каждая сущность закрыта
// собственным интерфейсом, чтобы логика сверки могла работать
// против in-memory подмен в тестах.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

// DBTX покрывает *sql.DB и *sql.Tx: одни и те же методы репозиториев
// работают и вне транзакции, и внутри границы одного события.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepository — доступ к постоянным пользователям.
// Методы Find* возвращают (nil, nil), если запись не найдена.
type UserRepository interface {
	Create(ctx context.Context, user models.User) (string, error)
	Get(ctx context.Context, uid string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	FindByReferralCode(ctx context.Context, code string) (*models.User, error)
	ListChildren(ctx context.Context, parentUID string) ([]*models.User, error)
	SetGatewayPromoID(ctx context.Context, uid, promoID string) (int, error)
	SetRegistrationTokenHash(ctx context.Context, uid, hash string) (int, error)
}

// TemporaryUserRepository — доступ к временным учёткам чекаута.
type TemporaryUserRepository interface {
	Create(ctx context.Context, tu models.TemporaryUser) error
	FindByCustomerID(ctx context.Context, customerID string) (*models.TemporaryUser, error)
	Delete(ctx context.Context, customerID string) (int, error)
}

// PlanRepository — чтение каталога планов.
type PlanRepository interface {
	Get(ctx context.Context, id int) (*models.Plan, error)
	FindByGatewayPriceID(ctx context.Context, priceID string) (*models.Plan, error)
}

// SubscriptionRepository — доступ к строкам подписок.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub models.Subscription) (int, error)
	ListByCustomerID(ctx context.Context, customerID string) ([]*models.Subscription, error)
	Update(ctx context.Context, sub models.Subscription) (int, error)
	CountActiveByCustomerID(ctx context.Context, customerID string) (int, error)
}

// CoveredChildRepository — доступ к строкам покрытия детей.
type CoveredChildRepository interface {
	Create(ctx context.Context, cc models.CoveredChild) (int, error)
	FindBySubscriptionAndChild(ctx context.Context, subscriptionID int, childUID string) (*models.CoveredChild, error)
	FindActiveByChild(ctx context.Context, childUID string) (*models.CoveredChild, error)
	ListActiveBySubscription(ctx context.Context, subscriptionID int) ([]*models.CoveredChild, error)
	SetActive(ctx context.Context, id int, active bool, endedAt *time.Time) (int, error)
	DeactivateBySubscription(ctx context.Context, subscriptionID int, endedAt time.Time) (int, error)
}

// PaymentRepository — доступ к неизменяемым записям платежей.
type PaymentRepository interface {
	Create(ctx context.Context, p models.Payment) (int, error)
	FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error)
}

// InvoiceRepository — доступ к неизменяемым инвойсам.
type InvoiceRepository interface {
	Create(ctx context.Context, inv models.Invoice) (int, error)
	FindByPaymentID(ctx context.Context, paymentID int) (*models.Invoice, error)
	NextNumber(ctx context.Context) (string, error)
}

// TokenLedgerRepository — append-only леджер токенов уроков.
type TokenLedgerRepository interface {
	Append(ctx context.Context, e models.TokenEntry) (int, error)
	ExistsBySourceRef(ctx context.Context, userUID, sourceRef string) (bool, error)
	Balance(ctx context.Context, userUID string) (int, error)
}

// Repos связывает репозитории всех сущностей с одним DBTX.
// Внутри storage.WithinTx поля привязаны к *sql.Tx.
type Repos struct {
	Users           UserRepository
	TemporaryUsers  TemporaryUserRepository
	Plans           PlanRepository
	Subscriptions   SubscriptionRepository
	CoveredChildren CoveredChildRepository
	Payments        PaymentRepository
	Invoices        InvoiceRepository
	TokenLedger     TokenLedgerRepository
}

// NewRepos создает связку репозиториев поверх db.
func NewRepos(db DBTX) *Repos {
	return &Repos{
		Users:           &users{db: db},
		TemporaryUsers:  &temporaryUsers{db: db},
		Plans:           &plans{db: db},
		Subscriptions:   &subscriptions{db: db},
		CoveredChildren: &coveredChildren{db: db},
		Payments:        &payments{db: db},
		Invoices:        &invoices{db: db},
		TokenLedger:     &tokenLedger{db: db},
	}
}
