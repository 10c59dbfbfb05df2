// Package memory реализует репозитории биллинга в памяти.
// Используется тестами логики сверки вместо PostgreSQL: поведение методов
// (включая no-op при конфликте уникальных ключей) повторяет SQL-реализацию.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
)

// Store держит все таблицы в памяти и раздаёт репозитории поверх себя.
type Store struct {
	mu sync.Mutex

	Users           map[string]*models.User          // по uid
	TemporaryUsers  map[string]*models.TemporaryUser // по gateway_customer_id
	Plans           map[int]*models.Plan
	Subscriptions   map[int]*models.Subscription
	CoveredChildren map[int]*models.CoveredChild
	Payments        map[int]*models.Payment
	Invoices        map[int]*models.Invoice
	TokenLedger     []models.TokenEntry

	nextSubID     int
	nextCoverID   int
	nextPaymentID int
	nextInvoiceID int
	nextLedgerID  int
	nextInvoiceNo int64
}

// NewStore создает пустое хранилище.
func NewStore() *Store {
	return &Store{
		Users:           make(map[string]*models.User),
		TemporaryUsers:  make(map[string]*models.TemporaryUser),
		Plans:           make(map[int]*models.Plan),
		Subscriptions:   make(map[int]*models.Subscription),
		CoveredChildren: make(map[int]*models.CoveredChild),
		Payments:        make(map[int]*models.Payment),
		Invoices:        make(map[int]*models.Invoice),
	}
}

// Repos возвращает связку репозиториев поверх хранилища.
func (s *Store) Repos() *repository.Repos {
	return &repository.Repos{
		Users:           &users{s},
		TemporaryUsers:  &temporaryUsers{s},
		Plans:           &plans{s},
		Subscriptions:   &subscriptions{s},
		CoveredChildren: &coveredChildren{s},
		Payments:        &payments{s},
		Invoices:        &invoices{s},
		TokenLedger:     &tokenLedger{s},
	}
}

// WithinTx выполняет fn над хранилищем. Транзакционность не эмулируется:
// тесты проверяют логику сверки, а не откаты SQL.
func (s *Store) WithinTx(_ context.Context, fn func(r *repository.Repos) error) error {
	return fn(s.Repos())
}

// AddPlan кладёт план в каталог и возвращает его.
func (s *Store) AddPlan(p models.Plan) *models.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = len(s.Plans) + 1
	}
	stored := p
	s.Plans[p.ID] = &stored
	return &stored
}

// AddUser кладёт пользователя; пустой UID генерируется.
func (s *Store) AddUser(u models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.UID == "" {
		u.UID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	stored := u
	s.Users[u.UID] = &stored
	return &stored
}

// AddSubscription кладёт строку подписки.
func (s *Store) AddSubscription(sub models.Subscription) *models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		s.nextSubID++
		sub.ID = s.nextSubID
	} else if sub.ID > s.nextSubID {
		s.nextSubID = sub.ID
	}
	stored := sub
	s.Subscriptions[sub.ID] = &stored
	return &stored
}

type users struct{ s *Store }

func (r *users) Create(_ context.Context, user models.User) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.Users {
		if strings.EqualFold(u.Email, user.Email) {
			return "", fmt.Errorf("memory.users.Create: duplicate email %s", user.Email)
		}
	}
	user.UID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()
	stored := user
	r.s.Users[user.UID] = &stored
	return user.UID, nil
}

func (r *users) Get(_ context.Context, uid string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.Users[uid]
	if !ok {
		return nil, fmt.Errorf("memory.users.Get: %w", sql.ErrNoRows)
	}
	cp := *u
	return &cp, nil
}

func (r *users) FindByEmail(_ context.Context, email string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.Users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *users) FindByCustomerID(_ context.Context, customerID string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.Users {
		if u.GatewayCustomerID != nil && *u.GatewayCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *users) FindByReferralCode(_ context.Context, code string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.Users {
		if u.ReferralCode == code {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *users) ListChildren(_ context.Context, parentUID string) ([]*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*models.User
	for _, u := range r.s.Users {
		if u.ParentUID != nil && *u.ParentUID == parentUID {
			cp := *u
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].UID < result[j].UID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *users) SetGatewayPromoID(_ context.Context, uid, promoID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.Users[uid]
	if !ok {
		return 0, nil
	}
	u.GatewayPromoID = &promoID
	return 1, nil
}

func (r *users) SetRegistrationTokenHash(_ context.Context, uid, hash string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.Users[uid]
	if !ok {
		return 0, nil
	}
	u.RegistrationTokenHash = hash
	return 1, nil
}

type temporaryUsers struct{ s *Store }

func (r *temporaryUsers) Create(_ context.Context, tu models.TemporaryUser) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.TemporaryUsers[tu.GatewayCustomerID]; exists {
		return nil
	}
	if tu.CreatedAt.IsZero() {
		tu.CreatedAt = time.Now().UTC()
	}
	stored := tu
	r.s.TemporaryUsers[tu.GatewayCustomerID] = &stored
	return nil
}

func (r *temporaryUsers) FindByCustomerID(_ context.Context, customerID string) (*models.TemporaryUser, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tu, ok := r.s.TemporaryUsers[customerID]
	if !ok {
		return nil, nil
	}
	cp := *tu
	return &cp, nil
}

func (r *temporaryUsers) Delete(_ context.Context, customerID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.TemporaryUsers[customerID]; !ok {
		return 0, nil
	}
	delete(r.s.TemporaryUsers, customerID)
	return 1, nil
}

type plans struct{ s *Store }

func (r *plans) Get(_ context.Context, id int) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.Plans[id]
	if !ok {
		return nil, fmt.Errorf("memory.plans.Get: %w", sql.ErrNoRows)
	}
	cp := *p
	return &cp, nil
}

func (r *plans) FindByGatewayPriceID(_ context.Context, priceID string) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.Plans {
		if p.GatewayPriceID == priceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

type subscriptions struct{ s *Store }

func (r *subscriptions) Create(_ context.Context, sub models.Subscription) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub.Status == models.SubscriptionActive {
		for _, existing := range r.s.Subscriptions {
			if existing.GatewayCustomerID == sub.GatewayCustomerID && existing.Status == models.SubscriptionActive {
				return 0, fmt.Errorf("memory.subscriptions.Create: duplicate active subscription for %s", sub.GatewayCustomerID)
			}
		}
	}
	r.s.nextSubID++
	sub.ID = r.s.nextSubID
	stored := sub
	r.s.Subscriptions[sub.ID] = &stored
	return sub.ID, nil
}

func (r *subscriptions) ListByCustomerID(_ context.Context, customerID string) ([]*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*models.Subscription
	for _, sub := range r.s.Subscriptions {
		if sub.GatewayCustomerID == customerID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *subscriptions) Update(_ context.Context, sub models.Subscription) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.Subscriptions[sub.ID]
	if !ok {
		return 0, nil
	}
	sub.UserUID = existing.UserUID
	sub.GatewayCustomerID = existing.GatewayCustomerID
	stored := sub
	r.s.Subscriptions[sub.ID] = &stored
	return 1, nil
}

func (r *subscriptions) CountActiveByCustomerID(_ context.Context, customerID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, sub := range r.s.Subscriptions {
		if sub.GatewayCustomerID == customerID && sub.Status == models.SubscriptionActive {
			count++
		}
	}
	return count, nil
}

type coveredChildren struct{ s *Store }

func (r *coveredChildren) Create(_ context.Context, cc models.CoveredChild) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cc.IsActive {
		for _, existing := range r.s.CoveredChildren {
			if existing.ChildUID == cc.ChildUID && existing.IsActive {
				return 0, fmt.Errorf("memory.coveredChildren.Create: child %s already actively covered", cc.ChildUID)
			}
		}
	}
	r.s.nextCoverID++
	cc.ID = r.s.nextCoverID
	stored := cc
	r.s.CoveredChildren[cc.ID] = &stored
	return cc.ID, nil
}

func (r *coveredChildren) FindBySubscriptionAndChild(_ context.Context, subscriptionID int, childUID string) (*models.CoveredChild, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cc := range r.s.CoveredChildren {
		if cc.SubscriptionID == subscriptionID && cc.ChildUID == childUID {
			cp := *cc
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *coveredChildren) FindActiveByChild(_ context.Context, childUID string) (*models.CoveredChild, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cc := range r.s.CoveredChildren {
		if cc.ChildUID == childUID && cc.IsActive {
			cp := *cc
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *coveredChildren) ListActiveBySubscription(_ context.Context, subscriptionID int) ([]*models.CoveredChild, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*models.CoveredChild
	for _, cc := range r.s.CoveredChildren {
		if cc.SubscriptionID == subscriptionID && cc.IsActive {
			cp := *cc
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *coveredChildren) SetActive(_ context.Context, id int, active bool, endedAt *time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cc, ok := r.s.CoveredChildren[id]
	if !ok {
		return 0, nil
	}
	cc.IsActive = active
	cc.EndedAt = endedAt
	return 1, nil
}

func (r *coveredChildren) DeactivateBySubscription(_ context.Context, subscriptionID int, endedAt time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, cc := range r.s.CoveredChildren {
		if cc.SubscriptionID == subscriptionID && cc.IsActive {
			cc.IsActive = false
			t := endedAt
			cc.EndedAt = &t
			count++
		}
	}
	return count, nil
}

type payments struct{ s *Store }

func (r *payments) Create(_ context.Context, p models.Payment) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.Payments {
		if existing.GatewayPaymentID == p.GatewayPaymentID {
			return 0, nil
		}
	}
	r.s.nextPaymentID++
	p.ID = r.s.nextPaymentID
	stored := p
	r.s.Payments[p.ID] = &stored
	return p.ID, nil
}

func (r *payments) FindByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.Payments {
		if p.GatewayPaymentID == gatewayPaymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

type invoices struct{ s *Store }

func (r *invoices) Create(_ context.Context, inv models.Invoice) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.Invoices {
		if existing.PaymentID == inv.PaymentID {
			return 0, fmt.Errorf("memory.invoices.Create: duplicate invoice for payment %d", inv.PaymentID)
		}
	}
	r.s.nextInvoiceID++
	inv.ID = r.s.nextInvoiceID
	stored := inv
	r.s.Invoices[inv.ID] = &stored
	return inv.ID, nil
}

func (r *invoices) FindByPaymentID(_ context.Context, paymentID int) (*models.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, inv := range r.s.Invoices {
		if inv.PaymentID == paymentID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *invoices) NextNumber(_ context.Context) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextInvoiceNo++
	return fmt.Sprintf("INV-%d-%06d", time.Now().UTC().Year(), r.s.nextInvoiceNo), nil
}

type tokenLedger struct{ s *Store }

func (r *tokenLedger) Append(_ context.Context, e models.TokenEntry) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.TokenLedger {
		if existing.UserUID == e.UserUID && existing.SourceRef == e.SourceRef {
			return 0, nil
		}
	}
	r.s.nextLedgerID++
	e.ID = r.s.nextLedgerID
	e.CreatedAt = time.Now().UTC()
	r.s.TokenLedger = append(r.s.TokenLedger, e)
	return e.ID, nil
}

func (r *tokenLedger) ExistsBySourceRef(_ context.Context, userUID, sourceRef string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.TokenLedger {
		if e.UserUID == userUID && e.SourceRef == sourceRef {
			return true, nil
		}
	}
	return false, nil
}

func (r *tokenLedger) Balance(_ context.Context, userUID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	balance := 0
	for _, e := range r.s.TokenLedger {
		if e.UserUID == userUID {
			balance += e.Delta
		}
	}
	return balance, nil
}
