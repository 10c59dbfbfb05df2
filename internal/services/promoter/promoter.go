// Package promoter сопоставляет клиента платёжного шлюза с локальным
// пользователем. Временная учётка чекаута при первом успешном платеже
// промоутится в постоянного пользователя: копируется identity, выпускается
// регистрационный токен, начисляется приветственный бонус и ставится
// в очередь письмо о завершении регистрации.
package promoter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/token"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
)

// BonusLedger начисляет токены со стабильной ссылкой на источник.
type BonusLedger interface {
	CreditTokens(ctx context.Context, r *repository.Repos, userUID string, amount int, reason, sourceRef string) (bool, error)
}

// RegistrationNotifier публикует письмо о завершении регистрации.
type RegistrationNotifier interface {
	PublishRegistrationEmail(msg models.RegistrationEmail) error
}

// Service резолвит клиента шлюза в пользователя.
type Service struct {
	tokens      *token.Maker
	ledger      BonusLedger
	notifier    RegistrationNotifier
	signupBonus int
	log         *slog.Logger
}

// New создает Service. notifier может быть nil в тестах.
func New(tokens *token.Maker, ledger BonusLedger, notifier RegistrationNotifier, signupBonus int, log *slog.Logger) *Service {
	return &Service{
		tokens:      tokens,
		ledger:      ledger,
		notifier:    notifier,
		signupBonus: signupBonus,
		log:         log,
	}
}

// ResolveOrPromote возвращает пользователя для клиента шлюза.
//
// Порядок: (a) постоянный пользователь по email без учёта регистра —
// промоушен не выполняется, дубликат не создаётся; (b) временная учётка
// по ID клиента — промоушен; (c) domain.ErrUnresolvableCustomer.
//
// Промоушен идемпотентен под повторной доставкой: после первого прохода
// пользователь существует и последующие вызовы берут ветку (a).
func (s *Service) ResolveOrPromote(ctx context.Context, r *repository.Repos, customerID, email string, meta map[string]string) (*models.User, error) {
	const op = "promoter.ResolveOrPromote"

	if email != "" {
		existing, err := r.Users.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	if byCustomer, err := r.Users.FindByCustomerID(ctx, customerID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	} else if byCustomer != nil {
		return byCustomer, nil
	}

	tu, err := r.TemporaryUsers.FindByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tu == nil {
		return nil, fmt.Errorf("%s: customer %s email %s: %w", op, customerID, email, domain.ErrUnresolvableCustomer)
	}

	user, err := s.promote(ctx, r, tu, customerID, email, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func (s *Service) promote(ctx context.Context, r *repository.Repos, tu *models.TemporaryUser, customerID, email string, meta map[string]string) (*models.User, error) {
	merged := mergeMetadata(tu.Metadata, meta)

	user := models.User{
		Email:             tu.Email,
		Name:              tu.Name,
		Role:              tu.Role,
		Grade:             parseGrade(merged),
		Address:           parseAddress(merged),
		ReferralCode:      uuid.NewString(),
		GatewayCustomerID: &customerID,
	}
	if user.Email == "" {
		user.Email = email
	}
	if user.Role != models.RoleParent {
		user.Role = models.RoleStudent
	}

	uid, err := r.Users.Create(ctx, user)
	if err != nil {
		return nil, err
	}
	user.UID = uid

	registrationToken, err := s.tokens.Generate(uid, user.Email)
	if err != nil {
		return nil, err
	}
	hash, err := token.Hash(registrationToken)
	if err != nil {
		return nil, err
	}
	if _, err := r.Users.SetRegistrationTokenHash(ctx, uid, hash); err != nil {
		return nil, err
	}
	user.RegistrationTokenHash = hash

	if s.signupBonus > 0 {
		if _, err := s.ledger.CreditTokens(ctx, r, uid, s.signupBonus,
			models.TokenReasonSignupBonus, "signup:"+customerID); err != nil {
			return nil, err
		}
	}

	if _, err := r.TemporaryUsers.Delete(ctx, customerID); err != nil {
		return nil, err
	}

	s.log.Info("temporary user promoted",
		slog.String("action", "user_promote"),
		slog.String("customer_id", customerID),
		slog.String("user_uid", uid),
		slog.String("role", user.Role))

	if s.notifier != nil {
		if err := s.notifier.PublishRegistrationEmail(models.RegistrationEmail{
			Email:             user.Email,
			Name:              user.Name,
			RegistrationToken: registrationToken,
			ReferralCode:      user.ReferralCode,
		}); err != nil {
			s.log.Error("failed to enqueue registration email", sl.Err(err),
				slog.String("email", user.Email))
		}
	}
	return &user, nil
}

// mergeMetadata накладывает метаданные события поверх метаданных чекаута.
func mergeMetadata(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// parseGrade разбирает класс обучения из метаданных. Мусор в необязательном
// поле не срывает промоушен: возвращается nil.
func parseGrade(meta map[string]string) *int {
	raw, ok := meta["grade"]
	if !ok {
		return nil
	}
	grade, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || grade < 1 || grade > 11 {
		return nil
	}
	return &grade
}

func parseAddress(meta map[string]string) *string {
	raw := strings.TrimSpace(meta["address"])
	if raw == "" {
		return nil
	}
	return &raw
}
