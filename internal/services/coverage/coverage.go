// Package coverage синхронизирует покрытие детей при активации семейной
// подписки. Покрытие только расширяется: снятие покрытия происходит в
// reconciler при завершении подписки, Sync никогда не деактивирует строки.
package coverage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
)

// Service синхронизирует строки covered_children с составом подписки.
type Service struct {
	log *slog.Logger
}

// New создает Service.
func New(log *slog.Logger) *Service {
	return &Service{log: log}
}

// Sync приводит покрытие подписки к нужному составу детей.
//
// Состав выбирается так: если в метаданных чекаута переданы явные UID
// детей, используются они; иначе берутся первые childCount детей родителя
// в порядке создания учёток. В обоих случаях состав ограничен childCount.
//
// Для каждого выбранного ребёнка существующая строка покрытия этой подписки
// реактивируется, отсутствующая создаётся. Ребёнок, уже активно покрытый
// другой подпиской, пропускается с предупреждением: одна активная строка
// на ребёнка.
func (s *Service) Sync(ctx context.Context, r *repository.Repos, parent *models.User, sub *models.Subscription, selectedChildUIDs []string, childCount int) error {
	const op = "coverage.Sync"

	if childCount <= 0 {
		return nil
	}

	desired, err := s.resolveChildren(ctx, r, parent, selectedChildUIDs, childCount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(desired) == 0 {
		s.log.Info("no children to cover",
			slog.String("parent_uid", parent.UID),
			slog.Int("subscription_id", sub.ID))
		return nil
	}

	for _, childUID := range desired {
		existing, err := r.CoveredChildren.FindBySubscriptionAndChild(ctx, sub.ID, childUID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if existing != nil {
			if existing.IsActive {
				continue
			}
			if _, err := r.CoveredChildren.SetActive(ctx, existing.ID, true, nil); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			s.log.Info("reactivated child coverage",
				slog.String("child_uid", childUID),
				slog.Int("subscription_id", sub.ID))
			continue
		}

		other, err := r.CoveredChildren.FindActiveByChild(ctx, childUID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if other != nil {
			s.log.Warn("child already covered by another subscription, skipping",
				slog.String("child_uid", childUID),
				slog.Int("subscription_id", sub.ID),
				slog.Int("covering_subscription_id", other.SubscriptionID))
			continue
		}

		if _, err := r.CoveredChildren.Create(ctx, models.CoveredChild{
			SubscriptionID: sub.ID,
			ChildUID:       childUID,
			IsActive:       true,
		}); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		s.log.Info("covered child",
			slog.String("child_uid", childUID),
			slog.Int("subscription_id", sub.ID))
	}
	return nil
}

// resolveChildren выбирает UID детей для покрытия. Явный список из метаданных
// фильтруется по фактическим детям родителя: чужой UID в метаданных
// игнорируется, а не покрывается.
func (s *Service) resolveChildren(ctx context.Context, r *repository.Repos, parent *models.User, selected []string, childCount int) ([]string, error) {
	children, err := r.Users.ListChildren(ctx, parent.UID)
	if err != nil {
		return nil, err
	}

	if len(selected) > 0 {
		known := make(map[string]bool, len(children))
		for _, child := range children {
			known[child.UID] = true
		}
		var result []string
		for _, uid := range selected {
			if !known[uid] {
				s.log.Warn("selected child does not belong to parent, skipping",
					slog.String("child_uid", uid),
					slog.String("parent_uid", parent.UID))
				continue
			}
			result = append(result, uid)
			if len(result) == childCount {
				break
			}
		}
		return result, nil
	}

	var result []string
	for _, child := range children {
		result = append(result, child.UID)
		if len(result) == childCount {
			break
		}
	}
	return result, nil
}
