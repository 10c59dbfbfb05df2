// Package plancatalog реализует чтение каталога тарифных планов
// по ID цены платёжного шлюза с кешированием в Redis.
package plancatalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/repository"
)

// Cache описывает методы кеширования, нужные каталогу.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// Catalog отдаёт планы по gateway price id. Ошибки кеша логируются
// и не влияют на результат: источником истины остаётся таблица plans.
type Catalog struct {
	plans repository.PlanRepository
	cache Cache
	log   *slog.Logger
}

// New создает Catalog.
func New(plans repository.PlanRepository, cache Cache, log *slog.Logger) *Catalog {
	return &Catalog{
		plans: plans,
		cache: cache,
		log:   log,
	}
}

// FindByGatewayPriceID возвращает план по ID цены из шлюза
// либо (nil, nil), если цена каталогу неизвестна.
func (c *Catalog) FindByGatewayPriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	const op = "plancatalog.FindByGatewayPriceID"

	cacheKey := fmt.Sprintf("plan:price:%s", priceID)
	if c.cache != nil {
		var cached models.Plan
		found, err := c.cache.Get(ctx, cacheKey, &cached)
		if err != nil {
			c.log.Warn("plan cache read failed", slog.String("key", cacheKey), sl.Err(err))
		}
		if found {
			return &cached, nil
		}
	}

	plan, err := c.plans.FindByGatewayPriceID(ctx, priceID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if plan == nil {
		return nil, nil
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, plan, time.Hour); err != nil {
			c.log.Warn("plan cache write failed", slog.String("key", cacheKey), sl.Err(err))
		}
	}
	return plan, nil
}
