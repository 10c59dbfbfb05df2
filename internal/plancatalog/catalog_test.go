package plancatalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/storage/memory"
)

type cacheStub struct {
	data     map[string]models.Plan
	getErr   error
	setErr   error
	getCalls int
	setCalls int
}

func newCacheStub() *cacheStub {
	return &cacheStub{data: make(map[string]models.Plan)}
}

func (c *cacheStub) Get(_ context.Context, key string, result any) (bool, error) {
	c.getCalls++
	if c.getErr != nil {
		return false, c.getErr
	}
	p, ok := c.data[key]
	if !ok {
		return false, nil
	}
	*result.(*models.Plan) = p
	return true, nil
}

func (c *cacheStub) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.setCalls++
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = *value.(*models.Plan)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFindByGatewayPriceID_ReadsThroughAndFillsCache(t *testing.T) {
	store := memory.NewStore()
	plan := store.AddPlan(models.Plan{
		Name:           "Базовый 90",
		GatewayPriceID: "price_90d",
		DurationDays:   90,
		Amount:         990000,
		Currency:       "RUB",
		MaxChildren:    2,
	})
	cache := newCacheStub()
	catalog := New(store.Repos().Plans, cache, discardLogger())

	got, err := catalog.FindByGatewayPriceID(context.Background(), "price_90d")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, plan.ID, got.ID)
	assert.Equal(t, 1, cache.setCalls, "miss must populate the cache")

	got, err = catalog.FindByGatewayPriceID(context.Background(), "price_90d")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, plan.ID, got.ID)
	assert.Equal(t, 1, cache.setCalls, "hit must not write again")
	assert.Equal(t, 2, cache.getCalls)
}

func TestFindByGatewayPriceID_UnknownPriceReturnsNil(t *testing.T) {
	store := memory.NewStore()
	catalog := New(store.Repos().Plans, newCacheStub(), discardLogger())

	got, err := catalog.FindByGatewayPriceID(context.Background(), "price_unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindByGatewayPriceID_CacheFailureFallsThroughToTable(t *testing.T) {
	store := memory.NewStore()
	plan := store.AddPlan(models.Plan{
		Name:           "Базовый 90",
		GatewayPriceID: "price_90d",
		DurationDays:   90,
		Amount:         990000,
		Currency:       "RUB",
	})
	cache := newCacheStub()
	cache.getErr = errors.New("redis down")
	cache.setErr = errors.New("redis down")
	catalog := New(store.Repos().Plans, cache, discardLogger())

	got, err := catalog.FindByGatewayPriceID(context.Background(), "price_90d")
	require.NoError(t, err, "cache errors must not surface")
	require.NotNil(t, got)
	assert.Equal(t, plan.ID, got.ID)
}

func TestFindByGatewayPriceID_NilCache(t *testing.T) {
	store := memory.NewStore()
	store.AddPlan(models.Plan{GatewayPriceID: "price_90d", DurationDays: 90, Currency: "RUB"})
	catalog := New(store.Repos().Plans, nil, discardLogger())

	got, err := catalog.FindByGatewayPriceID(context.Background(), "price_90d")
	require.NoError(t, err)
	require.NotNil(t, got)
}
