package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/notify"
)

func TestMemoryCashBookCacheExpires(t *testing.T) {
	c := NewMemoryCashBookCache()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	book := &domain.CashBook{ShopID: "shop-1", BusinessDate: "2025-01-01", TotalIn: decimal.NewFromInt(10)}
	require.NoError(t, c.Set(ctx, book, time.Minute, 0))

	got, ok, err := c.Get(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.TotalIn.Equal(decimal.NewFromInt(10)))

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidatorEvictsOnCashUpdated(t *testing.T) {
	c := NewMemoryCashBookCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, &domain.CashBook{ShopID: "shop-1", BusinessDate: "2025-01-01"}, time.Hour, 0))
	inv := Invalidator{Cache: c}

	require.NoError(t, inv.Notify(ctx, notify.Event{Kind: notify.KindStockUpdated, ShopID: "shop-1", Payload: map[string]any{notify.PayloadBusinessDate: "2025-01-01"}}))
	_, ok, _ := c.Get(ctx, "shop-1", "2025-01-01")
	assert.True(t, ok, "stock events must not evict")

	require.NoError(t, inv.Notify(ctx, notify.Event{Kind: notify.KindCashUpdated, ShopID: "shop-1", Payload: map[string]any{notify.PayloadBusinessDate: "2025-01-01"}}))
	_, ok, _ = c.Get(ctx, "shop-1", "2025-01-01")
	assert.False(t, ok)
}

func TestNoopCashBookCache(t *testing.T) {
	var c CashBookCache = NoopCashBookCache{}
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, &domain.CashBook{ShopID: "s"}, time.Minute, 0))
	_, ok, err := c.Get(ctx, "s", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Invalidate(ctx, "s", ""))
}

func TestMemoryCashBookCacheDropsWriteAfterInvalidate(t *testing.T) {
	c := NewMemoryCashBookCache()
	ctx := context.Background()

	generation, err := c.Generation(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "shop-1", "2025-01-01"))

	stale := &domain.CashBook{ShopID: "shop-1", BusinessDate: "2025-01-01", TotalIn: decimal.NewFromInt(10)}
	require.NoError(t, c.Set(ctx, stale, time.Hour, generation))
	_, ok, err := c.Get(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	assert.False(t, ok, "book built before the invalidation must not be cached")

	current, err := c.Generation(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	assert.Equal(t, generation+1, current)
	require.NoError(t, c.Set(ctx, stale, time.Hour, current))
	_, ok, err = c.Get(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := c.Generation(ctx, "shop-1", "2025-01-02")
	require.NoError(t, err)
	assert.Zero(t, other, "generations are tracked per business date")
}

func TestRedisCashBookCacheDropsWriteAfterInvalidate(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POS_TEST_REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	c := NewRedisCashBookCache(client)
	shopID := "shop-gen-" + time.Now().Format("150405.000000000")
	require.NoError(t, c.Invalidate(ctx, shopID, "2025-01-01"))

	generation, err := c.Generation(ctx, shopID, "2025-01-01")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, shopID, "2025-01-01"))

	book := &domain.CashBook{ShopID: shopID, BusinessDate: "2025-01-01", TotalIn: decimal.NewFromInt(10)}
	require.NoError(t, c.Set(ctx, book, time.Minute, generation))
	_, ok, err := c.Get(ctx, shopID, "2025-01-01")
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := c.Generation(ctx, shopID, "2025-01-01")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, book, time.Minute, current))
	got, ok, err := c.Get(ctx, shopID, "2025-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.TotalIn.Equal(decimal.NewFromInt(10)))
}
