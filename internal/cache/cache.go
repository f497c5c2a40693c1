package cache

import (
	"context"
	"sync"
	"time"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/notify"
)

// CashBookCache holds computed day books. Entries are dropped when a cash.updated
// event for the same shop and business date is seen.
//
// Every Invalidate bumps the key's generation. Readers take the generation before
// loading entries and pass it to Set, which skips the write when an invalidation
// landed in between.
type CashBookCache interface {
	Get(ctx context.Context, shopID string, businessDate string) (*domain.CashBook, bool, error)
	Generation(ctx context.Context, shopID string, businessDate string) (int64, error)
	Set(ctx context.Context, book *domain.CashBook, ttl time.Duration, generation int64) error
	Invalidate(ctx context.Context, shopID string, businessDate string) error
}

type NoopCashBookCache struct{}

func (NoopCashBookCache) Get(_ context.Context, _ string, _ string) (*domain.CashBook, bool, error) {
	return nil, false, nil
}

func (NoopCashBookCache) Generation(_ context.Context, _ string, _ string) (int64, error) {
	return 0, nil
}

func (NoopCashBookCache) Set(_ context.Context, _ *domain.CashBook, _ time.Duration, _ int64) error {
	return nil
}

func (NoopCashBookCache) Invalidate(_ context.Context, _ string, _ string) error {
	return nil
}

type memoryEntry struct {
	book      domain.CashBook
	expiresAt time.Time
}

// MemoryCashBookCache is a process-local cache for single-instance deployments.
type MemoryCashBookCache struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	generations map[string]int64
	now         func() time.Time
}

func NewMemoryCashBookCache() *MemoryCashBookCache {
	return &MemoryCashBookCache{
		entries:     make(map[string]memoryEntry),
		generations: make(map[string]int64),
		now:         time.Now,
	}
}

func (c *MemoryCashBookCache) Get(_ context.Context, shopID string, businessDate string) (*domain.CashBook, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cashBookKey(shopID, businessDate)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	book := entry.book
	return &book, true, nil
}

func (c *MemoryCashBookCache) Generation(_ context.Context, shopID string, businessDate string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[cashBookKey(shopID, businessDate)], nil
}

func (c *MemoryCashBookCache) Set(_ context.Context, book *domain.CashBook, ttl time.Duration, generation int64) error {
	if book == nil || ttl <= 0 {
		return nil
	}
	key := cashBookKey(book.ShopID, book.BusinessDate)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != generation {
		return nil
	}
	c.entries[key] = memoryEntry{book: *book, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCashBookCache) Invalidate(_ context.Context, shopID string, businessDate string) error {
	key := cashBookKey(shopID, businessDate)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.generations[key]++
	return nil
}

func cashBookKey(shopID string, businessDate string) string {
	return "cashbook:" + shopID + ":" + businessDate
}

func generationKey(shopID string, businessDate string) string {
	return "cashbook-gen:" + shopID + ":" + businessDate
}

// Invalidator is a notifier that evicts the cash book touched by a cash.updated event.
type Invalidator struct {
	Cache CashBookCache
}

func (i Invalidator) Notify(ctx context.Context, event notify.Event) error {
	if event.Kind != notify.KindCashUpdated || i.Cache == nil {
		return nil
	}
	date, _ := event.Payload[notify.PayloadBusinessDate].(string)
	if date == "" {
		return nil
	}
	return i.Cache.Invalidate(ctx, event.ShopID, date)
}
