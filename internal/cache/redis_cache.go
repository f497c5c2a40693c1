package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"hisabpos/backend/internal/domain"
)

type RedisCashBookCache struct {
	client *redis.Client
}

// NewRedisClient builds the client shared by the cash book cache and the event
// publisher.
func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisCashBookCache(client *redis.Client) *RedisCashBookCache {
	return &RedisCashBookCache{client: client}
}

func (c *RedisCashBookCache) Get(ctx context.Context, shopID string, businessDate string) (*domain.CashBook, bool, error) {
	val, err := c.client.Get(ctx, cashBookKey(shopID, businessDate)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var book domain.CashBook
	if err := json.Unmarshal([]byte(val), &book); err != nil {
		return nil, false, err
	}
	return &book, true, nil
}

func (c *RedisCashBookCache) Generation(ctx context.Context, shopID string, businessDate string) (int64, error) {
	return readGeneration(ctx, c.client, generationKey(shopID, businessDate))
}

// Set writes the book under WATCH on the generation key, so an Invalidate that lands
// between the check and the write aborts it.
func (c *RedisCashBookCache) Set(ctx context.Context, book *domain.CashBook, ttl time.Duration, generation int64) error {
	if book == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(book)
	if err != nil {
		return err
	}
	genKey := generationKey(book.ShopID, book.BusinessDate)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, genKey)
		if err != nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cashBookKey(book.ShopID, book.BusinessDate), payload, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *RedisCashBookCache) Invalidate(ctx context.Context, shopID string, businessDate string) error {
	genKey := generationKey(shopID, businessDate)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cashBookKey(shopID, businessDate))
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	})
	return err
}

// generationTTL outlives any cash book TTL; a business date stops changing after a day.
const generationTTL = 72 * time.Hour

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, client stringGetter, key string) (int64, error) {
	generation, err := client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return generation, err
}
