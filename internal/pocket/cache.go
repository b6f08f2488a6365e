package pocket

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache holds short-lived computed balances. Implementations must make
// Invalidate synchronous: once it returns, Get never serves the old value.
//
// Every Invalidate bumps the pocket's generation. Set only stores a value when
// the generation still equals the one the caller read before computing it, so a
// fill that started before a write can never land after that write's invalidation.
type BalanceCache interface {
	Get(ctx context.Context, pocketID string) (int64, bool, error)
	Generation(ctx context.Context, pocketID string) (uint64, error)
	Set(ctx context.Context, pocketID string, gen uint64, balance int64, ttl time.Duration) error
	Invalidate(ctx context.Context, pocketIDs ...string) error
}

type cachedBalance struct {
	value   int64
	expires time.Time
}

type memoryCache struct {
	mu    sync.RWMutex
	items map[string]cachedBalance
	gens  map[string]uint64
	now   func() time.Time
}

// NewMemoryCache returns a process-local balance cache.
func NewMemoryCache() BalanceCache {
	return &memoryCache{
		items: make(map[string]cachedBalance),
		gens:  make(map[string]uint64),
		now:   time.Now,
	}
}

func (c *memoryCache) Get(_ context.Context, pocketID string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[pocketID]
	if !ok || !c.now().Before(item.expires) {
		return 0, false, nil
	}
	return item.value, true, nil
}

func (c *memoryCache) Generation(_ context.Context, pocketID string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[pocketID], nil
}

func (c *memoryCache) Set(_ context.Context, pocketID string, gen uint64, balance int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[pocketID] != gen {
		return nil
	}
	c.items[pocketID] = cachedBalance{value: balance, expires: c.now().Add(ttl)}
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, pocketIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range pocketIDs {
		c.gens[id]++
		delete(c.items, id)
	}
	return nil
}

const (
	balanceKeyPrefix    = "balance:v1:"
	generationKeyPrefix = "balance:gen:v1:"
)

// RedisCache stores balances in Redis so every API replica shares invalidations.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache builds a Redis-backed balance cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached balance, reporting a miss for absent keys.
func (c *RedisCache) Get(ctx context.Context, pocketID string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, balanceKeyPrefix+pocketID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Generation returns the pocket's invalidation counter. Absent keys read as zero.
func (c *RedisCache) Generation(ctx context.Context, pocketID string) (uint64, error) {
	return readGeneration(ctx, c.client, pocketID)
}

// Set stores a balance with the given lifetime, provided no invalidation has
// happened since gen was read. The generation key is watched so an INCR racing
// with the write aborts the transaction.
func (c *RedisCache) Set(ctx context.Context, pocketID string, gen uint64, balance int64, ttl time.Duration) error {
	genKey := generationKeyPrefix + pocketID
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, pocketID)
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKeyPrefix+pocketID, balance, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate bumps the generation and deletes the cached balance of each pocket
// in one MULTI block.
func (c *RedisCache) Invalidate(ctx context.Context, pocketIDs ...string) error {
	if len(pocketIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range pocketIDs {
			pipe.Incr(ctx, generationKeyPrefix+id)
			pipe.Del(ctx, balanceKeyPrefix+id)
		}
		return nil
	})
	return err
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, c stringGetter, pocketID string) (uint64, error) {
	gen, err := c.Get(ctx, generationKeyPrefix+pocketID).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// BalanceSource computes a pocket balance from the journal.
type BalanceSource interface {
	Balance(ctx context.Context, pocketID string) (int64, error)
}

// Balances is a read-through cache over the journal balance. Values served here are
// for display only; mutating operations always re-derive balance under the pocket lock.
type Balances struct {
	source BalanceSource
	cache  BalanceCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewBalances wires a read-through balance view. A nil cache disables caching.
func NewBalances(source BalanceSource, cache BalanceCache, ttl time.Duration, logger *slog.Logger) *Balances {
	return &Balances{source: source, cache: cache, ttl: ttl, logger: logger}
}

// Get serves the cached balance or recomputes and stores it. Cache failures fall
// back to the journal. The generation is captured before the journal read so a
// write that lands in between voids the fill.
func (b *Balances) Get(ctx context.Context, pocketID string) (int64, error) {
	fill := b.cache != nil && b.ttl > 0
	var gen uint64
	if fill {
		v, ok, err := b.cache.Get(ctx, pocketID)
		if err != nil {
			b.logger.WarnContext(ctx, "balance cache read failed", slog.String("pocket_id", pocketID), slog.Any("error", err))
		} else if ok {
			return v, nil
		}
		if gen, err = b.cache.Generation(ctx, pocketID); err != nil {
			b.logger.WarnContext(ctx, "balance cache generation read failed", slog.String("pocket_id", pocketID), slog.Any("error", err))
			fill = false
		}
	}

	v, err := b.source.Balance(ctx, pocketID)
	if err != nil {
		return 0, err
	}
	if fill {
		if err := b.cache.Set(ctx, pocketID, gen, v, b.ttl); err != nil {
			b.logger.WarnContext(ctx, "balance cache write failed", slog.String("pocket_id", pocketID), slog.Any("error", err))
		}
	}
	return v, nil
}

// Invalidate drops cached balances for the pockets touched by a write.
func (b *Balances) Invalidate(ctx context.Context, pocketIDs ...string) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Invalidate(ctx, pocketIDs...); err != nil {
		b.logger.ErrorContext(ctx, "balance cache invalidation failed", slog.Any("pocket_ids", pocketIDs), slog.Any("error", err))
	}
}
