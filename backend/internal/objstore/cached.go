package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	cacheKeyPrefix = "objcache:"
	// 空值标记，防止缓存穿透
	emptyCacheMarker = "\x00nil"
	emptyCacheTTL    = 30 * time.Second
	cacheJitter      = 30 * time.Second
)

// CachedStore 在持久化 Store 前加一层 Redis 读穿缓存。
// 写入/删除先落库再删缓存；Redis 故障时直接回源，不影响读写结果。
type CachedStore struct {
	backing Store
	rdb     redis.UniversalClient
	sf      singleflight.Group
	ttl     time.Duration
	log     zerolog.Logger
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(backing Store, rdb redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{backing: backing, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(key string) string { return cacheKeyPrefix + key }

// 随机 TTL，防止缓存雪崩
func (c *CachedStore) randomTTL() time.Duration {
	return c.ttl + time.Duration(rand.Int63n(int64(cacheJitter)))
}

type cachedValue struct {
	data  []byte
	found bool
}

func (c *CachedStore) GetObject(ctx context.Context, key string, out any) (bool, error) {
	// singleflight 合并同一 key 的并发回源
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
		switch {
		case err == nil:
			if string(res) == emptyCacheMarker {
				return cachedValue{}, nil
			}
			return cachedValue{data: res, found: true}, nil
		case errors.Is(err, redis.Nil):
		default:
			c.log.Warn().Err(err).Str("key", key).Msg("object cache read failed")
		}

		var raw json.RawMessage
		found, err := c.backing.GetObject(ctx, key, &raw)
		if err != nil {
			return nil, err
		}
		if !found {
			if err := c.rdb.Set(ctx, cacheKey(key), emptyCacheMarker, emptyCacheTTL).Err(); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("object cache write failed")
			}
			return cachedValue{}, nil
		}
		if err := c.rdb.Set(ctx, cacheKey(key), []byte(raw), c.randomTTL()).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("object cache write failed")
		}
		return cachedValue{data: raw, found: true}, nil
	})
	if err != nil {
		return false, err
	}
	cv, ok := v.(cachedValue)
	if !ok {
		return false, errors.New("internal type error")
	}
	if !cv.found {
		return false, nil
	}
	if err := decode(key, cv.data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CachedStore) PutObject(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.backing.PutObject(ctx, key, value, ttl); err != nil {
		return err
	}
	c.invalidate(ctx, key)
	return nil
}

func (c *CachedStore) DeleteObject(ctx context.Context, key string) error {
	if err := c.backing.DeleteObject(ctx, key); err != nil {
		return err
	}
	c.invalidate(ctx, key)
	return nil
}

// ListObjects 不走缓存；聚合结果由调用方自行缓存
func (c *CachedStore) ListObjects(ctx context.Context, prefix string) ([]Entry, error) {
	return c.backing.ListObjects(ctx, prefix)
}

func (c *CachedStore) invalidate(ctx context.Context, key string) {
	c.sf.Forget(key)
	if err := c.rdb.Del(ctx, cacheKey(key)).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("object cache invalidate failed")
	}
}
