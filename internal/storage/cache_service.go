package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// RecordStore persists cache records. The Postgres CacheRepository is the
// authoritative implementation.
type RecordStore interface {
	Get(ctx context.Context, key string) (*models.CacheRecord, error)
	Replace(ctx context.Context, rec *models.CacheRecord) (int64, error)
}

// CacheService keeps msgpack-encoded copies of cache records in Redis
type CacheService struct {
	redis  *RedisCache
	ttl    time.Duration
	prefix string
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis:  redis,
		ttl:    ttl,
		prefix: "perf:",
	}
}

func (c *CacheService) redisKey(key string) string {
	return c.prefix + key
}

// Put stores a copy of rec with the configured TTL. A copy of an older
// version than the one already cached is dropped, so writers that finish out
// of order never leave the older record behind.
func (c *CacheService) Put(ctx context.Context, rec *models.CacheRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode cache record: %w", err)
	}
	if _, err := c.redis.PutVersioned(ctx, c.redisKey(rec.Key), rec.Version, data, c.ttl); err != nil {
		return fmt.Errorf("failed to write cache record: %w", err)
	}
	return nil
}

// Get returns the cached copy of key. A miss returns (nil, nil).
func (c *CacheService) Get(ctx context.Context, key string) (*models.CacheRecord, error) {
	data, ok, err := c.redis.GetVersioned(ctx, c.redisKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var rec models.CacheRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cached record: %w", err)
	}
	return &rec, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.redisKey(k)
	}
	return c.redis.Del(ctx, full...)
}

// CacheStore reads through Redis to the authoritative store and writes to
// both. Redis failures degrade to the primary store and are only logged.
type CacheStore struct {
	primary RecordStore
	hot     *CacheService
}

// NewCacheStore creates a tiered cache store. hot may be nil.
func NewCacheStore(primary RecordStore, hot *CacheService) *CacheStore {
	return &CacheStore{primary: primary, hot: hot}
}

// Get returns the record under key, or nil if it was never generated
func (s *CacheStore) Get(ctx context.Context, key models.CacheKey) (*models.CacheRecord, error) {
	k := key.String()
	if s.hot != nil {
		rec, err := s.hot.Get(ctx, k)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("key", k).Warn("Redis read failed, falling back to database")
		} else if rec != nil {
			return rec, nil
		}
	}

	rec, err := s.primary.Get(ctx, k)
	if err != nil || rec == nil {
		return rec, err
	}

	if s.hot != nil {
		if err := s.hot.Put(ctx, rec); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("key", k).Warn("Failed to populate Redis")
		}
	}
	return rec, nil
}

// Replace fully replaces the record and sets rec.Version to the stored version
func (s *CacheStore) Replace(ctx context.Context, rec *models.CacheRecord) error {
	version, err := s.primary.Replace(ctx, rec)
	if err != nil {
		return err
	}
	rec.Version = version

	if s.hot != nil {
		if err := s.hot.Put(ctx, rec); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("key", rec.Key).Warn("Failed to write Redis copy, dropping it")
			_ = s.hot.Invalidate(ctx, rec.Key)
		}
	}
	return nil
}
