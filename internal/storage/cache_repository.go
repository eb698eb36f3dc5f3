package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portfolio-tracker/internal/models"
)

// CacheRepository is the authoritative store of cache records (cache_entries)
type CacheRepository struct {
	pool *pgxpool.Pool
}

// NewCacheRepository creates a new cache entry repository
func NewCacheRepository(pool *pgxpool.Pool) *CacheRepository {
	return &CacheRepository{pool: pool}
}

// Get returns the record stored under key, or nil if there is none
func (r *CacheRepository) Get(ctx context.Context, key string) (*models.CacheRecord, error) {
	var rec models.CacheRecord
	err := r.pool.QueryRow(ctx, `
		SELECT cache_key, payload, payload_hash, version, generated_at
		FROM cache_entries
		WHERE cache_key = $1
	`, key).Scan(&rec.Key, &rec.Payload, &rec.PayloadHash, &rec.Version, &rec.GeneratedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	return &rec, nil
}

// Replace atomically replaces the record under rec.Key and returns the new version.
// The version starts at 1 and increases on every replacement.
func (r *CacheRepository) Replace(ctx context.Context, rec *models.CacheRecord) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO cache_entries (cache_key, payload, payload_hash, version, generated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (cache_key)
		DO UPDATE SET
			payload = EXCLUDED.payload,
			payload_hash = EXCLUDED.payload_hash,
			version = cache_entries.version + 1,
			generated_at = EXCLUDED.generated_at
		RETURNING version
	`, rec.Key, rec.Payload, rec.PayloadHash, rec.GeneratedAt).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to replace cache entry %s: %w", rec.Key, err)
	}
	return version, nil
}

// GeneratedTimes returns the generation time of every key with the given prefix
func (r *CacheRepository) GeneratedTimes(ctx context.Context, prefix string) (map[string]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cache_key, generated_at
		FROM cache_entries
		WHERE cache_key LIKE $1 || '%'
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		out[key] = at
	}
	return out, rows.Err()
}
