package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/portfolio-tracker/internal/types"
)

// CacheKind distinguishes the two derived caches
type CacheKind string

const (
	// CacheKindLeaderboard keys a ranked leaderboard for (period, category)
	CacheKindLeaderboard CacheKind = "leaderboard"
	// CacheKindChart keys a chart for (user, period)
	CacheKindChart CacheKind = "chart"
)

// CacheKey is the typed identity of a cache entry. Use the constructors; the
// string form is only produced by String and read back by ParseCacheKey.
type CacheKey struct {
	Kind     CacheKind
	Period   types.PeriodCode
	Category types.Category
	UserID   int64
}

// LeaderboardKey builds the key of a leaderboard entry
func LeaderboardKey(period types.PeriodCode, category types.Category) CacheKey {
	return CacheKey{Kind: CacheKindLeaderboard, Period: period, Category: category}
}

// ChartKey builds the key of a chart entry
func ChartKey(userID int64, period types.PeriodCode) CacheKey {
	return CacheKey{Kind: CacheKindChart, Period: period, UserID: userID}
}

// String returns the storage form of the key
func (k CacheKey) String() string {
	switch k.Kind {
	case CacheKindLeaderboard:
		return fmt.Sprintf("leaderboard:%s_%s", k.Period, k.Category)
	case CacheKindChart:
		return fmt.Sprintf("chart:%d:%s", k.UserID, k.Period)
	default:
		return ""
	}
}

// ParseCacheKey parses the storage form of a key
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[0] == string(CacheKindLeaderboard):
		period, category, ok := strings.Cut(parts[1], "_")
		if !ok {
			return CacheKey{}, fmt.Errorf("malformed leaderboard key %q", s)
		}
		p, err := types.ParsePeriod(period)
		if err != nil {
			return CacheKey{}, fmt.Errorf("key %q: %w", s, err)
		}
		c, err := types.ParseCategory(category)
		if err != nil {
			return CacheKey{}, fmt.Errorf("key %q: %w", s, err)
		}
		return LeaderboardKey(p, c), nil
	case len(parts) == 3 && parts[0] == string(CacheKindChart):
		userID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return CacheKey{}, fmt.Errorf("key %q: invalid user id: %w", s, err)
		}
		p, err := types.ParsePeriod(parts[2])
		if err != nil {
			return CacheKey{}, fmt.Errorf("key %q: %w", s, err)
		}
		return ChartKey(userID, p), nil
	default:
		return CacheKey{}, fmt.Errorf("malformed cache key %q", s)
	}
}

// CacheRecord is a versioned cache entry. Writes always replace the whole record.
type CacheRecord struct {
	Key         string    `json:"key" db:"cache_key" msgpack:"key"`
	Payload     []byte    `json:"payload" db:"payload" msgpack:"payload"`
	PayloadHash string    `json:"payloadHash" db:"payload_hash" msgpack:"payload_hash"`
	Version     int64     `json:"version" db:"version" msgpack:"version"`
	GeneratedAt time.Time `json:"generatedAt" db:"generated_at" msgpack:"generated_at"`
}

// NewCacheRecord wraps a canonical payload. Version is assigned by the store.
func NewCacheRecord(key CacheKey, payload []byte, generatedAt time.Time) (*CacheRecord, error) {
	s := key.String()
	if s == "" {
		return nil, fmt.Errorf("invalid cache key kind %q", key.Kind)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("cache record %s: empty payload", s)
	}
	return &CacheRecord{
		Key:         s,
		Payload:     payload,
		PayloadHash: HashPayload(payload),
		GeneratedAt: generatedAt.UTC(),
	}, nil
}

// HashPayload returns the hex sha256 of a payload
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
