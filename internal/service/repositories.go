package service

import (
	"context"
	"time"

	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/performance"
)

// Repository interfaces for dependency injection. The storage package
// provides the production implementations.

// UserRepository reads users
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
}

// TransactionRepository reads the transaction log
type TransactionRepository interface {
	ListByUser(ctx context.Context, userID int64) ([]*models.Transaction, error)
}

// SnapshotRepository reads daily snapshots
type SnapshotRepository interface {
	performance.SnapshotSource
	ListRange(ctx context.Context, userID int64, start, end time.Time) ([]*models.Snapshot, error)
	LatestWriteTime(ctx context.Context, userID int64) (time.Time, error)
	LatestWriteTimes(ctx context.Context) (map[int64]time.Time, error)
}

// CashPositionRepository stores replayed cash positions
type CashPositionRepository interface {
	Upsert(ctx context.Context, p *models.CashPosition) error
	Get(ctx context.Context, userID int64) (*models.CashPosition, error)
}

// IntradayRepository reads intraday valuations
type IntradayRepository interface {
	ListRange(ctx context.Context, userID int64, from, to time.Time) ([]models.IntradaySnapshot, error)
}

// BenchmarkRepository reads benchmark closes
type BenchmarkRepository interface {
	DailyRange(ctx context.Context, symbol string, from, to time.Time) ([]models.BenchmarkPoint, error)
	IntradayRange(ctx context.Context, symbol string, from, to time.Time) ([]models.BenchmarkPoint, error)
}

// CacheStore holds versioned cache records. Replace sets rec.Version.
type CacheStore interface {
	Get(ctx context.Context, key models.CacheKey) (*models.CacheRecord, error)
	Replace(ctx context.Context, rec *models.CacheRecord) error
}

// CacheIndex lists generation times of stored records by key prefix
type CacheIndex interface {
	GeneratedTimes(ctx context.Context, prefix string) (map[string]time.Time, error)
}
