// Package ratelimit coordinates rebuild admission across processes. Every API
// replica, the worker and perfctl draw rebuild units from shared Redis
// counters, so ad hoc rebuild requests cannot crowd out the scheduled runs.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 60          // rebuild units per window
	DefaultReservedBudget = 40          // reserved for scheduled runs
	DefaultWindowSize     = time.Minute // fixed window aligned to its size
)

// Redis key prefixes for rebuild admission.
const (
	KeyPrefixTotal     = "rebuild:budget:total:"
	KeyPrefixReserved  = "rebuild:budget:reserved:"
	KeyPrefixShared    = "rebuild:budget:shared:"
	KeyPrefixOperation = "rebuild:budget:op:"
)

// ErrMaxWaitExceeded is returned when budget did not free up in time.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rebuild budget")

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for scheduled worker runs (uses reserved budget).
	PriorityHigh Priority = iota
	// PriorityLow is for ad hoc API and CLI rebuilds (uses shared budget).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// BudgetTracker is a fixed-window admission counter kept in Redis with
// separate pools for scheduled (reserved) and ad hoc (shared) rebuilds.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	TotalBudget    int
	ReservedBudget int
	WindowSize     time.Duration
}

// Usage is the consumption of the current window.
type Usage struct {
	TotalUsed      int       `json:"total_used"`
	ReservedUsed   int       `json:"reserved_used"`
	SharedUsed     int       `json:"shared_used"`
	TotalBudget    int       `json:"total_budget"`
	ReservedBudget int       `json:"reserved_budget"`
	SharedBudget   int       `json:"shared_budget"`
	WindowStart    time.Time `json:"window_start"`
}

func (c *BudgetTrackerConfig) withDefaults() BudgetTrackerConfig {
	out := *c
	if out.TotalBudget == 0 {
		out.TotalBudget = DefaultTotalBudget
	}
	if out.ReservedBudget == 0 {
		out.ReservedBudget = DefaultReservedBudget
	}
	if out.WindowSize == 0 {
		out.WindowSize = DefaultWindowSize
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}

	d := c.withDefaults()
	if d.ReservedBudget > d.TotalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", d.ReservedBudget, d.TotalBudget)
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := cfg.withDefaults()
	return &BudgetTracker{
		redis:          d.Redis,
		totalBudget:    d.TotalBudget,
		reservedBudget: d.ReservedBudget,
		sharedBudget:   d.TotalBudget - d.ReservedBudget,
		windowSize:     d.WindowSize,
		keyTTL:         2 * d.WindowSize,
		now:            time.Now,
	}, nil
}

// windowTimestamp returns the start of the current window in milliseconds
func (t *BudgetTracker) windowTimestamp() int64 {
	return t.now().Truncate(t.windowSize).UnixMilli()
}

func (t *BudgetTracker) keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// consumeScript checks both the total and the pool counter before
// incrementing either, so concurrent callers never overshoot.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// TryConsume attempts to take cost units from the pool of priority. When
// denied it returns the time until the next window. A Redis failure denies.
func (t *BudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		return false, t.waitTime(windowTS)
	}
	return true, 0
}

// WaitForBudget blocks until cost units are admitted, ctx is done or maxWait
// has passed.
func (t *BudgetTracker) WaitForBudget(ctx context.Context, cost int, priority Priority, maxWait time.Duration) error {
	deadline := t.now().Add(maxWait)
	for {
		allowed, wait := t.TryConsume(ctx, cost, priority)
		if allowed {
			return nil
		}
		if t.now().Add(wait).After(deadline) {
			return ErrMaxWaitExceeded
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitTime returns the time until the next window starts.
func (t *BudgetTracker) waitTime(windowTS int64) time.Duration {
	end := time.UnixMilli(windowTS).Add(t.windowSize)
	wait := end.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns the consumption of the current window.
func (t *BudgetTracker) Usage(ctx context.Context) (*Usage, error) {
	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// redis.Nil only means the window has no consumption yet
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read rebuild budget: %w", err)
	}

	return &Usage{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS).UTC(),
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// RecordOperation counts units spent per rebuild operation. It is for
// monitoring and does not affect admission.
func (t *BudgetTracker) RecordOperation(ctx context.Context, operation string, cost int) error {
	if cost <= 0 || operation == "" {
		return nil
	}

	key := fmt.Sprintf("%s%s:%d", KeyPrefixOperation, operation, t.windowTimestamp())
	pipe := t.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(cost))
	pipe.Expire(ctx, key, t.keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Available returns the units left in the pool of priority.
func (t *BudgetTracker) Available(ctx context.Context, priority Priority) (int, error) {
	u, err := t.Usage(ctx)
	if err != nil {
		return 0, err
	}

	available := t.sharedBudget - u.SharedUsed
	if priority == PriorityHigh {
		available = t.reservedBudget - u.ReservedUsed
	}
	if left := t.totalBudget - u.TotalUsed; left < available {
		available = left
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// WindowSize returns the configured window size.
func (t *BudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
