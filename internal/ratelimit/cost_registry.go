package ratelimit

import (
	"sort"
	"sync"
)

// Rebuild operations that draw from the admission budget
const (
	OperationLeaderboard   = "rebuild_leaderboard"
	OperationCharts        = "rebuild_charts"
	OperationCashPositions = "rebuild_cash_positions"
	OperationIntraday      = "rebuild_intraday_charts"
)

// Default costs in rebuild units. A leaderboard pass scores every user for
// every period, so it is the most expensive.
const (
	DefaultCost       = 5
	CostLeaderboard   = 20
	CostCharts        = 15
	CostCashPositions = 5
	CostIntraday      = 5
)

// CostRegistry maps rebuild operations to their cost.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry.
type CostRegistryConfig struct {
	// DefaultCost applies to unknown operations; zero uses DefaultCost.
	DefaultCost int
	// Overrides replace the built-in costs.
	Overrides map[string]int
}

// NewCostRegistry creates a registry with the default costs. cfg may be nil.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]int{
		OperationLeaderboard:   CostLeaderboard,
		OperationCharts:        CostCharts,
		OperationCashPositions: CostCashPositions,
		OperationIntraday:      CostIntraday,
	}
	defaultCost := DefaultCost

	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for op, cost := range cfg.Overrides {
			if cost > 0 {
				costs[op] = cost
			}
		}
	}

	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// Cost returns the cost of an operation, or the default for unknown ones.
func (r *CostRegistry) Cost(operation string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[operation]; ok {
		return cost
	}
	return r.defaultCost
}

// SingleUserCost is the cost of an operation scoped to one user. It is a
// fifth of the full cost, never below one unit.
func (r *CostRegistry) SingleUserCost(operation string) int {
	cost := r.Cost(operation) / 5
	if cost < 1 {
		cost = 1
	}
	return cost
}

// SetCost updates the cost of an operation; non-positive costs are ignored.
func (r *CostRegistry) SetCost(operation string, cost int) {
	if cost <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[operation] = cost
}

// Operations returns the known operation names, sorted
func (r *CostRegistry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.costs))
	for op := range r.costs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
